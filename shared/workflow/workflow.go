package workflow

import "strings"

const (
	EventStatusActive       = "active"
	EventStatusAcknowledged = "acknowledged"
	EventStatusResolved     = "resolved"
	EventStatusSuppressed   = "suppressed"
)

const (
	EventActionAcknowledged = "event_acknowledged"
	EventActionResolved     = "event_resolved"
	EventActionSuppressed   = "event_suppressed"
)

// Acknowledgement and resolution are monotonic: a resolved or suppressed
// event never returns to active or acknowledged.
var eventTransitions = map[string]map[string]string{
	EventStatusActive: {
		EventStatusAcknowledged: EventActionAcknowledged,
		EventStatusResolved:     EventActionResolved,
		EventStatusSuppressed:   EventActionSuppressed,
	},
	EventStatusAcknowledged: {
		EventStatusResolved: EventActionResolved,
	},
}

func NormalizeEventStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

func CanTransition(fromStatus string, toStatus string) bool {
	fromStatus = NormalizeEventStatus(fromStatus)
	toStatus = NormalizeEventStatus(toStatus)
	if fromStatus == toStatus {
		return true
	}
	next := eventTransitions[fromStatus]
	if next == nil {
		return false
	}
	_, ok := next[toStatus]
	return ok
}

func ActionForTransition(fromStatus string, toStatus string) string {
	fromStatus = NormalizeEventStatus(fromStatus)
	toStatus = NormalizeEventStatus(toStatus)
	if fromStatus == toStatus {
		return ""
	}
	next := eventTransitions[fromStatus]
	if next == nil {
		return ""
	}
	return next[toStatus]
}

func AllEventStatuses() []string {
	return []string{
		EventStatusActive,
		EventStatusAcknowledged,
		EventStatusResolved,
		EventStatusSuppressed,
	}
}
