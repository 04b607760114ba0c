// Package alerting matches stored system events against alert rules and
// enqueues notifications, honoring per-rule cooldown windows.
package alerting

import (
	"context"

	"log/slog"

	"github.com/google/uuid"

	"esocore-server/shared/logx"
	"esocore-server/shared/metricsx"

	"esocore-server/server/internal/models"
)

type RuleStore interface {
	ListCandidates(ctx context.Context, eventType string, siteID uuid.UUID) ([]models.AlertRule, error)
}

type Enqueuer interface {
	EnqueueUnderCooldown(ctx context.Context, rule models.AlertRule, event models.SystemEvent, defaultMaxRetries int) (bool, []models.NotificationQueueEntry, error)
}

type Evaluator struct {
	rules             RuleStore
	queue             Enqueuer
	log               logx.Logger
	defaultMaxRetries int
}

func NewEvaluator(rules RuleStore, queue Enqueuer, log logx.Logger, defaultMaxRetries int) *Evaluator {
	return &Evaluator{rules: rules, queue: queue, log: log, defaultMaxRetries: defaultMaxRetries}
}

// MatchesScope reports whether a rule applies to the event. Device and
// asset rules require the matching id on the event; global rules apply
// to every event of the type.
func MatchesScope(rule models.AlertRule, event models.SystemEvent) bool {
	switch rule.Scope {
	case models.AlertScopeDevice:
		return rule.DeviceID != nil && event.DeviceID != nil && *rule.DeviceID == *event.DeviceID
	case models.AlertScopeAsset:
		return rule.AssetID != nil && event.AssetID != nil && *rule.AssetID == *event.AssetID
	case models.AlertScopeGlobal:
		return true
	default:
		return false
	}
}

func ConditionMet(condition models.RuleCondition, event models.SystemEvent) bool {
	switch condition.Kind {
	case models.ConditionSeverityAtLeast:
		return models.SeverityAtLeast(event.Severity, condition.MinSeverity)
	case models.ConditionAlways, "":
		return true
	default:
		return false
	}
}

// Evaluate runs every matching rule against the event. Rule evaluation
// failures are isolated: one broken rule does not stop the rest.
func (e *Evaluator) Evaluate(ctx context.Context, event models.SystemEvent) (int, error) {
	rules, err := e.rules.ListCandidates(ctx, event.EventType, event.SiteID)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	var firstErr error
	for _, rule := range rules {
		if !MatchesScope(rule, event) || !ConditionMet(rule.Condition, event) {
			continue
		}
		fired, entries, err := e.queue.EnqueueUnderCooldown(ctx, rule, event, e.defaultMaxRetries)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			e.log.Error(ctx, "alert_enqueue_failed", "failed to enqueue notifications",
				slog.String("rule_id", rule.RuleID.String()),
				slog.String("event_id", event.EventID.String()),
				slog.Any("error", err),
			)
			continue
		}
		if !fired {
			metricsx.IncAlertSuppressed()
			e.log.Debug(ctx, "alert_suppressed", "rule within cooldown",
				slog.String("rule_id", rule.RuleID.String()),
				slog.String("event_id", event.EventID.String()),
			)
			continue
		}
		metricsx.IncAlertTriggered(rule.Scope)
		enqueued += len(entries)
		e.log.Info(ctx, "alert_triggered", "notifications enqueued",
			slog.String("rule_id", rule.RuleID.String()),
			slog.String("event_id", event.EventID.String()),
			slog.Int("notifications", len(entries)),
		)
	}
	return enqueued, firstErr
}
