// Package dispatch delivers queued notifications with bounded retries
// and exponential backoff.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"esocore-server/shared/logx"
	"esocore-server/shared/metricsx"

	"esocore-server/server/internal/models"
	"esocore-server/server/internal/repos"
)

type QueueStore interface {
	ListDue(ctx context.Context, limit int) ([]models.NotificationQueueEntry, error)
	GetByID(ctx context.Context, entryID uuid.UUID) (models.NotificationQueueEntry, error)
	Insert(ctx context.Context, entry models.NotificationQueueEntry) (models.NotificationQueueEntry, error)
	MarkSent(ctx context.Context, entryID uuid.UUID, retryCount int) (bool, error)
	MarkRetry(ctx context.Context, entryID uuid.UUID, retryCount int, nextRetryAt time.Time, errMsg string) (bool, error)
	MarkFailed(ctx context.Context, entryID uuid.UUID, retryCount int, errMsg string) (bool, error)
}

type EventStore interface {
	GetByID(ctx context.Context, eventID uuid.UUID) (models.SystemEvent, error)
}

type RuleStore interface {
	GetByID(ctx context.Context, ruleID uuid.UUID) (models.AlertRule, error)
}

type Dispatcher struct {
	queue          QueueStore
	events         EventStore
	rules          RuleStore
	providers      map[string]Provider
	log            logx.Logger
	attemptTimeout time.Duration
	maxRetries     int
}

func NewDispatcher(queue QueueStore, events EventStore, rules RuleStore, providers map[string]Provider, log logx.Logger, attemptTimeout time.Duration, defaultMaxRetries int) *Dispatcher {
	if attemptTimeout <= 0 {
		attemptTimeout = 10 * time.Second
	}
	return &Dispatcher{
		queue:          queue,
		events:         events,
		rules:          rules,
		providers:      providers,
		log:            log,
		attemptTimeout: attemptTimeout,
		maxRetries:     defaultMaxRetries,
	}
}

// Due returns entries ready for a delivery attempt.
func (d *Dispatcher) Due(ctx context.Context, limit int) ([]models.NotificationQueueEntry, error) {
	return d.queue.ListDue(ctx, limit)
}

// Attempt performs one delivery attempt for the entry. expectedRetryCount
// fences stale tasks: if the stored entry has advanced past the count the
// task was enqueued for, the attempt is a no-op. Failures on one entry
// never affect others; the caller runs entries independently.
func (d *Dispatcher) Attempt(ctx context.Context, entryID uuid.UUID, expectedRetryCount int) error {
	entry, err := d.queue.GetByID(ctx, entryID)
	if err != nil {
		return err
	}
	if entry.Status != models.NotificationStatusPending && entry.Status != models.NotificationStatusRetry {
		return nil
	}
	if expectedRetryCount >= 0 && entry.RetryCount != expectedRetryCount {
		return nil
	}

	event, err := d.events.GetByID(ctx, entry.EventID)
	if err != nil {
		return err
	}

	provider, ok := d.providers[entry.Channel]
	if !ok {
		return d.fail(ctx, entry, fmt.Errorf("no provider for channel %q", entry.Channel))
	}

	msg := Message{
		Target:    entry.Target,
		Subject:   fmt.Sprintf("[%s] %s", event.Severity, event.EventType),
		Body:      event.Message,
		EventID:   event.EventID.String(),
		EventType: event.EventType,
		Severity:  event.Severity,
		Payload:   event.Payload,
	}

	attemptCtx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
	defer cancel()

	start := time.Now()
	sendErr := provider.Send(attemptCtx, msg)
	metricsx.ObserveDispatchLatency(entry.Channel, time.Since(start))

	if sendErr == nil {
		applied, err := d.queue.MarkSent(ctx, entry.EntryID, entry.RetryCount)
		if err != nil {
			return err
		}
		if applied {
			metricsx.IncNotificationDispatched(entry.Channel, "sent")
			d.log.Info(ctx, "notification_sent", "notification delivered",
				slog.String("entry_id", entry.EntryID.String()),
				slog.String("channel", entry.Channel),
				slog.Int("retry_count", entry.RetryCount),
			)
		}
		return nil
	}

	if IsPermanent(sendErr) {
		return d.fail(ctx, entry, sendErr)
	}

	if entry.RetryCount >= entry.MaxRetries {
		return d.fail(ctx, entry, fmt.Errorf("retries exhausted: %w", sendErr))
	}

	nextRetryAt := time.Now().UTC().Add(Delay(entry.RetryCount + 1))
	applied, err := d.queue.MarkRetry(ctx, entry.EntryID, entry.RetryCount, nextRetryAt, sendErr.Error())
	if err != nil {
		return err
	}
	if applied {
		metricsx.IncNotificationDispatched(entry.Channel, "retry")
		d.log.Warn(ctx, "notification_retry", "delivery failed, retry scheduled",
			slog.String("entry_id", entry.EntryID.String()),
			slog.String("channel", entry.Channel),
			slog.Int("retry_count", entry.RetryCount+1),
			slog.Time("next_retry_at", nextRetryAt),
			slog.String("error", sendErr.Error()),
		)
	}
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, entry models.NotificationQueueEntry, cause error) error {
	applied, err := d.queue.MarkFailed(ctx, entry.EntryID, entry.RetryCount, cause.Error())
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	metricsx.IncNotificationDispatched(entry.Channel, "failed")
	d.log.Error(ctx, "notification_failed", "notification permanently failed",
		slog.String("entry_id", entry.EntryID.String()),
		slog.String("channel", entry.Channel),
		slog.Int("retry_count", entry.RetryCount),
		slog.String("error", cause.Error()),
	)
	return d.escalate(ctx, entry)
}

// escalate enqueues a one-shot entry on the rule's escalation channel
// after a terminal failure. Escalation entries never escalate again.
func (d *Dispatcher) escalate(ctx context.Context, entry models.NotificationQueueEntry) error {
	if entry.IsEscalation {
		return nil
	}
	rule, err := d.rules.GetByID(ctx, entry.RuleID)
	if err != nil {
		if errors.Is(err, repos.ErrRuleNotFound) {
			return nil
		}
		return err
	}
	if rule.Escalation == nil {
		return nil
	}
	if entry.RetryCount+1 < rule.Escalation.AfterAttempts {
		return nil
	}

	escalated, err := d.queue.Insert(ctx, models.NotificationQueueEntry{
		RuleID:       entry.RuleID,
		EventID:      entry.EventID,
		SiteID:       entry.SiteID,
		Channel:      rule.Escalation.Channel.Channel,
		Target:       rule.Escalation.Channel.Target,
		Status:       models.NotificationStatusPending,
		MaxRetries:   d.maxRetries,
		IsEscalation: true,
	})
	if err != nil {
		return err
	}
	d.log.Warn(ctx, "notification_escalated", "escalation enqueued",
		slog.String("entry_id", entry.EntryID.String()),
		slog.String("escalation_entry_id", escalated.EntryID.String()),
		slog.String("channel", escalated.Channel),
	)
	return nil
}
