package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"esocore-server/shared/logx"

	"esocore-server/server/internal/models"
	"esocore-server/server/internal/repos"
)

type fakeQueue struct {
	entries map[uuid.UUID]*models.NotificationQueueEntry
}

func newFakeQueue(entries ...models.NotificationQueueEntry) *fakeQueue {
	q := &fakeQueue{entries: map[uuid.UUID]*models.NotificationQueueEntry{}}
	for i := range entries {
		e := entries[i]
		q.entries[e.EntryID] = &e
	}
	return q
}

func (q *fakeQueue) ListDue(ctx context.Context, limit int) ([]models.NotificationQueueEntry, error) {
	var due []models.NotificationQueueEntry
	for _, e := range q.entries {
		if e.Status == models.NotificationStatusPending || e.Status == models.NotificationStatusRetry {
			due = append(due, *e)
		}
	}
	return due, nil
}

func (q *fakeQueue) GetByID(ctx context.Context, entryID uuid.UUID) (models.NotificationQueueEntry, error) {
	e, ok := q.entries[entryID]
	if !ok {
		return models.NotificationQueueEntry{}, repos.ErrNotificationNotFound
	}
	return *e, nil
}

func (q *fakeQueue) Insert(ctx context.Context, entry models.NotificationQueueEntry) (models.NotificationQueueEntry, error) {
	entry.EntryID = uuid.New()
	q.entries[entry.EntryID] = &entry
	return entry, nil
}

func (q *fakeQueue) MarkSent(ctx context.Context, entryID uuid.UUID, retryCount int) (bool, error) {
	e, ok := q.entries[entryID]
	if !ok || e.RetryCount != retryCount {
		return false, nil
	}
	now := time.Now()
	e.Status = models.NotificationStatusSent
	e.SentAt = &now
	return true, nil
}

func (q *fakeQueue) MarkRetry(ctx context.Context, entryID uuid.UUID, retryCount int, nextRetryAt time.Time, errMsg string) (bool, error) {
	e, ok := q.entries[entryID]
	if !ok || e.RetryCount != retryCount {
		return false, nil
	}
	e.Status = models.NotificationStatusRetry
	e.RetryCount++
	e.NextRetryAt = &nextRetryAt
	e.ErrorMessage = &errMsg
	return true, nil
}

func (q *fakeQueue) MarkFailed(ctx context.Context, entryID uuid.UUID, retryCount int, errMsg string) (bool, error) {
	e, ok := q.entries[entryID]
	if !ok || e.RetryCount != retryCount {
		return false, nil
	}
	e.Status = models.NotificationStatusFailed
	e.ErrorMessage = &errMsg
	return true, nil
}

type fakeEvents struct {
	event models.SystemEvent
}

func (f *fakeEvents) GetByID(ctx context.Context, eventID uuid.UUID) (models.SystemEvent, error) {
	return f.event, nil
}

type fakeRules struct {
	rule models.AlertRule
	err  error
}

func (f *fakeRules) GetByID(ctx context.Context, ruleID uuid.UUID) (models.AlertRule, error) {
	if f.err != nil {
		return models.AlertRule{}, f.err
	}
	return f.rule, nil
}

type scriptedProvider struct {
	errs  []error
	calls int
}

func (p *scriptedProvider) Send(ctx context.Context, msg Message) error {
	i := p.calls
	p.calls++
	if i < len(p.errs) {
		return p.errs[i]
	}
	return nil
}

func testLogger() logx.Logger {
	return logx.New("dispatch-test", "test", "", "error")
}

func pendingEntry(maxRetries int) models.NotificationQueueEntry {
	return models.NotificationQueueEntry{
		EntryID:    uuid.New(),
		RuleID:     uuid.New(),
		EventID:    uuid.New(),
		SiteID:     uuid.New(),
		Channel:    "email",
		Target:     "ops@example.com",
		Status:     models.NotificationStatusPending,
		MaxRetries: maxRetries,
	}
}

func newDispatcher(q *fakeQueue, rules RuleStore, provider Provider) *Dispatcher {
	return NewDispatcher(q, &fakeEvents{event: models.SystemEvent{
		EventID:   uuid.New(),
		EventType: "threshold_exceeded",
		Severity:  models.SeverityHigh,
		Message:   "vibration out of range",
	}}, rules, map[string]Provider{"email": provider}, testLogger(), time.Second, 3)
}

func TestAttemptSuccess(t *testing.T) {
	entry := pendingEntry(3)
	q := newFakeQueue(entry)
	d := newDispatcher(q, &fakeRules{err: repos.ErrRuleNotFound}, &scriptedProvider{})

	if err := d.Attempt(context.Background(), entry.EntryID, 0); err != nil {
		t.Fatalf("attempt failed: %v", err)
	}
	got := q.entries[entry.EntryID]
	if got.Status != models.NotificationStatusSent || got.SentAt == nil {
		t.Fatalf("expected sent entry, got status %s", got.Status)
	}
}

func TestAttemptTransientFailureSchedulesRetry(t *testing.T) {
	entry := pendingEntry(3)
	q := newFakeQueue(entry)
	d := newDispatcher(q, &fakeRules{err: repos.ErrRuleNotFound}, &scriptedProvider{errs: []error{errors.New("connection refused")}})

	if err := d.Attempt(context.Background(), entry.EntryID, 0); err != nil {
		t.Fatalf("attempt failed: %v", err)
	}
	got := q.entries[entry.EntryID]
	if got.Status != models.NotificationStatusRetry || got.RetryCount != 1 {
		t.Fatalf("expected retry state, got %s retry_count=%d", got.Status, got.RetryCount)
	}
	if got.NextRetryAt == nil || !got.NextRetryAt.After(time.Now()) {
		t.Fatalf("expected future next_retry_at, got %v", got.NextRetryAt)
	}
}

func TestAttemptExhaustedRetriesFails(t *testing.T) {
	entry := pendingEntry(3)
	entry.Status = models.NotificationStatusRetry
	entry.RetryCount = 3
	q := newFakeQueue(entry)
	d := newDispatcher(q, &fakeRules{err: repos.ErrRuleNotFound}, &scriptedProvider{errs: []error{errors.New("still down")}})

	if err := d.Attempt(context.Background(), entry.EntryID, 3); err != nil {
		t.Fatalf("attempt failed: %v", err)
	}
	got := q.entries[entry.EntryID]
	if got.Status != models.NotificationStatusFailed {
		t.Fatalf("expected failed after exhausting retries, got %s", got.Status)
	}
}

func TestAttemptPermanentFailureSkipsRetries(t *testing.T) {
	entry := pendingEntry(3)
	q := newFakeQueue(entry)
	d := newDispatcher(q, &fakeRules{err: repos.ErrRuleNotFound}, &scriptedProvider{errs: []error{Permanent(errors.New("unknown recipient"))}})

	if err := d.Attempt(context.Background(), entry.EntryID, 0); err != nil {
		t.Fatalf("attempt failed: %v", err)
	}
	got := q.entries[entry.EntryID]
	if got.Status != models.NotificationStatusFailed || got.RetryCount != 0 {
		t.Fatalf("expected immediate failure, got %s retry_count=%d", got.Status, got.RetryCount)
	}
}

func TestAttemptStaleTaskIsNoop(t *testing.T) {
	entry := pendingEntry(3)
	entry.RetryCount = 2
	entry.Status = models.NotificationStatusRetry
	q := newFakeQueue(entry)
	provider := &scriptedProvider{}
	d := newDispatcher(q, &fakeRules{err: repos.ErrRuleNotFound}, provider)

	if err := d.Attempt(context.Background(), entry.EntryID, 1); err != nil {
		t.Fatalf("attempt failed: %v", err)
	}
	if provider.calls != 0 {
		t.Fatalf("stale task must not reach the provider")
	}
}

func TestTerminalFailureEscalates(t *testing.T) {
	entry := pendingEntry(0)
	q := newFakeQueue(entry)
	rules := &fakeRules{rule: models.AlertRule{
		RuleID: entry.RuleID,
		Escalation: &models.Escalation{
			AfterAttempts: 1,
			Channel:       models.ChannelTarget{Channel: "sms", Target: "+15550100"},
		},
	}}
	d := newDispatcher(q, rules, &scriptedProvider{errs: []error{errors.New("relay down")}})

	if err := d.Attempt(context.Background(), entry.EntryID, 0); err != nil {
		t.Fatalf("attempt failed: %v", err)
	}

	var escalated *models.NotificationQueueEntry
	for _, e := range q.entries {
		if e.IsEscalation {
			escalated = e
		}
	}
	if escalated == nil {
		t.Fatalf("expected escalation entry")
	}
	if escalated.Channel != "sms" || escalated.Target != "+15550100" {
		t.Fatalf("unexpected escalation channel %s/%s", escalated.Channel, escalated.Target)
	}
}

func TestEscalationEntryDoesNotReescalate(t *testing.T) {
	entry := pendingEntry(0)
	entry.IsEscalation = true
	q := newFakeQueue(entry)
	rules := &fakeRules{rule: models.AlertRule{
		RuleID:     entry.RuleID,
		Escalation: &models.Escalation{AfterAttempts: 1, Channel: models.ChannelTarget{Channel: "sms", Target: "x"}},
	}}
	d := newDispatcher(q, rules, &scriptedProvider{errs: []error{errors.New("relay down")}})

	if err := d.Attempt(context.Background(), entry.EntryID, 0); err != nil {
		t.Fatalf("attempt failed: %v", err)
	}
	if len(q.entries) != 1 {
		t.Fatalf("escalation entry must not spawn another escalation")
	}
}

func TestDelayBounds(t *testing.T) {
	low := delayWithJitter(1, 0)
	high := delayWithJitter(1, 1)
	if low != 24*time.Second || high != 36*time.Second {
		t.Fatalf("unexpected jitter bounds for attempt 1: %v .. %v", low, high)
	}

	center := delayWithJitter(2, 0.5)
	if center != time.Minute {
		t.Fatalf("attempt 2 should center on 1m, got %v", center)
	}

	capped := delayWithJitter(30, 0.5)
	if capped != backoffCap {
		t.Fatalf("expected cap %v, got %v", backoffCap, capped)
	}
}

func TestClassifyStatus(t *testing.T) {
	if err := classifyStatus(200, nil); err != nil {
		t.Fatalf("2xx must be success: %v", err)
	}
	if err := classifyStatus(503, nil); err == nil || IsPermanent(err) {
		t.Fatalf("5xx must be transient")
	}
	if err := classifyStatus(429, nil); err == nil || IsPermanent(err) {
		t.Fatalf("429 must be transient")
	}
	if err := classifyStatus(400, nil); err == nil || !IsPermanent(err) {
		t.Fatalf("400 must be permanent")
	}
}
