package alerting

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"esocore-server/shared/logx"

	"esocore-server/server/internal/models"
)

type fakeRuleStore struct {
	rules []models.AlertRule
}

func (f *fakeRuleStore) ListCandidates(ctx context.Context, eventType string, siteID uuid.UUID) ([]models.AlertRule, error) {
	var out []models.AlertRule
	for _, r := range f.rules {
		if r.EventType != eventType || !r.Enabled {
			continue
		}
		if r.SiteID != nil && *r.SiteID != siteID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// fakeQueue mimics the cooldown window check with an in-memory record of
// the last time each rule fired.
type fakeQueue struct {
	lastFired map[uuid.UUID]time.Time
	now       time.Time
	entries   []models.NotificationQueueEntry
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{lastFired: map[uuid.UUID]time.Time{}, now: time.Now()}
}

func (f *fakeQueue) EnqueueUnderCooldown(ctx context.Context, rule models.AlertRule, event models.SystemEvent, defaultMaxRetries int) (bool, []models.NotificationQueueEntry, error) {
	if last, ok := f.lastFired[rule.RuleID]; ok && f.now.Sub(last) < time.Duration(rule.CooldownMinutes)*time.Minute {
		return false, nil, nil
	}
	f.lastFired[rule.RuleID] = f.now
	var created []models.NotificationQueueEntry
	for _, ch := range rule.Channels {
		entry := models.NotificationQueueEntry{
			EntryID:    uuid.New(),
			RuleID:     rule.RuleID,
			EventID:    event.EventID,
			Channel:    ch.Channel,
			Target:     ch.Target,
			Status:     models.NotificationStatusPending,
			MaxRetries: defaultMaxRetries,
		}
		created = append(created, entry)
		f.entries = append(f.entries, entry)
	}
	return true, created, nil
}

func testLogger() logx.Logger {
	return logx.New("alerting-test", "test", "", "error")
}

func deviceRule(deviceID uuid.UUID) models.AlertRule {
	return models.AlertRule{
		RuleID:          uuid.New(),
		Name:            "spindle overtemp",
		EventType:       "threshold_exceeded",
		Scope:           models.AlertScopeDevice,
		DeviceID:        &deviceID,
		Condition:       models.RuleCondition{Kind: models.ConditionAlways},
		CooldownMinutes: 60,
		Channels:        []models.ChannelTarget{{Channel: "email", Target: "ops@example.com"}},
		Enabled:         true,
	}
}

func eventFor(deviceID uuid.UUID) models.SystemEvent {
	return models.SystemEvent{
		EventID:   uuid.New(),
		SiteID:    uuid.New(),
		DeviceID:  &deviceID,
		EventType: "threshold_exceeded",
		Severity:  models.SeverityMedium,
	}
}

func TestEvaluateEnqueuesMatchingRule(t *testing.T) {
	deviceID := uuid.New()
	rules := &fakeRuleStore{rules: []models.AlertRule{deviceRule(deviceID)}}
	queue := newFakeQueue()
	ev := NewEvaluator(rules, queue, testLogger(), 3)

	n, err := ev.Evaluate(context.Background(), eventFor(deviceID))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if n != 1 || len(queue.entries) != 1 {
		t.Fatalf("expected 1 notification, got %d", n)
	}
	if queue.entries[0].MaxRetries != 3 {
		t.Fatalf("expected default max retries, got %d", queue.entries[0].MaxRetries)
	}
}

func TestEvaluateDeviceScopeMismatch(t *testing.T) {
	rules := &fakeRuleStore{rules: []models.AlertRule{deviceRule(uuid.New())}}
	queue := newFakeQueue()
	ev := NewEvaluator(rules, queue, testLogger(), 3)

	n, err := ev.Evaluate(context.Background(), eventFor(uuid.New()))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no notifications for other device, got %d", n)
	}
}

func TestEvaluateCooldownSuppressesSecondFire(t *testing.T) {
	deviceID := uuid.New()
	rules := &fakeRuleStore{rules: []models.AlertRule{deviceRule(deviceID)}}
	queue := newFakeQueue()
	ev := NewEvaluator(rules, queue, testLogger(), 3)

	if _, err := ev.Evaluate(context.Background(), eventFor(deviceID)); err != nil {
		t.Fatalf("first evaluate failed: %v", err)
	}
	n, err := ev.Evaluate(context.Background(), eventFor(deviceID))
	if err != nil {
		t.Fatalf("second evaluate failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected cooldown suppression, got %d notifications", n)
	}
	if len(queue.entries) != 1 {
		t.Fatalf("expected one enqueued entry total, got %d", len(queue.entries))
	}
}

func TestMatchesScope(t *testing.T) {
	deviceID := uuid.New()
	assetID := uuid.New()
	event := models.SystemEvent{DeviceID: &deviceID, AssetID: &assetID}

	if !MatchesScope(models.AlertRule{Scope: models.AlertScopeGlobal}, event) {
		t.Fatalf("global rule should match any event")
	}
	if !MatchesScope(models.AlertRule{Scope: models.AlertScopeAsset, AssetID: &assetID}, event) {
		t.Fatalf("asset rule should match event's asset")
	}
	otherAsset := uuid.New()
	if MatchesScope(models.AlertRule{Scope: models.AlertScopeAsset, AssetID: &otherAsset}, event) {
		t.Fatalf("asset rule must not match a different asset")
	}
	if MatchesScope(models.AlertRule{Scope: models.AlertScopeDevice}, event) {
		t.Fatalf("device rule without a device binding must not match")
	}
	if MatchesScope(models.AlertRule{Scope: "fleet"}, event) {
		t.Fatalf("unknown scope must not match")
	}
}

func TestConditionMet(t *testing.T) {
	high := models.SystemEvent{Severity: models.SeverityHigh}
	low := models.SystemEvent{Severity: models.SeverityLow}

	atLeastMedium := models.RuleCondition{Kind: models.ConditionSeverityAtLeast, MinSeverity: models.SeverityMedium}
	if !ConditionMet(atLeastMedium, high) {
		t.Fatalf("high should satisfy severity_at_least medium")
	}
	if ConditionMet(atLeastMedium, low) {
		t.Fatalf("low must not satisfy severity_at_least medium")
	}
	if !ConditionMet(models.RuleCondition{Kind: models.ConditionAlways}, low) {
		t.Fatalf("always condition should match")
	}
	if !ConditionMet(models.RuleCondition{}, low) {
		t.Fatalf("empty condition defaults to always")
	}
	if ConditionMet(models.RuleCondition{Kind: "regex"}, high) {
		t.Fatalf("unknown condition kind must not match")
	}
}
