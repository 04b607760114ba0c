package repos

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"esocore-server/shared/sitex"

	"esocore-server/server/internal/models"
)

type AlertsRepo struct {
	pool *pgxpool.Pool
}

func NewAlertsRepo(pool *pgxpool.Pool) *AlertsRepo {
	return &AlertsRepo{pool: pool}
}

const ruleColumns = `
	rule_id, site_id, name, event_type, scope, device_id, asset_id, condition,
	cooldown_minutes, channels, escalation, enabled, created_at, updated_at`

func scanRule(row pgx.Row) (models.AlertRule, error) {
	var rule models.AlertRule
	var condition, channels, escalation []byte
	err := row.Scan(
		&rule.RuleID, &rule.SiteID, &rule.Name, &rule.EventType, &rule.Scope, &rule.DeviceID, &rule.AssetID, &condition,
		&rule.CooldownMinutes, &channels, &escalation, &rule.Enabled, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return models.AlertRule{}, err
	}
	if len(condition) > 0 {
		if err := json.Unmarshal(condition, &rule.Condition); err != nil {
			return models.AlertRule{}, err
		}
	}
	if len(channels) > 0 {
		if err := json.Unmarshal(channels, &rule.Channels); err != nil {
			return models.AlertRule{}, err
		}
	}
	if len(escalation) > 0 {
		if err := json.Unmarshal(escalation, &rule.Escalation); err != nil {
			return models.AlertRule{}, err
		}
	}
	return rule, nil
}

var ErrRuleNotFound = errors.New("alert rule not found")

func (r *AlertsRepo) GetByID(ctx context.Context, ruleID uuid.UUID) (models.AlertRule, error) {
	rule, err := scanRule(r.pool.QueryRow(ctx, `
		SELECT `+ruleColumns+`
		FROM alert_rules
		WHERE rule_id = $1
	`, ruleID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AlertRule{}, ErrRuleNotFound
	}
	return rule, err
}

// ListCandidates returns enabled rules for the event type that are
// either global or bound to the event's site.
func (r *AlertsRepo) ListCandidates(ctx context.Context, eventType string, siteID uuid.UUID) ([]models.AlertRule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+ruleColumns+`
		FROM alert_rules
		WHERE enabled AND event_type = $1 AND (site_id IS NULL OR site_id = $2)
		ORDER BY created_at
	`, eventType, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []models.AlertRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// List returns rules visible to the scope: site-bound rules for
// accessible sites plus global rules.
func (r *AlertsRepo) List(ctx context.Context, scope sitex.Scope, limit int, offset int) ([]models.AlertRule, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + ruleColumns + ` FROM alert_rules`
	args := []any{}
	if !scope.AllSites {
		if len(scope.SiteIDs) == 0 {
			return nil, nil
		}
		args = append(args, scope.SiteIDs)
		query += ` WHERE site_id IS NULL OR site_id = ANY($1)`
	}
	args = append(args, limit, offset)
	query += ` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []models.AlertRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// EnqueueUnderCooldown enqueues the rule's notifications for the event
// unless the rule fired within its cooldown window. The rule row is
// locked for the duration of the check so two concurrent matches cannot
// both pass the window test.
func (r *AlertsRepo) EnqueueUnderCooldown(ctx context.Context, rule models.AlertRule, event models.SystemEvent, defaultMaxRetries int) (bool, []models.NotificationQueueEntry, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var ruleID uuid.UUID
	err = tx.QueryRow(ctx, `
		SELECT rule_id FROM alert_rules WHERE rule_id = $1 AND enabled FOR UPDATE
	`, rule.RuleID).Scan(&ruleID)
	if errors.Is(err, pgx.ErrNoRows) {
		err = tx.Commit(ctx)
		return false, nil, err
	}
	if err != nil {
		return false, nil, err
	}

	if rule.CooldownMinutes > 0 {
		var lastFired *time.Time
		err = tx.QueryRow(ctx, `
			SELECT max(created_at) FROM notification_queue WHERE rule_id = $1
		`, rule.RuleID).Scan(&lastFired)
		if err != nil {
			return false, nil, err
		}
		if lastFired != nil && time.Since(*lastFired) < time.Duration(rule.CooldownMinutes)*time.Minute {
			err = tx.Commit(ctx)
			return false, nil, err
		}
	}

	now := time.Now().UTC()
	entries := make([]models.NotificationQueueEntry, 0, len(rule.Channels))
	for _, channel := range rule.Channels {
		var entry models.NotificationQueueEntry
		err = tx.QueryRow(ctx, `
			INSERT INTO notification_queue (rule_id, event_id, site_id, channel, target, status, retry_count, max_retries, is_escalation, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, 0, $7, false, $8, $8)
			RETURNING entry_id, rule_id, event_id, site_id, channel, target, status, retry_count, max_retries,
				is_escalation, next_retry_at, sent_at, error_message, created_at, updated_at
		`, rule.RuleID, event.EventID, event.SiteID, channel.Channel, channel.Target, models.NotificationStatusPending, defaultMaxRetries, now).
			Scan(
				&entry.EntryID, &entry.RuleID, &entry.EventID, &entry.SiteID, &entry.Channel, &entry.Target, &entry.Status, &entry.RetryCount, &entry.MaxRetries,
				&entry.IsEscalation, &entry.NextRetryAt, &entry.SentAt, &entry.ErrorMessage, &entry.CreatedAt, &entry.UpdatedAt,
			)
		if err != nil {
			return false, nil, err
		}
		entries = append(entries, entry)
	}

	if err = tx.Commit(ctx); err != nil {
		return false, nil, err
	}
	return true, entries, nil
}
