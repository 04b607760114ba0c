package repos

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"esocore-server/shared/sitex"

	"esocore-server/server/internal/models"
)

var ErrNotificationNotFound = errors.New("notification entry not found")

type NotificationsRepo struct {
	pool *pgxpool.Pool
}

func NewNotificationsRepo(pool *pgxpool.Pool) *NotificationsRepo {
	return &NotificationsRepo{pool: pool}
}

const entryColumns = `
	entry_id, rule_id, event_id, site_id, channel, target, status, retry_count, max_retries,
	is_escalation, next_retry_at, sent_at, error_message, created_at, updated_at`

func scanEntry(row pgx.Row) (models.NotificationQueueEntry, error) {
	var e models.NotificationQueueEntry
	err := row.Scan(
		&e.EntryID, &e.RuleID, &e.EventID, &e.SiteID, &e.Channel, &e.Target, &e.Status, &e.RetryCount, &e.MaxRetries,
		&e.IsEscalation, &e.NextRetryAt, &e.SentAt, &e.ErrorMessage, &e.CreatedAt, &e.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.NotificationQueueEntry{}, ErrNotificationNotFound
	}
	return e, err
}

func (r *NotificationsRepo) Insert(ctx context.Context, entry models.NotificationQueueEntry) (models.NotificationQueueEntry, error) {
	if entry.Status == "" {
		entry.Status = models.NotificationStatusPending
	}
	return scanEntry(r.pool.QueryRow(ctx, `
		INSERT INTO notification_queue (rule_id, event_id, site_id, channel, target, status, retry_count, max_retries, is_escalation, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, now(), now())
		RETURNING `+entryColumns+`
	`, entry.RuleID, entry.EventID, entry.SiteID, entry.Channel, entry.Target, entry.Status, entry.MaxRetries, entry.IsEscalation))
}

// ListDue returns entries ready for a delivery attempt. Attempt updates
// are guarded by retry_count so a stale scan cannot double-deliver.
func (r *NotificationsRepo) ListDue(ctx context.Context, limit int) ([]models.NotificationQueueEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM notification_queue
		WHERE status IN ($1, $2) AND (next_retry_at IS NULL OR next_retry_at <= now())
		ORDER BY created_at
		LIMIT $3
	`, models.NotificationStatusPending, models.NotificationStatusRetry, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]models.NotificationQueueEntry, 0, limit)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *NotificationsRepo) GetByID(ctx context.Context, entryID uuid.UUID) (models.NotificationQueueEntry, error) {
	return scanEntry(r.pool.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM notification_queue
		WHERE entry_id = $1
	`, entryID))
}

// MarkSent finalizes a successful attempt. The retry_count guard makes
// the update a no-op when another attempt already advanced the entry.
func (r *NotificationsRepo) MarkSent(ctx context.Context, entryID uuid.UUID, retryCount int) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE notification_queue
		SET status = $2, sent_at = now(), error_message = NULL, updated_at = now()
		WHERE entry_id = $1 AND retry_count = $3 AND status IN ($4, $5)
	`, entryID, models.NotificationStatusSent, retryCount, models.NotificationStatusPending, models.NotificationStatusRetry)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *NotificationsRepo) MarkRetry(ctx context.Context, entryID uuid.UUID, retryCount int, nextRetryAt time.Time, errMsg string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE notification_queue
		SET status = $2, retry_count = retry_count + 1, next_retry_at = $3, error_message = $4, updated_at = now()
		WHERE entry_id = $1 AND retry_count = $5 AND status IN ($6, $7)
	`, entryID, models.NotificationStatusRetry, nextRetryAt.UTC(), errMsg, retryCount, models.NotificationStatusPending, models.NotificationStatusRetry)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *NotificationsRepo) MarkFailed(ctx context.Context, entryID uuid.UUID, retryCount int, errMsg string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE notification_queue
		SET status = $2, next_retry_at = NULL, error_message = $3, updated_at = now()
		WHERE entry_id = $1 AND retry_count = $4 AND status IN ($5, $6)
	`, entryID, models.NotificationStatusFailed, errMsg, retryCount, models.NotificationStatusPending, models.NotificationStatusRetry)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *NotificationsRepo) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT status, count(*) FROM notification_queue GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (r *NotificationsRepo) List(ctx context.Context, scope sitex.Scope, status string, limit int, offset int) ([]models.NotificationQueueEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + entryColumns + `
		FROM notification_queue
		WHERE 1=1`
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if !scope.AllSites {
		if len(scope.SiteIDs) == 0 {
			return nil, nil
		}
		query += ` AND site_id = ANY(` + arg(scope.SiteIDs) + `)`
	}
	if status != "" {
		query += ` AND status = ` + arg(status)
	}
	query += ` ORDER BY created_at DESC LIMIT ` + arg(limit) + ` OFFSET ` + arg(offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.NotificationQueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
