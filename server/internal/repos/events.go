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

	"esocore-server/shared/events"
	"esocore-server/shared/sitex"
	"esocore-server/shared/workflow"

	"esocore-server/server/internal/models"
)

var (
	ErrEventNotFound          = errors.New("event not found")
	ErrInvalidEventTransition = errors.New("invalid event transition")
)

type EventsRepo struct {
	pool *pgxpool.Pool
}

func NewEventsRepo(pool *pgxpool.Pool) *EventsRepo {
	return &EventsRepo{pool: pool}
}

const eventColumns = `
	event_id, site_id, device_id, asset_id, event_type, severity, status, message,
	payload, occurred_at, acknowledged_at, acknowledged_by, resolved_at, resolved_by, created_at`

func scanEvent(row pgx.Row) (models.SystemEvent, error) {
	var e models.SystemEvent
	err := row.Scan(
		&e.EventID, &e.SiteID, &e.DeviceID, &e.AssetID, &e.EventType, &e.Severity, &e.Status, &e.Message,
		&e.Payload, &e.OccurredAt, &e.AcknowledgedAt, &e.AcknowledgedBy, &e.ResolvedAt, &e.ResolvedBy, &e.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SystemEvent{}, ErrEventNotFound
	}
	return e, err
}

// Create inserts the event and an outbox row for the event bus in one
// transaction, so a crash never publishes an event that was not stored.
func (r *EventsRepo) Create(ctx context.Context, event models.SystemEvent) (models.SystemEvent, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.SystemEvent{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	event, err = insertEvent(ctx, tx, event)
	if err != nil {
		return models.SystemEvent{}, err
	}

	if err = insertEventOutbox(ctx, tx, event); err != nil {
		return models.SystemEvent{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.SystemEvent{}, err
	}
	return event, nil
}

func insertEvent(ctx context.Context, db DBTX, event models.SystemEvent) (models.SystemEvent, error) {
	if event.Status == "" {
		event.Status = workflow.EventStatusActive
	}
	if event.Severity == "" {
		event.Severity = models.SeverityLow
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	return scanEvent(db.QueryRow(ctx, `
		INSERT INTO system_events (site_id, device_id, asset_id, event_type, severity, status, message, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+eventColumns+`
	`, event.SiteID, event.DeviceID, event.AssetID, event.EventType, event.Severity, event.Status, event.Message, event.Payload, event.OccurredAt.UTC()))
}

func insertEventOutbox(ctx context.Context, db DBTX, event models.SystemEvent) error {
	envelope := events.Envelope{
		EventID:       uuid.New(),
		SiteID:        event.SiteID,
		OccurredAt:    event.OccurredAt,
		AggregateType: "system_event",
		AggregateID:   event.EventID,
		EventType:     event.EventType,
	}
	payload, err := json.Marshal(map[string]any{
		"event_id":   event.EventID,
		"event_type": event.EventType,
		"severity":   event.Severity,
		"message":    event.Message,
		"device_id":  event.DeviceID,
		"asset_id":   event.AssetID,
	})
	if err != nil {
		return err
	}
	envelope.Payload = payload

	body, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, `
		INSERT INTO outbox_events (outbox_id, site_id, aggregate_type, aggregate_id, topic, payload, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, now(), now())
	`, envelope.EventID, event.SiteID, envelope.AggregateType, event.EventID, events.TopicSystemEvents, body, OutboxStatusPending)
	return err
}

func (r *EventsRepo) GetByID(ctx context.Context, eventID uuid.UUID) (models.SystemEvent, error) {
	return scanEvent(r.pool.QueryRow(ctx, `
		SELECT `+eventColumns+`
		FROM system_events
		WHERE event_id = $1
	`, eventID))
}

// Acknowledge is monotonic: it only moves an active event forward and
// never clears a timestamp set by a concurrent call.
func (r *EventsRepo) Acknowledge(ctx context.Context, eventID uuid.UUID, actor string) (models.SystemEvent, error) {
	e, err := scanEvent(r.pool.QueryRow(ctx, `
		UPDATE system_events
		SET status = $2, acknowledged_at = now(), acknowledged_by = $3
		WHERE event_id = $1 AND status = $4
		RETURNING `+eventColumns+`
	`, eventID, workflow.EventStatusAcknowledged, actor, workflow.EventStatusActive))
	if errors.Is(err, ErrEventNotFound) {
		current, getErr := r.GetByID(ctx, eventID)
		if getErr != nil {
			return models.SystemEvent{}, getErr
		}
		if current.Status == workflow.EventStatusAcknowledged {
			return current, nil
		}
		return models.SystemEvent{}, ErrInvalidEventTransition
	}
	return e, err
}

func (r *EventsRepo) Resolve(ctx context.Context, eventID uuid.UUID, actor string) (models.SystemEvent, error) {
	e, err := scanEvent(r.pool.QueryRow(ctx, `
		UPDATE system_events
		SET status = $2, resolved_at = now(), resolved_by = $3
		WHERE event_id = $1 AND status IN ($4, $5)
		RETURNING `+eventColumns+`
	`, eventID, workflow.EventStatusResolved, actor, workflow.EventStatusActive, workflow.EventStatusAcknowledged))
	if errors.Is(err, ErrEventNotFound) {
		current, getErr := r.GetByID(ctx, eventID)
		if getErr != nil {
			return models.SystemEvent{}, getErr
		}
		if current.Status == workflow.EventStatusResolved {
			return current, nil
		}
		return models.SystemEvent{}, ErrInvalidEventTransition
	}
	return e, err
}

// Suppress only applies to active events; acknowledged events keep
// their operator trail and must be resolved instead.
func (r *EventsRepo) Suppress(ctx context.Context, eventID uuid.UUID, actor string) (models.SystemEvent, error) {
	e, err := scanEvent(r.pool.QueryRow(ctx, `
		UPDATE system_events
		SET status = $2
		WHERE event_id = $1 AND status = $3
		RETURNING `+eventColumns+`
	`, eventID, workflow.EventStatusSuppressed, workflow.EventStatusActive))
	if errors.Is(err, ErrEventNotFound) {
		current, getErr := r.GetByID(ctx, eventID)
		if getErr != nil {
			return models.SystemEvent{}, getErr
		}
		if current.Status == workflow.EventStatusSuppressed {
			return current, nil
		}
		return models.SystemEvent{}, ErrInvalidEventTransition
	}
	return e, err
}

type EventFilter struct {
	Status    string
	Severity  string
	EventType string
	DeviceID  *uuid.UUID
	Limit     int
	Offset    int
}

func (r *EventsRepo) List(ctx context.Context, scope sitex.Scope, filter EventFilter) ([]models.SystemEvent, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}

	query := `
		SELECT ` + eventColumns + `
		FROM system_events
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
	if filter.Status != "" {
		query += ` AND status = ` + arg(filter.Status)
	}
	if filter.Severity != "" {
		query += ` AND severity = ` + arg(filter.Severity)
	}
	if filter.EventType != "" {
		query += ` AND event_type = ` + arg(filter.EventType)
	}
	if filter.DeviceID != nil {
		query += ` AND device_id = ` + arg(*filter.DeviceID)
	}
	query += ` ORDER BY occurred_at DESC LIMIT ` + arg(filter.Limit) + ` OFFSET ` + arg(filter.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SystemEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
