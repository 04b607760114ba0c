package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"esocore-server/server/internal/models"
)

type TelemetryRepo struct {
	pool *pgxpool.Pool
}

func NewTelemetryRepo(pool *pgxpool.Pool) *TelemetryRepo {
	return &TelemetryRepo{pool: pool}
}

const packetColumns = `
	packet_id, device_id, site_id, idempotency_key, status, record_count,
	checksum_sha256, error_message, received_at, processed_at`

func scanPacket(row pgx.Row) (models.TelemetryPacket, error) {
	var p models.TelemetryPacket
	err := row.Scan(
		&p.PacketID, &p.DeviceID, &p.SiteID, &p.IdempotencyKey, &p.Status, &p.RecordCount,
		&p.ChecksumSHA256, &p.ErrorMessage, &p.ReceivedAt, &p.ProcessedAt,
	)
	return p, err
}

// CreatePacket reserves the idempotency key for the device in a single
// statement. The returned bool is false when the key was already taken,
// in which case the existing packet is returned.
func (r *TelemetryRepo) CreatePacket(ctx context.Context, deviceID uuid.UUID, siteID uuid.UUID, idempotencyKey string, checksum string) (models.TelemetryPacket, bool, error) {
	now := time.Now().UTC()
	p, err := scanPacket(r.pool.QueryRow(ctx, `
		INSERT INTO telemetry_packets (device_id, site_id, idempotency_key, status, record_count, checksum_sha256, received_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6)
		ON CONFLICT (device_id, idempotency_key) DO NOTHING
		RETURNING `+packetColumns+`
	`, deviceID, siteID, idempotencyKey, models.PacketStatusProcessing, checksum, now))
	if err == nil {
		return p, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.TelemetryPacket{}, false, err
	}

	p, err = scanPacket(r.pool.QueryRow(ctx, `
		SELECT `+packetColumns+`
		FROM telemetry_packets
		WHERE device_id = $1 AND idempotency_key = $2
	`, deviceID, idempotencyKey))
	if err != nil {
		return models.TelemetryPacket{}, false, err
	}
	return p, false, nil
}

func (r *TelemetryRepo) GetPacket(ctx context.Context, packetID uuid.UUID) (models.TelemetryPacket, error) {
	return scanPacket(r.pool.QueryRow(ctx, `
		SELECT `+packetColumns+`
		FROM telemetry_packets
		WHERE packet_id = $1
	`, packetID))
}

func (r *TelemetryRepo) InsertPoint(ctx context.Context, point models.TelemetryPoint) (models.TelemetryPoint, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO telemetry_points (packet_id, device_id, site_id, metric, value, unit, labels, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING point_id
	`, point.PacketID, point.DeviceID, point.SiteID, point.Metric, point.Value, point.Unit, point.Labels, point.RecordedAt.UTC()).
		Scan(&point.PointID)
	return point, err
}

func (r *TelemetryRepo) FinishPacket(ctx context.Context, packetID uuid.UUID, recordCount int) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE telemetry_packets
		SET status = $2, record_count = $3, processed_at = now()
		WHERE packet_id = $1
	`, packetID, models.PacketStatusProcessed, recordCount)
	return err
}

func (r *TelemetryRepo) FailPacket(ctx context.Context, packetID uuid.UUID, errMsg string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE telemetry_packets
		SET status = $2, error_message = $3, processed_at = now()
		WHERE packet_id = $1
	`, packetID, models.PacketStatusFailed, errMsg)
	return err
}

func (r *TelemetryRepo) ListPoints(ctx context.Context, deviceID uuid.UUID, since time.Time, limit int) ([]models.TelemetryPoint, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.pool.Query(ctx, `
		SELECT point_id, packet_id, device_id, site_id, metric, value, unit, labels, recorded_at
		FROM telemetry_points
		WHERE device_id = $1 AND recorded_at >= $2
		ORDER BY recorded_at DESC
		LIMIT $3
	`, deviceID, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []models.TelemetryPoint
	for rows.Next() {
		var p models.TelemetryPoint
		if err := rows.Scan(&p.PointID, &p.PacketID, &p.DeviceID, &p.SiteID, &p.Metric, &p.Value, &p.Unit, &p.Labels, &p.RecordedAt); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}
