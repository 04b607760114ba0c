package repos

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"esocore-server/server/internal/models"
)

var ErrDeviceNotFound = errors.New("device not found")

type DevicesRepo struct {
	pool *pgxpool.Pool
}

func NewDevicesRepo(pool *pgxpool.Pool) *DevicesRepo {
	return &DevicesRepo{pool: pool}
}

const deviceColumns = `
	device_id, site_id, asset_id, serial_number, model, firmware_version,
	rollout_channel, api_key, status, last_seen_at, created_at, updated_at`

func scanDevice(row pgx.Row) (models.Device, error) {
	var d models.Device
	err := row.Scan(
		&d.DeviceID, &d.SiteID, &d.AssetID, &d.SerialNumber, &d.Model, &d.FirmwareVersion,
		&d.RolloutChannel, &d.APIKey, &d.Status, &d.LastSeenAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Device{}, ErrDeviceNotFound
	}
	return d, err
}

func (r *DevicesRepo) GetBySerial(ctx context.Context, serialNumber string) (models.Device, error) {
	return scanDevice(r.pool.QueryRow(ctx, `
		SELECT `+deviceColumns+`
		FROM devices
		WHERE serial_number = $1
	`, serialNumber))
}

func (r *DevicesRepo) GetByID(ctx context.Context, deviceID uuid.UUID) (models.Device, error) {
	return scanDevice(r.pool.QueryRow(ctx, `
		SELECT `+deviceColumns+`
		FROM devices
		WHERE device_id = $1
	`, deviceID))
}

func (r *DevicesRepo) TouchLastSeen(ctx context.Context, deviceID uuid.UUID, seenAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE devices
		SET last_seen_at = GREATEST(COALESCE(last_seen_at, $2), $2), updated_at = now()
		WHERE device_id = $1
	`, deviceID, seenAt.UTC())
	return err
}

func (r *DevicesRepo) SetFirmwareVersion(ctx context.Context, deviceID uuid.UUID, version string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE devices
		SET firmware_version = $2, updated_at = now()
		WHERE device_id = $1
	`, deviceID, version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func (r *DevicesRepo) GetConfiguration(ctx context.Context, deviceID uuid.UUID) (models.DeviceConfiguration, bool, error) {
	var cfg models.DeviceConfiguration
	var thresholds, endpoints []byte
	err := r.pool.QueryRow(ctx, `
		SELECT device_id, version, sample_interval_seconds, report_interval_seconds, thresholds, ntp_servers, endpoints, updated_at
		FROM device_configurations
		WHERE device_id = $1
	`, deviceID).Scan(&cfg.DeviceID, &cfg.Version, &cfg.SampleIntervalSeconds, &cfg.ReportIntervalSeconds, &thresholds, &cfg.NTPServers, &endpoints, &cfg.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DeviceConfiguration{}, false, nil
	}
	if err != nil {
		return models.DeviceConfiguration{}, false, err
	}
	if len(thresholds) > 0 {
		if err := json.Unmarshal(thresholds, &cfg.Thresholds); err != nil {
			return models.DeviceConfiguration{}, false, err
		}
	}
	if len(endpoints) > 0 {
		if err := json.Unmarshal(endpoints, &cfg.Endpoints); err != nil {
			return models.DeviceConfiguration{}, false, err
		}
	}
	return cfg, true, nil
}

func (r *DevicesRepo) ListBySite(ctx context.Context, siteID uuid.UUID, limit int, offset int) ([]models.Device, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+deviceColumns+`
		FROM devices
		WHERE site_id = $1
		ORDER BY serial_number
		LIMIT $2 OFFSET $3
	`, siteID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}
