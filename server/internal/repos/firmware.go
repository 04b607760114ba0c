package repos

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"esocore-server/server/internal/models"
)

type FirmwareRepo struct {
	pool *pgxpool.Pool
}

func NewFirmwareRepo(pool *pgxpool.Pool) *FirmwareRepo {
	return &FirmwareRepo{pool: pool}
}

const bundleColumns = `
	bundle_id, version, channel, supported_models, file_url, size_bytes,
	checksum_sha256, rollout_policy, release_notes, created_at`

func scanBundle(row pgx.Row) (models.FirmwareBundle, error) {
	var b models.FirmwareBundle
	err := row.Scan(
		&b.BundleID, &b.Version, &b.Channel, &b.SupportedModels, &b.FileURL, &b.SizeBytes,
		&b.ChecksumSHA256, &b.RolloutPolicy, &b.ReleaseNotes, &b.CreatedAt,
	)
	return b, err
}

// ListForModelChannel returns bundles supporting the model on the given
// channels, newest first.
func (r *FirmwareRepo) ListForModelChannel(ctx context.Context, model string, channels []string) ([]models.FirmwareBundle, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+bundleColumns+`
		FROM firmware_bundles
		WHERE $1 = ANY(supported_models) AND channel = ANY($2)
		ORDER BY created_at DESC
	`, model, channels)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bundles []models.FirmwareBundle
	for rows.Next() {
		b, err := scanBundle(rows)
		if err != nil {
			return nil, err
		}
		bundles = append(bundles, b)
	}
	return bundles, rows.Err()
}
