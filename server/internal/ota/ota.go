// Package ota decides firmware rollout eligibility and records device
// update progress reports.
package ota

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"esocore-server/shared/logx"

	"esocore-server/server/internal/models"
)

type BundleStore interface {
	ListForModelChannel(ctx context.Context, model string, channels []string) ([]models.FirmwareBundle, error)
}

type DeviceWriter interface {
	SetFirmwareVersion(ctx context.Context, deviceID uuid.UUID, version string) error
}

type EventCreator interface {
	Create(ctx context.Context, event models.SystemEvent) (models.SystemEvent, error)
}

type AlertEvaluator interface {
	Evaluate(ctx context.Context, event models.SystemEvent) (int, error)
}

type Resolver struct {
	bundles   BundleStore
	devices   DeviceWriter
	events    EventCreator
	evaluator AlertEvaluator
	log       logx.Logger
}

func NewResolver(bundles BundleStore, devices DeviceWriter, events EventCreator, evaluator AlertEvaluator, log logx.Logger) *Resolver {
	return &Resolver{bundles: bundles, devices: devices, events: events, evaluator: evaluator, log: log}
}

type Decision struct {
	Available bool
	Bundle    *models.FirmwareBundle
}

// ChannelsFor expands a device's rollout channel into the bundle
// channels it may receive. Stable releases are the floor for every
// channel; dev additionally sees beta.
func ChannelsFor(rolloutChannel string) []string {
	switch strings.ToLower(strings.TrimSpace(rolloutChannel)) {
	case models.RolloutChannelDev:
		return []string{models.RolloutChannelStable, models.RolloutChannelBeta, models.RolloutChannelDev}
	case models.RolloutChannelBeta:
		return []string{models.RolloutChannelStable, models.RolloutChannelBeta}
	default:
		return []string{models.RolloutChannelStable}
	}
}

// Resolve picks the newest bundle supporting the device's model on its
// channels whose version strictly exceeds the installed one. A device
// reporting an unparsable version is offered the newest bundle.
func (r *Resolver) Resolve(ctx context.Context, device models.Device) (Decision, error) {
	bundles, err := r.bundles.ListForModelChannel(ctx, device.Model, ChannelsFor(device.RolloutChannel))
	if err != nil {
		return Decision{}, err
	}
	if len(bundles) == 0 {
		return Decision{}, nil
	}

	current, err := semver.NewVersion(strings.TrimPrefix(strings.TrimSpace(device.FirmwareVersion), "v"))
	if err != nil {
		bundle := bundles[0]
		return Decision{Available: true, Bundle: &bundle}, nil
	}

	for i := range bundles {
		candidate, err := semver.NewVersion(strings.TrimPrefix(bundles[i].Version, "v"))
		if err != nil {
			continue
		}
		if candidate.GreaterThan(current) {
			bundle := bundles[i]
			return Decision{Available: true, Bundle: &bundle}, nil
		}
	}
	return Decision{}, nil
}

var validReportStatuses = map[string]bool{
	"started":     true,
	"downloading": true,
	"installing":  true,
	"completed":   true,
	"failed":      true,
	"rollback":    true,
}

type Report struct {
	Status  string
	Version string
	Detail  string
}

func (rep Report) Validate() error {
	if !validReportStatuses[rep.Status] {
		return fmt.Errorf("unknown ota status %q", rep.Status)
	}
	return nil
}

// RecordReport stores the device's update progress as a system event,
// runs it through alert evaluation, and on completion updates the
// recorded firmware version.
func (r *Resolver) RecordReport(ctx context.Context, device models.Device, rep Report) (models.SystemEvent, error) {
	if err := rep.Validate(); err != nil {
		return models.SystemEvent{}, err
	}

	severity := models.SeverityLow
	if rep.Status == "failed" || rep.Status == "rollback" {
		severity = models.SeverityHigh
	}

	payload, err := json.Marshal(map[string]string{
		"status":  rep.Status,
		"version": rep.Version,
		"detail":  rep.Detail,
	})
	if err != nil {
		return models.SystemEvent{}, err
	}

	deviceID := device.DeviceID
	event, err := r.events.Create(ctx, models.SystemEvent{
		SiteID:    device.SiteID,
		DeviceID:  &deviceID,
		AssetID:   device.AssetID,
		EventType: "ota_" + rep.Status,
		Severity:  severity,
		Message:   fmt.Sprintf("firmware update %s on %s", rep.Status, device.SerialNumber),
		Payload:   payload,
	})
	if err != nil {
		return models.SystemEvent{}, err
	}

	if r.evaluator != nil {
		if _, err := r.evaluator.Evaluate(ctx, event); err != nil {
			r.log.Error(ctx, "alert_evaluation_failed", "alert evaluation failed",
				slog.String("event_id", event.EventID.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	if rep.Status == "completed" && strings.TrimSpace(rep.Version) != "" {
		if err := r.devices.SetFirmwareVersion(ctx, device.DeviceID, rep.Version); err != nil {
			return models.SystemEvent{}, err
		}
	}
	return event, nil
}
