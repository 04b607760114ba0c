// Package intake processes telemetry batches: idempotent packet
// creation, per-item validation, threshold evaluation and time-series
// mirroring.
package intake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"esocore-server/shared/logx"
	"esocore-server/shared/metricsx"

	"esocore-server/server/internal/models"
)

type PacketStore interface {
	CreatePacket(ctx context.Context, deviceID uuid.UUID, siteID uuid.UUID, idempotencyKey string, checksum string) (models.TelemetryPacket, bool, error)
	InsertPoint(ctx context.Context, point models.TelemetryPoint) (models.TelemetryPoint, error)
	FinishPacket(ctx context.Context, packetID uuid.UUID, recordCount int) error
	FailPacket(ctx context.Context, packetID uuid.UUID, errMsg string) error
}

type DeviceStore interface {
	TouchLastSeen(ctx context.Context, deviceID uuid.UUID, seenAt time.Time) error
	GetConfiguration(ctx context.Context, deviceID uuid.UUID) (models.DeviceConfiguration, bool, error)
}

type EventCreator interface {
	Create(ctx context.Context, event models.SystemEvent) (models.SystemEvent, error)
}

type AlertEvaluator interface {
	Evaluate(ctx context.Context, event models.SystemEvent) (int, error)
}

// PointMirror receives accepted points for time-series storage. Mirror
// failures are recorded but never reject telemetry.
type PointMirror interface {
	WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error
}

// Item is one reading off the wire. Value is a pointer: a reading
// that omits it rejects, it never defaults to zero. The timestamp
// decodes leniently so one broken device clock cannot fail the whole
// batch decode.
type Item struct {
	Metric    string          `json:"metric"`
	Value     *float64        `json:"value"`
	Unit      string          `json:"unit,omitempty"`
	Timestamp wireTime        `json:"timestamp,omitempty"`
	Meta      json.RawMessage `json:"meta,omitempty"`
}

// Batch is the wire payload: a bare JSON array of readings.
type Batch struct {
	Items []Item
}

func (b *Batch) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &b.Items)
}

func (b Batch) MarshalJSON() ([]byte, error) {
	if b.Items == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(b.Items)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// wireTime never fails the decode: an absent, malformed or
// wrong-typed timestamp leaves the zero value and the item falls back
// to the server receive time.
type wireTime struct {
	ts time.Time
}

func (w *wireTime) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "" || s == "null" {
		return nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		raw := s[1 : len(s)-1]
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, raw); err == nil {
				w.ts = ts.UTC()
				return nil
			}
		}
		return nil
	}
	if epoch, err := strconv.ParseFloat(s, 64); err == nil {
		sec, frac := math.Modf(epoch)
		w.ts = time.Unix(int64(sec), int64(frac*1e9)).UTC()
	}
	return nil
}

func (w wireTime) MarshalJSON() ([]byte, error) {
	if w.ts.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(w.ts.Format(time.RFC3339Nano))
}

type Result struct {
	PacketID   uuid.UUID `json:"packet_id"`
	Accepted   int       `json:"accepted"`
	Duplicates int       `json:"duplicates"`
	Rejected   int       `json:"rejected"`
	Duplicate  bool      `json:"-"`
}

type Service struct {
	packets   PacketStore
	devices   DeviceStore
	events    EventCreator
	evaluator AlertEvaluator
	mirror    PointMirror
	log       logx.Logger
}

func NewService(packets PacketStore, devices DeviceStore, events EventCreator, evaluator AlertEvaluator, mirror PointMirror, log logx.Logger) *Service {
	return &Service{
		packets:   packets,
		devices:   devices,
		events:    events,
		evaluator: evaluator,
		mirror:    mirror,
		log:       log,
	}
}

// ChecksumMatches verifies the declared SHA-256 over the raw body. The
// check runs before any write, so a corrupt batch leaves no trace.
func ChecksumMatches(body []byte, declared string) bool {
	sum := sha256.Sum256(body)
	return strings.EqualFold(hex.EncodeToString(sum[:]), strings.TrimSpace(declared))
}

// Process ingests one batch. The idempotency key is reserved first; a
// replayed key returns the duplicate result without touching storage.
// Item failures are isolated: a malformed item is counted as rejected
// and the rest of the batch proceeds.
func (s *Service) Process(ctx context.Context, device models.Device, idempotencyKey string, checksum string, batch Batch) (Result, error) {
	start := time.Now()

	packet, created, err := s.packets.CreatePacket(ctx, device.DeviceID, device.SiteID, idempotencyKey, checksum)
	if err != nil {
		metricsx.IncIngestBatch("error")
		return Result{}, err
	}
	if !created {
		metricsx.IncIngestBatch("duplicate")
		return Result{PacketID: packet.PacketID, Duplicates: 1, Duplicate: true}, nil
	}

	cfg, hasCfg, err := s.devices.GetConfiguration(ctx, device.DeviceID)
	if err != nil {
		s.log.Warn(ctx, "config_load_failed", "could not load device configuration",
			slog.String("device_id", device.DeviceID.String()),
			slog.String("error", err.Error()),
		)
		hasCfg = false
	}

	now := time.Now().UTC()
	accepted, rejected := 0, 0
	for i, item := range batch.Items {
		if err := s.processItem(ctx, device, packet, item, now, cfg, hasCfg); err != nil {
			rejected++
			s.log.Warn(ctx, "point_rejected", "telemetry item rejected",
				slog.String("device_id", device.DeviceID.String()),
				slog.String("packet_id", packet.PacketID.String()),
				slog.Int("index", i),
				slog.String("error", err.Error()),
			)
			continue
		}
		accepted++
	}

	if err := s.packets.FinishPacket(ctx, packet.PacketID, accepted); err != nil {
		_ = s.packets.FailPacket(ctx, packet.PacketID, err.Error())
		metricsx.IncIngestBatch("error")
		return Result{}, err
	}
	if err := s.devices.TouchLastSeen(ctx, device.DeviceID, now); err != nil {
		s.log.Warn(ctx, "last_seen_update_failed", "could not update last_seen",
			slog.String("device_id", device.DeviceID.String()),
			slog.String("error", err.Error()),
		)
	}

	metricsx.IncIngestBatch("processed")
	metricsx.AddIngestPoints("accepted", accepted)
	metricsx.AddIngestPoints("rejected", rejected)
	metricsx.ObserveIngestLatency(time.Since(start))

	return Result{PacketID: packet.PacketID, Accepted: accepted, Rejected: rejected}, nil
}

func (s *Service) processItem(ctx context.Context, device models.Device, packet models.TelemetryPacket, item Item, receivedAt time.Time, cfg models.DeviceConfiguration, hasCfg bool) error {
	metric := strings.TrimSpace(item.Metric)
	if metric == "" {
		return fmt.Errorf("metric name is empty")
	}
	if item.Value == nil {
		return fmt.Errorf("value is missing")
	}
	value := *item.Value
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("value is not finite")
	}

	recordedAt := receivedAt
	if !item.Timestamp.ts.IsZero() {
		recordedAt = item.Timestamp.ts
	}

	point, err := s.packets.InsertPoint(ctx, models.TelemetryPoint{
		PacketID:   packet.PacketID,
		DeviceID:   device.DeviceID,
		SiteID:     device.SiteID,
		Metric:     metric,
		Value:      value,
		Unit:       item.Unit,
		Labels:     item.Meta,
		RecordedAt: recordedAt,
	})
	if err != nil {
		return err
	}

	if hasCfg {
		s.checkThreshold(ctx, device, point, cfg)
	}

	if s.mirror != nil {
		tags := map[string]string{
			"device":  device.SerialNumber,
			"site_id": device.SiteID.String(),
			"metric":  metric,
		}
		fields := map[string]any{"value": value}
		if item.Unit != "" {
			tags["unit"] = item.Unit
		}
		if err := s.mirror.WritePoint(ctx, "telemetry", tags, fields, recordedAt); err != nil {
			metricsx.IncInfluxWriteFailure()
			s.log.Warn(ctx, "influx_write_failed", "time-series mirror write failed",
				slog.String("device_id", device.DeviceID.String()),
				slog.String("metric", metric),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// checkThreshold emits a threshold_exceeded event when the value leaves
// the configured band. Event or evaluation failures never reject the
// point.
func (s *Service) checkThreshold(ctx context.Context, device models.Device, point models.TelemetryPoint, cfg models.DeviceConfiguration) {
	threshold, ok := cfg.Thresholds[point.Metric]
	if !ok {
		return
	}
	withinMin := threshold.Min == nil || point.Value >= *threshold.Min
	withinMax := threshold.Max == nil || point.Value <= *threshold.Max
	if withinMin && withinMax {
		return
	}

	payload, err := json.Marshal(map[string]any{
		"metric": point.Metric,
		"value":  point.Value,
		"min":    threshold.Min,
		"max":    threshold.Max,
	})
	if err != nil {
		return
	}

	deviceID := device.DeviceID
	event, err := s.events.Create(ctx, models.SystemEvent{
		SiteID:     device.SiteID,
		DeviceID:   &deviceID,
		AssetID:    device.AssetID,
		EventType:  "threshold_exceeded",
		Severity:   models.SeverityMedium,
		Message:    fmt.Sprintf("%s out of range on %s: %g", point.Metric, device.SerialNumber, point.Value),
		Payload:    payload,
		OccurredAt: point.RecordedAt,
	})
	if err != nil {
		s.log.Error(ctx, "event_create_failed", "could not create threshold event",
			slog.String("device_id", device.DeviceID.String()),
			slog.String("metric", point.Metric),
			slog.String("error", err.Error()),
		)
		return
	}

	if s.evaluator != nil {
		if _, err := s.evaluator.Evaluate(ctx, event); err != nil {
			s.log.Error(ctx, "alert_evaluation_failed", "alert evaluation failed",
				slog.String("event_id", event.EventID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}
