package ota

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"esocore-server/shared/logx"

	"esocore-server/server/internal/models"
)

type fakeBundleStore struct {
	bundles []models.FirmwareBundle
	model   string
	chans   []string
}

func (f *fakeBundleStore) ListForModelChannel(ctx context.Context, model string, channels []string) ([]models.FirmwareBundle, error) {
	f.model = model
	f.chans = channels
	var out []models.FirmwareBundle
	for _, b := range f.bundles {
		for _, c := range channels {
			if b.Channel == c {
				out = append(out, b)
				break
			}
		}
	}
	return out, nil
}

type fakeDeviceWriter struct {
	deviceID uuid.UUID
	version  string
}

func (f *fakeDeviceWriter) SetFirmwareVersion(ctx context.Context, deviceID uuid.UUID, version string) error {
	f.deviceID = deviceID
	f.version = version
	return nil
}

type fakeEventCreator struct {
	events []models.SystemEvent
}

func (f *fakeEventCreator) Create(ctx context.Context, event models.SystemEvent) (models.SystemEvent, error) {
	event.EventID = uuid.New()
	f.events = append(f.events, event)
	return event, nil
}

type fakeAlertEvaluator struct {
	evaluated []models.SystemEvent
}

func (f *fakeAlertEvaluator) Evaluate(ctx context.Context, event models.SystemEvent) (int, error) {
	f.evaluated = append(f.evaluated, event)
	return 0, nil
}

func testLogger() logx.Logger {
	return logx.New("ota-test", "test", "", "error")
}

func bundle(version string, channel string, age time.Duration) models.FirmwareBundle {
	return models.FirmwareBundle{
		BundleID:        uuid.New(),
		Version:         version,
		Channel:         channel,
		SupportedModels: []string{"EC-200"},
		CreatedAt:       time.Now().Add(-age),
	}
}

func device(version string, channel string) models.Device {
	return models.Device{
		DeviceID:        uuid.New(),
		SiteID:          uuid.New(),
		SerialNumber:    "EC-200-0001",
		Model:           "EC-200",
		FirmwareVersion: version,
		RolloutChannel:  channel,
	}
}

func TestResolveOffersNewerVersion(t *testing.T) {
	store := &fakeBundleStore{bundles: []models.FirmwareBundle{
		bundle("1.2.0", "stable", time.Hour),
		bundle("1.0.0", "stable", 48*time.Hour),
	}}
	r := NewResolver(store, &fakeDeviceWriter{}, &fakeEventCreator{}, nil, testLogger())

	decision, err := r.Resolve(context.Background(), device("1.0.0", "stable"))
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !decision.Available {
		t.Fatalf("expected an update to be available")
	}
	if decision.Bundle.Version != "1.2.0" {
		t.Fatalf("expected newest bundle 1.2.0, got %s", decision.Bundle.Version)
	}
}

func TestResolveSameVersionNotOffered(t *testing.T) {
	store := &fakeBundleStore{bundles: []models.FirmwareBundle{
		bundle("1.2.0", "stable", time.Hour),
	}}
	r := NewResolver(store, &fakeDeviceWriter{}, &fakeEventCreator{}, nil, testLogger())

	decision, err := r.Resolve(context.Background(), device("1.2.0", "stable"))
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if decision.Available {
		t.Fatalf("did not expect update for current version")
	}
}

func TestResolveStableDeviceNeverSeesBeta(t *testing.T) {
	store := &fakeBundleStore{bundles: []models.FirmwareBundle{
		bundle("2.0.0-beta.1", "beta", time.Hour),
		bundle("1.5.0", "stable", 2*time.Hour),
	}}
	r := NewResolver(store, &fakeDeviceWriter{}, &fakeEventCreator{}, nil, testLogger())

	decision, err := r.Resolve(context.Background(), device("1.0.0", "stable"))
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !decision.Available || decision.Bundle.Version != "1.5.0" {
		t.Fatalf("expected stable 1.5.0, got %+v", decision)
	}
}

func TestChannelsFor(t *testing.T) {
	if got := ChannelsFor("stable"); len(got) != 1 || got[0] != "stable" {
		t.Fatalf("unexpected stable channels: %v", got)
	}
	if got := ChannelsFor("beta"); len(got) != 2 {
		t.Fatalf("unexpected beta channels: %v", got)
	}
	if got := ChannelsFor("dev"); len(got) != 3 {
		t.Fatalf("unexpected dev channels: %v", got)
	}
	if got := ChannelsFor(""); len(got) != 1 || got[0] != "stable" {
		t.Fatalf("unknown channel should fall back to stable, got %v", got)
	}
}

func TestResolveUnparsableDeviceVersion(t *testing.T) {
	store := &fakeBundleStore{bundles: []models.FirmwareBundle{
		bundle("1.1.0", "stable", time.Hour),
	}}
	r := NewResolver(store, &fakeDeviceWriter{}, &fakeEventCreator{}, nil, testLogger())

	decision, err := r.Resolve(context.Background(), device("unknown", "stable"))
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !decision.Available {
		t.Fatalf("expected newest bundle when installed version is unparsable")
	}
}

func TestRecordReportCompleted(t *testing.T) {
	devices := &fakeDeviceWriter{}
	eventsStore := &fakeEventCreator{}
	r := NewResolver(&fakeBundleStore{}, devices, eventsStore, nil, testLogger())

	d := device("1.0.0", "stable")
	event, err := r.RecordReport(context.Background(), d, Report{Status: "completed", Version: "1.2.0"})
	if err != nil {
		t.Fatalf("record report failed: %v", err)
	}
	if event.EventType != "ota_completed" {
		t.Fatalf("unexpected event type %s", event.EventType)
	}
	if event.Severity != models.SeverityLow {
		t.Fatalf("completed should be low severity, got %s", event.Severity)
	}
	if devices.version != "1.2.0" || devices.deviceID != d.DeviceID {
		t.Fatalf("expected firmware version update, got %q for %s", devices.version, devices.deviceID)
	}
}

func TestRecordReportFailedIsHighSeverity(t *testing.T) {
	devices := &fakeDeviceWriter{}
	r := NewResolver(&fakeBundleStore{}, devices, &fakeEventCreator{}, nil, testLogger())

	event, err := r.RecordReport(context.Background(), device("1.0.0", "stable"), Report{Status: "failed", Detail: "flash write error"})
	if err != nil {
		t.Fatalf("record report failed: %v", err)
	}
	if event.Severity != models.SeverityHigh {
		t.Fatalf("failed should be high severity, got %s", event.Severity)
	}
	if devices.version != "" {
		t.Fatalf("firmware version must not change on failure")
	}
}

func TestRecordReportRunsAlertEvaluation(t *testing.T) {
	eventsStore := &fakeEventCreator{}
	evaluator := &fakeAlertEvaluator{}
	r := NewResolver(&fakeBundleStore{}, &fakeDeviceWriter{}, eventsStore, evaluator, testLogger())

	event, err := r.RecordReport(context.Background(), device("1.0.0", "stable"), Report{Status: "failed", Detail: "flash write error"})
	if err != nil {
		t.Fatalf("record report failed: %v", err)
	}
	if len(evaluator.evaluated) != 1 {
		t.Fatalf("expected the report event to run through alert evaluation")
	}
	if evaluator.evaluated[0].EventID != event.EventID {
		t.Fatalf("evaluator saw a different event than was created")
	}
	if evaluator.evaluated[0].EventType != "ota_failed" {
		t.Fatalf("unexpected event type %s", evaluator.evaluated[0].EventType)
	}
}

func TestRecordReportRejectsUnknownStatus(t *testing.T) {
	r := NewResolver(&fakeBundleStore{}, &fakeDeviceWriter{}, &fakeEventCreator{}, nil, testLogger())
	if _, err := r.RecordReport(context.Background(), device("1.0.0", "stable"), Report{Status: "exploded"}); err == nil {
		t.Fatalf("expected error for unknown status")
	}
}
