package intake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"esocore-server/shared/logx"

	"esocore-server/server/internal/models"
)

type fakePackets struct {
	packets   map[string]models.TelemetryPacket
	points    []models.TelemetryPoint
	finished  map[uuid.UUID]int
	failIdx   map[int]bool
	insertSeq int
}

func newFakePackets() *fakePackets {
	return &fakePackets{
		packets:  map[string]models.TelemetryPacket{},
		finished: map[uuid.UUID]int{},
		failIdx:  map[int]bool{},
	}
}

func (f *fakePackets) CreatePacket(ctx context.Context, deviceID uuid.UUID, siteID uuid.UUID, key string, checksum string) (models.TelemetryPacket, bool, error) {
	mapKey := deviceID.String() + "/" + key
	if p, ok := f.packets[mapKey]; ok {
		return p, false, nil
	}
	p := models.TelemetryPacket{
		PacketID:       uuid.New(),
		DeviceID:       deviceID,
		SiteID:         siteID,
		IdempotencyKey: key,
		Status:         models.PacketStatusProcessing,
		ReceivedAt:     time.Now(),
	}
	f.packets[mapKey] = p
	return p, true, nil
}

func (f *fakePackets) InsertPoint(ctx context.Context, point models.TelemetryPoint) (models.TelemetryPoint, error) {
	idx := f.insertSeq
	f.insertSeq++
	if f.failIdx[idx] {
		return models.TelemetryPoint{}, errors.New("insert failed")
	}
	point.PointID = uuid.New()
	f.points = append(f.points, point)
	return point, nil
}

func (f *fakePackets) FinishPacket(ctx context.Context, packetID uuid.UUID, recordCount int) error {
	f.finished[packetID] = recordCount
	return nil
}

func (f *fakePackets) FailPacket(ctx context.Context, packetID uuid.UUID, errMsg string) error {
	return nil
}

type fakeDevices struct {
	cfg      models.DeviceConfiguration
	hasCfg   bool
	lastSeen time.Time
}

func (f *fakeDevices) TouchLastSeen(ctx context.Context, deviceID uuid.UUID, seenAt time.Time) error {
	f.lastSeen = seenAt
	return nil
}

func (f *fakeDevices) GetConfiguration(ctx context.Context, deviceID uuid.UUID) (models.DeviceConfiguration, bool, error) {
	return f.cfg, f.hasCfg, nil
}

type fakeEvents struct {
	created []models.SystemEvent
}

func (f *fakeEvents) Create(ctx context.Context, event models.SystemEvent) (models.SystemEvent, error) {
	event.EventID = uuid.New()
	f.created = append(f.created, event)
	return event, nil
}

type fakeEvaluator struct {
	evaluated []models.SystemEvent
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, event models.SystemEvent) (int, error) {
	f.evaluated = append(f.evaluated, event)
	return 1, nil
}

type fakeMirror struct {
	writes int
	err    error
}

func (f *fakeMirror) WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error {
	f.writes++
	return f.err
}

func testLogger() logx.Logger {
	return logx.New("intake-test", "test", "", "error")
}

func testDevice() models.Device {
	return models.Device{
		DeviceID:     uuid.New(),
		SiteID:       uuid.New(),
		SerialNumber: "EC-100-0042",
		Model:        "EC-100",
		Status:       models.DeviceStatusActive,
	}
}

func floatPtr(v float64) *float64 { return &v }

func TestProcessAcceptsBatch(t *testing.T) {
	packets := newFakePackets()
	devices := &fakeDevices{}
	mirror := &fakeMirror{}
	svc := NewService(packets, devices, &fakeEvents{}, &fakeEvaluator{}, mirror, testLogger())

	ts := time.Now().Add(-time.Minute)
	result, err := svc.Process(context.Background(), testDevice(), "batch-1", "", Batch{Items: []Item{
		{Metric: "temperature", Value: floatPtr(21.5), Unit: "C", Timestamp: wireTime{ts: ts}},
		{Metric: "vibration", Value: floatPtr(0.02)},
	}})
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if result.Accepted != 2 || result.Rejected != 0 || result.Duplicates != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(packets.points) != 2 {
		t.Fatalf("expected 2 stored points, got %d", len(packets.points))
	}
	if packets.finished[result.PacketID] != 2 {
		t.Fatalf("expected packet finished with record_count 2")
	}
	if mirror.writes != 2 {
		t.Fatalf("expected 2 mirror writes, got %d", mirror.writes)
	}
	if devices.lastSeen.IsZero() {
		t.Fatalf("expected last_seen update")
	}
}

func TestProcessDuplicateKey(t *testing.T) {
	packets := newFakePackets()
	svc := NewService(packets, &fakeDevices{}, &fakeEvents{}, nil, nil, testLogger())
	device := testDevice()

	first, err := svc.Process(context.Background(), device, "batch-1", "", Batch{Items: []Item{{Metric: "temperature", Value: floatPtr(20)}}})
	if err != nil {
		t.Fatalf("first process failed: %v", err)
	}
	second, err := svc.Process(context.Background(), device, "batch-1", "", Batch{Items: []Item{{Metric: "temperature", Value: floatPtr(20)}}})
	if err != nil {
		t.Fatalf("second process failed: %v", err)
	}
	if !second.Duplicate || second.Duplicates != 1 || second.Accepted != 0 {
		t.Fatalf("expected duplicate result, got %+v", second)
	}
	if second.PacketID != first.PacketID {
		t.Fatalf("duplicate must return the original packet id")
	}
	if len(packets.points) != 1 {
		t.Fatalf("replay must not store additional points, got %d", len(packets.points))
	}
}

func TestProcessItemIsolation(t *testing.T) {
	packets := newFakePackets()
	packets.failIdx[1] = true
	svc := NewService(packets, &fakeDevices{}, &fakeEvents{}, nil, nil, testLogger())

	result, err := svc.Process(context.Background(), testDevice(), "batch-2", "", Batch{Items: []Item{
		{Metric: "temperature", Value: floatPtr(20)},
		{Metric: "humidity", Value: floatPtr(40)},
		{Metric: "pressure", Value: floatPtr(1012)},
	}})
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if result.Accepted != 2 || result.Rejected != 1 {
		t.Fatalf("expected 2 accepted / 1 rejected, got %+v", result)
	}
}

func TestProcessRejectsInvalidItems(t *testing.T) {
	packets := newFakePackets()
	svc := NewService(packets, &fakeDevices{}, &fakeEvents{}, nil, nil, testLogger())

	result, err := svc.Process(context.Background(), testDevice(), "batch-3", "", Batch{Items: []Item{
		{Metric: "", Value: floatPtr(1)},
		{Metric: "temperature", Value: floatPtr(math.NaN())},
		{Metric: "temperature"},
		{Metric: "temperature", Value: floatPtr(20)},
	}})
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if result.Accepted != 1 || result.Rejected != 3 {
		t.Fatalf("expected 1 accepted / 3 rejected, got %+v", result)
	}
	if len(packets.points) != 1 {
		t.Fatalf("rejected items must not store points, got %d", len(packets.points))
	}
}

func TestProcessTimestampFallback(t *testing.T) {
	packets := newFakePackets()
	svc := NewService(packets, &fakeDevices{}, &fakeEvents{}, nil, nil, testLogger())

	before := time.Now().UTC()
	if _, err := svc.Process(context.Background(), testDevice(), "batch-4", "", Batch{Items: []Item{
		{Metric: "temperature", Value: floatPtr(20)},
	}}); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	after := time.Now().UTC()

	got := packets.points[0].RecordedAt
	if got.Before(before) || got.After(after) {
		t.Fatalf("expected server-time fallback, got %v", got)
	}
}

func TestProcessThresholdEmitsEvent(t *testing.T) {
	packets := newFakePackets()
	devices := &fakeDevices{
		hasCfg: true,
		cfg: models.DeviceConfiguration{
			Thresholds: map[string]models.Threshold{
				"temperature": {Max: floatPtr(80)},
			},
		},
	}
	eventsStore := &fakeEvents{}
	evaluator := &fakeEvaluator{}
	svc := NewService(packets, devices, eventsStore, evaluator, nil, testLogger())

	result, err := svc.Process(context.Background(), testDevice(), "batch-5", "", Batch{Items: []Item{
		{Metric: "temperature", Value: floatPtr(95)},
		{Metric: "temperature", Value: floatPtr(60)},
	}})
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if result.Accepted != 2 {
		t.Fatalf("threshold breach must not reject the point: %+v", result)
	}
	if len(eventsStore.created) != 1 {
		t.Fatalf("expected one threshold event, got %d", len(eventsStore.created))
	}
	if eventsStore.created[0].EventType != "threshold_exceeded" {
		t.Fatalf("unexpected event type %s", eventsStore.created[0].EventType)
	}
	if len(evaluator.evaluated) != 1 {
		t.Fatalf("expected evaluator to run on the event")
	}
}

func TestProcessMirrorFailureDoesNotReject(t *testing.T) {
	packets := newFakePackets()
	mirror := &fakeMirror{err: errors.New("influx down")}
	svc := NewService(packets, &fakeDevices{}, &fakeEvents{}, nil, mirror, testLogger())

	result, err := svc.Process(context.Background(), testDevice(), "batch-6", "", Batch{Items: []Item{
		{Metric: "temperature", Value: floatPtr(20)},
	}})
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if result.Accepted != 1 {
		t.Fatalf("mirror failure must not reject points: %+v", result)
	}
}

func TestBatchDecodesWireArray(t *testing.T) {
	body := []byte(`[{"timestamp":"2024-01-01T00:00:00Z","metric":"temp","value":21.5},{"metric":"temp"}]`)
	var batch Batch
	if err := json.Unmarshal(body, &batch); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(batch.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(batch.Items))
	}
	if batch.Items[0].Value == nil || *batch.Items[0].Value != 21.5 {
		t.Fatalf("unexpected first value: %+v", batch.Items[0].Value)
	}
	want := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if !batch.Items[0].Timestamp.ts.Equal(want) {
		t.Fatalf("unexpected timestamp %v", batch.Items[0].Timestamp.ts)
	}
	if batch.Items[1].Value != nil {
		t.Fatalf("missing value must decode to nil, got %v", *batch.Items[1].Value)
	}

	packets := newFakePackets()
	svc := NewService(packets, &fakeDevices{}, &fakeEvents{}, nil, nil, testLogger())
	result, err := svc.Process(context.Background(), testDevice(), "abc", "", batch)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if result.Accepted != 1 || result.Rejected != 1 || result.Duplicates != 0 {
		t.Fatalf("expected 1 accepted / 1 rejected, got %+v", result)
	}
}

func TestBatchDecodesLenientTimestamps(t *testing.T) {
	body := []byte(`[
		{"timestamp":"not-a-time","metric":"temp","value":1},
		{"timestamp":1704067200,"metric":"temp","value":2},
		{"timestamp":null,"metric":"temp","value":3}
	]`)
	var batch Batch
	if err := json.Unmarshal(body, &batch); err != nil {
		t.Fatalf("unparsable timestamps must not fail the decode: %v", err)
	}
	if !batch.Items[0].Timestamp.ts.IsZero() {
		t.Fatalf("garbage timestamp must decode to zero, got %v", batch.Items[0].Timestamp.ts)
	}
	want := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if !batch.Items[1].Timestamp.ts.Equal(want) {
		t.Fatalf("epoch timestamp mismatch: %v", batch.Items[1].Timestamp.ts)
	}
	if !batch.Items[2].Timestamp.ts.IsZero() {
		t.Fatalf("null timestamp must decode to zero")
	}

	packets := newFakePackets()
	svc := NewService(packets, &fakeDevices{}, &fakeEvents{}, nil, nil, testLogger())
	result, err := svc.Process(context.Background(), testDevice(), "batch-7", "", batch)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if result.Accepted != 3 || result.Rejected != 0 {
		t.Fatalf("bad timestamps alone must not reject, got %+v", result)
	}
}

func TestChecksumMatches(t *testing.T) {
	body := []byte(`[{"metric":"temperature","value":20}]`)
	sum := sha256.Sum256(body)
	declared := hex.EncodeToString(sum[:])

	if !ChecksumMatches(body, declared) {
		t.Fatalf("expected checksum to match")
	}
	if !ChecksumMatches(body, strings.ToUpper(declared)) {
		t.Fatalf("checksum comparison should ignore case")
	}
	if ChecksumMatches(body, strings.Repeat("0", 64)) {
		t.Fatalf("wrong checksum must not match")
	}
}
