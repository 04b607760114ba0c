package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	DeviceStatusActive      = "active"
	DeviceStatusInactive    = "inactive"
	DeviceStatusMaintenance = "maintenance"
)

const (
	PacketStatusProcessing = "processing"
	PacketStatusProcessed  = "processed"
	PacketStatusFailed     = "failed"
)

const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

const (
	NotificationStatusPending = "pending"
	NotificationStatusRetry   = "retry"
	NotificationStatusSent    = "sent"
	NotificationStatusFailed  = "failed"
)

const (
	RolloutChannelStable = "stable"
	RolloutChannelBeta   = "beta"
	RolloutChannelDev    = "dev"
)

const (
	AlertScopeDevice = "device"
	AlertScopeAsset  = "asset"
	AlertScopeGlobal = "global"
)

type Site struct {
	SiteID    uuid.UUID
	Slug      string
	Name      string
	CreatedAt time.Time
}

type Asset struct {
	AssetID   uuid.UUID
	SiteID    uuid.UUID
	Name      string
	AssetType string
	CreatedAt time.Time
}

type Device struct {
	DeviceID        uuid.UUID
	SiteID          uuid.UUID
	AssetID         *uuid.UUID
	SerialNumber    string
	Model           string
	FirmwareVersion string
	RolloutChannel  string
	APIKey          string
	Status          string
	LastSeenAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Threshold bounds a metric; a nil bound is unenforced.
type Threshold struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

type DeviceConfiguration struct {
	DeviceID              uuid.UUID
	Version               int
	SampleIntervalSeconds int
	ReportIntervalSeconds int
	Thresholds            map[string]Threshold
	NTPServers            []string
	Endpoints             map[string]string
	UpdatedAt             time.Time
}

type TelemetryPacket struct {
	PacketID       uuid.UUID
	DeviceID       uuid.UUID
	SiteID         uuid.UUID
	IdempotencyKey string
	Status         string
	RecordCount    int
	ChecksumSHA256 string
	ErrorMessage   *string
	ReceivedAt     time.Time
	ProcessedAt    *time.Time
}

type TelemetryPoint struct {
	PointID    uuid.UUID
	PacketID   uuid.UUID
	DeviceID   uuid.UUID
	SiteID     uuid.UUID
	Metric     string
	Value      float64
	Unit       string
	Labels     json.RawMessage
	RecordedAt time.Time
}

type SystemEvent struct {
	EventID        uuid.UUID
	SiteID         uuid.UUID
	DeviceID       *uuid.UUID
	AssetID        *uuid.UUID
	EventType      string
	Severity       string
	Status         string
	Message        string
	Payload        json.RawMessage
	OccurredAt     time.Time
	AcknowledgedAt *time.Time
	AcknowledgedBy *string
	ResolvedAt     *time.Time
	ResolvedBy     *string
	CreatedAt      time.Time
}

const (
	ConditionAlways          = "always"
	ConditionSeverityAtLeast = "severity_at_least"
)

// RuleCondition is a tagged union: Kind selects the variant and
// MinSeverity is only meaningful for severity_at_least.
type RuleCondition struct {
	Kind        string `json:"kind"`
	MinSeverity string `json:"min_severity,omitempty"`
}

type ChannelTarget struct {
	Channel string `json:"channel"`
	Target  string `json:"target"`
}

// Escalation fires once, on a distinct channel, after a notification
// exhausts its retries.
type Escalation struct {
	AfterAttempts int           `json:"after_attempts"`
	Channel       ChannelTarget `json:"channel"`
}

type AlertRule struct {
	RuleID          uuid.UUID
	SiteID          *uuid.UUID
	Name            string
	EventType       string
	Scope           string
	DeviceID        *uuid.UUID
	AssetID         *uuid.UUID
	Condition       RuleCondition
	CooldownMinutes int
	Channels        []ChannelTarget
	Escalation      *Escalation
	Enabled         bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type NotificationQueueEntry struct {
	EntryID      uuid.UUID
	RuleID       uuid.UUID
	EventID      uuid.UUID
	SiteID       uuid.UUID
	Channel      string
	Target       string
	Status       string
	RetryCount   int
	MaxRetries   int
	IsEscalation bool
	NextRetryAt  *time.Time
	SentAt       *time.Time
	ErrorMessage *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type FirmwareBundle struct {
	BundleID        uuid.UUID
	Version         string
	Channel         string
	SupportedModels []string
	FileURL         string
	SizeBytes       int64
	ChecksumSHA256  string
	RolloutPolicy   string
	ReleaseNotes    string
	CreatedAt       time.Time
}

type OutboxEvent struct {
	OutboxID      uuid.UUID
	SiteID        uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	Topic         string
	Payload       []byte
	Status        string
	Attempts      int
	NextRetryAt   *time.Time
	LockedAt      *time.Time
	LockedBy      *string
	LastError     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	PublishedAt   *time.Time
}

type AuditLog struct {
	AuditID      uuid.UUID
	OccurredAt   time.Time
	Subject      string
	Action       string
	ResourceType *string
	ResourceID   *string
	RequestID    string
	Method       string
	Path         string
	StatusCode   int
	DurationMS   int64
	ClientIP     string
	UserAgent    string
	Details      []byte
}

var severityRank = map[string]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

func SeverityRank(severity string) (int, bool) {
	rank, ok := severityRank[severity]
	return rank, ok
}

func SeverityAtLeast(severity string, minimum string) bool {
	got, ok := severityRank[severity]
	if !ok {
		return false
	}
	want, ok := severityRank[minimum]
	if !ok {
		return false
	}
	return got >= want
}
