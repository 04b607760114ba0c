package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	SiteID        uuid.UUID       `json:"site_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

const (
	TopicSystemEvents    = "telemetry.events"
	TopicDeviceStatus    = "device.status"
	TopicNotifications   = "notifications"
	TopicFirmwareRollout = "firmware.rollout"
)
