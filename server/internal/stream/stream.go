// Package stream follows the published event topic and mirrors events
// into time-series storage for dashboarding.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"log/slog"

	"github.com/segmentio/kafka-go"

	"esocore-server/shared/events"
	"esocore-server/shared/logx"
	"esocore-server/shared/metricsx"
)

type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Stats() kafka.ReaderStats
}

// Sink receives one point per consumed event. A nil sink still advances
// the consumer group so lag stays observable.
type Sink interface {
	WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error
}

type Relay struct {
	reader  Reader
	sink    Sink
	log     logx.Logger
	topic   string
	groupID string
}

func NewRelay(reader Reader, sink Sink, log logx.Logger, topic string, groupID string) *Relay {
	return &Relay{reader: reader, sink: sink, log: log, topic: topic, groupID: groupID}
}

// Run consumes until the context is cancelled or the reader is closed.
// Malformed messages are committed and skipped so one bad payload
// cannot wedge the group.
func (r *Relay) Run(ctx context.Context) error {
	for {
		msg, err := r.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		if err := r.handle(ctx, msg); err != nil {
			r.log.Warn(ctx, "event_skipped", "event message skipped",
				slog.String("topic", r.topic),
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()),
			)
		}
		if err := r.reader.CommitMessages(ctx, msg); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		metricsx.SetKafkaLag(r.topic, r.groupID, r.reader.Stats().Lag)
	}
}

func (r *Relay) handle(ctx context.Context, msg kafka.Message) error {
	var envelope events.Envelope
	if err := json.Unmarshal(msg.Value, &envelope); err != nil {
		return err
	}
	if r.sink == nil {
		return nil
	}
	occurredAt := envelope.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	tags := map[string]string{
		"event_type": envelope.EventType,
		"site_id":    envelope.SiteID.String(),
	}
	fields := map[string]any{
		"count":    int64(1),
		"event_id": envelope.EventID.String(),
	}
	return r.sink.WritePoint(ctx, "system_events", tags, fields, occurredAt)
}
