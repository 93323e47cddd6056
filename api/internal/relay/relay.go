// Package relay tails the event stream from a persisted cursor and publishes
// each entry to Kafka. Delivery is at-least-once; consumers dedup by id.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"social-credit-ledger/api/internal/eventlog"
	"social-credit-ledger/api/internal/events"
	"social-credit-ledger/api/internal/models"
	"social-credit-ledger/api/internal/routing"
	sharedevents "social-credit-ledger/shared/events"
	"social-credit-ledger/shared/logx"
	"social-credit-ledger/shared/metricsx"
)

type Publisher interface {
	Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

type CursorStore interface {
	LoadCursor(ctx context.Context, name string) (models.LogPosition, error)
	SaveCursor(ctx context.Context, name string, pos models.LogPosition) error
}

type Relay struct {
	Name      string
	Reader    eventlog.Reader
	Publisher Publisher
	Cursors   CursorStore
	Routes    routing.Resolver
	BatchSize int
	Logger    logx.Logger
}

type Stats struct {
	Published int
	Skipped   int
	Malformed int
	Cursor    models.LogPosition
}

// RunOnce relays at most one batch. The cursor only moves past entries that
// were published, skipped by routing, or could not be parsed.
func (r *Relay) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	if r.Reader == nil || r.Publisher == nil || r.Cursors == nil {
		return stats, errors.New("relay is not fully configured")
	}
	ctx, span := otel.Tracer("relay").Start(ctx, "relay.run_once")
	defer span.End()

	cursor, err := r.Cursors.LoadCursor(ctx, r.Name)
	if err != nil {
		return stats, fmt.Errorf("load cursor: %w", err)
	}
	stats.Cursor = cursor
	batch := r.BatchSize
	if batch <= 0 {
		batch = 100
	}
	entries, err := r.Reader.After(ctx, cursor, batch)
	if err != nil {
		return stats, fmt.Errorf("read stream: %w", err)
	}

	var publishErr error
	for _, entry := range entries {
		e, err := events.ParseRecord(entry.Record)
		if err != nil {
			stats.Malformed++
			r.Logger.Warn(ctx, "relay_entry_malformed", "skipping unparseable stream entry",
				append(logx.Failure(logx.CodeFailedPrecondition, err), slog.String("position", entry.Position.String()))...,
			)
			stats.Cursor = entry.Position
			continue
		}
		topic, ok := r.Routes.ResolveTopic(e.TypeName())
		if !ok {
			stats.Skipped++
			stats.Cursor = entry.Position
			continue
		}
		body, err := json.Marshal(Envelope(e, entry))
		if err != nil {
			publishErr = err
			break
		}
		key := []byte(strconv.FormatUint(events.TargetID(e), 10))
		headers := map[string]string{
			sharedevents.HeaderEventType: e.TypeName(),
			sharedevents.HeaderEventID:   e.EventID().String(),
		}
		if err := r.Publisher.Publish(ctx, topic, key, body, headers); err != nil {
			publishErr = fmt.Errorf("publish %s to %s: %w", e.EventID(), topic, err)
			break
		}
		metricsx.IncRelayPublished(topic)
		stats.Published++
		stats.Cursor = entry.Position
	}

	if stats.Cursor != cursor {
		if err := r.Cursors.SaveCursor(ctx, r.Name, stats.Cursor); err != nil {
			return stats, errors.Join(publishErr, fmt.Errorf("save cursor: %w", err))
		}
	}
	span.SetAttributes(
		attribute.Int("relay.published", stats.Published),
		attribute.String("relay.cursor", stats.Cursor.String()),
	)
	if publishErr != nil {
		span.RecordError(publishErr)
		return stats, publishErr
	}
	return stats, nil
}

// Envelope wraps a parsed entry for Kafka. The member key is the mutated
// profile, so one member's events stay on one partition.
func Envelope(e events.Event, entry eventlog.Entry) sharedevents.Envelope {
	return sharedevents.Envelope{
		EventID:    e.EventID().String(),
		EventType:  e.TypeName(),
		Position:   entry.Position.String(),
		MemberID:   strconv.FormatUint(events.TargetID(e), 10),
		OccurredAt: ulid.Time(e.EventID().Time()).UTC(),
		Payload:    entry.Record.Map(),
	}
}
