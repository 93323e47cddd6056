// Package analytics turns relayed profile events into InfluxDB points.
package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"

	"social-credit-ledger/api/internal/events"
	sharedevents "social-credit-ledger/shared/events"
	"social-credit-ledger/shared/metricsx"
)

const (
	Measurement = "profile_events"
	dedupPrefix = "analytics:seen:"
)

var ErrBadEnvelope = errors.New("bad envelope")

type PointWriter interface {
	WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error
}

type Deduper interface {
	MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}

type Recorder struct {
	writer   PointWriter
	dedup    Deduper
	dedupTTL time.Duration
}

func NewRecorder(writer PointWriter, dedup Deduper, dedupTTL time.Duration) *Recorder {
	if dedupTTL <= 0 {
		dedupTTL = 24 * time.Hour
	}
	return &Recorder{writer: writer, dedup: dedup, dedupTTL: dedupTTL}
}

// Handle records one Kafka message. It returns (false, nil) for duplicates.
// A bad envelope is wrapped in ErrBadEnvelope so the caller can commit past it.
func (r *Recorder) Handle(ctx context.Context, value []byte) (bool, error) {
	e, env, err := Decode(value)
	if err != nil {
		return false, err
	}
	key := dedupPrefix + env.EventID
	if r.dedup != nil {
		first, err := r.dedup.MarkOnce(ctx, key, r.dedupTTL)
		if err != nil {
			return false, fmt.Errorf("dedup %s: %w", env.EventID, err)
		}
		if !first {
			return false, nil
		}
	}
	tags, fields := Point(e)
	ts := ulid.Time(e.EventID().Time()).UTC()
	if err := r.writer.WritePoint(ctx, Measurement, tags, fields, ts); err != nil {
		metricsx.IncInfluxWriteFailure()
		if r.dedup != nil {
			_ = r.dedup.Delete(context.WithoutCancel(ctx), key)
		}
		return false, fmt.Errorf("write point %s: %w", env.EventID, err)
	}
	return true, nil
}

// Decode parses an envelope back into the typed event it carries.
func Decode(value []byte) (events.Event, sharedevents.Envelope, error) {
	var env sharedevents.Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return nil, env, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	raw := make(map[string]any, len(env.Payload))
	for k, v := range env.Payload {
		raw[k] = v
	}
	e, err := events.ParseRecord(events.RecordFromMap(raw))
	if err != nil {
		return nil, env, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if e.EventID().String() != env.EventID || e.TypeName() != env.EventType {
		return nil, env, fmt.Errorf("%w: payload does not match envelope", ErrBadEnvelope)
	}
	return e, env, nil
}

// Point maps an event to tags and fields. Credit changes carry a signed
// delta so sums over a member give their net credit movement.
func Point(e events.Event) (map[string]string, map[string]any) {
	tags := map[string]string{
		"event_type": e.TypeName(),
		"member_id":  strconv.FormatUint(events.TargetID(e), 10),
	}
	fields := map[string]any{}
	switch ev := e.(type) {
	case events.ProfileRegistered:
		fields["registered"] = 1
	case events.ComradeHonored:
		tags["by_id"] = strconv.FormatUint(ev.ByID, 10)
		fields["credit_delta"] = int64(ev.Amount)
		fields["reaction"] = ev.Reason == events.ReactionReason
	case events.ComradeDishonored:
		tags["by_id"] = strconv.FormatUint(ev.ByID, 10)
		fields["credit_delta"] = -int64(ev.Amount)
		fields["reaction"] = ev.Reason == events.ReactionReason
	case events.ComradeJailed:
		tags["by_id"] = strconv.FormatUint(ev.ByID, 10)
		fields["jailed"] = true
	case events.ComradeUnjailed:
		tags["by_id"] = strconv.FormatUint(ev.ByID, 10)
		fields["jailed"] = false
	case events.SetParty:
		fields["party"] = ev.Flag
	case events.SetHsk:
		if ev.Level != nil {
			fields["hsk_level"] = *ev.Level
		} else {
			fields["hsk_cleared"] = true
		}
	}
	return tags, fields
}
