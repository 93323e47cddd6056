package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"social-credit-ledger/api/internal/eventlog"
	"social-credit-ledger/api/internal/events"
	"social-credit-ledger/api/internal/models"
	"social-credit-ledger/api/internal/relay"
	"social-credit-ledger/api/internal/testkit"
)

type point struct {
	measurement string
	tags        map[string]string
	fields      map[string]any
	ts          time.Time
}

type fakeWriter struct {
	points []point
	fail   bool
}

func (w *fakeWriter) WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error {
	if w.fail {
		return testkit.ErrInjected
	}
	w.points = append(w.points, point{measurement, tags, fields, ts})
	return nil
}

type memDedup struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *memDedup) MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[key] {
		return false, nil
	}
	d.seen[key] = true
	return true, nil
}

func (d *memDedup) Delete(ctx context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
	return nil
}

func envelopeBytes(t *testing.T, e events.Event) []byte {
	t.Helper()
	entry := eventlog.Entry{Position: models.LogPosition{Millis: 1, Seq: 0}, Record: events.ToRecord(e)}
	b, err := json.Marshal(relay.Envelope(e, entry))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestHandleWritesOnePointPerEvent(t *testing.T) {
	w := &fakeWriter{}
	rec := NewRecorder(w, &memDedup{seen: map[string]bool{}}, time.Hour)
	e := events.ComradeDishonored{ID: events.NewID(), ToID: 7, ByID: 8, Amount: 5, Reason: events.ReactionReason}
	msg := envelopeBytes(t, e)

	written, err := rec.Handle(context.Background(), msg)
	if err != nil || !written {
		t.Fatalf("handle: written=%v err=%v", written, err)
	}
	written, err = rec.Handle(context.Background(), msg)
	if err != nil || written {
		t.Fatalf("duplicate should be skipped: written=%v err=%v", written, err)
	}
	if len(w.points) != 1 {
		t.Fatalf("expected one point, got %d", len(w.points))
	}
	p := w.points[0]
	if p.measurement != Measurement || p.tags["member_id"] != "7" || p.tags["by_id"] != "8" {
		t.Fatalf("unexpected point %+v", p)
	}
	if p.fields["credit_delta"] != int64(-5) || p.fields["reaction"] != true {
		t.Fatalf("unexpected fields %+v", p.fields)
	}
	if !p.ts.Equal(ulid.Time(e.ID.Time())) {
		t.Fatalf("timestamp should come from the event id")
	}
}

func TestWriteFailureReleasesDedupMark(t *testing.T) {
	w := &fakeWriter{fail: true}
	dedup := &memDedup{seen: map[string]bool{}}
	rec := NewRecorder(w, dedup, time.Hour)
	msg := envelopeBytes(t, events.SetParty{ID: events.NewID(), MemberID: 1, Flag: true})

	if _, err := rec.Handle(context.Background(), msg); !errors.Is(err, testkit.ErrInjected) {
		t.Fatalf("expected write failure, got %v", err)
	}
	w.fail = false
	written, err := rec.Handle(context.Background(), msg)
	if err != nil || !written {
		t.Fatalf("redelivery should be written: %v %v", written, err)
	}
}

func TestDecodeRejectsBadEnvelopes(t *testing.T) {
	good := events.SetHsk{ID: events.NewID(), MemberID: 3}
	var env map[string]any
	_ = json.Unmarshal(envelopeBytes(t, good), &env)
	env["event_type"] = events.TypeSetParty
	mismatched, _ := json.Marshal(env)

	for name, msg := range map[string][]byte{
		"not json":   []byte("{"),
		"no payload": []byte(`{"event_id":"x","event_type":"SetHsk"}`),
		"mismatch":   mismatched,
	} {
		if _, _, err := Decode(msg); !errors.Is(err, ErrBadEnvelope) {
			t.Fatalf("%s: expected ErrBadEnvelope, got %v", name, err)
		}
	}
}

func TestPointFields(t *testing.T) {
	level := 2
	cases := []struct {
		e     events.Event
		field string
		want  any
	}{
		{events.ProfileRegistered{ID: events.NewID(), MemberID: 1}, "registered", 1},
		{events.ComradeHonored{ID: events.NewID(), ToID: 1, ByID: 2, Amount: 9}, "credit_delta", int64(9)},
		{events.ComradeJailed{ID: events.NewID(), ToID: 1, ByID: 2}, "jailed", true},
		{events.ComradeUnjailed{ID: events.NewID(), ToID: 1, ByID: 2}, "jailed", false},
		{events.SetHsk{ID: events.NewID(), MemberID: 1, Level: &level}, "hsk_level", 2},
		{events.SetHsk{ID: events.NewID(), MemberID: 1}, "hsk_cleared", true},
	}
	for _, tc := range cases {
		tags, fields := Point(tc.e)
		if tags["event_type"] != tc.e.TypeName() || fields[tc.field] != tc.want {
			t.Fatalf("%s: unexpected tags=%v fields=%v", tc.e.TypeName(), tags, fields)
		}
	}
}
