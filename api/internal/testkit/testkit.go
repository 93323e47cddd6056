// Package testkit holds in-memory stand-ins for the profile store and the
// event stream, with failure injection for partial-failure tests.
package testkit

import (
	"context"
	"errors"
	"sync"

	"social-credit-ledger/api/internal/eventlog"
	"social-credit-ledger/api/internal/events"
	"social-credit-ledger/api/internal/models"
)

var ErrInjected = errors.New("injected failure")

type Profiles struct {
	mu       sync.Mutex
	profiles map[uint64]models.Profile

	// FailSaves makes the next n SaveProfile calls fail.
	FailSaves int
	// FailLoads makes every LoadProfile call fail while set.
	FailLoads bool
	Saves     int
}

func NewProfiles() *Profiles {
	return &Profiles{profiles: make(map[uint64]models.Profile)}
}

func (s *Profiles) LoadProfile(ctx context.Context, memberID uint64) (models.Profile, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailLoads {
		return models.Profile{}, false, ErrInjected
	}
	p, ok := s.profiles[memberID]
	return p.Clone(), ok, nil
}

func (s *Profiles) GetProfile(ctx context.Context, memberID uint64) (models.Profile, bool, error) {
	return s.LoadProfile(ctx, memberID)
}

func (s *Profiles) SaveProfile(ctx context.Context, p models.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSaves > 0 {
		s.FailSaves--
		return ErrInjected
	}
	s.Saves++
	s.profiles[p.MemberID] = p.Clone()
	return nil
}

func (s *Profiles) CountProfiles(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.profiles)), nil
}

func (s *Profiles) SetFailSaves(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FailSaves = n
}

// Get returns the stored profile directly, for assertions.
func (s *Profiles) Get(memberID uint64) (models.Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[memberID]
	return p.Clone(), ok
}

// Snapshot copies every stored profile.
func (s *Profiles) Snapshot() map[uint64]models.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint64]models.Profile, len(s.profiles))
	for id, p := range s.profiles {
		out[id] = p.Clone()
	}
	return out
}

// Stream is an in-memory append-only log that hands out increasing positions
// and tracks unapplied markers like the Redis stream does.
type Stream struct {
	mu        sync.Mutex
	entries   []eventlog.Entry
	unapplied map[models.LogPosition][]string
	seq       uint64

	// FailAppends makes the next n Append calls fail.
	FailAppends int
	// FailMarks makes the next n MarkApplied calls fail.
	FailMarks int
}

func NewStream() *Stream {
	return &Stream{unapplied: make(map[models.LogPosition][]string)}
}

func (s *Stream) Append(ctx context.Context, rec events.Record, keys []string) (models.LogPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailAppends > 0 {
		s.FailAppends--
		return models.LogPosition{}, ErrInjected
	}
	s.seq++
	pos := models.LogPosition{Millis: 1700000000000 + s.seq, Seq: 0}
	cp := append(events.Record(nil), rec...)
	s.entries = append(s.entries, eventlog.Entry{Position: pos, Record: cp})
	s.unapplied[pos] = append([]string(nil), keys...)
	return pos, nil
}

func (s *Stream) Unapplied(ctx context.Context, keys []string) ([]eventlog.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]eventlog.Entry, 0)
	for _, e := range s.entries {
		marked, ok := s.unapplied[e.Position]
		if !ok || (keys != nil && !overlaps(keys, marked)) {
			continue
		}
		e.Keys = append([]string(nil), marked...)
		out = append(out, e)
	}
	return out, nil
}

func (s *Stream) MarkApplied(ctx context.Context, pos models.LogPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailMarks > 0 {
		s.FailMarks--
		return ErrInjected
	}
	delete(s.unapplied, pos)
	return nil
}

// UnappliedCount is the number of entries still marked.
func (s *Stream) UnappliedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.unapplied)
}

// ForgetMarkers drops every marker, as entries written before markers existed.
func (s *Stream) ForgetMarkers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unapplied = make(map[models.LogPosition][]string)
}

func overlaps(a []string, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func (s *Stream) After(ctx context.Context, pos models.LogPosition, count int) ([]eventlog.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]eventlog.Entry, 0)
	for _, e := range s.entries {
		if pos.Less(e.Position) {
			out = append(out, e)
			if count > 0 && len(out) == count {
				break
			}
		}
	}
	return out, nil
}

func (s *Stream) Last(ctx context.Context, count int) ([]eventlog.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := 0
	if count > 0 && len(s.entries) > count {
		start = len(s.entries) - count
	}
	return append([]eventlog.Entry(nil), s.entries[start:]...), nil
}

func (s *Stream) Entries() []eventlog.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]eventlog.Entry(nil), s.entries...)
}

func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
