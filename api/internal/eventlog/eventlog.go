// Package eventlog persists accepted events to an append-only Redis stream.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"social-credit-ledger/api/internal/events"
	"social-credit-ledger/api/internal/models"
)

// Log is the write side used by the command processor. An appended entry
// stays marked unapplied under its aggregate keys until MarkApplied, so a
// later writer on those aggregates can find and apply it first.
type Log interface {
	Append(ctx context.Context, rec events.Record, keys []string) (models.LogPosition, error)
	// Unapplied returns marked entries sharing a key with keys, oldest first.
	// A nil keys returns every marked entry.
	Unapplied(ctx context.Context, keys []string) ([]Entry, error)
	MarkApplied(ctx context.Context, pos models.LogPosition) error
}

type Entry struct {
	Position models.LogPosition
	Record   events.Record
	// Keys is set only on entries returned by Unapplied.
	Keys []string
}

// appendScript adds the entry and its unapplied marker in one step.
var appendScript = redis.NewScript(`
local id = redis.call("XADD", KEYS[1], "*", unpack(ARGV, 2))
redis.call("HSET", KEYS[2], id, ARGV[1])
return id
`)

// Reader is used by recovery and the relay, never by the command path.
type Reader interface {
	After(ctx context.Context, pos models.LogPosition, count int) ([]Entry, error)
	Last(ctx context.Context, count int) ([]Entry, error)
}

type RedisStream struct {
	client *redis.Client
	stream string
}

func NewRedisStream(client *redis.Client, stream string) (*RedisStream, error) {
	if client == nil {
		return nil, errors.New("redis client not initialized")
	}
	stream = strings.TrimSpace(stream)
	if stream == "" {
		return nil, errors.New("stream name is required")
	}
	return &RedisStream{client: client, stream: stream}, nil
}

func (s *RedisStream) markers() string { return s.stream + ":unapplied" }

// Append adds rec with a server-assigned id and marks it unapplied under
// keys. The stream is never trimmed.
func (s *RedisStream) Append(ctx context.Context, rec events.Record, keys []string) (models.LogPosition, error) {
	if len(rec) == 0 {
		return models.LogPosition{}, errors.New("empty record")
	}
	if len(keys) == 0 {
		return models.LogPosition{}, errors.New("aggregate keys are required")
	}
	fields := rec.Flatten()
	args := make([]any, 0, len(fields)+1)
	args = append(args, strings.Join(keys, ","))
	for _, f := range fields {
		args = append(args, f)
	}
	id, err := appendScript.Run(ctx, s.client, []string{s.stream, s.markers()}, args...).Text()
	if err != nil {
		return models.LogPosition{}, fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return models.ParseLogPosition(id)
}

func (s *RedisStream) Unapplied(ctx context.Context, keys []string) ([]Entry, error) {
	marks, err := s.client.HGetAll(ctx, s.markers()).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", s.markers(), err)
	}
	out := make([]Entry, 0)
	for id, joined := range marks {
		entryKeys := strings.Split(joined, ",")
		if keys != nil && !sharesKey(keys, entryKeys) {
			continue
		}
		msgs, err := s.client.XRangeN(ctx, s.stream, id, id, 1).Result()
		if err != nil {
			return nil, fmt.Errorf("xrange %s: %w", s.stream, err)
		}
		if len(msgs) == 0 {
			// marker without an entry
			if err := s.client.HDel(ctx, s.markers(), id).Err(); err != nil {
				return nil, fmt.Errorf("hdel %s: %w", s.markers(), err)
			}
			continue
		}
		entries, err := toEntries(msgs)
		if err != nil {
			return nil, err
		}
		entries[0].Keys = entryKeys
		out = append(out, entries[0])
	}
	SortEntries(out)
	return out, nil
}

func (s *RedisStream) MarkApplied(ctx context.Context, pos models.LogPosition) error {
	if err := s.client.HDel(ctx, s.markers(), pos.String()).Err(); err != nil {
		return fmt.Errorf("hdel %s: %w", s.markers(), err)
	}
	return nil
}

// SortEntries orders entries by position, oldest first.
func SortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Position.Less(entries[j].Position) })
}

func sharesKey(a []string, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

// After returns up to count entries strictly after pos, oldest first.
func (s *RedisStream) After(ctx context.Context, pos models.LogPosition, count int) ([]Entry, error) {
	start := "-"
	if !pos.IsZero() {
		start = "(" + pos.String()
	}
	msgs, err := s.client.XRangeN(ctx, s.stream, start, "+", int64(count)).Result()
	if err != nil {
		return nil, fmt.Errorf("xrange %s: %w", s.stream, err)
	}
	return toEntries(msgs)
}

// Last returns the newest count entries, oldest first.
func (s *RedisStream) Last(ctx context.Context, count int) ([]Entry, error) {
	msgs, err := s.client.XRevRangeN(ctx, s.stream, "+", "-", int64(count)).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange %s: %w", s.stream, err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return toEntries(msgs)
}

func (s *RedisStream) Len(ctx context.Context) (int64, error) {
	return s.client.XLen(ctx, s.stream).Result()
}

func toEntries(msgs []redis.XMessage) ([]Entry, error) {
	out := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		pos, err := models.ParseLogPosition(msg.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Position: pos, Record: events.RecordFromMap(msg.Values)})
	}
	return out, nil
}
