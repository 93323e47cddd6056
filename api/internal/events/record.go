package events

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/oklog/ulid/v2"
)

const (
	KeyID          = "id"
	KeyType        = "type"
	keyMemberID    = "member_id"
	keyDisplayName = "display_name"
	keyToID        = "to_id"
	keyByID        = "by_id"
	keyAmount      = "amount"
	keyReason      = "reason"
	keyFlag        = "flag"
	keyLevel       = "level"

	nullValue = "null"
)

type Field struct {
	Key   string
	Value string
}

// Record is the ordered key/value form of an event on the stream: id and
// type first, then the variant's fields.
type Record []Field

var fieldOrder = map[string][]string{
	TypeProfileRegistered: {keyMemberID, keyDisplayName},
	TypeComradeHonored:    {keyToID, keyByID, keyAmount, keyReason},
	TypeComradeDishonored: {keyToID, keyByID, keyAmount, keyReason},
	TypeComradeJailed:     {keyToID, keyByID, keyReason},
	TypeComradeUnjailed:   {keyToID, keyByID},
	TypeSetParty:          {keyMemberID, keyFlag},
	TypeSetHsk:            {keyMemberID, keyLevel},
}

func (r Record) Get(key string) (string, bool) {
	for _, f := range r {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// Flatten returns k1, v1, k2, v2, ... in record order.
func (r Record) Flatten() []string {
	out := make([]string, 0, len(r)*2)
	for _, f := range r {
		out = append(out, f.Key, f.Value)
	}
	return out
}

func (r Record) Map() map[string]string {
	out := make(map[string]string, len(r))
	for _, f := range r {
		out[f.Key] = f.Value
	}
	return out
}

// RecordFromMap rebuilds the canonical field order from an unordered map, as
// returned by stream reads. Unknown keys are kept, sorted, at the end.
func RecordFromMap(values map[string]any) Record {
	str := func(v any) string {
		switch t := v.(type) {
		case string:
			return t
		case []byte:
			return string(t)
		default:
			return fmt.Sprint(t)
		}
	}
	seen := make(map[string]bool, len(values))
	out := make(Record, 0, len(values))
	add := func(key string) {
		if v, ok := values[key]; ok && !seen[key] {
			out = append(out, Field{Key: key, Value: str(v)})
			seen[key] = true
		}
	}
	add(KeyID)
	add(KeyType)
	if t, ok := values[KeyType]; ok {
		for _, key := range fieldOrder[str(t)] {
			add(key)
		}
	}
	rest := make([]string, 0)
	for key := range values {
		if !seen[key] {
			rest = append(rest, key)
		}
	}
	sort.Strings(rest)
	for _, key := range rest {
		add(key)
	}
	return out
}

func ToRecord(e Event) Record {
	r := Record{
		{Key: KeyID, Value: e.EventID().String()},
		{Key: KeyType, Value: e.TypeName()},
	}
	u := func(v uint64) string { return strconv.FormatUint(v, 10) }
	switch ev := e.(type) {
	case ProfileRegistered:
		r = append(r, Field{keyMemberID, u(ev.MemberID)}, Field{keyDisplayName, ev.DisplayName})
	case ComradeHonored:
		r = append(r, Field{keyToID, u(ev.ToID)}, Field{keyByID, u(ev.ByID)},
			Field{keyAmount, strconv.FormatInt(int64(ev.Amount), 10)}, Field{keyReason, ev.Reason})
	case ComradeDishonored:
		r = append(r, Field{keyToID, u(ev.ToID)}, Field{keyByID, u(ev.ByID)},
			Field{keyAmount, strconv.FormatInt(int64(ev.Amount), 10)}, Field{keyReason, ev.Reason})
	case ComradeJailed:
		r = append(r, Field{keyToID, u(ev.ToID)}, Field{keyByID, u(ev.ByID)}, Field{keyReason, ev.Reason})
	case ComradeUnjailed:
		r = append(r, Field{keyToID, u(ev.ToID)}, Field{keyByID, u(ev.ByID)})
	case SetParty:
		r = append(r, Field{keyMemberID, u(ev.MemberID)}, Field{keyFlag, strconv.FormatBool(ev.Flag)})
	case SetHsk:
		level := nullValue
		if ev.Level != nil {
			level = strconv.Itoa(*ev.Level)
		}
		r = append(r, Field{keyMemberID, u(ev.MemberID)}, Field{keyLevel, level})
	}
	return r
}

// ParseRecord is the inverse of ToRecord.
func ParseRecord(r Record) (Event, error) {
	p := recordParser{r: r}
	id := p.id()
	typ := p.str(KeyType)
	if p.err != nil {
		return nil, p.err
	}

	var e Event
	switch typ {
	case TypeProfileRegistered:
		e = ProfileRegistered{ID: id, MemberID: p.u64(keyMemberID), DisplayName: p.str(keyDisplayName)}
	case TypeComradeHonored:
		e = ComradeHonored{ID: id, ToID: p.u64(keyToID), ByID: p.u64(keyByID), Amount: p.i32(keyAmount), Reason: p.str(keyReason)}
	case TypeComradeDishonored:
		e = ComradeDishonored{ID: id, ToID: p.u64(keyToID), ByID: p.u64(keyByID), Amount: p.i32(keyAmount), Reason: p.str(keyReason)}
	case TypeComradeJailed:
		e = ComradeJailed{ID: id, ToID: p.u64(keyToID), ByID: p.u64(keyByID), Reason: p.str(keyReason)}
	case TypeComradeUnjailed:
		e = ComradeUnjailed{ID: id, ToID: p.u64(keyToID), ByID: p.u64(keyByID)}
	case TypeSetParty:
		e = SetParty{ID: id, MemberID: p.u64(keyMemberID), Flag: p.flag(keyFlag)}
	case TypeSetHsk:
		e = SetHsk{ID: id, MemberID: p.u64(keyMemberID), Level: p.optInt(keyLevel)}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, typ)
	}
	if p.err != nil {
		return nil, p.err
	}
	return e, nil
}

// recordParser keeps the first error so callers can read every field and
// check once.
type recordParser struct {
	r   Record
	err error
}

func (p *recordParser) fail(key string, raw string) {
	if p.err == nil {
		p.err = fmt.Errorf("%w: field %q value %q", ErrMalformedRecord, key, raw)
	}
}

func (p *recordParser) str(key string) string {
	v, ok := p.r.Get(key)
	if !ok && p.err == nil {
		p.err = fmt.Errorf("%w: missing field %q", ErrMalformedRecord, key)
	}
	return v
}

func (p *recordParser) id() ulid.ULID {
	raw := p.str(KeyID)
	id, err := ulid.ParseStrict(raw)
	if err != nil {
		p.fail(KeyID, raw)
	}
	return id
}

func (p *recordParser) u64(key string) uint64 {
	raw := p.str(key)
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		p.fail(key, raw)
	}
	return v
}

func (p *recordParser) i32(key string) int32 {
	raw := p.str(key)
	v, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		p.fail(key, raw)
	}
	return int32(v)
}

func (p *recordParser) flag(key string) bool {
	raw := p.str(key)
	v, err := strconv.ParseBool(raw)
	if err != nil || (raw != "true" && raw != "false") {
		p.fail(key, raw)
	}
	return v
}

func (p *recordParser) optInt(key string) *int {
	raw := p.str(key)
	if strings.EqualFold(raw, nullValue) {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key, raw)
		return nil
	}
	return &v
}

// KnownType reports whether name is one of the event type names.
func KnownType(name string) bool {
	_, ok := fieldOrder[name]
	return ok
}

// TypeNames lists every event type name in declaration order.
func TypeNames() []string {
	return []string{
		TypeProfileRegistered,
		TypeComradeHonored,
		TypeComradeDishonored,
		TypeComradeJailed,
		TypeComradeUnjailed,
		TypeSetParty,
		TypeSetHsk,
	}
}
