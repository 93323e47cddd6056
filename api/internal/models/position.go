package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidPosition = errors.New("invalid log position")

// LogPosition is the "<millis>-<seq>" id the event stream assigns on append.
// The zero value sorts before every real position.
type LogPosition struct {
	Millis uint64
	Seq    uint64
}

func ParseLogPosition(raw string) (LogPosition, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return LogPosition{}, nil
	}
	msPart, seqPart, found := strings.Cut(raw, "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return LogPosition{}, fmt.Errorf("%w: %q", ErrInvalidPosition, raw)
	}
	var seq uint64
	if found {
		seq, err = strconv.ParseUint(seqPart, 10, 64)
		if err != nil {
			return LogPosition{}, fmt.Errorf("%w: %q", ErrInvalidPosition, raw)
		}
	}
	return LogPosition{Millis: ms, Seq: seq}, nil
}

func (p LogPosition) String() string {
	return strconv.FormatUint(p.Millis, 10) + "-" + strconv.FormatUint(p.Seq, 10)
}

func (p LogPosition) IsZero() bool {
	return p.Millis == 0 && p.Seq == 0
}

func (p LogPosition) Compare(o LogPosition) int {
	switch {
	case p.Millis < o.Millis:
		return -1
	case p.Millis > o.Millis:
		return 1
	case p.Seq < o.Seq:
		return -1
	case p.Seq > o.Seq:
		return 1
	default:
		return 0
	}
}

func (p LogPosition) Less(o LogPosition) bool {
	return p.Compare(o) < 0
}

func (p LogPosition) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *LogPosition) UnmarshalText(b []byte) error {
	parsed, err := ParseLogPosition(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
