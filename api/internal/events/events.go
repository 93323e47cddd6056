// Package events defines the closed family of profile commands. Each event
// validates against the current projection, applies itself to it, and
// serializes to the ordered record written to the event stream.
package events

import (
	"context"
	"strconv"

	"github.com/oklog/ulid/v2"

	"social-credit-ledger/api/internal/models"
)

const (
	TypeProfileRegistered = "ProfileRegistered"
	TypeComradeHonored    = "ComradeHonored"
	TypeComradeDishonored = "ComradeDishonored"
	TypeComradeJailed     = "ComradeJailed"
	TypeComradeUnjailed   = "ComradeUnjailed"
	TypeSetParty          = "SetParty"
	TypeSetHsk            = "SetHsk"
)

// ReactionReason marks honor/dishonor issued by a message reaction.
const ReactionReason = "[REACTION]"

// Event is implemented only by the variants in this package.
type Event interface {
	EventID() ulid.ULID
	TypeName() string
	isEvent()
}

type ProfileView interface {
	LoadProfile(ctx context.Context, memberID uint64) (models.Profile, bool, error)
}

type ProfileStore interface {
	ProfileView
	SaveProfile(ctx context.Context, profile models.Profile) error
	CountProfiles(ctx context.Context) (int64, error)
}

type ProfileRegistered struct {
	ID          ulid.ULID
	MemberID    uint64
	DisplayName string
}

type ComradeHonored struct {
	ID     ulid.ULID
	ToID   uint64
	ByID   uint64
	Amount int32
	Reason string
}

type ComradeDishonored struct {
	ID     ulid.ULID
	ToID   uint64
	ByID   uint64
	Amount int32
	Reason string
}

type ComradeJailed struct {
	ID     ulid.ULID
	ToID   uint64
	ByID   uint64
	Reason string
}

type ComradeUnjailed struct {
	ID   ulid.ULID
	ToID uint64
	ByID uint64
}

type SetParty struct {
	ID       ulid.ULID
	MemberID uint64
	Flag     bool
}

// SetHsk sets or clears (Level == nil) the proficiency level.
type SetHsk struct {
	ID       ulid.ULID
	MemberID uint64
	Level    *int
}

func (e ProfileRegistered) EventID() ulid.ULID { return e.ID }
func (e ComradeHonored) EventID() ulid.ULID    { return e.ID }
func (e ComradeDishonored) EventID() ulid.ULID { return e.ID }
func (e ComradeJailed) EventID() ulid.ULID     { return e.ID }
func (e ComradeUnjailed) EventID() ulid.ULID   { return e.ID }
func (e SetParty) EventID() ulid.ULID          { return e.ID }
func (e SetHsk) EventID() ulid.ULID            { return e.ID }

func (ProfileRegistered) TypeName() string { return TypeProfileRegistered }
func (ComradeHonored) TypeName() string    { return TypeComradeHonored }
func (ComradeDishonored) TypeName() string { return TypeComradeDishonored }
func (ComradeJailed) TypeName() string     { return TypeComradeJailed }
func (ComradeUnjailed) TypeName() string   { return TypeComradeUnjailed }
func (SetParty) TypeName() string          { return TypeSetParty }
func (SetHsk) TypeName() string            { return TypeSetHsk }

func (ProfileRegistered) isEvent() {}
func (ComradeHonored) isEvent()    {}
func (ComradeDishonored) isEvent() {}
func (ComradeJailed) isEvent()     {}
func (ComradeUnjailed) isEvent()   {}
func (SetParty) isEvent()          {}
func (SetHsk) isEvent()            {}

// TargetID is the member whose profile the event mutates.
func TargetID(e Event) uint64 {
	switch ev := e.(type) {
	case ProfileRegistered:
		return ev.MemberID
	case ComradeHonored:
		return ev.ToID
	case ComradeDishonored:
		return ev.ToID
	case ComradeJailed:
		return ev.ToID
	case ComradeUnjailed:
		return ev.ToID
	case SetParty:
		return ev.MemberID
	case SetHsk:
		return ev.MemberID
	default:
		return 0
	}
}

const registerLockKey = "register"

// LockKeys lists the aggregates an event reads or writes, sorted so that
// multi-key acquisition always happens in the same order.
func LockKeys(e Event) []string {
	switch ev := e.(type) {
	case ProfileRegistered:
		return []string{memberKey(ev.MemberID), registerLockKey}
	case ComradeHonored:
		return pairKeys(ev.ToID, ev.ByID)
	case ComradeDishonored:
		return pairKeys(ev.ToID, ev.ByID)
	case ComradeJailed:
		return pairKeys(ev.ToID, ev.ByID)
	case ComradeUnjailed:
		return pairKeys(ev.ToID, ev.ByID)
	case SetParty:
		return []string{memberKey(ev.MemberID)}
	case SetHsk:
		return []string{memberKey(ev.MemberID)}
	default:
		return []string{registerLockKey}
	}
}

func memberKey(id uint64) string {
	return "member:" + strconv.FormatUint(id, 10)
}

func pairKeys(a uint64, b uint64) []string {
	if a == b {
		return []string{memberKey(a)}
	}
	ka, kb := memberKey(a), memberKey(b)
	if kb < ka {
		ka, kb = kb, ka
	}
	return []string{ka, kb}
}
