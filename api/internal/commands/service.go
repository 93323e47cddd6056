// Package commands is the inbound command surface: it parses string ids at
// the boundary, builds one event per call and reports the processor outcome
// as a Result.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"social-credit-ledger/api/internal/events"
	"social-credit-ledger/api/internal/models"
	"social-credit-ledger/api/internal/processor"
	"social-credit-ledger/shared/logx"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("profile not found")
)

const selfReactionMessage = "cannot react to your own message"

type Processor interface {
	Process(ctx context.Context, e events.Event) (ulid.ULID, error)
}

type Profiles interface {
	GetProfile(ctx context.Context, memberID uint64) (models.Profile, bool, error)
}

// Result is the reply for every command. Pending means the event is logged
// and will be applied by recovery; it must not be resubmitted.
type Result struct {
	Success bool    `json:"success"`
	Error   *string `json:"error"`
	EventID *string `json:"event_id"`
	Pending bool    `json:"pending,omitempty"`
	Ignored bool    `json:"ignored,omitempty"`
}

type ProfileView struct {
	MemberID         string    `json:"member_id"`
	DisplayName      string    `json:"display_name"`
	Handle           string    `json:"handle"`
	Roles            []string  `json:"roles"`
	Credit           int64     `json:"credit"`
	Currency         int64     `json:"currency"`
	CreatedAt        time.Time `json:"created_at"`
	ProficiencyLevel *int      `json:"proficiency_level"`
}

type Service struct {
	proc     Processor
	profiles Profiles
	logger   logx.Logger
}

func NewService(proc Processor, profiles Profiles, logger logx.Logger) *Service {
	return &Service{proc: proc, profiles: profiles, logger: logger}
}

func (s *Service) Register(ctx context.Context, memberID string, username string) (Result, error) {
	id, err := parseMemberID("member_id", memberID)
	if err != nil {
		return Result{}, err
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return Result{}, fmt.Errorf("%w: username is required", ErrInvalidArgument)
	}
	return s.run(ctx, events.ProfileRegistered{ID: events.NewID(), MemberID: id, DisplayName: username})
}

func (s *Service) Honor(ctx context.Context, toID string, byID string, amount int64, reason string) (Result, error) {
	to, by, amt, err := parseTransfer(toID, byID, amount)
	if err != nil {
		return Result{}, err
	}
	return s.run(ctx, events.ComradeHonored{ID: events.NewID(), ToID: to, ByID: by, Amount: amt, Reason: reason})
}

func (s *Service) Dishonor(ctx context.Context, toID string, byID string, amount int64, reason string) (Result, error) {
	to, by, amt, err := parseTransfer(toID, byID, amount)
	if err != nil {
		return Result{}, err
	}
	return s.run(ctx, events.ComradeDishonored{ID: events.NewID(), ToID: to, ByID: by, Amount: amt, Reason: reason})
}

func (s *Service) Jail(ctx context.Context, toID string, byID string, reason string) (Result, error) {
	to, by, err := parsePair(toID, byID)
	if err != nil {
		return Result{}, err
	}
	return s.run(ctx, events.ComradeJailed{ID: events.NewID(), ToID: to, ByID: by, Reason: reason})
}

func (s *Service) Unjail(ctx context.Context, toID string, byID string) (Result, error) {
	to, by, err := parsePair(toID, byID)
	if err != nil {
		return Result{}, err
	}
	return s.run(ctx, events.ComradeUnjailed{ID: events.NewID(), ToID: to, ByID: by})
}

func (s *Service) SetParty(ctx context.Context, memberID string, flag bool) (Result, error) {
	id, err := parseMemberID("member_id", memberID)
	if err != nil {
		return Result{}, err
	}
	return s.run(ctx, events.SetParty{ID: events.NewID(), MemberID: id, Flag: flag})
}

// SetHsk clears the level when level is nil.
func (s *Service) SetHsk(ctx context.Context, memberID string, level *int) (Result, error) {
	id, err := parseMemberID("member_id", memberID)
	if err != nil {
		return Result{}, err
	}
	return s.run(ctx, events.SetHsk{ID: events.NewID(), MemberID: id, Level: level})
}

// React turns a reaction on a message into a one-point honor (added) or
// dishonor (removed) for the message author. Reacting to your own message
// writes nothing and comes back ignored, with the reason in Error.
func (s *Service) React(ctx context.Context, authorID string, reactorID string, added bool) (Result, error) {
	author, reactor, err := parsePair(authorID, reactorID)
	if err != nil {
		return Result{}, err
	}
	if author == reactor {
		msg := selfReactionMessage
		return Result{Ignored: true, Error: &msg}, nil
	}
	if added {
		return s.run(ctx, events.ComradeHonored{ID: events.NewID(), ToID: author, ByID: reactor, Amount: 1, Reason: events.ReactionReason})
	}
	return s.run(ctx, events.ComradeDishonored{ID: events.NewID(), ToID: author, ByID: reactor, Amount: 1, Reason: events.ReactionReason})
}

func (s *Service) Profile(ctx context.Context, memberID string) (ProfileView, error) {
	id, err := parseMemberID("member_id", memberID)
	if err != nil {
		return ProfileView{}, err
	}
	p, ok, err := s.profiles.GetProfile(ctx, id)
	if err != nil {
		return ProfileView{}, fmt.Errorf("get profile %d: %w", id, err)
	}
	if !ok {
		return ProfileView{}, ErrNotFound
	}
	return toView(p), nil
}

func (s *Service) run(ctx context.Context, e events.Event) (Result, error) {
	id, err := s.proc.Process(ctx, e)
	switch {
	case err == nil:
		return accepted(id), nil
	case events.IsValidation(err):
		msg := err.Error()
		return Result{Success: false, Error: &msg}, nil
	case errors.Is(err, processor.ErrApplyPending):
		s.logger.Warn(ctx, "command_apply_pending", "command accepted, projection pending",
			slog.String("event_id", id.String()),
			slog.String("event_type", e.TypeName()),
		)
		res := accepted(id)
		res.Pending = true
		return res, nil
	default:
		return Result{}, err
	}
}

func accepted(id ulid.ULID) Result {
	eventID := id.String()
	return Result{Success: true, EventID: &eventID}
}

func toView(p models.Profile) ProfileView {
	roles := p.Roles
	if roles == nil {
		roles = []string{}
	}
	return ProfileView{
		MemberID:         strconv.FormatUint(p.MemberID, 10),
		DisplayName:      p.DisplayName,
		Handle:           p.Handle,
		Roles:            roles,
		Credit:           p.Credit,
		Currency:         p.Currency,
		CreatedAt:        p.CreatedAt,
		ProficiencyLevel: p.ProficiencyLevel,
	}
}

func parseMemberID(field string, raw string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an unsigned 64-bit integer", ErrInvalidArgument, field)
	}
	return id, nil
}

func parsePair(toID string, byID string) (uint64, uint64, error) {
	to, err := parseMemberID("to_id", toID)
	if err != nil {
		return 0, 0, err
	}
	by, err := parseMemberID("by_id", byID)
	if err != nil {
		return 0, 0, err
	}
	return to, by, nil
}

// Non-positive amounts pass through so validation reports them; only values
// outside int32 are refused here.
func parseTransfer(toID string, byID string, amount int64) (uint64, uint64, int32, error) {
	to, by, err := parsePair(toID, byID)
	if err != nil {
		return 0, 0, 0, err
	}
	if amount > math.MaxInt32 || amount < math.MinInt32 {
		return 0, 0, 0, fmt.Errorf("%w: amount out of range", ErrInvalidArgument)
	}
	return to, by, int32(amount), nil
}
