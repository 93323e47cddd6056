package events

import (
	"context"
	"fmt"

	"social-credit-ledger/api/internal/models"
)

// JailAuthorizer decides whether a member may jail or unjail others.
type JailAuthorizer func(by models.Profile) bool

func AnyoneMayJail(models.Profile) bool { return true }

func PartyMembersOnly(by models.Profile) bool { return by.HasRole(models.RoleParty) }

type Policy struct {
	StartingCredit      int64
	BootstrapCurrency   int64
	AllowNegativeCredit bool
	MayJail             JailAuthorizer
}

func DefaultPolicy() Policy {
	return Policy{
		StartingCredit:      1000,
		BootstrapCurrency:   10000,
		AllowNegativeCredit: true,
		MayJail:             AnyoneMayJail,
	}
}

func (p Policy) mayJail(by models.Profile) bool {
	if p.MayJail == nil {
		return true
	}
	return p.MayJail(by)
}

// Validate checks e against the current projection without mutating it. A
// rejection is returned as *ValidationError; any other error comes from the
// store.
func Validate(ctx context.Context, view ProfileView, policy Policy, e Event) error {
	switch ev := e.(type) {
	case ProfileRegistered:
		_, exists, err := load(ctx, view, ev.MemberID)
		if err != nil {
			return err
		}
		if exists {
			return reject(CodeAlreadyRegistered, "comrade %d is already registered", ev.MemberID)
		}
		return nil
	case ComradeHonored:
		if err := validateAmount(ev.Amount); err != nil {
			return err
		}
		_, _, err := validatePair(ctx, view, ev.ToID, ev.ByID)
		return err
	case ComradeDishonored:
		if err := validateAmount(ev.Amount); err != nil {
			return err
		}
		to, _, err := validatePair(ctx, view, ev.ToID, ev.ByID)
		if err != nil {
			return err
		}
		if !policy.AllowNegativeCredit && to.Credit-int64(ev.Amount) < 0 {
			return reject(CodeInsufficientCredit, "insufficient social credit")
		}
		return nil
	case ComradeJailed:
		to, by, err := validatePair(ctx, view, ev.ToID, ev.ByID)
		if err != nil {
			return err
		}
		if !policy.mayJail(by) {
			return reject(CodeNotAuthorized, "comrade %d is not authorized to jail", ev.ByID)
		}
		if to.HasRole(models.RoleJailed) {
			return reject(CodeAlreadyJailed, "already jailed")
		}
		return nil
	case ComradeUnjailed:
		to, by, err := validatePair(ctx, view, ev.ToID, ev.ByID)
		if err != nil {
			return err
		}
		if !policy.mayJail(by) {
			return reject(CodeNotAuthorized, "comrade %d is not authorized to unjail", ev.ByID)
		}
		if !to.HasRole(models.RoleJailed) {
			return reject(CodeNotJailed, "not jailed")
		}
		return nil
	case SetParty:
		_, err := mustExist(ctx, view, ev.MemberID)
		return err
	case SetHsk:
		if ev.Level != nil && (*ev.Level < models.MinProficiencyLevel || *ev.Level > models.MaxProficiencyLevel) {
			return reject(CodeInvalidLevel, "hsk level must be between %d and %d", models.MinProficiencyLevel, models.MaxProficiencyLevel)
		}
		_, err := mustExist(ctx, view, ev.MemberID)
		return err
	default:
		return fmt.Errorf("%w: %T", ErrUnknownEventType, e)
	}
}

func validateAmount(amount int32) error {
	if amount <= 0 {
		return reject(CodeInvalidAmount, "amount must be positive")
	}
	return nil
}

func validatePair(ctx context.Context, view ProfileView, toID uint64, byID uint64) (models.Profile, models.Profile, error) {
	if toID == byID {
		return models.Profile{}, models.Profile{}, reject(CodeSelfTarget, "cannot target yourself")
	}
	to, err := mustExist(ctx, view, toID)
	if err != nil {
		return models.Profile{}, models.Profile{}, err
	}
	by, err := mustExist(ctx, view, byID)
	if err != nil {
		return models.Profile{}, models.Profile{}, err
	}
	return to, by, nil
}

func mustExist(ctx context.Context, view ProfileView, memberID uint64) (models.Profile, error) {
	p, ok, err := load(ctx, view, memberID)
	if err != nil {
		return models.Profile{}, err
	}
	if !ok {
		return models.Profile{}, reject(CodeNotRegistered, "comrade %d is not registered", memberID)
	}
	return p, nil
}

func load(ctx context.Context, view ProfileView, memberID uint64) (models.Profile, bool, error) {
	p, ok, err := view.LoadProfile(ctx, memberID)
	if err != nil {
		return models.Profile{}, false, fmt.Errorf("load profile %d: %w", memberID, err)
	}
	return p, ok, nil
}
