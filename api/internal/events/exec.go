package events

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"social-credit-ledger/api/internal/models"
)

// Exec applies an already validated event that was logged at pos. It does not
// re-check business rules. Applying the same event twice is a no-op: a profile
// whose LastPosition is at or after pos is left untouched, and registration
// never overwrites an existing profile. It reports whether anything was saved.
func Exec(ctx context.Context, store ProfileStore, policy Policy, e Event, pos models.LogPosition) (bool, error) {
	switch ev := e.(type) {
	case ProfileRegistered:
		return execRegister(ctx, store, policy, ev, pos)
	case ComradeHonored:
		return mutate(ctx, store, ev.ToID, pos, func(p *models.Profile) {
			p.Credit += int64(ev.Amount)
		})
	case ComradeDishonored:
		return mutate(ctx, store, ev.ToID, pos, func(p *models.Profile) {
			p.Credit -= int64(ev.Amount)
		})
	case ComradeJailed:
		return mutate(ctx, store, ev.ToID, pos, func(p *models.Profile) {
			p.AddRole(models.RoleJailed)
		})
	case ComradeUnjailed:
		return mutate(ctx, store, ev.ToID, pos, func(p *models.Profile) {
			p.RemoveRole(models.RoleJailed)
		})
	case SetParty:
		return mutate(ctx, store, ev.MemberID, pos, func(p *models.Profile) {
			if ev.Flag {
				p.AddRole(models.RoleParty)
			} else {
				p.RemoveRole(models.RoleParty)
			}
		})
	case SetHsk:
		return mutate(ctx, store, ev.MemberID, pos, func(p *models.Profile) {
			if ev.Level == nil {
				p.ProficiencyLevel = nil
				return
			}
			level := *ev.Level
			p.ProficiencyLevel = &level
		})
	default:
		return false, fmt.Errorf("%w: %T", ErrUnknownEventType, e)
	}
}

func execRegister(ctx context.Context, store ProfileStore, policy Policy, ev ProfileRegistered, pos models.LogPosition) (bool, error) {
	_, exists, err := load(ctx, store, ev.MemberID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	count, err := store.CountProfiles(ctx)
	if err != nil {
		return false, fmt.Errorf("count profiles: %w", err)
	}
	var currency int64
	if count == 0 {
		currency = policy.BootstrapCurrency
	}
	created := registeredAt(ev.ID)
	profile := models.Profile{
		MemberID:     ev.MemberID,
		DisplayName:  ev.DisplayName,
		Handle:       ev.DisplayName,
		Credit:       policy.StartingCredit,
		Currency:     currency,
		Roles:        []string{},
		CreatedAt:    created,
		LastSeenAt:   created,
		LastPosition: pos,
	}
	if err := store.SaveProfile(ctx, profile); err != nil {
		return false, fmt.Errorf("save profile %d: %w", ev.MemberID, err)
	}
	return true, nil
}

func mutate(ctx context.Context, store ProfileStore, memberID uint64, pos models.LogPosition, fn func(*models.Profile)) (bool, error) {
	p, ok, err := load(ctx, store, memberID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("%w: member %d", ErrProfileMissing, memberID)
	}
	if !pos.IsZero() && !p.LastPosition.Less(pos) {
		return false, nil
	}
	p = p.Clone()
	fn(&p)
	if !pos.IsZero() {
		p.LastPosition = pos
	}
	if err := store.SaveProfile(ctx, p); err != nil {
		return false, fmt.Errorf("save profile %d: %w", memberID, err)
	}
	return true, nil
}

func registeredAt(id ulid.ULID) time.Time {
	if id == (ulid.ULID{}) {
		return time.Now().UTC()
	}
	return ulid.Time(id.Time()).UTC()
}
