package events_test

import (
	"context"
	"errors"
	"testing"

	"social-credit-ledger/api/internal/events"
	"social-credit-ledger/api/internal/models"
	"social-credit-ledger/api/internal/testkit"
)

func pos(n uint64) models.LogPosition { return models.LogPosition{Millis: n} }

func seeded(t *testing.T) *testkit.Profiles {
	t.Helper()
	store := testkit.NewProfiles()
	ctx := context.Background()
	policy := events.DefaultPolicy()
	for i, id := range []uint64{1001, 1002, 1003} {
		reg := events.ProfileRegistered{ID: events.NewID(), MemberID: id, DisplayName: "comrade"}
		if _, err := events.Exec(ctx, store, policy, reg, pos(uint64(i+1))); err != nil {
			t.Fatalf("seed %d: %v", id, err)
		}
	}
	return store
}

func TestValidateRules(t *testing.T) {
	ctx := context.Background()
	store := seeded(t)
	jailed, _ := store.Get(1003)
	jailed.AddRole(models.RoleJailed)
	if err := store.SaveProfile(ctx, jailed); err != nil {
		t.Fatalf("save: %v", err)
	}

	cases := []struct {
		name string
		evt  events.Event
		code string
		msg  string
	}{
		{"register new", events.ProfileRegistered{MemberID: 2000, DisplayName: "x"}, "", ""},
		{"register twice", events.ProfileRegistered{MemberID: 1001}, events.CodeAlreadyRegistered, "comrade 1001 is already registered"},
		{"honor ok", events.ComradeHonored{ToID: 1002, ByID: 1001, Amount: 5}, "", ""},
		{"honor zero", events.ComradeHonored{ToID: 1002, ByID: 1001, Amount: 0}, events.CodeInvalidAmount, "amount must be positive"},
		{"honor self", events.ComradeHonored{ToID: 1001, ByID: 1001, Amount: 5}, events.CodeSelfTarget, "cannot target yourself"},
		{"honor unknown target", events.ComradeHonored{ToID: 9, ByID: 1001, Amount: 5}, events.CodeNotRegistered, "comrade 9 is not registered"},
		{"honor unknown actor", events.ComradeHonored{ToID: 1001, ByID: 9, Amount: 5}, events.CodeNotRegistered, "comrade 9 is not registered"},
		{"dishonor negative", events.ComradeDishonored{ToID: 1002, ByID: 1001, Amount: -1}, events.CodeInvalidAmount, "amount must be positive"},
		{"dishonor self", events.ComradeDishonored{ToID: 1002, ByID: 1002, Amount: 1}, events.CodeSelfTarget, "cannot target yourself"},
		{"jail ok", events.ComradeJailed{ToID: 1002, ByID: 1001}, "", ""},
		{"jail self", events.ComradeJailed{ToID: 1001, ByID: 1001}, events.CodeSelfTarget, "cannot target yourself"},
		{"jail jailed", events.ComradeJailed{ToID: 1003, ByID: 1001}, events.CodeAlreadyJailed, "already jailed"},
		{"unjail free", events.ComradeUnjailed{ToID: 1002, ByID: 1001}, events.CodeNotJailed, "not jailed"},
		{"unjail ok", events.ComradeUnjailed{ToID: 1003, ByID: 1001}, "", ""},
		{"party unknown", events.SetParty{MemberID: 77, Flag: true}, events.CodeNotRegistered, "comrade 77 is not registered"},
		{"party ok", events.SetParty{MemberID: 1002, Flag: true}, "", ""},
		{"hsk high", events.SetHsk{MemberID: 1002, Level: intPtr(7)}, events.CodeInvalidLevel, "hsk level must be between 0 and 6"},
		{"hsk low", events.SetHsk{MemberID: 1002, Level: intPtr(-1)}, events.CodeInvalidLevel, "hsk level must be between 0 and 6"},
		{"hsk clear", events.SetHsk{MemberID: 1002}, "", ""},
		{"hsk bounds", events.SetHsk{MemberID: 1002, Level: intPtr(6)}, "", ""},
	}
	for _, tc := range cases {
		err := events.Validate(ctx, store, events.DefaultPolicy(), tc.evt)
		if tc.code == "" {
			if err != nil {
				t.Fatalf("%s: unexpected error: %v", tc.name, err)
			}
			continue
		}
		v, ok := events.AsValidation(err)
		if !ok {
			t.Fatalf("%s: expected validation error, got %v", tc.name, err)
		}
		if v.Code != tc.code || v.Message != tc.msg {
			t.Fatalf("%s: got %s %q, want %s %q", tc.name, v.Code, v.Message, tc.code, tc.msg)
		}
	}
}

func TestValidateStoreFailureIsNotValidation(t *testing.T) {
	store := seeded(t)
	store.FailLoads = true
	err := events.Validate(context.Background(), store, events.DefaultPolicy(), events.SetParty{MemberID: 1001})
	if err == nil || events.IsValidation(err) || !errors.Is(err, testkit.ErrInjected) {
		t.Fatalf("expected wrapped infrastructure error, got %v", err)
	}
}

func TestValidateDoesNotMutate(t *testing.T) {
	store := seeded(t)
	before := store.Saves
	_ = events.Validate(context.Background(), store, events.DefaultPolicy(), events.ComradeHonored{ToID: 1002, ByID: 1001, Amount: 5})
	if store.Saves != before {
		t.Fatalf("validate must not write")
	}
}

func TestExecRegisterBootstrapEndowment(t *testing.T) {
	ctx := context.Background()
	store := testkit.NewProfiles()
	policy := events.DefaultPolicy()
	first := events.ProfileRegistered{ID: events.NewID(), MemberID: 1001, DisplayName: "chairman"}
	second := events.ProfileRegistered{ID: events.NewID(), MemberID: 1002, DisplayName: "comrade"}
	if _, err := events.Exec(ctx, store, policy, first, pos(1)); err != nil {
		t.Fatalf("exec first: %v", err)
	}
	if _, err := events.Exec(ctx, store, policy, second, pos(2)); err != nil {
		t.Fatalf("exec second: %v", err)
	}
	a, _ := store.Get(1001)
	b, _ := store.Get(1002)
	if a.Currency != 10000 || a.Credit != 1000 {
		t.Fatalf("first profile: currency=%d credit=%d", a.Currency, a.Credit)
	}
	if b.Currency != 0 || b.Credit != 1000 {
		t.Fatalf("second profile: currency=%d credit=%d", b.Currency, b.Credit)
	}
	if a.Handle != "chairman" || a.DisplayName != "chairman" || len(a.Roles) != 0 || a.ProficiencyLevel != nil {
		t.Fatalf("unexpected new profile: %#v", a)
	}
	if !a.CreatedAt.Equal(a.LastSeenAt) || a.CreatedAt.IsZero() {
		t.Fatalf("unexpected timestamps: %v %v", a.CreatedAt, a.LastSeenAt)
	}
	if a.LastPosition != pos(1) {
		t.Fatalf("expected last position 1, got %v", a.LastPosition)
	}
}

func TestExecHonorDishonorInverse(t *testing.T) {
	ctx := context.Background()
	store := seeded(t)
	policy := events.DefaultPolicy()
	before, _ := store.Get(1002)
	if _, err := events.Exec(ctx, store, policy, events.ComradeHonored{ID: events.NewID(), ToID: 1002, ByID: 1001, Amount: 42}, pos(10)); err != nil {
		t.Fatalf("honor: %v", err)
	}
	if _, err := events.Exec(ctx, store, policy, events.ComradeDishonored{ID: events.NewID(), ToID: 1002, ByID: 1001, Amount: 42}, pos(11)); err != nil {
		t.Fatalf("dishonor: %v", err)
	}
	after, _ := store.Get(1002)
	if after.Credit != before.Credit {
		t.Fatalf("expected credit %d, got %d", before.Credit, after.Credit)
	}
	actor, _ := store.Get(1001)
	if actor.Credit != 1000 {
		t.Fatalf("actor credit must not change, got %d", actor.Credit)
	}
}

func TestExecIsIdempotentPerPosition(t *testing.T) {
	ctx := context.Background()
	store := seeded(t)
	policy := events.DefaultPolicy()
	honor := events.ComradeHonored{ID: events.NewID(), ToID: 1002, ByID: 1001, Amount: 10}
	applied, err := events.Exec(ctx, store, policy, honor, pos(20))
	if err != nil || !applied {
		t.Fatalf("first apply: applied=%v err=%v", applied, err)
	}
	applied, err = events.Exec(ctx, store, policy, honor, pos(20))
	if err != nil || applied {
		t.Fatalf("second apply should be skipped: applied=%v err=%v", applied, err)
	}
	p, _ := store.Get(1002)
	if p.Credit != 1010 {
		t.Fatalf("expected credit 1010, got %d", p.Credit)
	}

	reg := events.ProfileRegistered{ID: events.NewID(), MemberID: 1001, DisplayName: "impostor"}
	applied, err = events.Exec(ctx, store, policy, reg, pos(21))
	if err != nil || applied {
		t.Fatalf("registration must not overwrite: applied=%v err=%v", applied, err)
	}
	chair, _ := store.Get(1001)
	if chair.DisplayName != "comrade" || chair.Currency != 10000 {
		t.Fatalf("existing profile overwritten: %#v", chair)
	}
}

func TestExecRolesAndLevel(t *testing.T) {
	ctx := context.Background()
	store := seeded(t)
	policy := events.DefaultPolicy()
	steps := []events.Event{
		events.SetParty{ID: events.NewID(), MemberID: 1002, Flag: true},
		events.ComradeJailed{ID: events.NewID(), ToID: 1002, ByID: 1001, Reason: "spam"},
		events.SetHsk{ID: events.NewID(), MemberID: 1002, Level: intPtr(3)},
	}
	for i, e := range steps {
		if _, err := events.Exec(ctx, store, policy, e, pos(uint64(30+i))); err != nil {
			t.Fatalf("%s: %v", e.TypeName(), err)
		}
	}
	p, _ := store.Get(1002)
	if len(p.Roles) != 2 || p.Roles[0] != models.RoleJailed || p.Roles[1] != models.RoleParty {
		t.Fatalf("expected sorted roles [Jailed Party], got %v", p.Roles)
	}
	if p.ProficiencyLevel == nil || *p.ProficiencyLevel != 3 {
		t.Fatalf("expected level 3, got %v", p.ProficiencyLevel)
	}

	steps = []events.Event{
		events.ComradeUnjailed{ID: events.NewID(), ToID: 1002, ByID: 1001},
		events.SetParty{ID: events.NewID(), MemberID: 1002, Flag: false},
		events.SetHsk{ID: events.NewID(), MemberID: 1002, Level: nil},
	}
	for i, e := range steps {
		if _, err := events.Exec(ctx, store, policy, e, pos(uint64(40+i))); err != nil {
			t.Fatalf("%s: %v", e.TypeName(), err)
		}
	}
	p, _ = store.Get(1002)
	if len(p.Roles) != 0 || p.ProficiencyLevel != nil {
		t.Fatalf("expected cleared profile, got roles=%v level=%v", p.Roles, p.ProficiencyLevel)
	}
}

func TestExecMissingProfile(t *testing.T) {
	store := testkit.NewProfiles()
	_, err := events.Exec(context.Background(), store, events.DefaultPolicy(), events.SetParty{ID: events.NewID(), MemberID: 5, Flag: true}, pos(1))
	if !errors.Is(err, events.ErrProfileMissing) {
		t.Fatalf("expected ErrProfileMissing, got %v", err)
	}
}

func TestNegativeCreditPolicy(t *testing.T) {
	ctx := context.Background()
	store := seeded(t)
	big := events.ComradeDishonored{ID: events.NewID(), ToID: 1002, ByID: 1001, Amount: 1500}

	allow := events.DefaultPolicy()
	if err := events.Validate(ctx, store, allow, big); err != nil {
		t.Fatalf("default policy must allow negative credit: %v", err)
	}
	if _, err := events.Exec(ctx, store, allow, big, pos(50)); err != nil {
		t.Fatalf("exec: %v", err)
	}
	p, _ := store.Get(1002)
	if p.Credit != -500 {
		t.Fatalf("expected -500, got %d", p.Credit)
	}

	floor := events.DefaultPolicy()
	floor.AllowNegativeCredit = false
	err := events.Validate(ctx, store, floor, events.ComradeDishonored{ToID: 1003, ByID: 1001, Amount: 1001})
	v, ok := events.AsValidation(err)
	if !ok || v.Code != events.CodeInsufficientCredit {
		t.Fatalf("expected insufficient credit, got %v", err)
	}
	if err := events.Validate(ctx, store, floor, events.ComradeDishonored{ToID: 1003, ByID: 1001, Amount: 1000}); err != nil {
		t.Fatalf("dishonor to exactly zero must pass: %v", err)
	}
}

func TestPartyMembersOnlyJailPolicy(t *testing.T) {
	ctx := context.Background()
	store := seeded(t)
	policy := events.DefaultPolicy()
	policy.MayJail = events.PartyMembersOnly

	err := events.Validate(ctx, store, policy, events.ComradeJailed{ToID: 1002, ByID: 1001})
	if v, ok := events.AsValidation(err); !ok || v.Code != events.CodeNotAuthorized {
		t.Fatalf("expected not authorized, got %v", err)
	}
	if _, err := events.Exec(ctx, store, policy, events.SetParty{ID: events.NewID(), MemberID: 1001, Flag: true}, pos(60)); err != nil {
		t.Fatalf("set party: %v", err)
	}
	if err := events.Validate(ctx, store, policy, events.ComradeJailed{ToID: 1002, ByID: 1001}); err != nil {
		t.Fatalf("party member should be allowed: %v", err)
	}
}
