package commands

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/oklog/ulid/v2"

	"social-credit-ledger/api/internal/events"
	"social-credit-ledger/api/internal/models"
	"social-credit-ledger/api/internal/processor"
	"social-credit-ledger/api/internal/testkit"
	"social-credit-ledger/shared/logx"
)

func newTestService(t *testing.T) (*Service, *testkit.Profiles, *testkit.Stream) {
	t.Helper()
	store := testkit.NewProfiles()
	stream := testkit.NewStream()
	proc, err := processor.New(store, stream, processor.Options{Policy: events.DefaultPolicy(), Logger: logx.Nop()})
	if err != nil {
		t.Fatalf("processor: %v", err)
	}
	return NewService(proc, store, logx.Nop()), store, stream
}

func mustSucceed(t *testing.T) func(Result, error) string {
	return func(res Result, err error) string {
		t.Helper()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !res.Success || res.EventID == nil || res.Error != nil {
			t.Fatalf("expected success, got %+v", res)
		}
		return *res.EventID
	}
}

func mustFailWith(t *testing.T, msg string) func(Result, error) {
	return func(res Result, err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Success || res.Error == nil || *res.Error != msg || res.EventID != nil {
			t.Fatalf("expected failure %q, got %+v", msg, res)
		}
	}
}

func TestCommandScenario(t *testing.T) {
	ctx := context.Background()
	svc, _, stream := newTestService(t)

	id := mustSucceed(t)(svc.Register(ctx, "1001", "alpha"))
	if _, err := ulid.ParseStrict(id); err != nil {
		t.Fatalf("event id is not a ULID: %v", err)
	}
	mustSucceed(t)(svc.Register(ctx, "1002", "beta"))
	mustSucceed(t)(svc.Honor(ctx, "1002", "1001", 50, "helpful"))

	view, err := svc.Profile(ctx, "1002")
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if view.Credit != 1050 || view.Currency != 0 || view.MemberID != "1002" || view.Handle != "beta" {
		t.Fatalf("unexpected view: %+v", view)
	}
	first, _ := svc.Profile(ctx, "1001")
	if first.Currency != 10000 {
		t.Fatalf("expected bootstrap currency, got %d", first.Currency)
	}

	mustSucceed(t)(svc.Jail(ctx, "1002", "1001", "spam"))
	n := stream.Len()
	mustFailWith(t, "already jailed")(svc.Jail(ctx, "1002", "1001", "spam"))
	if stream.Len() != n {
		t.Fatalf("rejected jail appended to the log")
	}
	mustSucceed(t)(svc.Unjail(ctx, "1002", "1001"))
	mustFailWith(t, "not jailed")(svc.Unjail(ctx, "1002", "1001"))
}

func TestRejectionMessagesAreVerbatim(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	mustSucceed(t)(svc.Register(ctx, "1", "one"))
	mustFailWith(t, "comrade 1 is already registered")(svc.Register(ctx, "1", "again"))
	mustFailWith(t, "cannot target yourself")(svc.Honor(ctx, "1", "1", 5, ""))
	mustFailWith(t, "comrade 2 is not registered")(svc.Honor(ctx, "2", "1", 5, ""))
	mustFailWith(t, "amount must be positive")(svc.Dishonor(ctx, "2", "1", 0, ""))
	mustFailWith(t, "hsk level must be between 0 and 6")(svc.SetHsk(ctx, "1", intPtr(9)))
}

func TestBoundaryArguments(t *testing.T) {
	ctx := context.Background()
	svc, _, stream := newTestService(t)
	cases := []struct {
		name string
		call func() (Result, error)
	}{
		{"bad member id", func() (Result, error) { return svc.Register(ctx, "abc", "x") }},
		{"negative id", func() (Result, error) { return svc.SetParty(ctx, "-1", true) }},
		{"empty username", func() (Result, error) { return svc.Register(ctx, "5", "  ") }},
		{"amount overflow", func() (Result, error) { return svc.Honor(ctx, "1", "2", 1<<40, "") }},
		{"bad by id", func() (Result, error) { return svc.Jail(ctx, "1", "", "") }},
	}
	for _, tc := range cases {
		if _, err := tc.call(); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("%s: expected ErrInvalidArgument, got %v", tc.name, err)
		}
	}
	if stream.Len() != 0 {
		t.Fatalf("boundary rejections must not reach the log")
	}
}

func TestLargeMemberIDs(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	big := "18446744073709551615"
	mustSucceed(t)(svc.Register(ctx, big, "max"))
	view, err := svc.Profile(ctx, big)
	if err != nil || view.MemberID != big {
		t.Fatalf("unexpected view %+v err=%v", view, err)
	}
}

func TestPartyAndHsk(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	mustSucceed(t)(svc.Register(ctx, "1", "one"))
	mustSucceed(t)(svc.SetParty(ctx, "1", true))
	mustSucceed(t)(svc.SetHsk(ctx, "1", intPtr(3)))
	view, _ := svc.Profile(ctx, "1")
	if len(view.Roles) != 1 || view.Roles[0] != models.RoleParty {
		t.Fatalf("unexpected roles %v", view.Roles)
	}
	if view.ProficiencyLevel == nil || *view.ProficiencyLevel != 3 {
		t.Fatalf("unexpected level %v", view.ProficiencyLevel)
	}
	mustSucceed(t)(svc.SetHsk(ctx, "1", nil))
	view, _ = svc.Profile(ctx, "1")
	if view.ProficiencyLevel != nil {
		t.Fatalf("expected cleared level")
	}
}

func TestReactions(t *testing.T) {
	ctx := context.Background()
	svc, store, stream := newTestService(t)
	mustSucceed(t)(svc.Register(ctx, "1", "author"))
	mustSucceed(t)(svc.Register(ctx, "2", "reactor"))

	mustSucceed(t)(svc.React(ctx, "1", "2", true))
	mustSucceed(t)(svc.React(ctx, "1", "2", true))
	mustSucceed(t)(svc.React(ctx, "1", "2", false))
	p, _ := store.Get(1)
	if p.Credit != 1001 {
		t.Fatalf("expected 1001, got %d", p.Credit)
	}
	last := stream.Entries()[stream.Len()-1]
	if reason, _ := last.Record.Get("reason"); reason != events.ReactionReason {
		t.Fatalf("expected reaction reason, got %q", reason)
	}

	n := stream.Len()
	res, err := svc.React(ctx, "1", "1", true)
	if err != nil || !res.Ignored || res.Success || res.EventID != nil {
		t.Fatalf("self reaction should be ignored: %+v %v", res, err)
	}
	if res.Error == nil || *res.Error != "cannot react to your own message" {
		t.Fatalf("self reaction needs a reason, got %v", res.Error)
	}
	if stream.Len() != n {
		t.Fatalf("self reaction appended to the log")
	}
}

func TestProfileNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.Profile(context.Background(), "77"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

type stubProcessor struct {
	id  ulid.ULID
	err error
}

func (s stubProcessor) Process(ctx context.Context, e events.Event) (ulid.ULID, error) {
	return s.id, s.err
}

func TestApplyPendingIsAcceptedAndFlagged(t *testing.T) {
	id := events.NewID()
	svc := NewService(stubProcessor{id: id, err: fmt.Errorf("%w: boom", processor.ErrApplyPending)}, testkit.NewProfiles(), logx.Nop())
	res, err := svc.SetParty(context.Background(), "1", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success || !res.Pending || res.EventID == nil || *res.EventID != id.String() {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestInfrastructureErrorsPropagate(t *testing.T) {
	svc := NewService(stubProcessor{err: testkit.ErrInjected}, testkit.NewProfiles(), logx.Nop())
	if _, err := svc.SetParty(context.Background(), "1", true); !errors.Is(err, testkit.ErrInjected) {
		t.Fatalf("expected infra error, got %v", err)
	}
	store := testkit.NewProfiles()
	store.FailLoads = true
	svc = NewService(stubProcessor{}, store, logx.Nop())
	if _, err := svc.Profile(context.Background(), "1"); !errors.Is(err, testkit.ErrInjected) {
		t.Fatalf("expected infra error from profile query, got %v", err)
	}
}

func intPtr(v int) *int { return &v }
