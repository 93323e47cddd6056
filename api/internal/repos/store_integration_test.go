//go:build integration

package repos_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"social-credit-ledger/api/internal/bootstrap"
	"social-credit-ledger/api/internal/eventlog"
	"social-credit-ledger/api/internal/events"
	"social-credit-ledger/api/internal/models"
	"social-credit-ledger/api/internal/processor"
	"social-credit-ledger/api/internal/repos"
	"social-credit-ledger/shared/cachex"
	"social-credit-ledger/shared/lockx"
	"social-credit-ledger/shared/logx"
)

// isolated opens a pool pinned to a throwaway schema so bootstrap currency
// sees an empty table.
func isolated(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	schema := fmt.Sprintf("ledger_it_%d", time.Now().UnixNano())
	admin, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("db connect failed: %v", err)
	}
	if _, err := admin.Exec(ctx, "CREATE SCHEMA "+schema); err != nil {
		admin.Close()
		t.Fatalf("create schema: %v", err)
	}

	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("db connect failed: %v", err)
	}
	t.Cleanup(func() {
		pool.Close()
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close()
	})
	if err := repos.EnsureSchema(ctx, pool); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return pool
}

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("redis ping failed: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestProfilesRepoRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := repos.NewProfilesRepo(isolated(t))

	if _, ok, err := repo.LoadProfile(ctx, 42); err != nil || ok {
		t.Fatalf("missing profile: ok=%v err=%v", ok, err)
	}
	level := 4
	now := time.Now().UTC().Truncate(time.Microsecond)
	p := models.Profile{
		MemberID:         18446744073709551615,
		DisplayName:      "max",
		Credit:           -5,
		Currency:         10000,
		Roles:            []string{models.RoleParty, models.RoleJailed},
		ProficiencyLevel: &level,
		CreatedAt:        now,
		LastSeenAt:       now,
		LastPosition:     models.LogPosition{Millis: 1700000000000, Seq: 3},
	}
	if err := repo.SaveProfile(ctx, p); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := repo.LoadProfile(ctx, p.MemberID)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got.Credit != -5 || got.ProficiencyLevel == nil || *got.ProficiencyLevel != 4 || got.LastPosition != p.LastPosition {
		t.Fatalf("unexpected profile %+v", got)
	}
	if !got.HasRole(models.RoleParty) || !got.HasRole(models.RoleJailed) {
		t.Fatalf("roles lost: %v", got.Roles)
	}
	n, err := repo.CountProfiles(ctx)
	if err != nil || n != 1 {
		t.Fatalf("count: %d %v", n, err)
	}
}

func TestCursorsRepo(t *testing.T) {
	ctx := context.Background()
	cursors := repos.NewCursorsRepo(isolated(t))
	pos, err := cursors.LoadCursor(ctx, "kafka")
	if err != nil || !pos.IsZero() {
		t.Fatalf("fresh cursor: %v %v", pos, err)
	}
	want := models.LogPosition{Millis: 10, Seq: 2}
	if err := cursors.SaveCursor(ctx, "kafka", want); err != nil {
		t.Fatalf("save: %v", err)
	}
	if pos, err = cursors.LoadCursor(ctx, "kafka"); err != nil || pos != want {
		t.Fatalf("load: %v %v", pos, err)
	}
}

func TestScenarioAgainstRedisAndPostgres(t *testing.T) {
	ctx := context.Background()
	pool := isolated(t)
	rdb := redisClient(t)

	streamName := fmt.Sprintf("events-it-%d", time.Now().UnixNano())
	t.Cleanup(func() { rdb.Del(context.Background(), streamName, streamName+":unapplied") })
	stream, err := eventlog.NewRedisStream(rdb, streamName)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	locker, err := lockx.NewLocker(rdb, streamName+":lock:", 5*time.Second, 2*time.Second)
	if err != nil {
		t.Fatalf("locker: %v", err)
	}
	store := repos.NewCachedProfiles(repos.NewProfilesRepo(pool), cachex.Wrap(rdb), time.Minute)
	proc, err := processor.New(store, stream, processor.Options{
		Policy: events.DefaultPolicy(),
		Locker: bootstrap.RedisLocker{Locker: locker},
		Logger: logx.Nop(),
	})
	if err != nil {
		t.Fatalf("processor: %v", err)
	}

	for _, id := range []uint64{1001, 1002} {
		if _, err := proc.Process(ctx, events.ProfileRegistered{ID: events.NewID(), MemberID: id, DisplayName: "c"}); err != nil {
			t.Fatalf("register %d: %v", id, err)
		}
	}
	if _, err := proc.Process(ctx, events.ComradeHonored{ID: events.NewID(), ToID: 1002, ByID: 1001, Amount: 50}); err != nil {
		t.Fatalf("honor: %v", err)
	}
	if _, err := proc.Process(ctx, events.ComradeJailed{ID: events.NewID(), ToID: 1002, ByID: 1001}); err != nil {
		t.Fatalf("jail: %v", err)
	}
	_, err = proc.Process(ctx, events.ComradeJailed{ID: events.NewID(), ToID: 1002, ByID: 1001})
	if v, ok := events.AsValidation(err); !ok || v.Code != events.CodeAlreadyJailed {
		t.Fatalf("second jail: %v", err)
	}

	first, _, _ := store.GetProfile(ctx, 1001)
	second, _, _ := store.GetProfile(ctx, 1002)
	if first.Currency != 10000 || second.Currency != 0 || second.Credit != 1050 || !second.HasRole(models.RoleJailed) {
		t.Fatalf("unexpected projection: %+v / %+v", first, second)
	}
	if n, err := stream.Len(ctx); err != nil || n != 4 {
		t.Fatalf("stream length: %d %v", n, err)
	}

	if left, err := stream.Unapplied(ctx, nil); err != nil || len(left) != 0 {
		t.Fatalf("unapplied markers left: %d %v", len(left), err)
	}

	stats, err := proc.Recover(ctx, stream, 100)
	if err != nil || stats.Applied != 0 || stats.Skipped != 4 {
		t.Fatalf("recover over applied log: %+v %v", stats, err)
	}
}
