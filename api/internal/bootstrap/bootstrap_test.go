package bootstrap

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"social-credit-ledger/api/internal/models"
	"social-credit-ledger/api/internal/processor"
	"social-credit-ledger/shared/config"
	"social-credit-ledger/shared/logx"
)

func TestPolicyFromConfig(t *testing.T) {
	cfg := config.Config{StartingCredit: 500, BootstrapCurrency: 7, AllowNegativeCredit: false, JailRequiresParty: true}
	p := Policy(cfg)
	if p.StartingCredit != 500 || p.BootstrapCurrency != 7 || p.AllowNegativeCredit {
		t.Fatalf("unexpected policy %+v", p)
	}
	if p.MayJail(models.Profile{}) {
		t.Fatalf("non-party member should not be allowed to jail")
	}
	if !p.MayJail(models.Profile{Roles: []string{models.RoleParty}}) {
		t.Fatalf("party member should be allowed to jail")
	}
	if !Policy(config.Config{}).MayJail(models.Profile{}) {
		t.Fatalf("default policy lets anyone jail")
	}
}

func TestLockerByMode(t *testing.T) {
	l, err := Locker(config.Config{LockMode: config.LockModeLocal}, nil)
	if err != nil {
		t.Fatalf("local: %v", err)
	}
	if _, ok := l.(*processor.LocalLocker); !ok {
		t.Fatalf("expected LocalLocker, got %T", l)
	}

	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer rdb.Close()
	l, err = Locker(config.Config{LockMode: config.LockModeRedis, LockTTLMS: 5000, LockWaitMS: 100}, rdb)
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	if rl, ok := l.(RedisLocker); !ok || rl.Locker == nil {
		t.Fatalf("expected RedisLocker, got %T", l)
	}

	if _, err := Locker(config.Config{LockMode: config.LockModeRedis}, nil); err == nil {
		t.Fatalf("redis mode without a client should fail")
	}
	if _, err := Locker(config.Config{LockMode: "zookeeper"}, nil); err == nil {
		t.Fatalf("unknown mode should fail")
	}
}

func TestProcessorOptions(t *testing.T) {
	opts := ProcessorOptions(config.Config{ExecRetryMax: 3, ExecRetryBackoffMS: 20}, nil, logx.Nop())
	if opts.RetryMax != 3 || opts.RetryBackoff != 20*time.Millisecond {
		t.Fatalf("unexpected options %+v", opts)
	}
}
