// Package bootstrap builds the write-path collaborators from configuration.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"social-credit-ledger/api/internal/events"
	"social-credit-ledger/api/internal/processor"
	"social-credit-ledger/shared/config"
	"social-credit-ledger/shared/lockx"
	"social-credit-ledger/shared/logx"
)

const lockPrefix = "ledger:lock:"

func Policy(cfg config.Config) events.Policy {
	p := events.DefaultPolicy()
	p.StartingCredit = int64(cfg.StartingCredit)
	p.BootstrapCurrency = int64(cfg.BootstrapCurrency)
	p.AllowNegativeCredit = cfg.AllowNegativeCredit
	if cfg.JailRequiresParty {
		p.MayJail = events.PartyMembersOnly
	}
	return p
}

// Locker picks the in-process lock for a single replica and Redis key locks
// when several replicas share the stream.
func Locker(cfg config.Config, rdb *redis.Client) (processor.Locker, error) {
	switch cfg.LockMode {
	case config.LockModeLocal, "":
		return processor.NewLocalLocker(), nil
	case config.LockModeRedis:
		l, err := lockx.NewLocker(rdb, lockPrefix,
			time.Duration(cfg.LockTTLMS)*time.Millisecond,
			time.Duration(cfg.LockWaitMS)*time.Millisecond,
		)
		if err != nil {
			return nil, err
		}
		return RedisLocker{Locker: l}, nil
	default:
		return nil, fmt.Errorf("unknown LOCK_MODE %q", cfg.LockMode)
	}
}

// RedisLocker hands out renewing Redis leases to the processor.
type RedisLocker struct {
	Locker *lockx.Locker
}

func (r RedisLocker) Lock(ctx context.Context, keys []string) (processor.Lease, error) {
	lease, err := r.Locker.Lock(ctx, keys)
	if err != nil {
		return nil, err
	}
	return lease, nil
}

func ProcessorOptions(cfg config.Config, locker processor.Locker, logger logx.Logger) processor.Options {
	return processor.Options{
		Policy:       Policy(cfg),
		Locker:       locker,
		Logger:       logger,
		RetryMax:     cfg.ExecRetryMax,
		RetryBackoff: time.Duration(cfg.ExecRetryBackoffMS) * time.Millisecond,
	}
}
