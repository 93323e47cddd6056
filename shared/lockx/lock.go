package lockx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLockTimeout = errors.New("lock wait timeout")

// renewScript extends every key of a lease, or none of them when any key has
// changed hands.
const renewScript = `
for _, key in ipairs(KEYS) do
	if redis.call("get", key) ~= ARGV[1] then
		return 0
	end
end
for _, key in ipairs(KEYS) do
	redis.call("pexpire", key, ARGV[2])
end
return 1
`

const releaseAllScript = `
local n = 0
for _, key in ipairs(KEYS) do
	if redis.call("get", key) == ARGV[1] then
		n = n + redis.call("del", key)
	end
end
return n
`

// ErrLockLost means a key expired or was taken over while the lease was held.
var ErrLockLost = errors.New("lock lost")

// Locker serializes writers across processes by holding one Redis key per
// aggregate. Keys must be passed in a stable order.
type Locker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	wait   time.Duration
	poll   time.Duration
}

func NewLocker(client *redis.Client, prefix string, ttl time.Duration, wait time.Duration) (*Locker, error) {
	if client == nil {
		return nil, errors.New("redis client not initialized")
	}
	if ttl <= 0 || wait <= 0 {
		return nil, errors.New("ttl and wait must be > 0")
	}
	return &Locker{client: client, prefix: prefix, ttl: ttl, wait: wait, poll: 10 * time.Millisecond}, nil
}

// Lease holds a set of keys under one token. It extends their TTL every
// third of the TTL until released.
type Lease struct {
	client *redis.Client
	keys   []string
	token  string
	ttl    time.Duration

	stop chan struct{}
	done chan struct{}
	once sync.Once

	mu   sync.Mutex
	lost error
}

// Lock blocks until every key is held or the wait budget runs out.
func (l *Locker) Lock(ctx context.Context, keys []string) (*Lease, error) {
	deadline := time.Now().Add(l.wait)
	lease := &Lease{
		client: l.client,
		keys:   make([]string, 0, len(keys)),
		token:  uuid.NewString(),
		ttl:    l.ttl,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, key := range keys {
		full := l.prefix + key
		if err := l.acquireWithin(ctx, full, lease.token, deadline); err != nil {
			lease.releaseKeys(ctx)
			return nil, err
		}
		lease.keys = append(lease.keys, full)
	}
	go lease.keepAlive(l.ttl / 3)
	return lease, nil
}

func (l *Locker) acquireWithin(ctx context.Context, key string, token string, deadline time.Time) error {
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrLockTimeout, key)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.poll):
		}
	}
}

func (le *Lease) keepAlive(every time.Duration) {
	defer close(le.done)
	if every <= 0 {
		every = time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-le.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), every)
			err := le.renew(ctx)
			cancel()
			if errors.Is(err, ErrLockLost) {
				return
			}
		}
	}
}

// renew extends the lease. A network error is returned as is; the next tick
// tries again while the keys have TTL left.
func (le *Lease) renew(ctx context.Context) error {
	le.mu.Lock()
	lost := le.lost
	le.mu.Unlock()
	if lost != nil {
		return lost
	}
	ok, err := le.client.Eval(ctx, renewScript, le.keys, le.token, le.ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		le.mu.Lock()
		le.lost = fmt.Errorf("%w: %v", ErrLockLost, le.keys)
		lost = le.lost
		le.mu.Unlock()
		return lost
	}
	return nil
}

// Check confirms every key is still held by this lease and extends it.
func (le *Lease) Check(ctx context.Context) error {
	return le.renew(ctx)
}

// Release stops renewal and deletes the keys still held by this lease. It
// never blocks on the caller's context.
func (le *Lease) Release() {
	le.once.Do(func() {
		close(le.stop)
		<-le.done
		le.releaseKeys(context.Background())
	})
}

func (le *Lease) releaseKeys(ctx context.Context) {
	if len(le.keys) == 0 {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	_ = le.client.Eval(rctx, releaseAllScript, le.keys, le.token).Err()
}
