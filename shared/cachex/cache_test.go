package cachex

import (
	"context"
	"errors"
	"testing"
	"time"

	"social-credit-ledger/shared/config"
)

func TestNewRequiresAddr(t *testing.T) {
	if _, err := New(config.Config{}); err == nil {
		t.Fatalf("expected error without REDIS_ADDR")
	}
	c, err := New(config.Config{RedisAddr: "127.0.0.1:6379"})
	if err != nil || c.Client() == nil {
		t.Fatalf("unexpected result: %v", err)
	}
	_ = c.Close()
}

func TestNilClientIsSafe(t *testing.T) {
	var c *Client
	ctx := context.Background()
	if err := c.Ping(ctx); !errors.Is(err, errNotInitialized) {
		t.Fatalf("ping: %v", err)
	}
	if _, err := c.MarkOnce(ctx, "k", time.Second); !errors.Is(err, errNotInitialized) {
		t.Fatalf("mark: %v", err)
	}
	if _, err := c.GetJSON(ctx, "k", &struct{}{}); !errors.Is(err, errNotInitialized) {
		t.Fatalf("get: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if c.Client() != nil {
		t.Fatalf("nil wrapper should expose no client")
	}
}
