package authx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"golang.org/x/sync/singleflight"
)

const (
	maxJWKSBytes = 1 << 20
	// minRefetch bounds how often an unknown kid can trigger a fetch.
	minRefetch = 10 * time.Second
)

// JWKSCache holds the issuer's signing keys by kid. Concurrent misses share
// one fetch, and a kid that is still unknown after a recent fetch fails
// without another round trip.
type JWKSCache struct {
	url    string
	ttl    time.Duration
	client *http.Client
	group  singleflight.Group
	now    func() time.Time

	mu          sync.RWMutex
	keysByKID   map[string]any
	expiresAt   time.Time
	lastAttempt time.Time
}

func NewJWKSCache(url string, ttl time.Duration, client *http.Client) *JWKSCache {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &JWKSCache{
		url:       url,
		ttl:       ttl,
		client:    client,
		now:       time.Now,
		keysByKID: map[string]any{},
	}
}

func (c *JWKSCache) GetKey(ctx context.Context, kid string) (any, error) {
	if kid == "" {
		return nil, ErrUnknownKID
	}
	key, fresh, recent := c.lookup(kid)
	if key != nil && fresh {
		return key, nil
	}
	if key == nil && fresh && recent {
		return nil, ErrUnknownKID
	}

	_, err, _ := c.group.Do("refresh", func() (any, error) {
		return nil, c.refresh(ctx)
	})
	if err != nil {
		// keep serving a key we still hold while the issuer is unreachable
		if key != nil {
			return key, nil
		}
		return nil, err
	}
	if key, _, _ = c.lookup(kid); key == nil {
		return nil, ErrUnknownKID
	}
	return key, nil
}

func (c *JWKSCache) lookup(kid string) (key any, fresh bool, recent bool) {
	now := c.now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keysByKID[kid], now.Before(c.expiresAt), now.Sub(c.lastAttempt) < minRefetch
}

func (c *JWKSCache) refresh(ctx context.Context) error {
	c.mu.Lock()
	c.lastAttempt = c.now()
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("jwks fetch failed: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBytes))
	if err != nil {
		return err
	}

	keys, err := parseKeySet(body)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.keysByKID = keys
	c.expiresAt = c.now().Add(c.ttl)
	c.mu.Unlock()
	return nil
}

// parseKeySet keeps signing keys that carry a kid.
func parseKeySet(body []byte) (map[string]any, error) {
	set, err := jwk.Parse(body)
	if err != nil {
		return nil, err
	}
	keys := make(map[string]any)
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		kid := strings.TrimSpace(key.KeyID())
		if kid == "" {
			continue
		}
		if use := key.KeyUsage(); use != "" && use != "sig" {
			continue
		}
		var raw any
		if err := key.Raw(&raw); err != nil {
			continue
		}
		keys[kid] = raw
	}
	if len(keys) == 0 {
		return nil, errors.New("no usable jwks keys")
	}
	return keys, nil
}
