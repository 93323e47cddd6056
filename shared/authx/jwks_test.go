package authx

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

type issuer struct {
	key     *rsa.PrivateKey
	server  *httptest.Server
	fetches atomic.Int32
	down    atomic.Bool
}

func newIssuer(t *testing.T) *issuer {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pub, err := jwk.FromRaw(&priv.PublicKey)
	if err != nil {
		t.Fatalf("jwk: %v", err)
	}
	if err := pub.Set(jwk.KeyIDKey, "k1"); err != nil {
		t.Fatalf("kid: %v", err)
	}
	set := jwk.NewSet()
	if err := set.AddKey(pub); err != nil {
		t.Fatalf("add key: %v", err)
	}
	body, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal set: %v", err)
	}
	is := &issuer{key: priv}
	is.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		is.fetches.Add(1)
		if is.down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	t.Cleanup(is.server.Close)
	return is
}

func (is *issuer) sign(t *testing.T, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	raw, err := tok.SignedString(is.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return raw
}

func TestVerifyEndToEnd(t *testing.T) {
	is := newIssuer(t)
	v, err := NewJWTVerifier("https://issuer.test", "ledger", is.server.URL, 300, 5)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":       "https://issuer.test",
		"aud":       "ledger",
		"sub":       "bot-adapter",
		"member_id": "1001",
		"roles":     []string{"moderator"},
		"nbf":       now.Add(-time.Minute).Unix(),
		"exp":       now.Add(time.Hour).Unix(),
	}
	auth, err := v.Verify(context.Background(), is.sign(t, "k1", claims))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if auth.Subject != "bot-adapter" || auth.MemberID != "1001" || !auth.HasRole("moderator") {
		t.Fatalf("unexpected auth %+v", auth)
	}

	claims["aud"] = "someone-else"
	if _, err := v.Verify(context.Background(), is.sign(t, "k1", claims)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected audience mismatch to fail, got %v", err)
	}
	delete(claims, "nbf")
	claims["aud"] = "ledger"
	if _, err := v.Verify(context.Background(), is.sign(t, "k1", claims)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected token without nbf to fail, got %v", err)
	}
}

func TestJWKSCacheThrottlesUnknownKIDs(t *testing.T) {
	is := newIssuer(t)
	c := NewJWKSCache(is.server.URL, 5*time.Minute, nil)
	now := time.Unix(1700000000, 0)
	c.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if _, err := c.GetKey(context.Background(), "rotated"); !errors.Is(err, ErrUnknownKID) {
			t.Fatalf("attempt %d: expected ErrUnknownKID, got %v", i, err)
		}
	}
	if got := is.fetches.Load(); got != 1 {
		t.Fatalf("expected one fetch, got %d", got)
	}
	if _, err := c.GetKey(context.Background(), "k1"); err != nil {
		t.Fatalf("known kid: %v", err)
	}
	now = now.Add(minRefetch + time.Second)
	_, _ = c.GetKey(context.Background(), "rotated")
	if got := is.fetches.Load(); got != 2 {
		t.Fatalf("expected refetch after the throttle window, got %d fetches", got)
	}
}

func TestJWKSCacheServesHeldKeyDuringOutage(t *testing.T) {
	is := newIssuer(t)
	c := NewJWKSCache(is.server.URL, time.Minute, nil)
	now := time.Unix(1700000000, 0)
	c.now = func() time.Time { return now }
	if _, err := c.GetKey(context.Background(), "k1"); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	is.down.Store(true)
	now = now.Add(2 * time.Minute)
	if key, err := c.GetKey(context.Background(), "k1"); err != nil || key == nil {
		t.Fatalf("expected held key during outage, got %v %v", key, err)
	}
	if _, err := c.GetKey(context.Background(), "k2"); err == nil {
		t.Fatalf("expected error for unknown kid during outage")
	}
}
