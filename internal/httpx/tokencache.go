package httpx

import (
	"crypto/sha1"
	"encoding/hex"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Clock provides time for expiry checks.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

type tokenEntry struct {
	token     string
	expiresAt time.Time
}

// TokenCache caches vendor access tokens per credential value so repeated calls
// in one process do not re-authenticate every request. Keys are derived from the
// credential value itself, not a handle, so rotated credentials miss naturally.
type TokenCache struct {
	mu         sync.Mutex
	entries    map[string]tokenEntry
	defaultTTL time.Duration
	clock      Clock
}

// TokenCacheOption configures the cache.
type TokenCacheOption func(*TokenCache)

// WithTokenClock overrides the default clock.
func WithTokenClock(clock Clock) TokenCacheOption {
	return func(t *TokenCache) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// NewTokenCache constructs a cache with the given fallback TTL.
func NewTokenCache(defaultTTL time.Duration, opts ...TokenCacheOption) *TokenCache {
	if defaultTTL <= 0 {
		defaultTTL = 10 * time.Minute
	}
	cache := &TokenCache{
		entries:    make(map[string]tokenEntry),
		defaultTTL: defaultTTL,
		clock:      systemClock{},
	}
	for _, opt := range opts {
		opt(cache)
	}
	return cache
}

// Get returns the cached token for the credential, minting a fresh one when the
// entry is absent or expired. When the minted token is a JWT carrying an exp
// claim the entry expires one minute before the claim; otherwise the fallback
// TTL applies.
func (t *TokenCache) Get(credential string, mint func() (string, error)) (string, error) {
	key := credentialKey(credential)
	now := t.clock.Now()

	t.mu.Lock()
	entry, ok := t.entries[key]
	t.mu.Unlock()
	if ok && now.Before(entry.expiresAt) {
		return entry.token, nil
	}

	token, err := mint()
	if err != nil {
		return "", err
	}

	expiresAt := now.Add(t.defaultTTL)
	if exp, ok := jwtExpiry(token); ok && exp.After(now) {
		expiresAt = exp.Add(-time.Minute)
	}

	t.mu.Lock()
	t.entries[key] = tokenEntry{token: token, expiresAt: expiresAt}
	t.mu.Unlock()
	return token, nil
}

// Invalidate drops the cached entry for the credential.
func (t *TokenCache) Invalidate(credential string) {
	key := credentialKey(credential)
	t.mu.Lock()
	delete(t.entries, key)
	t.mu.Unlock()
}

func credentialKey(credential string) string {
	sum := sha1.Sum([]byte(credential))
	return hex.EncodeToString(sum[:])
}

// jwtExpiry extracts the exp claim without verifying the signature; the token
// was just issued by the vendor over TLS and is only inspected for lifetime.
func jwtExpiry(token string) (time.Time, bool) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
