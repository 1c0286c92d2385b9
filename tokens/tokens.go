package tokens

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/CorvidComms/roost/client"
	"github.com/CorvidComms/roost/models"
)

// expiryMargin is subtracted from a token's lifetime before caching so a
// token handed out here never expires mid-request.
const expiryMargin = 30 * time.Second

// Token is one cached bearer token bound to an identity.
type Token struct {
	Identity  string
	Value     string
	ExpiresAt time.Time
}

// Fetcher is the remote token call. Satisfied by *client.Client.
type Fetcher interface {
	FetchToken(ctx context.Context, identity string) client.RequestResult[models.TokenResponse]
}

type Config struct {
	Logger  *slog.Logger
	Fetcher Fetcher
}

// Cache caches bearer tokens per identity, in memory only. A token is
// served from cache only while its identity matches the requester and its
// remaining lifetime clears the expiry margin; everything else forces a
// remote fetch. The mutex covers the whole check-fetch-store sequence so
// two concurrent callers never race a stale token into the cache.
type Cache struct {
	logger  *slog.Logger
	fetcher Fetcher

	mu    sync.Mutex
	cache *ttlcache.Cache[string, Token]
}

func NewCache(config Config) *Cache {
	cache := ttlcache.New[string, Token](
		ttlcache.WithDisableTouchOnHit[string, Token](),
	)
	go cache.Start()

	return &Cache{
		logger:  config.Logger.WithGroup("tokens"),
		fetcher: config.Fetcher,
		cache:   cache,
	}
}

// Fetch returns a usable token for the identity, hitting the registry
// only when the cache cannot serve it. Failures are terminal from this
// component's point of view; retry policy lives with the caller.
func (c *Cache) Fetch(ctx context.Context, identity string) (Token, error) {
	if identity == "" {
		return Token{}, fmt.Errorf("identity must be set")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if item := c.cache.Get(identity); item != nil {
		tok := item.Value()
		if tok.Identity == identity && time.Now().Before(tok.ExpiresAt.Add(-expiryMargin)) {
			return tok, nil
		}
		c.cache.Delete(identity)
	}

	result := c.fetcher.FetchToken(ctx, identity)
	if result.Err != nil {
		return Token{}, fmt.Errorf("token fetch failed: %w", result.Err)
	}
	if !result.IsSuccessful() {
		if result.Status == http.StatusUnauthorized || result.Status == http.StatusForbidden {
			return Token{}, fmt.Errorf("token fetch rejected (status %d): %w", result.Status, client.ErrUnauthorized)
		}
		return Token{}, fmt.Errorf("token fetch returned status %d", result.Status)
	}

	expiresAt := time.Now().Add(time.Duration(result.Value.ExpiresIn) * time.Millisecond)
	tok := Token{
		Identity:  identity,
		Value:     result.Value.Token,
		ExpiresAt: expiresAt,
	}

	ttl := time.Until(expiresAt) - expiryMargin
	if ttl <= 0 {
		// Token too short-lived to cache; still usable for this caller.
		c.logger.Warn("Token lifetime shorter than expiry margin, not caching", "identity", identity)
		return tok, nil
	}
	c.cache.Set(identity, tok, ttl)

	c.logger.Debug("Cached fresh token", "identity", identity, "expires_at", expiresAt)
	return tok, nil
}

// TokenSource adapts the cache to the transport's bearer-token hook,
// pairing with Invalidate for rejected tokens.
func (c *Cache) TokenSource() func(ctx context.Context, identity string) (string, error) {
	return func(ctx context.Context, identity string) (string, error) {
		tok, err := c.Fetch(ctx, identity)
		if err != nil {
			return "", err
		}
		return tok.Value, nil
	}
}

// Invalidate drops the cached token whose value matches. A token already
// superseded by a concurrent refresh is left alone.
func (c *Cache) Invalidate(tokenValue string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var stale []string
	c.cache.Range(func(item *ttlcache.Item[string, Token]) bool {
		if item.Value().Value == tokenValue {
			stale = append(stale, item.Key())
		}
		return true
	})
	for _, key := range stale {
		c.cache.Delete(key)
	}
}

// Close stops the cache's expiry loop.
func (c *Cache) Close() {
	c.cache.Stop()
}
