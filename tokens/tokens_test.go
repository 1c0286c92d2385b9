package tokens

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CorvidComms/roost/client"
	"github.com/CorvidComms/roost/models"
)

type fakeFetcher struct {
	calls     int
	delay     time.Duration
	responses []client.RequestResult[models.TokenResponse]
}

func (f *fakeFetcher) FetchToken(ctx context.Context, identity string) client.RequestResult[models.TokenResponse] {
	f.calls++
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if len(f.responses) == 0 {
		return client.RequestResult[models.TokenResponse]{Status: http.StatusInternalServerError}
	}
	resp := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return resp
}

func okToken(value string, expiresIn time.Duration) client.RequestResult[models.TokenResponse] {
	return client.RequestResult[models.TokenResponse]{
		Status: http.StatusOK,
		Value: &models.TokenResponse{
			Token:     value,
			ExpiresIn: expiresIn.Milliseconds(),
		},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestCache_FetchCachesToken(t *testing.T) {
	fetcher := &fakeFetcher{responses: []client.RequestResult[models.TokenResponse]{okToken("tok-1", time.Minute)}}
	cache := NewCache(Config{Logger: testLogger(), Fetcher: fetcher})
	defer cache.Close()

	first, err := cache.Fetch(context.Background(), "channel-a")
	require.NoError(t, err)
	require.Equal(t, "tok-1", first.Value)

	second, err := cache.Fetch(context.Background(), "channel-a")
	require.NoError(t, err)
	require.Equal(t, "tok-1", second.Value)
	require.Equal(t, 1, fetcher.calls, "cached token must not trigger a second remote call")
}

func TestCache_ConcurrentFetchesShareOneCall(t *testing.T) {
	fetcher := &fakeFetcher{
		delay:     50 * time.Millisecond,
		responses: []client.RequestResult[models.TokenResponse]{okToken("tok-1", time.Minute)},
	}
	cache := NewCache(Config{Logger: testLogger(), Fetcher: fetcher})
	defer cache.Close()

	const callers = 8
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := cache.Fetch(context.Background(), "channel-a")
			tokens[i], errs[i] = tok.Value, err
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "tok-1", tokens[i])
	}
	require.Equal(t, 1, fetcher.calls, "concurrent fetches for one identity must share a single remote call")
}

func TestCache_IdentityMismatchForcesFetch(t *testing.T) {
	fetcher := &fakeFetcher{responses: []client.RequestResult[models.TokenResponse]{
		okToken("tok-a", time.Minute),
		okToken("tok-b", time.Minute),
	}}
	cache := NewCache(Config{Logger: testLogger(), Fetcher: fetcher})
	defer cache.Close()

	a, err := cache.Fetch(context.Background(), "A")
	require.NoError(t, err)
	require.Equal(t, "tok-a", a.Value)

	// A cached token for A must never be served to B.
	b, err := cache.Fetch(context.Background(), "B")
	require.NoError(t, err)
	require.Equal(t, "tok-b", b.Value)
	require.Equal(t, 2, fetcher.calls)
}

func TestCache_ExpiryMarginForcesFetch(t *testing.T) {
	// Lifetime under the 30s margin: usable once, never cached.
	fetcher := &fakeFetcher{responses: []client.RequestResult[models.TokenResponse]{
		okToken("tok-1", 10*time.Second),
		okToken("tok-2", 10*time.Second),
	}}
	cache := NewCache(Config{Logger: testLogger(), Fetcher: fetcher})
	defer cache.Close()

	first, err := cache.Fetch(context.Background(), "chan")
	require.NoError(t, err)
	require.Equal(t, "tok-1", first.Value)

	second, err := cache.Fetch(context.Background(), "chan")
	require.NoError(t, err)
	require.Equal(t, "tok-2", second.Value)
	require.Equal(t, 2, fetcher.calls)
}

func TestCache_InvalidateMatchesValue(t *testing.T) {
	fetcher := &fakeFetcher{responses: []client.RequestResult[models.TokenResponse]{
		okToken("tok-1", time.Minute),
		okToken("tok-2", time.Minute),
	}}
	cache := NewCache(Config{Logger: testLogger(), Fetcher: fetcher})
	defer cache.Close()

	first, err := cache.Fetch(context.Background(), "chan")
	require.NoError(t, err)

	// Invalidating a value that is not cached leaves the cache intact.
	cache.Invalidate("some-other-token")
	again, err := cache.Fetch(context.Background(), "chan")
	require.NoError(t, err)
	require.Equal(t, first.Value, again.Value)
	require.Equal(t, 1, fetcher.calls)

	// Invalidating the cached value forces a refresh.
	cache.Invalidate(first.Value)
	fresh, err := cache.Fetch(context.Background(), "chan")
	require.NoError(t, err)
	require.Equal(t, "tok-2", fresh.Value)
	require.Equal(t, 2, fetcher.calls)
}

func TestCache_FetchFailurePropagates(t *testing.T) {
	fetcher := &fakeFetcher{responses: []client.RequestResult[models.TokenResponse]{
		{Status: http.StatusServiceUnavailable},
	}}
	cache := NewCache(Config{Logger: testLogger(), Fetcher: fetcher})
	defer cache.Close()

	_, err := cache.Fetch(context.Background(), "chan")
	require.Error(t, err)
}

func TestCache_UnauthorizedIsTyped(t *testing.T) {
	fetcher := &fakeFetcher{responses: []client.RequestResult[models.TokenResponse]{
		{Status: http.StatusUnauthorized},
	}}
	cache := NewCache(Config{Logger: testLogger(), Fetcher: fetcher})
	defer cache.Close()

	_, err := cache.Fetch(context.Background(), "chan")
	require.ErrorIs(t, err, client.ErrUnauthorized)
}

func TestCache_EmptyIdentityRejected(t *testing.T) {
	cache := NewCache(Config{Logger: testLogger(), Fetcher: &fakeFetcher{}})
	defer cache.Close()

	_, err := cache.Fetch(context.Background(), "")
	require.Error(t, err)
}
