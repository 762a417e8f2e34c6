package portal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/metorial/sentinel-runner/internal/config"
	"github.com/metorial/sentinel-runner/internal/log"
	"github.com/metorial/sentinel-runner/internal/models"
)

func newPortalServer(t *testing.T, calls *atomic.Int32, delay time.Duration) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/session" {
			http.NotFound(w, r)
			return
		}
		var req sessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AccessKey != "secret" {
			http.Error(w, "bad credentials", http.StatusUnauthorized)
			return
		}
		n := calls.Add(1)
		time.Sleep(delay)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"token": "tok-" + string(rune('0'+n))})
	}))
}

func TestCredentialUnknownPortal(t *testing.T) {
	p := NewProvider(nil, log.Discard())

	_, err := p.Credential("nope")
	require.ErrorIs(t, err, models.ErrNotFound)

	_, err = p.Refresh(context.Background(), "nope")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestCredentialBeforeRefreshIsStale(t *testing.T) {
	p := NewProvider(map[string]config.Portal{"acme": {URL: "http://unused"}}, log.Discard())

	cred, err := p.Credential("acme")
	require.NoError(t, err)
	require.Empty(t, cred.Token)
	require.True(t, cred.IssuedAt.IsZero())
}

func TestRefreshStoresToken(t *testing.T) {
	var calls atomic.Int32
	srv := newPortalServer(t, &calls, 0)
	defer srv.Close()

	p := NewProvider(map[string]config.Portal{"acme": {URL: srv.URL, AccessID: "id", AccessKey: "secret"}}, log.Discard())
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	cred, err := p.Refresh(context.Background(), "acme")
	require.NoError(t, err)
	require.Equal(t, "tok-1", cred.Token)
	require.Equal(t, fixed, cred.IssuedAt)

	stored, err := p.Credential("acme")
	require.NoError(t, err)
	require.Equal(t, cred, stored)
}

func TestConcurrentRefreshConverges(t *testing.T) {
	var calls atomic.Int32
	srv := newPortalServer(t, &calls, 200*time.Millisecond)
	defer srv.Close()

	p := NewProvider(map[string]config.Portal{"acme": {URL: srv.URL, AccessKey: "secret"}}, log.Discard())

	const n = 8
	tokens := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cred, err := p.Refresh(context.Background(), "acme")
			if err == nil {
				tokens[i] = cred.Token
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	for _, tok := range tokens {
		require.Equal(t, "tok-1", tok)
	}
}

func TestRefreshRejected(t *testing.T) {
	var calls atomic.Int32
	srv := newPortalServer(t, &calls, 0)
	defer srv.Close()

	p := NewProvider(map[string]config.Portal{"acme": {URL: srv.URL, AccessKey: "wrong"}}, log.Discard())
	_, err := p.Refresh(context.Background(), "acme")
	require.Error(t, err)
	require.False(t, errors.Is(err, models.ErrNotFound))

	cred, err := p.Credential("acme")
	require.NoError(t, err)
	require.Empty(t, cred.Token)
}

func TestRefreshSurvivesCancelledCaller(t *testing.T) {
	var calls atomic.Int32
	srv := newPortalServer(t, &calls, 200*time.Millisecond)
	defer srv.Close()

	p := NewProvider(map[string]config.Portal{"acme": {URL: srv.URL, AccessKey: "secret"}}, log.Discard())

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := p.Refresh(first, "acme")
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	second := make(chan models.Credential, 1)
	secondErr := make(chan error, 1)
	go func() {
		cred, err := p.Refresh(context.Background(), "acme")
		secondErr <- err
		second <- cred
	}()

	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	require.NoError(t, <-secondErr)
	require.Equal(t, "tok-1", (<-second).Token)
	require.Equal(t, int32(1), calls.Load())
}

func TestPortalIDsIgnoreCase(t *testing.T) {
	var calls atomic.Int32
	srv := newPortalServer(t, &calls, 0)
	defer srv.Close()

	p := NewProvider(map[string]config.Portal{"acme": {URL: srv.URL, AccessKey: "secret"}}, log.Discard())

	cred, err := p.Refresh(context.Background(), "Acme")
	require.NoError(t, err)
	require.Equal(t, "acme", cred.PortalID)

	stored, err := p.Credential("ACME")
	require.NoError(t, err)
	require.Equal(t, cred.Token, stored.Token)
}
