// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcp-authbroker/pkg/authserver/upstream"
	"github.com/stacklok/mcp-authbroker/pkg/authserver/upstream/upstreamtest"
)

func TestNewKeySetCache_RequiresURL(t *testing.T) {
	t.Parallel()

	_, err := upstream.NewKeySetCache(context.Background(), "", http.DefaultClient, 0)
	assert.Error(t, err)
}

func TestKeySetCache_GetIsCached(t *testing.T) {
	t.Parallel()

	p := upstreamtest.NewProvider(t)
	cache, err := upstream.NewKeySetCache(context.Background(), p.Endpoints().JWKSURL, http.DefaultClient, time.Hour)
	require.NoError(t, err)

	for range 5 {
		set, err := cache.FetchJWKS(context.Background())
		require.NoError(t, err)
		_, found := set.LookupKeyID(upstreamtest.DefaultKeyID)
		assert.True(t, found)
	}
	assert.Equal(t, 1, p.JWKSHits())
}

func TestKeySetCache_RefreshPicksUpRotatedKey(t *testing.T) {
	t.Parallel()

	p := upstreamtest.NewProvider(t)
	cache, err := upstream.NewKeySetCache(context.Background(), p.Endpoints().JWKSURL, http.DefaultClient, time.Hour)
	require.NoError(t, err)

	_, err = cache.FetchJWKS(context.Background())
	require.NoError(t, err)

	p.SetKeyID("upstream-key-2")

	set, err := cache.RefreshJWKS(context.Background())
	require.NoError(t, err)
	_, found := set.LookupKeyID("upstream-key-2")
	assert.True(t, found)

	_, err = cache.RefreshJWKS(context.Background())
	assert.ErrorIs(t, err, upstream.ErrJWKSRefreshLimited)
	assert.Equal(t, 2, p.JWKSHits())
}

// newHungJWKSServer returns a JWKS URL whose requests never get a response
// until the test ends.
func newHungJWKSServer(t *testing.T) string {
	t.Helper()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })
	return srv.URL + "/jwks.json"
}

func TestKeySetCache_ConcurrentFirstFetchSharesRegistration(t *testing.T) {
	t.Parallel()

	cache, err := upstream.NewKeySetCache(context.Background(), newHungJWKSServer(t), http.DefaultClient, time.Hour)
	require.NoError(t, err)

	const callers = 4
	var wg sync.WaitGroup
	errs := make([]error, callers)
	elapsed := make([]time.Duration, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			_, errs[i] = cache.FetchJWKS(context.Background())
			elapsed[i] = time.Since(start)
		}()
	}
	wg.Wait()

	for i := range callers {
		assert.Error(t, errs[i], "caller %d", i)
		// One registration attempt is bounded at 5s; queued attempts would stack.
		assert.Less(t, elapsed[i], 9*time.Second, "caller %d", i)
	}
}

func TestKeySetCache_FetchHonorsCallerCancellation(t *testing.T) {
	t.Parallel()

	cache, err := upstream.NewKeySetCache(context.Background(), newHungJWKSServer(t), http.DefaultClient, time.Hour)
	require.NoError(t, err)

	// A slow first caller keeps the registration in flight.
	go func() {
		_, _ = cache.FetchJWKS(context.Background())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = cache.FetchJWKS(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}
