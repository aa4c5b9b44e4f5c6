// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/stacklok/mcp-authbroker/pkg/logger"
)

// DefaultJWKSRefreshInterval is the minimum spacing of forced key set refreshes.
const DefaultJWKSRefreshInterval = time.Minute

// jwksRegistrationTimeout bounds the first fetch of the key set.
const jwksRegistrationTimeout = 5 * time.Second

// ErrJWKSRefreshLimited is returned when a forced refresh is requested too soon after the last one.
var ErrJWKSRefreshLimited = errors.New("JWKS refresh rate limited")

// KeySetCache keeps the provider's key set cached and refreshed in the
// background. Registration with the cache is lazy so that startup does not
// depend on the provider being reachable.
type KeySetCache struct {
	url     string
	cache   *jwk.Cache
	limiter *rate.Limiter

	// Concurrent first uses share one registration.
	group      singleflight.Group
	registered atomic.Bool
}

// NewKeySetCache creates a cache for the key set at url.
func NewKeySetCache(ctx context.Context, url string, httpClient *http.Client, refreshInterval time.Duration) (*KeySetCache, error) {
	if url == "" {
		return nil, errors.New("JWKS URL is required")
	}
	if refreshInterval <= 0 {
		refreshInterval = DefaultJWKSRefreshInterval
	}

	client := httprc.NewClient(httprc.WithHTTPClient(httpClient))
	cache, err := jwk.NewCache(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}

	return &KeySetCache{
		url:     url,
		cache:   cache,
		limiter: rate.NewLimiter(rate.Every(refreshInterval), 1),
	}, nil
}

// FetchJWKS returns the cached key set, fetching it on first use.
func (k *KeySetCache) FetchJWKS(ctx context.Context) (jwk.Set, error) {
	if err := k.ensureRegistered(ctx); err != nil {
		return nil, err
	}
	set, err := k.cache.Lookup(ctx, k.url)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup JWKS: %w", err)
	}
	return set, nil
}

// RefreshJWKS re-fetches the key set. At most one forced refresh is allowed per
// refresh interval; callers over the limit get ErrJWKSRefreshLimited.
func (k *KeySetCache) RefreshJWKS(ctx context.Context) (jwk.Set, error) {
	if err := k.ensureRegistered(ctx); err != nil {
		return nil, err
	}
	if !k.limiter.Allow() {
		return nil, ErrJWKSRefreshLimited
	}
	set, err := k.cache.Refresh(ctx, k.url)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh JWKS: %w", err)
	}
	logger.Debugw("refreshed upstream JWKS", "url", k.url, "keys", set.Len())
	return set, nil
}

// ensureRegistered registers the URL with the cache. Concurrent callers wait
// on a single registration, each bounded by its own context. A failed
// registration is retried on the next call.
func (k *KeySetCache) ensureRegistered(ctx context.Context) error {
	if k.registered.Load() {
		return nil
	}

	// The shared registration is not bound to any one caller's cancellation.
	regCtx := context.WithoutCancel(ctx)
	ch := k.group.DoChan(k.url, func() (any, error) {
		return nil, k.register(regCtx)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("waiting for JWKS registration: %w", ctx.Err())
	}
}

func (k *KeySetCache) register(ctx context.Context) error {
	if k.registered.Load() {
		return nil
	}

	regCtx, cancel := context.WithTimeout(ctx, jwksRegistrationTimeout)
	defer cancel()

	if err := k.cache.Register(regCtx, k.url); err != nil {
		// The URL may already be known to the cache from an earlier attempt
		// whose initial fetch timed out.
		if _, lookupErr := k.cache.Lookup(ctx, k.url); lookupErr == nil {
			k.registered.Store(true)
			return nil
		}
		if unregErr := k.cache.Unregister(ctx, k.url); unregErr != nil {
			logger.Debugw("failed to unregister JWKS URL", "url", k.url, "error", unregErr)
		}
		return fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	k.registered.Store(true)
	return nil
}
