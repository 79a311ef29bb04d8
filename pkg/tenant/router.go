// Package tenant resolves an account to the concrete item-store handle that
// holds its operational data, caching the resolution in-process with a
// bounded TTL.
package tenant

import (
	"context"
	"sync"
	"time"

	"github.com/tripleh1701/pipelineforge/infrastructure/database"
	"github.com/tripleh1701/pipelineforge/infrastructure/errors"
)

// Route is the resolved handle for one account: the store its data lives in
// and whether that store is the account's own dedicated data plane.
type Route struct {
	Store     database.ItemStore
	IsPrivate bool
}

// AccountLookup fetches the routing facts for an account from the control
// plane: its cloud type and, for private accounts, the dedicated store name.
type AccountLookup func(ctx context.Context, accountID string) (cloudType string, dedicatedStore string, err error)

// StoreResolver turns a dedicated store name into an open ItemStore handle.
type StoreResolver func(storeName string) (database.ItemStore, error)

type cacheEntry struct {
	route      Route
	expiration time.Time
}

// Router maps accountId to a Route, grounded on the bounded TTL cache shape
// of infrastructure/fallback.Handler: a mutex-guarded map of entries with an
// expiration, swept opportunistically rather than by a background ticker.
type Router struct {
	shared   database.ItemStore
	lookup   AccountLookup
	resolve  StoreResolver
	ttl      time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry

	resolveMu sync.Mutex
	inflight  map[string]*sync.Mutex
}

// New builds a Router. shared is the store used for public/hybrid accounts
// and as the fallback on an indeterminate cloudType lookup. ttl is the
// cache lifetime for resolved routes (TENANT_CACHE_TTL_SECONDS).
func New(shared database.ItemStore, lookup AccountLookup, resolve StoreResolver, ttl time.Duration) *Router {
	return &Router{
		shared:   shared,
		lookup:   lookup,
		resolve:  resolve,
		ttl:      ttl,
		cache:    make(map[string]cacheEntry),
		inflight: make(map[string]*sync.Mutex),
	}
}

// Resolve returns the Route for accountID, serving from cache when fresh.
// On a cache miss, resolution for a given accountID is serialized so
// concurrent callers for the same account collapse into one lookup.
func (r *Router) Resolve(ctx context.Context, accountID string) (Route, error) {
	if route, ok := r.cached(accountID); ok {
		return route, nil
	}

	lock := r.inflightLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	// another goroutine may have populated the cache while we waited.
	if route, ok := r.cached(accountID); ok {
		return route, nil
	}

	route, err := r.resolveUncached(ctx, accountID)
	if err != nil {
		return Route{}, err
	}

	r.mu.Lock()
	r.cache[accountID] = cacheEntry{route: route, expiration: time.Now().Add(r.ttl)}
	r.mu.Unlock()

	return route, nil
}

func (r *Router) cached(accountID string) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.cache[accountID]
	if !ok || time.Now().After(entry.expiration) {
		return Route{}, false
	}
	return entry.route, true
}

func (r *Router) inflightLock(accountID string) *sync.Mutex {
	r.resolveMu.Lock()
	defer r.resolveMu.Unlock()
	lock, ok := r.inflight[accountID]
	if !ok {
		lock = &sync.Mutex{}
		r.inflight[accountID] = lock
	}
	return lock
}

func (r *Router) resolveUncached(ctx context.Context, accountID string) (Route, error) {
	cloudType, dedicatedStore, err := r.lookup(ctx, accountID)
	if err != nil {
		// cloudType itself could not be determined: fall back to the
		// shared store. Once cloudType is known to be private, failure to
		// open the dedicated store below never falls back silently.
		return Route{Store: r.shared, IsPrivate: false}, nil
	}

	if cloudType != "private" {
		return Route{Store: r.shared, IsPrivate: false}, nil
	}

	store, err := r.resolve(dedicatedStore)
	if err != nil {
		return Route{}, errors.TenantRouteUnavailable(accountID, err)
	}
	return Route{Store: store, IsPrivate: true}, nil
}

// Invalidate drops any cached route for accountID, forcing the next Resolve
// to look it up again.
func (r *Router) Invalidate(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, accountID)
}

// Cleanup sweeps expired cache entries, mirroring fallback.Handler.Cleanup.
// It is optional: Resolve already ignores expired entries on read, but
// calling this periodically bounds the cache's memory footprint.
func (r *Router) Cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for k, entry := range r.cache {
		if now.After(entry.expiration) {
			delete(r.cache, k)
		}
	}
}
