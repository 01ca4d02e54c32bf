// Package privilege resolves and caches caller privileges, and evaluates
// them from a static role policy.
package privilege

import (
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/datagrid/model"
)

type cacheEntry struct {
	privileges model.PrivilegeSet
	expires    time.Time
}

// CacheObserver is told about every cache lookup.
type CacheObserver interface {
	OnPrivilegeCache(hit bool)
}

// Resolver implements model.PrivilegeResolver with an in-memory cache.
type Resolver struct {
	evaluator  model.PolicyEvaluator
	ttl        time.Duration
	maxEntries int
	observer   CacheObserver
	now        func() time.Time
	mu         sync.RWMutex
	cache      map[string]cacheEntry
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithMaxEntries bounds the cache. When it is full, expired entries are
// dropped and, if none expired, the whole cache is flushed.
func WithMaxEntries(n int) ResolverOption {
	return func(r *Resolver) { r.maxEntries = n }
}

// WithCacheObserver reports cache hits and misses to obs.
func WithCacheObserver(obs CacheObserver) ResolverOption {
	return func(r *Resolver) { r.observer = obs }
}

// NewResolver creates a new Resolver with the given evaluator and cache TTL.
func NewResolver(evaluator model.PolicyEvaluator, ttl time.Duration, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		evaluator: evaluator,
		ttl:       ttl,
		now:       time.Now,
		cache:     make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// cacheKey includes the roles so a token carrying new roles is not served
// a stale set.
func cacheKey(rctx *model.RequestContext) string {
	return rctx.SubjectID + ":" + rctx.TenantID + ":" + strings.Join(rctx.Roles, ",")
}

// Resolve returns the full privilege set for the given context. Results are
// cached for the configured TTL.
func (r *Resolver) Resolve(rctx *model.RequestContext) (model.PrivilegeSet, error) {
	key := cacheKey(rctx)

	r.mu.RLock()
	if entry, ok := r.cache[key]; ok && r.now().Before(entry.expires) {
		r.mu.RUnlock()
		r.observe(true)
		return entry.privileges, nil
	}
	r.mu.RUnlock()
	r.observe(false)

	ps, err := r.evaluator.ResolvePrivileges(rctx)
	if err != nil {
		return nil, err
	}

	now := r.now()
	r.mu.Lock()
	if r.maxEntries > 0 && len(r.cache) >= r.maxEntries {
		r.evictLocked(now)
	}
	r.cache[key] = cacheEntry{privileges: ps, expires: now.Add(r.ttl)}
	r.mu.Unlock()

	return ps, nil
}

func (r *Resolver) evictLocked(now time.Time) {
	for key, entry := range r.cache {
		if !now.Before(entry.expires) {
			delete(r.cache, key)
		}
	}
	if len(r.cache) >= r.maxEntries {
		clear(r.cache)
	}
}

func (r *Resolver) observe(hit bool) {
	if r.observer != nil {
		r.observer.OnPrivilegeCache(hit)
	}
}

// Invalidate clears cached privileges for the given user and tenant.
func (r *Resolver) Invalidate(subjectID, tenantID string) {
	prefix := subjectID + ":" + tenantID + ":"
	r.mu.Lock()
	for key := range r.cache {
		if strings.HasPrefix(key, prefix) {
			delete(r.cache, key)
		}
	}
	r.mu.Unlock()
}

// Flush drops every cached entry. It is called after the policy reloads.
func (r *Resolver) Flush() {
	r.mu.Lock()
	clear(r.cache)
	r.mu.Unlock()
}
