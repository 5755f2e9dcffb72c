package secrets

import (
	"context"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachingResolver memoizes credential lookups in an LRU cache.
type CachingResolver struct {
	next  Resolver
	cache *lru.Cache[int64, *Credential]
}

// NewCachingResolver wraps next with a cache holding up to size credentials.
func NewCachingResolver(next Resolver, size int) (*CachingResolver, error) {
	cache, err := lru.New[int64, *Credential](size)
	if err != nil {
		return nil, err
	}
	return &CachingResolver{next: next, cache: cache}, nil
}

// FindCredential returns the cached credential or resolves and caches it.
func (r *CachingResolver) FindCredential(ctx context.Context, id int64) (*Credential, error) {
	if cred, ok := r.cache.Get(id); ok {
		return cred, nil
	}
	cred, err := r.next.FindCredential(ctx, id)
	if err != nil {
		return nil, err
	}
	r.cache.Add(id, cred)
	slog.DebugContext(ctx, "cached credential", "credential_id", id)
	return cred, nil
}

// Invalidate drops a credential so the next lookup reaches the underlying resolver.
func (r *CachingResolver) Invalidate(id int64) {
	r.cache.Remove(id)
}
