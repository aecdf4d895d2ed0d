// Package cache provides the gateway's opportunistic response cache.
//
// Only whole upstream responses are cached: a 200 answer to a GET on one
// of the cacheable route prefixes is stored under its method, path and
// query for a fixed TTL, and later identical requests are answered from
// the cache without reaching the backend. Two stores are available:
//
//   - an in-process LRU with expiring entries (golang-lru/v2/expirable)
//   - Redis, shared by every gateway replica
//
// # Example Usage
//
//	c, err := cache.New(&cfg.Spec.Cache, cache.Backend{}, logger)
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	policy := cache.NewPolicy(cfg.Spec.Cache)
//	if policy.Cacheable(r.Method, r.URL.Path) {
//	    key := cache.Key(r.Method, r.URL.Path, r.URL.RawQuery)
//	    entry, err := cache.Lookup(ctx, c, key)
//	    ...
//	}
//
// A cache failure is never fatal to a request; callers treat any error
// other than a hit as a miss.
package cache
