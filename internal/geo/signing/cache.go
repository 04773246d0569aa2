package signing

import (
	lru "github.com/hashicorp/golang-lru"
)

const resolverCacheSize = 128

// NewCachedResolver wraps a SecretResolver with an LRU cache. Decoding
// happens on every inter-node request, while the backing resolver may reach
// into the node registry; the cache keeps that off the hot path. Negative
// lookups are not cached so newly registered nodes are picked up
// immediately.
func NewCachedResolver(resolve SecretResolver) SecretResolver {
	cache, err := lru.New(resolverCacheSize)
	if err != nil {
		// lru.New only fails on a non-positive size.
		panic(err)
	}

	return func(accessKey string) (string, bool) {
		if secret, ok := cache.Get(accessKey); ok {
			return secret.(string), true
		}

		secret, ok := resolve(accessKey)
		if !ok {
			return "", false
		}

		cache.Add(accessKey, secret)
		return secret, true
	}
}
