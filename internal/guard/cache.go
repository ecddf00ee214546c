package guard

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache defaults, applied when config does not say.
const (
	DefaultCacheTTL      = 5 * time.Minute
	DefaultCacheCapacity = 200
)

// verdict is a memoized validation outcome. Only allowed verdicts from
// trusted origins are ever stored.
type verdict struct {
	allowed bool
	reason  string
	secured *SecuredRequest
	hits    atomic.Int64
}

// verdictCache memoizes validation outcomes with TTL expiry and
// oldest-first eviction at capacity.
type verdictCache struct {
	lru *expirable.LRU[string, *verdict]
}

func newVerdictCache(capacity int, ttl time.Duration) *verdictCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &verdictCache{lru: expirable.NewLRU[string, *verdict](capacity, nil, ttl)}
}

// cacheKey hashes everything a verdict depends on: the exact command line,
// the working directory, the policy fingerprint, and the origin.
func cacheKey(req Request) string {
	h := sha256.New()
	fmt.Fprintf(h, "cmd:%s\n", req.Command)
	fmt.Fprintf(h, "args:%s\n", strings.Join(req.Args, "\x00"))
	fmt.Fprintf(h, "cwd:%s\n", req.CWD)
	fmt.Fprintf(h, "policy:%s\n", req.Policy.Fingerprint())
	fmt.Fprintf(h, "origin:%s", req.Origin)
	return hex.EncodeToString(h.Sum(nil))
}

func (c *verdictCache) get(key string) (*verdict, bool) {
	return c.lru.Get(key)
}

func (c *verdictCache) add(key string, v *verdict) {
	c.lru.Add(key, v)
}

func (c *verdictCache) len() int {
	return c.lru.Len()
}

func (c *verdictCache) purge() {
	c.lru.Purge()
}
