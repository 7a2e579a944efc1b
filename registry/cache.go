package registry

import (
	"net/http"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/opencontainers/go-digest"
)

// Cache holds responses for the Engine. Implementations must be safe for
// concurrent use, including calls to Clear while Get and Put are in progress.
// Cached responses are shared and must not be modified.
type Cache interface {
	Get(key string) (*Response, bool)
	Put(key string, resp *Response, ttl time.Duration)
	Clear()
}

// DefaultCacheSize is the number of responses a MemoryCache holds when no
// size is given.
const DefaultCacheSize = 1024

// MemoryCache is an in-memory LRU cache with an expiry time per entry.
type MemoryCache struct {
	lru *lru.Cache[string, cacheEntry]
	now func() time.Time
}

type cacheEntry struct {
	resp    *Response
	expires time.Time
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache returns a cache holding up to size responses. A size <= 0
// selects DefaultCacheSize.
func NewMemoryCache(size int) *MemoryCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	l, err := lru.New[string, cacheEntry](size)
	if err != nil {
		// Only possible for size <= 0.
		panic(err)
	}
	return &MemoryCache{lru: l, now: time.Now}
}

func (c *MemoryCache) Get(key string) (*Response, bool) {
	e, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expires) {
		c.lru.Remove(key)
		return nil, false
	}
	return e.resp, true
}

func (c *MemoryCache) Put(key string, resp *Response, ttl time.Duration) {
	c.lru.Add(key, cacheEntry{resp, c.now().Add(ttl)})
}

func (c *MemoryCache) Clear() {
	c.lru.Purge()
}

// Len returns the number of entries, including expired entries not yet
// removed.
func (c *MemoryCache) Len() int {
	return c.lru.Len()
}

// cacheKey identifies a request by method, URL, headers and body. Header names
// are canonicalized and sorted, so equivalent header maps give the same key.
func cacheKey(method, url string, header http.Header, body []byte) string {
	values := map[string][]string{}
	for k, l := range header {
		k = http.CanonicalHeaderKey(k)
		values[k] = append(values[k], l...)
	}
	names := make([]string, 0, len(values))
	for k := range values {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(method)
	b.WriteString(" ")
	b.WriteString(url)
	for _, k := range names {
		b.WriteString("\n")
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(strings.Join(values[k], ", "))
	}
	if len(body) > 0 {
		b.WriteString("\n\n")
		b.WriteString(digest.FromBytes(body).String())
	}
	return b.String()
}
