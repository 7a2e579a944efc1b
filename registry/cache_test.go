package registry

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryCache(t *testing.T) {
	c := NewMemoryCache(2)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	r := &Response{StatusCode: http.StatusOK, Body: []byte("x")}
	c.Put("a", r, time.Minute)
	got, ok := c.Get("a")
	require.True(t, ok)
	require.Same(t, r, got)

	now = now.Add(time.Minute)
	_, ok = c.Get("a")
	require.False(t, ok, "expired")
	require.Equal(t, 0, c.Len())

	c.Put("a", r, time.Minute)
	c.Put("b", r, time.Minute)
	c.Put("c", r, time.Minute)
	require.Equal(t, 2, c.Len())
	_, ok = c.Get("a")
	require.False(t, ok, "evicted")

	c.Clear()
	require.Equal(t, 0, c.Len())
	_, ok = c.Get("c")
	require.False(t, ok)
}

func TestCacheKey(t *testing.T) {
	h1 := http.Header{"Accept": []string{"a"}, "X-Other": []string{"b"}}
	h2 := http.Header{"x-other": []string{"b"}, "accept": []string{"a"}}
	require.Equal(t, cacheKey("GET", "http://r/v2/", h1, nil), cacheKey("GET", "http://r/v2/", h2, nil))
	require.NotEqual(t, cacheKey("GET", "http://r/v2/", h1, nil), cacheKey("GET", "http://r/v2/", nil, nil))
	require.NotEqual(t, cacheKey("GET", "http://r/v2/", nil, []byte("a")), cacheKey("GET", "http://r/v2/", nil, []byte("b")))
	require.NotEqual(t, cacheKey("GET", "http://r/a", nil, nil), cacheKey("HEAD", "http://r/a", nil, nil))
}
