package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, url string, version int) Client {
	t.Helper()
	c, err := New(context.Background(), Connection{Name: "test", URL: url, Version: version}, testOptions())
	require.NoError(t, err)
	return c
}

func TestNormalizeURL(t *testing.T) {
	check := func(in, exp string) {
		t.Helper()
		s, err := NormalizeURL(in)
		require.NoError(t, err)
		require.Equal(t, exp, s)
	}
	check("localhost:5000", "http://localhost:5000")
	check("https://registry.example/", "https://registry.example")
	check(" http://registry.example:5000// ", "http://registry.example:5000")

	_, err := NormalizeURL("http://")
	require.Error(t, err)
}

func TestNextLink(t *testing.T) {
	h := http.Header{"Link": []string{`</v2/_catalog?last=a&n=1>; rel="next"`}}
	s, err := nextLink("http://localhost:5000/v2/_catalog", h)
	require.NoError(t, err)
	require.Equal(t, "http://localhost:5000/v2/_catalog?last=a&n=1", s)

	h.Set("Link", `<https://other.example/v2/_catalog?last=b>; rel="next"`)
	s, err = nextLink("http://localhost:5000/v2/_catalog", h)
	require.NoError(t, err)
	require.Equal(t, "https://other.example/v2/_catalog?last=b", s)

	s, err = nextLink("http://localhost:5000/v2/_catalog", http.Header{})
	require.NoError(t, err)
	require.Equal(t, "", s)
}

func TestRepositoriesPagination(t *testing.T) {
	f, ts := newFakeRegistry(t, map[string][]string{"a": {"latest"}, "b": {"latest"}})
	f.pageSize = 1

	c := newTestClient(t, ts.URL, 2)
	repos, err := c.Repositories(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, repos)
	require.Equal(t, 2, f.count("GET", "/v2/_catalog"))

	n, err := RepositoryCount(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 2, f.count("GET", "/v2/_catalog"), "cached")
}

func TestRepositoriesEmpty(t *testing.T) {
	_, ts := newFakeRegistry(t, map[string][]string{})
	repos, err := newTestClient(t, ts.URL, 2).Repositories(context.Background())
	require.NoError(t, err)
	require.NotNil(t, repos)
	require.Len(t, repos, 0)
}

func TestCatalogUnavailable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	_, err := newTestClient(t, ts.URL, 2).Repositories(context.Background())
	var cerr *CatalogUnavailableError
	require.True(t, errors.As(err, &cerr), "got %v", err)
	var serr *UnexpectedStatusError
	require.True(t, errors.As(err, &serr))
	require.Equal(t, http.StatusUnauthorized, serr.StatusCode)

	// Valid JSON of the wrong shape is also an unusable catalog.
	for _, body := range []string{`{"repositories":"x"}`, `{"repositories":[`, `[]`} {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(body))
		}))
		_, err := newTestClient(t, ts.URL, 2).Repositories(context.Background())
		ts.Close()
		require.True(t, errors.As(err, &cerr), "body %s, got %v", body, err)
	}
}

func TestTags(t *testing.T) {
	_, ts := newFakeRegistry(t, map[string][]string{"a": {"1.0", "latest"}, "empty": nil})
	c := newTestClient(t, ts.URL, 2)
	ctx := context.Background()

	tags, err := c.Tags(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, []string{"1.0", "latest"}, tags)

	tags, err = c.Tags(ctx, "empty")
	require.NoError(t, err)
	require.Equal(t, []string{}, tags)

	_, err = c.Tags(ctx, "missing")
	require.True(t, IsNotFound(err), "got %v", err)
}

func TestManifest(t *testing.T) {
	_, ts := newFakeRegistry(t, map[string][]string{"a": {"latest"}})
	c := newTestClient(t, ts.URL, 2)

	m, err := c.Manifest(context.Background(), "a", "latest")
	require.NoError(t, err)
	require.Equal(t, 1, m.V1.SchemaVersion())
	require.Equal(t, 2, m.V2.SchemaVersion())
	require.Equal(t, int64(300), m.Size())
	require.Equal(t, 2, m.LayerCount())

	d, err := Details(context.Background(), c, "a", "latest")
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), d.Created)
	require.Equal(t, "20.10.0", d.DockerVersion)
	require.Equal(t, []string{"/app"}, d.Entrypoint)
	require.Equal(t, []string{"80/tcp"}, d.ExposedPorts)
	require.Equal(t, []string{"/data"}, d.Volumes)
	require.Equal(t, []string{fakeLayer2.String(), fakeLayer1.String()}, d.LayerIDs)
	require.Equal(t, int64(300), d.Size)

	_, err = c.Manifest(context.Background(), "a", "missing")
	require.True(t, IsNotFound(err), "got %v", err)
}

func TestManifestConfigFallback(t *testing.T) {
	f, ts := newFakeRegistry(t, map[string][]string{"a": {"latest"}})
	f.schema2Only = true
	c := newTestClient(t, ts.URL, 2)

	d, err := Details(context.Background(), c, "a", "latest")
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), d.Created)
	require.Equal(t, "24.0.0", d.DockerVersion)
	require.Equal(t, []string{"/cfg"}, d.Entrypoint)
	require.Nil(t, d.Volumes)
	require.Equal(t, 2, d.LayerCount)
	require.Equal(t, 1, f.count("GET", "/v2/a/blobs/"+fakeConfigDigest("a", "latest").String()))
}

func TestDeleteTag(t *testing.T) {
	f, ts := newFakeRegistry(t, map[string][]string{"a": {"1.0", "latest"}})
	c := newTestClient(t, ts.URL, 2)
	ctx := context.Background()

	tags, err := c.Tags(ctx, "a")
	require.NoError(t, err)
	require.Len(t, tags, 2)

	require.NoError(t, c.DeleteTag(ctx, "a", "latest"))
	require.Len(t, f.deleted, 1)
	require.Regexp(t, `^sha256:[0-9a-f]{64}$`, f.deleted[0])
	require.Equal(t, 1, f.count("HEAD", "/v2/a/manifests/latest"))

	// Cache is cleared by the delete.
	tags, err = c.Tags(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, []string{"1.0"}, tags)
	require.Equal(t, 2, f.count("GET", "/v2/a/tags/list"))

	err = c.DeleteTag(ctx, "a", "missing")
	require.True(t, IsNotFound(err), "got %v", err)

	require.ErrorIs(t, c.DeleteRepository(ctx, "a"), ErrUnsupported)
	require.False(t, c.SupportsRepoDeletion())
}

func TestDeleteTagNoDigest(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			t.Errorf("unexpected delete")
		}
	}))
	defer ts.Close()

	err := newTestClient(t, ts.URL, 2).DeleteTag(context.Background(), "a", "latest")
	require.ErrorIs(t, err, ErrNoDigest)
}

func TestSupportsTagDeletion(t *testing.T) {
	check := func(status int, exp bool) {
		t.Helper()
		f, ts := newFakeRegistry(t, map[string][]string{})
		f.deleteStatus = status
		c := newTestClient(t, ts.URL, 2)
		require.Equal(t, exp, c.SupportsTagDeletion(context.Background()))
		require.Equal(t, exp, c.SupportsTagDeletion(context.Background()))
		require.Equal(t, 1, f.count("DELETE", "/v2/"+probeRepo+"/manifests/"+probeTag), "remembered")
	}
	check(http.StatusMethodNotAllowed, false)
	check(http.StatusForbidden, false)
	check(http.StatusNotFound, true)
	check(http.StatusAccepted, true)
}

func TestOffline(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	opts := testOptions()
	opts.RetryMax = -1
	c, err := New(context.Background(), Connection{Name: "offline", URL: url}, opts)
	require.NoError(t, err)
	require.Equal(t, 2, c.Version())
	require.False(t, c.IsOnline(context.Background()))
	require.False(t, c.SupportsTagDeletion(context.Background()))

	_, err = c.Repositories(context.Background())
	var cerr *ConnectionError
	require.True(t, errors.As(err, &cerr), "got %v", err)
}

func TestAggregates(t *testing.T) {
	_, ts := newFakeRegistry(t, map[string][]string{"a": {"latest"}, "b": {"1.0", "latest"}})
	c := newTestClient(t, ts.URL, 0)
	require.Equal(t, 2, c.Version())
	ctx := context.Background()

	size, err := RegistrySize(ctx, c)
	require.NoError(t, err)
	require.Equal(t, int64(900), size)

	size, err = RepositorySize(ctx, c, "b")
	require.NoError(t, err)
	require.Equal(t, int64(600), size)

	n, err := TagCount(ctx, c, "b")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	counts, err := LayerCounts(ctx, c, "b")
	require.NoError(t, err)
	require.Equal(t, map[string]int{"1.0": 2, "latest": 2}, counts)

	sizes, err := TagSizes(ctx, c, "b")
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"1.0": 300, "latest": 300}, sizes)

	tagCounts, err := TagCounts(ctx, c, []string{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, map[string]int{"a": 1, "b": 2}, tagCounts)

	repoSizes, err := RepositorySizes(ctx, c, []string{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"a": 300, "b": 600}, repoSizes)

	all, err := AllDetails(ctx, c, "b")
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "1.0", all["1.0"].Tag)

	_, err = TagSizes(ctx, c, "missing")
	require.True(t, IsNotFound(err))
}

func TestAggregateError(t *testing.T) {
	f, ts := newFakeRegistry(t, map[string][]string{"a": {"latest", "other"}})
	c := newTestClient(t, ts.URL, 2)
	tags, err := c.Tags(context.Background(), "a")
	require.NoError(t, err)
	require.Len(t, tags, 2)

	// Remove a tag behind the cached listing.
	f.Lock()
	f.tags["a"] = []string{"latest"}
	f.Unlock()
	_, err = TagSizes(context.Background(), c, "a")
	require.True(t, IsNotFound(err), "got %v", err)
}

func TestAggregateConcurrency(t *testing.T) {
	tags := map[string][]string{}
	for i := 0; i < 12; i++ {
		var l []string
		for j := 0; j < 12; j++ {
			l = append(l, fmt.Sprintf("v%d", j))
		}
		tags[fmt.Sprintf("repo%02d", i)] = l
	}
	f, ts := newFakeRegistry(t, tags)
	f.delay = 5 * time.Millisecond
	c := newTestClient(t, ts.URL, 2)
	ctx := context.Background()

	repos, err := c.Repositories(ctx)
	require.NoError(t, err)
	sizes, err := RepositorySizes(ctx, c, repos)
	require.NoError(t, err)
	require.Len(t, sizes, 12)
	for repo, size := range sizes {
		require.Equal(t, int64(12*300), size, repo)
	}
	require.LessOrEqual(t, int(f.maxInflight.Load()), fanout)

	// New client, with an empty cache.
	c = newTestClient(t, ts.URL, 2)
	size, err := RegistrySize(ctx, c)
	require.NoError(t, err)
	require.Equal(t, int64(12*12*300), size)
	require.LessOrEqual(t, int(f.maxInflight.Load()), fanout)
}
