package registry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/mjl-/regfront/manifest"
)

// fakeRegistry serves the v2 API for a set of repositories. Each tag has a
// distinct manifest with two layers of 100 and 200 bytes.
type fakeRegistry struct {
	sync.Mutex
	tags     map[string][]string // Repository to tags. Nil tags are served as null.
	pageSize int                 // For the catalog, 0 for all at once.

	schema2Only  bool // Default negotiation returns schema 2, as modern registries.
	deleteStatus int  // If non-zero, status for all DELETE requests.

	calls   map[string]int // "METHOD path" to count.
	deleted []string       // Deleted manifest digests.

	// Manifest requests wait for delay before being handled, outside the lock,
	// and the highest number of manifest requests in flight is kept.
	delay       time.Duration
	inflight    atomic.Int32
	maxInflight atomic.Int32
}

var (
	fakeLayer1 = digest.FromString("layer1")
	fakeLayer2 = digest.FromString("layer2")
)

func newFakeRegistry(t *testing.T, tags map[string][]string) (*fakeRegistry, *httptest.Server) {
	f := &fakeRegistry{tags: tags, calls: map[string]int{}}
	ts := httptest.NewServer(f)
	t.Cleanup(ts.Close)
	return f, ts
}

func (f *fakeRegistry) count(method, path string) int {
	f.Lock()
	defer f.Unlock()
	return f.calls[method+" "+path]
}

func fakeConfigDigest(repo, tag string) digest.Digest {
	return digest.FromString(repo + ":" + tag)
}

func fakeSchema2(repo, tag string) []byte {
	buf, err := json.Marshal(map[string]any{
		"schemaVersion": 2,
		"mediaType":     manifest.MediaTypeV2,
		"config": map[string]any{
			"mediaType": "application/vnd.docker.container.image.v1+json",
			"digest":    fakeConfigDigest(repo, tag),
			"size":      100,
		},
		"layers": []map[string]any{
			{"mediaType": "application/vnd.docker.image.rootfs.diff.tar.gzip", "digest": fakeLayer1, "size": 100},
			{"mediaType": "application/vnd.docker.image.rootfs.diff.tar.gzip", "digest": fakeLayer2, "size": 200},
		},
	})
	if err != nil {
		panic(err)
	}
	return buf
}

func fakeSchema1(repo, tag string) []byte {
	history := []string{
		`{"id":"b","created":"2024-01-02T00:00:00Z","docker_version":"20.10.0","config":{"Entrypoint":["/app"],"ExposedPorts":{"80/tcp":{}}}}`,
		`{"id":"a","created":"2024-01-01T00:00:00Z","config":{"Volumes":{"/data":{}}}}`,
	}
	buf, err := json.Marshal(map[string]any{
		"schemaVersion": 1,
		"name":          repo,
		"tag":           tag,
		"fsLayers":      []map[string]any{{"blobSum": fakeLayer2}, {"blobSum": fakeLayer1}},
		"history":       []map[string]any{{"v1Compatibility": history[0]}, {"v1Compatibility": history[1]}},
	})
	if err != nil {
		panic(err)
	}
	return buf
}

const fakeConfig = `{"created":"2024-01-03T00:00:00Z","docker_version":"24.0.0","config":{"Entrypoint":["/cfg"]}}`

// lookup returns the tag for a reference, which is a tag or manifest digest.
func (f *fakeRegistry) lookup(repo, ref string) (string, bool) {
	for _, tag := range f.tags[repo] {
		if tag == ref || digest.FromBytes(fakeSchema2(repo, tag)).String() == ref {
			return tag, true
		}
	}
	return "", false
}

// manifestsInFlight tracks a manifest request until the returned function is
// called.
func (f *fakeRegistry) manifestsInFlight() func() {
	n := f.inflight.Add(1)
	for {
		max := f.maxInflight.Load()
		if n <= max || f.maxInflight.CompareAndSwap(max, n) {
			break
		}
	}
	return func() {
		f.inflight.Add(-1)
	}
}

func (f *fakeRegistry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.URL.Path, "/manifests/") {
		defer f.manifestsInFlight()()
		time.Sleep(f.delay)
	}

	f.Lock()
	defer f.Unlock()
	f.calls[r.Method+" "+r.URL.Path]++

	path := r.URL.Path
	switch {
	case path == "/v2/":
		w.Write([]byte("{}"))

	case path == "/v2/_catalog":
		var repos []string
		for repo := range f.tags {
			repos = append(repos, repo)
		}
		sort.Strings(repos)
		if last := r.URL.Query().Get("last"); last != "" {
			i := sort.SearchStrings(repos, last)
			if i < len(repos) && repos[i] == last {
				i++
			}
			repos = repos[i:]
		}
		if f.pageSize > 0 && len(repos) > f.pageSize {
			repos = repos[:f.pageSize]
			w.Header().Set("Link", fmt.Sprintf(`</v2/_catalog?last=%s&n=%d>; rel="next"`, repos[len(repos)-1], f.pageSize))
		}
		json.NewEncoder(w).Encode(map[string]any{"repositories": repos})

	case strings.HasSuffix(path, "/tags/list"):
		repo := strings.TrimSuffix(strings.TrimPrefix(path, "/v2/"), "/tags/list")
		tags, ok := f.tags[repo]
		if !ok {
			http.Error(w, `{"errors":[{"code":"NAME_UNKNOWN"}]}`, http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"name": repo, "tags": tags})

	case strings.Contains(path, "/blobs/"):
		t := strings.SplitN(strings.TrimPrefix(path, "/v2/"), "/blobs/", 2)
		for _, tag := range f.tags[t[0]] {
			if fakeConfigDigest(t[0], tag).String() == t[1] {
				w.Write([]byte(fakeConfig))
				return
			}
		}
		http.NotFound(w, r)

	case strings.Contains(path, "/manifests/"):
		t := strings.SplitN(strings.TrimPrefix(path, "/v2/"), "/manifests/", 2)
		repo, ref := t[0], t[1]
		if r.Method == http.MethodDelete && f.deleteStatus != 0 {
			w.WriteHeader(f.deleteStatus)
			return
		}
		tag, ok := f.lookup(repo, ref)
		if !ok {
			http.Error(w, `{"errors":[{"code":"MANIFEST_UNKNOWN"}]}`, http.StatusNotFound)
			return
		}
		schema2 := fakeSchema2(repo, tag)
		switch r.Method {
		case http.MethodDelete:
			if !strings.HasPrefix(ref, "sha256:") {
				http.Error(w, "delete by digest", http.StatusBadRequest)
				return
			}
			f.deleted = append(f.deleted, ref)
			var l []string
			for _, x := range f.tags[repo] {
				if x != tag {
					l = append(l, x)
				}
			}
			f.tags[repo] = l
			w.WriteHeader(http.StatusAccepted)
		case http.MethodGet, http.MethodHead:
			body := schema2
			if !f.schema2Only && !strings.Contains(r.Header.Get("Accept"), manifest.MediaTypeV2) {
				body = fakeSchema1(repo, tag)
			}
			w.Header().Set("Docker-Content-Digest", digest.FromBytes(schema2).String())
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			w.Write(body)
		}

	default:
		http.NotFound(w, r)
	}
}
