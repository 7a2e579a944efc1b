// Package registry is a client for docker registries, with the v2 API of
// current registries and the v1 API of legacy registries behind a single
// interface.
//
// Requests go through an Engine that handles authentication, timeouts, retries
// and caching of responses. Deleting through a client clears the cache of its
// engine, so listings and manifests are fresh afterwards.
package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/mjl-/regfront/manifest"

	log "github.com/sirupsen/logrus"
)

// Client is the set of operations on a registry. Implementations are safe for
// concurrent use.
type Client interface {
	Name() string
	URL() string
	Version() int // API version, 1 or 2.

	// IsOnline returns whether the registry API responds with 200 OK. It does
	// not return errors, a failure to connect is reported as offline.
	IsOnline(ctx context.Context) bool

	// Repositories returns the names of all repositories, following
	// pagination.
	Repositories(ctx context.Context) ([]string, error)

	// Tags returns the tags of a repository, never nil.
	Tags(ctx context.Context, repo string) ([]string, error)

	// Manifest fetches the schema 1 and schema 2 manifests for a tag.
	Manifest(ctx context.Context, repo, tag string) (*manifest.Combined, error)

	DeleteTag(ctx context.Context, repo, tag string) error
	DeleteRepository(ctx context.Context, repo string) error

	// SupportsTagDeletion probes whether the registry allows deleting. This
	// is a heuristic: it sends a DELETE for a tag that doesn't exist, and
	// interprets 405 (deletion disabled) and 403 (denied by policy) as not
	// supported, and any other response as supported. Registries that respond
	// differently are misclassified. A determined answer is remembered.
	SupportsTagDeletion(ctx context.Context) bool

	SupportsRepoDeletion() bool
}

// Connection holds the parameters for connecting to a registry.
type Connection struct {
	ID       int64
	Name     string
	URL      string
	User     string
	Password string
	Version  int // 1 or 2 to force an API version, 0 to detect.
}

// NormalizeURL returns the URL with an http:// scheme added if it has no http
// or https scheme, and without trailing slashes.
func NormalizeURL(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		s = "http://" + s
	}
	s = strings.TrimRight(s, "/")
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("parsing registry url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("registry url %q has no host", s)
	}
	return s, nil
}

// New returns a client for the registry. If the connection does not force an
// API version, the v2 API is tried first, then the v1 API. If neither
// responds, a v2 client is returned. Credentials in conn override those in
// opts.
func New(ctx context.Context, conn Connection, opts Options) (Client, error) {
	u, err := NormalizeURL(conn.URL)
	if err != nil {
		return nil, err
	}
	conn.URL = u
	opts.User = conn.User
	opts.Password = conn.Password
	engine := NewEngine(opts)

	switch conn.Version {
	case 0:
	case 1:
		return newV1(conn, engine), nil
	case 2:
		return newV2(conn, engine), nil
	default:
		return nil, fmt.Errorf("unknown registry api version %d", conn.Version)
	}

	c2 := newV2(conn, engine)
	if c2.IsOnline(ctx) {
		return c2, nil
	}
	c1 := newV1(conn, engine)
	if c1.IsOnline(ctx) {
		log.WithField("registry", conn.Name).Debug("using v1 api")
		return c1, nil
	}
	log.WithField("registry", conn.Name).Debug("registry offline, assuming v2 api")
	return c2, nil
}

// common holds what both API versions need.
type common struct {
	conn     Connection
	engine   *Engine
	deletion deletionProbe
}

func (c *common) Name() string {
	return c.conn.Name
}

func (c *common) URL() string {
	return c.conn.URL
}

// ping returns whether a GET of path returns 200 OK.
func (c *common) ping(ctx context.Context, path string) bool {
	resp, err := c.engine.Send(ctx, Request{URL: c.conn.URL + path, NoCache: true})
	if err != nil {
		log.WithField("registry", c.conn.Name).Debugf("registry offline: %v", err)
		return false
	}
	return resp.StatusCode == http.StatusOK
}

// deleteOK sends a DELETE, returning an UnexpectedStatusError for a non-2xx
// response.
func (c *common) deleteOK(ctx context.Context, url string) error {
	resp, err := c.engine.Send(ctx, Request{Method: http.MethodDelete, URL: url})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return &UnexpectedStatusError{http.MethodDelete, url, resp.StatusCode}
	}
	return nil
}

type deletionProbe struct {
	sync.Mutex
	known     bool
	supported bool
}

func (p *deletionProbe) check(ctx context.Context, c *common, url string) bool {
	p.Lock()
	defer p.Unlock()
	if p.known {
		return p.supported
	}

	resp, err := c.engine.Send(ctx, Request{Method: http.MethodDelete, URL: url, NoCache: true})
	if err != nil {
		log.WithField("registry", c.conn.Name).Debugf("probing tag deletion: %v", err)
		return false
	}
	switch resp.StatusCode {
	case http.StatusMethodNotAllowed, http.StatusForbidden:
		p.supported = false
	default:
		p.supported = true
	}
	p.known = true
	return p.supported
}

// Repository and tag for probing deletion support, not expected to exist.
const (
	probeRepo = "regfront-deletion-probe"
	probeTag  = "regfront-nonexistent-tag"
)

var linkRegexp = regexp.MustCompile(`<([^>]+)>`)

// nextLink returns the absolute URL of the next page from a Link header, or
// an empty string if there is none.
func nextLink(base string, h http.Header) (string, error) {
	l := linkRegexp.FindStringSubmatch(h.Get("Link"))
	if l == nil {
		return "", nil
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing url: %w", err)
	}
	u, err := url.Parse(l[1])
	if err != nil {
		return "", fmt.Errorf("parsing link header: %w", err)
	}
	return b.ResolveReference(u).String(), nil
}
