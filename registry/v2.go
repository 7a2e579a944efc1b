package registry

/*
https://distribution.github.io/distribution/spec/api/
https://distribution.github.io/distribution/spec/manifest-v2-2/
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	log "github.com/sirupsen/logrus"

	"github.com/mjl-/regfront/manifest"
)

// Accept header for requesting schema 2 image manifests.
var acceptV2 = http.Header{
	"Accept": []string{manifest.MediaTypeV2, ocispec.MediaTypeImageManifest},
}

type v2Client struct {
	common
}

var _ Client = (*v2Client)(nil)

func newV2(conn Connection, engine *Engine) *v2Client {
	return &v2Client{common{conn: conn, engine: engine}}
}

func (c *v2Client) Version() int {
	return 2
}

func (c *v2Client) manifestURL(repo, reference string) string {
	return fmt.Sprintf("%s/v2/%s/manifests/%s", c.conn.URL, repo, reference)
}

// GET /v2/
func (c *v2Client) IsOnline(ctx context.Context) bool {
	return c.ping(ctx, "/v2/")
}

// paginate fetches url and the pages after it, as indicated by Link headers.
// Pages are fetched in order, each page URL comes from the previous response.
func (c *v2Client) paginate(ctx context.Context, url string, page func(body []byte) error) error {
	seen := map[string]bool{}
	for url != "" && !seen[url] {
		seen[url] = true
		resp, err := c.engine.get(ctx, url, nil)
		if err != nil {
			return err
		}
		if err := page(resp.Body); err != nil {
			return fmt.Errorf("parsing response from %s: %w", url, err)
		}
		url, err = nextLink(url, resp.Header)
		if err != nil {
			return err
		}
	}
	return nil
}

// GET /v2/_catalog
func (c *v2Client) Repositories(ctx context.Context) ([]string, error) {
	repos := []string{}
	err := c.paginate(ctx, c.conn.URL+"/v2/_catalog", func(body []byte) error {
		var catalog struct {
			Repositories []string `json:"repositories"`
		}
		if err := json.Unmarshal(body, &catalog); err != nil {
			return err
		}
		repos = append(repos, catalog.Repositories...)
		return nil
	})
	// An offline registry is not a catalog problem, anything else is.
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return nil, err
	} else if err != nil {
		return nil, &CatalogUnavailableError{err}
	}
	return repos, nil
}

// GET /v2/<repo>/tags/list
func (c *v2Client) Tags(ctx context.Context, repo string) ([]string, error) {
	tags := []string{}
	err := c.paginate(ctx, fmt.Sprintf("%s/v2/%s/tags/list", c.conn.URL, repo), func(body []byte) error {
		// Registries return null tags for repositories without tags.
		var tl struct {
			Tags []string `json:"tags"`
		}
		if err := json.Unmarshal(body, &tl); err != nil {
			return err
		}
		tags = append(tags, tl.Tags...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tags, nil
}

// GET /v2/<repo>/manifests/<tag>, with default and schema 2 content negotiation.
func (c *v2Client) Manifest(ctx context.Context, repo, tag string) (*manifest.Combined, error) {
	url := c.manifestURL(repo, tag)
	resp, err := c.engine.get(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	m, err := manifest.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("manifest for %s:%s: %w", repo, tag, err)
	}

	resp, err = c.engine.get(ctx, url, acceptV2)
	if err != nil {
		return nil, err
	}
	v2, err := manifest.ParseV2(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("schema 2 manifest for %s:%s: %w", repo, tag, err)
	}

	switch x := m.(type) {
	case *manifest.V1:
		return manifest.NewCombined(x, v2), nil
	case *manifest.V2:
		// Registry does not convert to schema 1, take metadata from the image
		// config.
		v1, err := c.configManifest(ctx, repo, v2)
		if err != nil {
			return nil, fmt.Errorf("manifest for %s:%s: %w", repo, tag, err)
		}
		return manifest.NewCombined(v1, v2), nil
	}
	return nil, fmt.Errorf("manifest for %s:%s: unexpected schema version %d", repo, tag, m.SchemaVersion())
}

// GET /v2/<repo>/blobs/<config-digest>
func (c *v2Client) configManifest(ctx context.Context, repo string, v2 *manifest.V2) (*manifest.V1, error) {
	config := v2.Config()
	if config == nil {
		return nil, fmt.Errorf("schema 2 manifest without config")
	}
	resp, err := c.engine.get(ctx, fmt.Sprintf("%s/v2/%s/blobs/%s", c.conn.URL, repo, config.Digest), nil)
	if err != nil {
		return nil, fmt.Errorf("fetching image config: %w", err)
	}
	return manifest.V1FromConfig(resp.Body, v2)
}

// Deleting is only possible by digest, so the digest of the tag is looked up
// first.
//
// HEAD /v2/<repo>/manifests/<tag>
// DELETE /v2/<repo>/manifests/<digest>
func (c *v2Client) DeleteTag(ctx context.Context, repo, tag string) error {
	url := c.manifestURL(repo, tag)
	resp, err := c.engine.Send(ctx, Request{Method: http.MethodHead, URL: url, Header: acceptV2, NoCache: true})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return &UnexpectedStatusError{http.MethodHead, url, resp.StatusCode}
	}
	dgst, err := digest.Parse(resp.Header.Get("Docker-Content-Digest"))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoDigest, err)
	}

	if err := c.deleteOK(ctx, c.manifestURL(repo, dgst.String())); err != nil {
		return err
	}
	log.WithFields(log.Fields{"registry": c.conn.Name, "repo": repo, "tag": tag, "digest": dgst}).Info("deleted tag")
	return nil
}

// The v2 API has no operation for removing a repository.
func (c *v2Client) DeleteRepository(ctx context.Context, repo string) error {
	return ErrUnsupported
}

// DELETE /v2/<probe-repo>/manifests/<probe-tag>
func (c *v2Client) SupportsTagDeletion(ctx context.Context) bool {
	return c.deletion.check(ctx, &c.common, c.manifestURL(probeRepo, probeTag))
}

func (c *v2Client) SupportsRepoDeletion() bool {
	return false
}
