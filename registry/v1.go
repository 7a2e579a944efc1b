package registry

/*
Legacy registry API, as served by docker-registry before distribution.
https://docs.docker.com/v1.6/reference/api/registry_api/
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mjl-/regfront/manifest"
)

// Search results per page.
const v1PageSize = 100

type v1Client struct {
	common
}

var _ Client = (*v1Client)(nil)

func newV1(conn Connection, engine *Engine) *v1Client {
	return &v1Client{common{conn: conn, engine: engine}}
}

func (c *v1Client) Version() int {
	return 1
}

// GET /v1/_ping
func (c *v1Client) IsOnline(ctx context.Context) bool {
	return c.ping(ctx, "/v1/_ping")
}

// GET /v1/search?q=&n=100&page=N
func (c *v1Client) Repositories(ctx context.Context) ([]string, error) {
	repos := []string{}
	for page := 1; ; page++ {
		var result struct {
			NumPages int `json:"num_pages"`
			Results  []struct {
				Name string `json:"name"`
			} `json:"results"`
		}
		u := fmt.Sprintf("%s/v1/search?q=&n=%d&page=%d", c.conn.URL, v1PageSize, page)
		if _, err := c.engine.getJSON(ctx, u, &result); err != nil {
			var cerr *ConnectionError
			if errors.As(err, &cerr) {
				return nil, err
			}
			return nil, &CatalogUnavailableError{err}
		}
		for _, r := range result.Results {
			repos = append(repos, r.Name)
		}
		if page >= result.NumPages || len(result.Results) == 0 {
			break
		}
	}
	return repos, nil
}

// tagImages returns the image id for each tag of the repository.
//
// GET /v1/repositories/<repo>/tags
func (c *v1Client) tagImages(ctx context.Context, repo string) (map[string]string, error) {
	u := fmt.Sprintf("%s/v1/repositories/%s/tags", c.conn.URL, repo)
	resp, err := c.engine.get(ctx, u, nil)
	if err != nil {
		return nil, err
	}

	// Older registries return a list of {layer, name} objects instead of a map.
	m := map[string]string{}
	if err := json.Unmarshal(resp.Body, &m); err == nil {
		return m, nil
	}
	var l []struct {
		Layer string `json:"layer"`
		Name  string `json:"name"`
	}
	if err := json.Unmarshal(resp.Body, &l); err != nil {
		return nil, fmt.Errorf("parsing response from %s: %w", u, err)
	}
	for _, t := range l {
		m[t.Name] = t.Layer
	}
	return m, nil
}

func (c *v1Client) Tags(ctx context.Context, repo string) ([]string, error) {
	m, err := c.tagImages(ctx, repo)
	if err != nil {
		return nil, err
	}
	tags := make([]string, 0, len(m))
	for t := range m {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags, nil
}

// Manifest builds schema 1 and schema 2 documents from the image and its
// ancestors.
//
// GET /v1/repositories/<repo>/tags/<tag>
// GET /v1/images/<id>/ancestry
// GET /v1/images/<id>/json, for each ancestor
func (c *v1Client) Manifest(ctx context.Context, repo, tag string) (*manifest.Combined, error) {
	var id string
	if _, err := c.engine.getJSON(ctx, fmt.Sprintf("%s/v1/repositories/%s/tags/%s", c.conn.URL, repo, url.PathEscape(tag)), &id); err != nil {
		return nil, err
	}
	var ancestry []string
	if _, err := c.engine.getJSON(ctx, fmt.Sprintf("%s/v1/images/%s/ancestry", c.conn.URL, id), &ancestry); err != nil {
		return nil, err
	}

	// Ancestry starts with the image itself, the same order as schema 1 history.
	images := make([][]byte, len(ancestry))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanout)
	for i, aid := range ancestry {
		g.Go(func() error {
			resp, err := c.engine.get(gctx, fmt.Sprintf("%s/v1/images/%s/json", c.conn.URL, aid), nil)
			if err != nil {
				return err
			}
			images[i] = resp.Body
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	v1, v2, err := v1Documents(ancestry, images)
	if err != nil {
		return nil, fmt.Errorf("manifest for %s:%s: %w", repo, tag, err)
	}
	return manifest.NewCombined(v1, v2), nil
}

// v1Documents assembles a schema 1 manifest with the image json documents as
// history, and a schema 2 manifest with layers in base-first order.
func v1Documents(ids []string, images [][]byte) (*manifest.V1, *manifest.V2, error) {
	type fsLayer struct {
		BlobSum string `json:"blobSum"`
	}
	type history struct {
		V1Compatibility string `json:"v1Compatibility"`
	}
	doc1 := struct {
		SchemaVersion int       `json:"schemaVersion"`
		FSLayers      []fsLayer `json:"fsLayers"`
		History       []history `json:"history"`
	}{SchemaVersion: 1, FSLayers: []fsLayer{}, History: []history{}}
	doc2 := struct {
		SchemaVersion int                  `json:"schemaVersion"`
		MediaType     string               `json:"mediaType"`
		Layers        []ocispec.Descriptor `json:"layers"`
	}{SchemaVersion: 2, MediaType: manifest.MediaTypeV2, Layers: []ocispec.Descriptor{}}

	sizes := make([]int64, len(ids))
	for i, id := range ids {
		d := digest.NewDigestFromEncoded(digest.SHA256, id)
		if err := d.Validate(); err != nil {
			return nil, nil, fmt.Errorf("image id %q: %w", id, err)
		}
		var image struct {
			Size int64 `json:"Size"`
		}
		if err := json.Unmarshal(images[i], &image); err != nil {
			return nil, nil, fmt.Errorf("parsing image json for %s: %w", id, err)
		}
		sizes[i] = image.Size
		doc1.FSLayers = append(doc1.FSLayers, fsLayer{d.String()})
		doc1.History = append(doc1.History, history{string(images[i])})
	}
	for i := len(ids) - 1; i >= 0; i-- {
		doc2.Layers = append(doc2.Layers, ocispec.Descriptor{
			MediaType: "application/vnd.docker.image.rootfs.diff.tar.gzip",
			Digest:    digest.NewDigestFromEncoded(digest.SHA256, ids[i]),
			Size:      sizes[i],
		})
	}

	buf1, err := json.Marshal(doc1)
	if err != nil {
		return nil, nil, err
	}
	buf2, err := json.Marshal(doc2)
	if err != nil {
		return nil, nil, err
	}
	v1, err := manifest.ParseV1(buf1)
	if err != nil {
		return nil, nil, err
	}
	v2, err := manifest.ParseV2(buf2)
	if err != nil {
		return nil, nil, err
	}
	return v1, v2, nil
}

// DELETE /v1/repositories/<repo>/tags/<tag>
func (c *v1Client) DeleteTag(ctx context.Context, repo, tag string) error {
	if err := c.deleteOK(ctx, fmt.Sprintf("%s/v1/repositories/%s/tags/%s", c.conn.URL, repo, url.PathEscape(tag))); err != nil {
		return err
	}
	log.WithFields(log.Fields{"registry": c.conn.Name, "repo": repo, "tag": tag}).Info("deleted tag")
	return nil
}

// DELETE /v1/repositories/<repo>/
func (c *v1Client) DeleteRepository(ctx context.Context, repo string) error {
	if err := c.deleteOK(ctx, fmt.Sprintf("%s/v1/repositories/%s/", c.conn.URL, repo)); err != nil {
		return err
	}
	log.WithFields(log.Fields{"registry": c.conn.Name, "repo": repo}).Info("deleted repository")
	return nil
}

// DELETE /v1/repositories/<probe-repo>/tags/<probe-tag>
func (c *v1Client) SupportsTagDeletion(ctx context.Context) bool {
	return c.deletion.check(ctx, &c.common, fmt.Sprintf("%s/v1/repositories/%s/tags/%s", c.conn.URL, probeRepo, probeTag))
}

func (c *v1Client) SupportsRepoDeletion() bool {
	return true
}
