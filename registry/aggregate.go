package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mjl-/regfront/manifest"
)

// Maximum number of requests in flight for a fan-out over repositories or
// tags, and idle connections kept per registry.
const fanout = 10

// fanOut calls fn for each key with limited concurrency and gathers the
// results in a map. The first error cancels the context passed to the other
// calls and is returned.
func fanOut[K comparable, T any](ctx context.Context, keys []K, fn func(ctx context.Context, k K) (T, error)) (map[K]T, error) {
	var mu sync.Mutex
	results := make(map[K]T, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanout)
	for _, k := range keys {
		g.Go(func() error {
			v, err := fn(gctx, k)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			results[k] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func RepositoryCount(ctx context.Context, c Client) (int, error) {
	repos, err := c.Repositories(ctx)
	return len(repos), err
}

func TagCount(ctx context.Context, c Client, repo string) (int, error) {
	tags, err := c.Tags(ctx, repo)
	return len(tags), err
}

// LayerCount returns the number of layers in the schema 2 manifest of the tag,
// including layers that occur more than once.
func LayerCount(ctx context.Context, c Client, repo, tag string) (int, error) {
	m, err := c.Manifest(ctx, repo, tag)
	if err != nil {
		return 0, err
	}
	return m.LayerCount(), nil
}

// TagSize returns the sum of the layer sizes of the tag.
func TagSize(ctx context.Context, c Client, repo, tag string) (int64, error) {
	m, err := c.Manifest(ctx, repo, tag)
	if err != nil {
		return 0, err
	}
	return m.Size(), nil
}

// RepositorySize returns the sum of the sizes of all tags. Layers shared
// between tags are counted for each tag.
func RepositorySize(ctx context.Context, c Client, repo string) (int64, error) {
	sizes, err := TagSizes(ctx, c, repo)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, size := range sizes {
		n += size
	}
	return n, nil
}

type repoTag struct {
	repo, tag string
}

// RegistrySize returns the sum of the sizes of all tags in all repositories.
func RegistrySize(ctx context.Context, c Client) (int64, error) {
	repos, err := c.Repositories(ctx)
	if err != nil {
		return 0, err
	}
	sizes, err := RepositorySizes(ctx, c, repos)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, size := range sizes {
		n += size
	}
	return n, nil
}

// RepositorySizes returns the size of each repository. Tags of all
// repositories are listed first, then the manifests of all tags are fetched in
// a single fan-out, so no more than fanout manifest fetches are in flight.
func RepositorySizes(ctx context.Context, c Client, repos []string) (map[string]int64, error) {
	repoTags, err := fanOut(ctx, repos, func(ctx context.Context, repo string) ([]string, error) {
		return c.Tags(ctx, repo)
	})
	if err != nil {
		return nil, err
	}

	var keys []repoTag
	for repo, tags := range repoTags {
		for _, tag := range tags {
			keys = append(keys, repoTag{repo, tag})
		}
	}
	tagSizes, err := fanOut(ctx, keys, func(ctx context.Context, k repoTag) (int64, error) {
		return TagSize(ctx, c, k.repo, k.tag)
	})
	if err != nil {
		return nil, err
	}

	sizes := make(map[string]int64, len(repos))
	for _, repo := range repos {
		sizes[repo] = 0
	}
	for k, size := range tagSizes {
		sizes[k.repo] += size
	}
	return sizes, nil
}

// TagCounts returns the number of tags of each repository.
func TagCounts(ctx context.Context, c Client, repos []string) (map[string]int, error) {
	return fanOut(ctx, repos, func(ctx context.Context, repo string) (int, error) {
		return TagCount(ctx, c, repo)
	})
}

// LayerCounts returns the layer count of each tag in the repository.
func LayerCounts(ctx context.Context, c Client, repo string) (map[string]int, error) {
	tags, err := c.Tags(ctx, repo)
	if err != nil {
		return nil, err
	}
	return fanOut(ctx, tags, func(ctx context.Context, tag string) (int, error) {
		return LayerCount(ctx, c, repo, tag)
	})
}

// TagSizes returns the size of each tag in the repository.
func TagSizes(ctx context.Context, c Client, repo string) (map[string]int64, error) {
	tags, err := c.Tags(ctx, repo)
	if err != nil {
		return nil, err
	}
	return fanOut(ctx, tags, func(ctx context.Context, tag string) (int64, error) {
		return TagSize(ctx, c, repo, tag)
	})
}

// TagDetails is the metadata of a tag, as shown on its page. Fields that no
// history entry defines have their zero value.
type TagDetails struct {
	Repo          string
	Tag           string
	Created       time.Time
	DockerVersion string
	Entrypoint    []string
	ExposedPorts  []string
	Volumes       []string
	Size          int64
	LayerCount    int
	LayerIDs      []string // Distinct.
}

// Details fetches the manifests of the tag and returns its metadata.
func Details(ctx context.Context, c Client, repo, tag string) (TagDetails, error) {
	m, err := c.Manifest(ctx, repo, tag)
	if err != nil {
		return TagDetails{}, err
	}
	return details(repo, tag, m)
}

// AllDetails returns the tag details for each tag of the repository.
func AllDetails(ctx context.Context, c Client, repo string) (map[string]TagDetails, error) {
	tags, err := c.Tags(ctx, repo)
	if err != nil {
		return nil, err
	}
	return fanOut(ctx, tags, func(ctx context.Context, tag string) (TagDetails, error) {
		return Details(ctx, c, repo, tag)
	})
}

func details(repo, tag string, m *manifest.Combined) (TagDetails, error) {
	d := TagDetails{
		Repo:       repo,
		Tag:        tag,
		Size:       m.Size(),
		LayerCount: m.LayerCount(),
		LayerIDs:   m.LayerIDs(),
	}
	var err error
	if d.Created, err = m.Created(); absent(err) != nil {
		return TagDetails{}, err
	}
	if d.DockerVersion, err = m.DockerVersion(); absent(err) != nil {
		return TagDetails{}, err
	}
	if d.Entrypoint, err = m.Entrypoint(); absent(err) != nil {
		return TagDetails{}, err
	}
	if d.ExposedPorts, err = m.ExposedPorts(); absent(err) != nil {
		return TagDetails{}, err
	}
	if d.Volumes, err = m.Volumes(); absent(err) != nil {
		return TagDetails{}, err
	}
	return d, nil
}

// absent returns nil for manifest.ErrAbsent, and err otherwise.
func absent(err error) error {
	if errors.Is(err, manifest.ErrAbsent) {
		return nil
	}
	return err
}
