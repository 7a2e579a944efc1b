package manifest

import (
	"time"
)

// Combined pairs the schema 1 and schema 2 manifests of the same repository and
// tag. Container metadata comes from the schema 1 view, sizes and layer counts
// from the schema 2 view.
type Combined struct {
	V1 *V1
	V2 *V2
}

func NewCombined(v1 *V1, v2 *V2) *Combined {
	return &Combined{v1, v2}
}

func (c *Combined) Equal(o *Combined) bool {
	if c == nil || o == nil {
		return c == o
	}
	return c.V1.Equal(o.V1) && c.V2.Equal(o.V2)
}

func (c *Combined) Created() (time.Time, error) {
	return c.V1.Created()
}

func (c *Combined) DockerVersion() (string, error) {
	return c.V1.DockerVersion()
}

func (c *Combined) Entrypoint() ([]string, error) {
	return c.V1.Entrypoint()
}

func (c *Combined) ExposedPorts() ([]string, error) {
	return c.V1.ExposedPorts()
}

func (c *Combined) Volumes() ([]string, error) {
	return c.V1.Volumes()
}

// LayerIDs returns the distinct layer ids of the schema 1 view.
func (c *Combined) LayerIDs() []string {
	return c.V1.DistinctLayerIDs()
}

// LayerCount returns the number of layers in the schema 2 view, duplicates
// included, matching the layers that Size adds up.
func (c *Combined) LayerCount() int {
	return c.V2.LayerCount()
}

func (c *Combined) Size() int64 {
	return c.V2.Size()
}
