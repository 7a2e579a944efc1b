package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// V2 is a schema version 2 image manifest, docker or OCI. Its layers have
// accurate sizes, but it carries no container metadata.
type V2 struct {
	canonical
	mediaType string
	config    *ocispec.Descriptor
	layers    []ocispec.Descriptor
}

var _ Manifest = (*V2)(nil)

// ParseV2 parses a schema version 2 image manifest. The layers field must be
// present, so manifest lists are rejected.
func ParseV2(data []byte) (*V2, error) {
	var doc struct {
		MediaType string                `json:"mediaType"`
		Config    *ocispec.Descriptor   `json:"config"`
		Layers    *[]ocispec.Descriptor `json:"layers"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing schema 2 manifest: %w", err)
	}
	if doc.Layers == nil {
		return nil, &MissingFieldError{2, "layers"}
	}
	c, err := newCanonical(data)
	if err != nil {
		return nil, err
	}
	return &V2{c, doc.MediaType, doc.Config, *doc.Layers}, nil
}

func (m *V2) SchemaVersion() int {
	return 2
}

func (m *V2) Equal(o Manifest) bool {
	om, ok := o.(*V2)
	return ok && om != nil && bytes.Equal(m.data, om.data)
}

// MediaType as declared in the document, may be empty.
func (m *V2) MediaType() string {
	return m.mediaType
}

// Config returns the descriptor of the image config blob, nil if absent.
func (m *V2) Config() *ocispec.Descriptor {
	return m.config
}

func (m *V2) Layers() []ocispec.Descriptor {
	return m.layers
}

// LayerIDs returns the layer digests in document order, including duplicates.
func (m *V2) LayerIDs() []string {
	l := make([]string, len(m.layers))
	for i, d := range m.layers {
		l[i] = d.Digest.String()
	}
	return l
}

func (m *V2) DistinctLayerIDs() []string {
	return distinct(m.LayerIDs())
}

// LayerCount is the number of entries in the layer list, counting repeated
// digests each time.
func (m *V2) LayerCount() int {
	return len(m.layers)
}

// Size is the sum of the layer sizes in bytes.
func (m *V2) Size() int64 {
	var n int64
	for _, d := range m.layers {
		n += d.Size
	}
	return n
}
