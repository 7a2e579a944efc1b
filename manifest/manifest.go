// Package manifest provides read-only views over docker image manifests as
// returned by registries, in schema version 1 and 2, and a combined view
// pairing both versions of the same image.
//
// Schema 1 documents carry container metadata in their history (created date,
// entrypoint, ports, volumes). Schema 2 documents carry accurate layer sizes.
// Registries return one or the other for the same tag, depending on the Accept
// header, so a complete picture needs both.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Media types used when negotiating manifests with a registry.
const (
	MediaTypeV1       = "application/vnd.docker.distribution.manifest.v1+json"
	MediaTypeV1Signed = "application/vnd.docker.distribution.manifest.v1+prettyjws"
	MediaTypeV2       = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeV2List   = "application/vnd.docker.distribution.manifest.list.v2+json"
)

// ErrAbsent is returned by lookups when no history entry has a value for the
// requested key. An explicit JSON null is a value, and does not result in
// ErrAbsent.
var ErrAbsent = errors.New("no value")

// UnsupportedSchemaError is returned by Parse for a schemaVersion other than 1
// or 2.
type UnsupportedSchemaError struct {
	Version int
}

func (e *UnsupportedSchemaError) Error() string {
	return fmt.Sprintf("unsupported manifest schema version %d", e.Version)
}

// MissingFieldError is returned by Parse when a field required for the
// schema version is absent or null.
type MissingFieldError struct {
	SchemaVersion int
	Field         string
}

func (e *MissingFieldError) Error() string {
	if e.SchemaVersion == 0 {
		return fmt.Sprintf("manifest is missing field %q", e.Field)
	}
	return fmt.Sprintf("schema %d manifest is missing field %q", e.SchemaVersion, e.Field)
}

// MalformedError is returned by lookups when a value exists on the path but
// does not have the expected JSON type, e.g. a string where an object is
// needed to continue the path.
type MalformedError struct {
	Path   []string
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed value at %q: %s", strings.Join(e.Path, "."), e.Reason)
}

// Manifest is a parsed manifest, either *V1 or *V2.
type Manifest interface {
	SchemaVersion() int

	// Canonical returns the document re-encoded with object keys sorted.
	// Two manifests that only differ in key order have the same canonical
	// form.
	Canonical() []byte

	// Key is the sha256 digest of the canonical form, for use as map key.
	Key() digest.Digest

	Equal(o Manifest) bool
}

// Parse parses a manifest, dispatching on its schemaVersion field.
func Parse(data []byte) (Manifest, error) {
	var v struct {
		SchemaVersion *int `json:"schemaVersion"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if v.SchemaVersion == nil {
		return nil, &MissingFieldError{Field: "schemaVersion"}
	}
	switch *v.SchemaVersion {
	case 1:
		return ParseV1(data)
	case 2:
		return ParseV2(data)
	}
	return nil, &UnsupportedSchemaError{*v.SchemaVersion}
}

// canonical is the content shared by both schema versions.
type canonical struct {
	data []byte
	key  digest.Digest
}

func newCanonical(data []byte) (canonical, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return canonical{}, fmt.Errorf("parsing manifest: %w", err)
	}
	// Maps are marshaled with sorted keys, numbers kept as written.
	buf, err := json.Marshal(v)
	if err != nil {
		return canonical{}, fmt.Errorf("canonicalizing manifest: %w", err)
	}
	return canonical{buf, digest.FromBytes(buf)}, nil
}

func (c canonical) Canonical() []byte {
	return c.data
}

func (c canonical) Key() digest.Digest {
	return c.key
}

func distinct(l []string) []string {
	seen := map[string]bool{}
	var r []string
	for _, s := range l {
		if !seen[s] {
			seen[s] = true
			r = append(r, s)
		}
	}
	return r
}
