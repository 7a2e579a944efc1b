package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// V1 is a schema version 1 manifest. Its history holds a JSON-encoded
// "v1Compatibility" document per layer, with the container config as it was
// after that build step.
type V1 struct {
	canonical
	layerIDs []string
	history  []historyEntry // Most recent first.
}

type historyEntry struct {
	fields  map[string]any
	created time.Time
	raw     string // Created as found, for entries with unparsable dates.
	parsed  bool
}

var _ Manifest = (*V1)(nil)

// ParseV1 parses a schema version 1 manifest. Both fsLayers and history must
// be present.
func ParseV1(data []byte) (*V1, error) {
	var doc struct {
		FSLayers *[]struct {
			BlobSum string `json:"blobSum"`
		} `json:"fsLayers"`
		History *[]struct {
			V1Compatibility string `json:"v1Compatibility"`
		} `json:"history"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing schema 1 manifest: %w", err)
	}
	if doc.FSLayers == nil {
		return nil, &MissingFieldError{1, "fsLayers"}
	}
	if doc.History == nil {
		return nil, &MissingFieldError{1, "history"}
	}

	c, err := newCanonical(data)
	if err != nil {
		return nil, err
	}
	m := &V1{canonical: c}
	for _, l := range *doc.FSLayers {
		m.layerIDs = append(m.layerIDs, l.BlobSum)
	}
	for i, h := range *doc.History {
		e, err := parseHistoryEntry(h.V1Compatibility)
		if err != nil {
			return nil, fmt.Errorf("history entry %d: %w", i, err)
		}
		m.history = append(m.history, e)
	}
	sort.SliceStable(m.history, func(i, j int) bool {
		a, b := m.history[i], m.history[j]
		if a.parsed && b.parsed {
			return a.created.After(b.created)
		} else if a.parsed != b.parsed {
			return a.parsed
		}
		return a.raw > b.raw
	})
	return m, nil
}

func parseHistoryEntry(s string) (historyEntry, error) {
	var fields map[string]any
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return historyEntry{}, fmt.Errorf("parsing v1Compatibility: %w", err)
	}
	if fields == nil {
		return historyEntry{}, fmt.Errorf("v1Compatibility is not an object")
	}
	e := historyEntry{fields: fields}
	if created, ok := fields["created"].(string); ok {
		e.raw = created
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.created = t
			e.parsed = true
		}
	}
	return e, nil
}

// V1FromConfig returns a schema 1 view for an image that is only available as
// schema 2, using its image config blob as the single history entry. The
// config blob has the same shape as a v1Compatibility document. Layer ids
// are the schema 2 layer digests, most recent first as in schema 1.
func V1FromConfig(config []byte, v2 *V2) (*V1, error) {
	type fsLayer struct {
		BlobSum string `json:"blobSum"`
	}
	type history struct {
		V1Compatibility string `json:"v1Compatibility"`
	}
	doc := struct {
		SchemaVersion int       `json:"schemaVersion"`
		FSLayers      []fsLayer `json:"fsLayers"`
		History       []history `json:"history"`
	}{1, []fsLayer{}, []history{{string(config)}}}
	ids := v2.LayerIDs()
	for i := len(ids) - 1; i >= 0; i-- {
		doc.FSLayers = append(doc.FSLayers, fsLayer{ids[i]})
	}
	buf, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal schema 1 manifest: %w", err)
	}
	return ParseV1(buf)
}

func (m *V1) SchemaVersion() int {
	return 1
}

func (m *V1) Equal(o Manifest) bool {
	om, ok := o.(*V1)
	return ok && om != nil && bytes.Equal(m.data, om.data)
}

// Lookup returns the value at the path of keys from the most recent history
// entry that has it. Entries that miss a key on the path, or have a null
// where an object is needed, are skipped. ErrAbsent is returned if no entry
// has the value. A MalformedError is returned if an entry has a non-object
// value where an object is needed.
func (m *V1) Lookup(keys ...string) (any, error) {
	for _, e := range m.history {
		v, ok, err := lookupPath(e.fields, keys)
		if err != nil {
			return nil, err
		} else if ok {
			return v, nil
		}
	}
	return nil, ErrAbsent
}

func lookupPath(fields map[string]any, keys []string) (any, bool, error) {
	var v any = fields
	for i, k := range keys {
		if v == nil {
			return nil, false, nil
		}
		o, ok := v.(map[string]any)
		if !ok {
			return nil, false, &MalformedError{keys[:i], fmt.Sprintf("expected object, got %T", v)}
		}
		v, ok = o[k]
		if !ok {
			return nil, false, nil
		}
	}
	return v, true, nil
}

// Created returns the creation time of the image, i.e. of the most recent
// layer.
func (m *V1) Created() (time.Time, error) {
	v, err := m.Lookup("created")
	if err != nil || v == nil {
		return time.Time{}, err
	}
	s, ok := v.(string)
	if !ok {
		return time.Time{}, &MalformedError{[]string{"created"}, fmt.Sprintf("expected string, got %T", v)}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, &MalformedError{[]string{"created"}, err.Error()}
	}
	return t, nil
}

func (m *V1) DockerVersion() (string, error) {
	return m.lookupString("docker_version")
}

func (m *V1) Entrypoint() ([]string, error) {
	return m.lookupStrings("config", "Entrypoint")
}

// ExposedPorts returns the exposed ports, e.g. "5000/tcp", sorted.
func (m *V1) ExposedPorts() ([]string, error) {
	return m.lookupKeys("config", "ExposedPorts")
}

// Volumes returns the volume paths, sorted.
func (m *V1) Volumes() ([]string, error) {
	return m.lookupKeys("config", "Volumes")
}

// LayerIDs returns the blobSum of each fsLayer in document order, including
// duplicates.
func (m *V1) LayerIDs() []string {
	return m.layerIDs
}

// DistinctLayerIDs returns the blobSums without duplicates, in order of first
// occurrence.
func (m *V1) DistinctLayerIDs() []string {
	return distinct(m.layerIDs)
}

func (m *V1) lookupString(keys ...string) (string, error) {
	v, err := m.Lookup(keys...)
	if err != nil || v == nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", &MalformedError{keys, fmt.Sprintf("expected string, got %T", v)}
	}
	return s, nil
}

func (m *V1) lookupStrings(keys ...string) ([]string, error) {
	v, err := m.Lookup(keys...)
	if err != nil || v == nil {
		return nil, err
	}
	switch x := v.(type) {
	case string:
		return []string{x}, nil
	case []any:
		l := make([]string, len(x))
		for i, e := range x {
			s, ok := e.(string)
			if !ok {
				return nil, &MalformedError{keys, fmt.Sprintf("expected string list, got element %T", e)}
			}
			l[i] = s
		}
		return l, nil
	}
	return nil, &MalformedError{keys, fmt.Sprintf("expected string list, got %T", v)}
}

func (m *V1) lookupKeys(keys ...string) ([]string, error) {
	v, err := m.Lookup(keys...)
	if err != nil || v == nil {
		return nil, err
	}
	o, ok := v.(map[string]any)
	if !ok {
		return nil, &MalformedError{keys, fmt.Sprintf("expected object, got %T", v)}
	}
	l := make([]string, 0, len(o))
	for k := range o {
		l = append(l, k)
	}
	sort.Strings(l)
	return l, nil
}
