// Package serializer provides the pluggable Serializer Registry: a mapping
// from a short ASCII serializer identifier carried in headers to a codec
// that converts between an opaque byte buffer and a domain value.
package serializer

import "fmt"

// Serializer converts a domain value to and from the wire byte buffer. ID
// is stable across versions: changing wire format requires a new ID, not
// a version bump on an existing one.
type Serializer interface {
	ID() string
	Serialize(v interface{}) ([]byte, error)
	Deserialize(data []byte, v interface{}) error
}

// Registry maps serializer IDs to their codec, one non-empty collection
// per Proxy instance, keyed by each Serializer's own ID().
type Registry struct {
	byID map[string]Serializer
}

// NewRegistry builds a registry from the given serializers. Returns an
// error if the collection is empty or contains a duplicate ID.
func NewRegistry(serializers ...Serializer) (*Registry, error) {
	if len(serializers) == 0 {
		return nil, fmt.Errorf("serializer: registry requires at least one serializer")
	}
	byID := make(map[string]Serializer, len(serializers))
	for _, s := range serializers {
		if _, exists := byID[s.ID()]; exists {
			return nil, fmt.Errorf("serializer: duplicate serializer id %q", s.ID())
		}
		byID[s.ID()] = s
	}
	return &Registry{byID: byID}, nil
}

// Lookup resolves a serializer by its wire ID. The bool return distinguishes
// an unknown serializer, a protocol-incompatible condition, from a
// successful lookup.
func (r *Registry) Lookup(id string) (Serializer, bool) {
	s, ok := r.byID[id]
	return s, ok
}
