// Package codec provides the content-type codecs used by the debug endpoint
// to serialize connection snapshots.
package codec

import (
	"mime"
	"strings"
)

// Codec defines a simple interface for marshaling typed messages.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Registry maps content types to codecs. The first registered codec is the
// fallback for Negotiate.
type Registry struct {
	byType map[string]Codec
	order  []string
}

// NewRegistry constructs a registry preloaded with the built-in codecs that
// don't require initialization: JSON and Protobuf. CBOR can be added
// explicitly via Register(CBOR()).
func NewRegistry() *Registry {
	r := &Registry{byType: make(map[string]Codec)}
	r.Register(JSON())
	r.Register(Proto())
	return r
}

// Register adds a codec.
func (r *Registry) Register(c Codec) {
	ct := c.ContentType()
	if _, ok := r.byType[ct]; !ok {
		r.order = append(r.order, ct)
	}
	r.byType[ct] = c
}

// Get returns a codec by content type, or nil.
func (r *Registry) Get(contentType string) Codec { return r.byType[contentType] }

// Negotiate picks a codec for an HTTP Accept header. Quality values are
// ignored; the first media range the registry knows wins.
func (r *Registry) Negotiate(accept string) Codec {
	for _, part := range strings.Split(accept, ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		if c := r.byType[mt]; c != nil {
			return c
		}
	}
	if len(r.order) == 0 {
		return nil
	}
	return r.byType[r.order[0]]
}
