// Package httptype provides the request/response data model shared by the
// HTTP/1 connection state machine, the auto-selector, the matcher, and the
// WebSocket handshake: an ordered header multimap, a typed extension bag,
// and buffered/streaming body variants.
package httptype

import "strings"

// kv is one header entry, preserving insertion order so that duplicate
// names (Set-Cookie-style) round-trip in the order they were added.
type kv struct {
	name  string // canonical lowercase name
	value string
}

// Header is an ordered multimap from lowercase ASCII header name to
// opaque byte-sequence (string) value. Duplicate names are permitted and
// preserve insertion order.
type Header struct {
	entries []kv
}

// NewHeader returns an empty header map.
func NewHeader() *Header {
	return &Header{}
}

func canonicalName(name string) string {
	return strings.ToLower(name)
}

// Add appends a value for name, keeping any existing values in place.
func (h *Header) Add(name, value string) {
	h.entries = append(h.entries, kv{name: canonicalName(name), value: value})
}

// Set removes all existing values for name and sets a single value.
func (h *Header) Set(name, value string) {
	n := canonicalName(name)
	out := h.entries[:0]
	for _, e := range h.entries {
		if e.name != n {
			out = append(out, e)
		}
	}
	h.entries = append(out, kv{name: n, value: value})
}

// Get returns the first value for name, or "" if absent.
func (h *Header) Get(name string) string {
	n := canonicalName(name)
	for _, e := range h.entries {
		if e.name == n {
			return e.value
		}
	}
	return ""
}

// Values returns all values for name in insertion order.
func (h *Header) Values(name string) []string {
	n := canonicalName(name)
	var out []string
	for _, e := range h.entries {
		if e.name == n {
			out = append(out, e.value)
		}
	}
	return out
}

// Has reports whether name has at least one value.
func (h *Header) Has(name string) bool {
	n := canonicalName(name)
	for _, e := range h.entries {
		if e.name == n {
			return true
		}
	}
	return false
}

// Del removes all values for name.
func (h *Header) Del(name string) {
	n := canonicalName(name)
	out := h.entries[:0]
	for _, e := range h.entries {
		if e.name != n {
			out = append(out, e)
		}
	}
	h.entries = out
}

// Len returns the total number of header entries (counting duplicates).
func (h *Header) Len() int {
	return len(h.entries)
}

// Range calls fn for every header entry in insertion order. Returning false
// stops iteration early.
func (h *Header) Range(fn func(name, value string) bool) {
	for _, e := range h.entries {
		if !fn(e.name, e.value) {
			return
		}
	}
}

// Clone returns an independent copy of h.
func (h *Header) Clone() *Header {
	if h == nil {
		return NewHeader()
	}
	out := &Header{entries: make([]kv, len(h.entries))}
	copy(out.entries, h.entries)
	return out
}
