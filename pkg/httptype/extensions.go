package httptype

import "sync"

// extKey is the stable identifier used to index the extension bag. Go has
// no runtime TypeId map the way the source language does, so instead of a
// heterogeneous type map we key on a small string tag chosen by the
// component registering the value (client hello capture, matched path
// params, target HTTP version, upgrade token, ...). Collisions are the
// caller's responsibility to avoid by namespacing tags, exactly as the
// source's type-indexed map avoids them by construction.
type extKey string

// Well-known extension keys populated by the core subsystems (spec
// section 6's "HTTP request/response extensions" list).
const (
	ExtKeyUriParams      extKey = "rama.uri_params"
	ExtKeyClientHello    extKey = "rama.tls_client_hello"
	ExtKeyPeerAddr       extKey = "rama.peer_addr"
	ExtKeyTargetVersion  extKey = "rama.target_http_version"
	ExtKeyUpgradeToken   extKey = "rama.upgrade_token"
	ExtKeyRequestID      extKey = "rama.request_id"
	ExtKeyClientCertChain extKey = "rama.client_cert_chain"
)

// Extensions is a concurrent, type-erased extension bag used to pass
// out-of-band data through a layered service stack without widening every
// Service's signature. Access is O(1) amortized via sync.Map.
type Extensions struct {
	m sync.Map // extKey -> any
}

// NewExtensions returns an empty extension bag.
func NewExtensions() *Extensions {
	return &Extensions{}
}

// Set stores value under key, overwriting any previous value.
func (e *Extensions) Set(key extKey, value any) {
	e.m.Store(key, value)
}

// Get returns the value stored under key and whether it was present.
func (e *Extensions) Get(key extKey) (any, bool) {
	return e.m.Load(key)
}

// Delete removes any value stored under key.
func (e *Extensions) Delete(key extKey) {
	e.m.Delete(key)
}

// GetTyped fetches the value under key and type-asserts it to T, returning
// the zero value and false if absent or of the wrong type.
func GetTyped[T any](e *Extensions, key extKey) (T, bool) {
	var zero T
	v, ok := e.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}
