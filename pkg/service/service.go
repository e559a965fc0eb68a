// Package service provides the generic Service/Layer composition kernel
// that every other subsystem (matcher dispatch, connection handling, the
// WebSocket upgrade path) is built as a stack of. A Service turns a
// request into a response; a Layer wraps one Service to produce another,
// so middleware (logging, timeouts, matching) composes by wrapping rather
// than by inheritance.
package service

import "context"

// Service handles a single request/response exchange. Req and Resp are
// left generic so the same kernel drives HTTP request/response pairs,
// WebSocket frame handlers, and test doubles alike.
type Service[Req, Resp any] interface {
	Serve(ctx context.Context, req Req) (Resp, error)
}

// ServiceFunc adapts a plain function to a Service.
type ServiceFunc[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

// Serve implements Service.
func (f ServiceFunc[Req, Resp]) Serve(ctx context.Context, req Req) (Resp, error) {
	return f(ctx, req)
}

// Layer wraps an inner Service to produce an outer Service, the
// fundamental middleware unit.
type Layer[Req, Resp any] interface {
	Wrap(inner Service[Req, Resp]) Service[Req, Resp]
}

// LayerFunc adapts a plain function to a Layer.
type LayerFunc[Req, Resp any] func(inner Service[Req, Resp]) Service[Req, Resp]

// Wrap implements Layer.
func (f LayerFunc[Req, Resp]) Wrap(inner Service[Req, Resp]) Service[Req, Resp] {
	return f(inner)
}

// Chain applies layers outer-to-inner: Chain(a, b, c).Wrap(s) behaves as
// a(b(c(s))), so the first layer in the list is the outermost and sees
// the request first.
func Chain[Req, Resp any](layers ...Layer[Req, Resp]) Layer[Req, Resp] {
	return LayerFunc[Req, Resp](func(inner Service[Req, Resp]) Service[Req, Resp] {
		svc := inner
		for i := len(layers) - 1; i >= 0; i-- {
			svc = layers[i].Wrap(svc)
		}
		return svc
	})
}

// Layer2 composes exactly two layers, outermost first. It exists (with
// Layer3 and Layer4) for call sites that want a fixed arity instead of a
// variadic slice; behavior is identical to Chain.
func Layer2[Req, Resp any](a, b Layer[Req, Resp]) Layer[Req, Resp] {
	return Chain(a, b)
}

// Layer3 composes exactly three layers, outermost first.
func Layer3[Req, Resp any](a, b, c Layer[Req, Resp]) Layer[Req, Resp] {
	return Chain(a, b, c)
}

// Layer4 composes exactly four layers, outermost first.
func Layer4[Req, Resp any](a, b, c, d Layer[Req, Resp]) Layer[Req, Resp] {
	return Chain(a, b, c, d)
}

// Optional wraps layer only when enabled is true, otherwise it is a
// no-op passthrough. Useful for feature-flagged middleware built from
// config (e.g. an optional request-logging layer).
func Optional[Req, Resp any](enabled bool, layer Layer[Req, Resp]) Layer[Req, Resp] {
	if enabled {
		return layer
	}
	return LayerFunc[Req, Resp](func(inner Service[Req, Resp]) Service[Req, Resp] {
		return inner
	})
}

// Stack builds a Service directly from a base Service and a set of
// layers, equivalent to Chain(layers...).Wrap(base).
func Stack[Req, Resp any](base Service[Req, Resp], layers ...Layer[Req, Resp]) Service[Req, Resp] {
	return Chain(layers...).Wrap(base)
}
