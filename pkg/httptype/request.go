package httptype

import "net/url"

// Request is the protocol-agnostic request head plus body shared by the
// HTTP/1 connection state machine, the matcher, and the WebSocket
// handshake builder. It deliberately mirrors net/http.Request's shape
// where that eases interop, but keeps its own Header (ordered multimap)
// and Extensions (typed bag) instead of net/http's map-based versions.
type Request struct {
	Method     string
	URL        *url.URL
	Proto      string // "HTTP/1.0", "HTTP/1.1", "HTTP/2.0"
	Header     *Header
	Body       *Body
	Host       string
	RemoteAddr string

	ext *Extensions
}

// NewRequest builds a Request with initialized Header/Extensions.
func NewRequest(method string, u *url.URL) *Request {
	return &Request{
		Method: method,
		URL:    u,
		Proto:  "HTTP/1.1",
		Header: NewHeader(),
		Body:   EmptyBody(),
		ext:    NewExtensions(),
	}
}

// Extensions returns the request's extension bag, creating it on first use.
func (r *Request) Extensions() *Extensions {
	if r.ext == nil {
		r.ext = NewExtensions()
	}
	return r.ext
}

// Response is the protocol-agnostic response head plus body.
type Response struct {
	StatusCode int
	Status     string // e.g. "200 OK"; derived from StatusCode if empty
	Proto      string
	Header     *Header
	Body       *Body

	ext *Extensions
}

// NewResponse builds a Response with initialized Header/Extensions.
func NewResponse(statusCode int) *Response {
	return &Response{
		StatusCode: statusCode,
		Proto:      "HTTP/1.1",
		Header:     NewHeader(),
		Body:       EmptyBody(),
		ext:        NewExtensions(),
	}
}

// Extensions returns the response's extension bag, creating it on first use.
func (r *Response) Extensions() *Extensions {
	if r.ext == nil {
		r.ext = NewExtensions()
	}
	return r.ext
}

// IsInformational reports whether StatusCode is a 1xx interim response.
func (r *Response) IsInformational() bool {
	return r.StatusCode >= 100 && r.StatusCode < 200
}
