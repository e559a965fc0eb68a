// Package matcher implements the composable request-matching predicate
// tree used to route incoming requests to a Service: leaf matchers over
// method, path, domain, header, socket address, protocol version, or a
// custom predicate, composed with And/Or/Not, plus path-parameter capture
// into the request's extension bag.
package matcher

import (
	"context"
	"net"
	"regexp"
	"strings"

	"github.com/ramaproxy/rama/pkg/domain"
	"github.com/ramaproxy/rama/pkg/httptype"
)

// Matcher reports whether req satisfies the predicate. Matchers that
// capture data (path parameters) write into req.Extensions() as a side
// effect of a successful match. ctx is threaded through (rather than read
// off req) so a matcher can consult request-scoped values a caller stashed
// there ahead of routing, without this package depending on how those
// values got into context.
type Matcher interface {
	Matches(ctx context.Context, req *httptype.Request) bool
}

// MatcherFunc adapts a plain function to a Matcher.
type MatcherFunc func(ctx context.Context, req *httptype.Request) bool

// Matches implements Matcher.
func (f MatcherFunc) Matches(ctx context.Context, req *httptype.Request) bool { return f(ctx, req) }

// Method matches requests whose Method is one of the given methods
// (case-sensitive, matching net/http's convention of upper-case verbs).
func Method(methods ...string) Matcher {
	set := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		set[m] = struct{}{}
	}
	return MatcherFunc(func(_ context.Context, req *httptype.Request) bool {
		_, ok := set[req.Method]
		return ok
	})
}

// Domain matches requests whose Host header/URL host equals one of the
// given hosts exactly (case/leading-dot insensitive via pkg/domain).
func Domain(hosts ...string) Matcher {
	parsed := make([]domain.Domain, 0, len(hosts))
	for _, h := range hosts {
		if d, err := domain.Parse(h); err == nil {
			parsed = append(parsed, d)
		}
	}
	return MatcherFunc(func(_ context.Context, req *httptype.Request) bool {
		reqHost, err := domain.Parse(requestHost(req))
		if err != nil {
			return false
		}
		for _, d := range parsed {
			if reqHost.Equal(d) {
				return true
			}
		}
		return false
	})
}

// SubdomainOf matches requests whose host is parent itself or any
// subdomain of it, e.g. SubdomainOf("example.com") matches both
// "example.com" and "api.example.com".
func SubdomainOf(parent string) Matcher {
	p, err := domain.Parse(parent)
	return MatcherFunc(func(_ context.Context, req *httptype.Request) bool {
		if err != nil {
			return false
		}
		reqHost, herr := domain.Parse(requestHost(req))
		if herr != nil {
			return false
		}
		return reqHost.IsSubOf(p)
	})
}

// SubdomainTrie matches like a battery of SubdomainOf/Domain checks, but
// in O(number of labels in the request host) instead of O(number of
// registered parents): each registered host is split into labels and
// inserted into a trie keyed root-label-first, so a lookup walks the
// request host's labels the same way instead of testing against every
// registered suffix in turn.
type SubdomainTrie struct {
	root *trieNode
}

type trieNode struct {
	children map[string]*trieNode
	terminal bool // a registered host ends here (exact or parent match)
}

func newTrieNode() *trieNode {
	return &trieNode{children: make(map[string]*trieNode)}
}

// NewSubdomainTrie builds a trie over hosts, each of which matches itself
// and any of its subdomains.
func NewSubdomainTrie(hosts ...string) *SubdomainTrie {
	t := &SubdomainTrie{root: newTrieNode()}
	for _, h := range hosts {
		t.Add(h)
	}
	return t
}

// Add registers an additional host (and its subdomains) with the trie.
func (t *SubdomainTrie) Add(host string) {
	labels := reverseLabels(host)
	node := t.root
	for _, label := range labels {
		child, ok := node.children[label]
		if !ok {
			child = newTrieNode()
			node.children[label] = child
		}
		node = child
	}
	node.terminal = true
}

// matchesHost reports whether host equals, or is a subdomain of, any
// registered host.
func (t *SubdomainTrie) matchesHost(host string) bool {
	labels := reverseLabels(host)
	node := t.root
	for _, label := range labels {
		child, ok := node.children[label]
		if !ok {
			return false
		}
		node = child
		if node.terminal {
			return true
		}
	}
	return node.terminal
}

func reverseLabels(host string) []string {
	labels := strings.Split(strings.TrimSuffix(strings.ToLower(host), "."), ".")
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}
	return labels
}

// Matcher builds the Matcher this trie backs.
func (t *SubdomainTrie) Matcher() Matcher {
	return MatcherFunc(func(_ context.Context, req *httptype.Request) bool {
		return t.matchesHost(requestHost(req))
	})
}

func requestHost(req *httptype.Request) string {
	host := req.Host
	if host == "" {
		if req.URL != nil {
			return req.URL.Hostname()
		}
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// Version matches requests whose Proto equals one of the given protocol
// strings (e.g. "HTTP/1.1", "HTTP/2.0").
func Version(protos ...string) Matcher {
	set := make(map[string]struct{}, len(protos))
	for _, p := range protos {
		set[p] = struct{}{}
	}
	return MatcherFunc(func(_ context.Context, req *httptype.Request) bool {
		_, ok := set[req.Proto]
		return ok
	})
}

// Header matches requests carrying the given header name with the given
// value. An empty value matches any value as long as the header is
// present at all.
func Header(name, value string) Matcher {
	return MatcherFunc(func(_ context.Context, req *httptype.Request) bool {
		if req.Header == nil {
			return false
		}
		if value == "" {
			return req.Header.Has(name)
		}
		return req.Header.Get(name) == value
	})
}

// Socket matches requests whose RemoteAddr falls within one of the given
// CIDR blocks.
func Socket(cidrs ...string) Matcher {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		if _, n, err := net.ParseCIDR(c); err == nil {
			nets = append(nets, n)
		}
	}
	return MatcherFunc(func(_ context.Context, req *httptype.Request) bool {
		host, _, err := net.SplitHostPort(req.RemoteAddr)
		if err != nil {
			host = req.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil {
			return false
		}
		for _, n := range nets {
			if n.Contains(ip) {
				return true
			}
		}
		return false
	})
}

// Custom wraps an arbitrary predicate function as a Matcher, for
// call-sites whose routing logic doesn't fit a built-in leaf.
func Custom(fn func(ctx context.Context, req *httptype.Request) bool) Matcher {
	return MatcherFunc(fn)
}

// And matches when every sub-matcher matches. An empty And matches
// everything (identity element).
func And(matchers ...Matcher) Matcher {
	return MatcherFunc(func(ctx context.Context, req *httptype.Request) bool {
		for _, m := range matchers {
			if !m.Matches(ctx, req) {
				return false
			}
		}
		return true
	})
}

// Or matches when at least one sub-matcher matches. An empty Or matches
// nothing.
func Or(matchers ...Matcher) Matcher {
	return MatcherFunc(func(ctx context.Context, req *httptype.Request) bool {
		for _, m := range matchers {
			if m.Matches(ctx, req) {
				return true
			}
		}
		return false
	})
}

// Not negates inner.
func Not(inner Matcher) Matcher {
	return MatcherFunc(func(ctx context.Context, req *httptype.Request) bool {
		return !inner.Matches(ctx, req)
	})
}

// Path matches requests whose URL path matches template, a slash-separated
// pattern where "{name}" captures a single path segment and a trailing
// "{*rest}" captures everything remaining (including further slashes). On
// a successful match, captured values are stored in the request's
// extension bag under ExtKeyUriParams as a map[string]string, retrievable
// via Params.
func Path(template string) Matcher {
	pattern, names := compilePathTemplate(template)
	re := regexp.MustCompile(pattern)
	return MatcherFunc(func(_ context.Context, req *httptype.Request) bool {
		if req.URL == nil {
			return false
		}
		m := re.FindStringSubmatch(req.URL.Path)
		if m == nil {
			return false
		}
		if len(names) > 0 {
			params := make(map[string]string, len(names))
			for i, name := range names {
				params[name] = m[i+1]
			}
			req.Extensions().Set(httptype.ExtKeyUriParams, params)
		}
		return true
	})
}

// compilePathTemplate turns a "{name}"/"{*rest}" template into an anchored
// regexp plus the ordered list of capture names. "{*rest}" is only valid as
// the template's final segment, where it captures the remainder of the
// path including slashes.
func compilePathTemplate(template string) (string, []string) {
	var sb strings.Builder
	sb.WriteString("^")
	var names []string
	segments := strings.Split(template, "/")
	for i, seg := range segments {
		if i > 0 {
			sb.WriteString("/")
		}
		switch {
		case strings.HasPrefix(seg, "{*") && strings.HasSuffix(seg, "}"):
			names = append(names, seg[2:len(seg)-1])
			sb.WriteString(`(.*)`)
		case strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}"):
			names = append(names, seg[1:len(seg)-1])
			sb.WriteString(`([^/]+)`)
		default:
			sb.WriteString(regexp.QuoteMeta(seg))
		}
	}
	sb.WriteString("$")
	return sb.String(), names
}

// Params returns the path parameters captured by the most recent
// matching Path() call for req, or nil if none were captured.
func Params(req *httptype.Request) map[string]string {
	v, ok := httptype.GetTyped[map[string]string](req.Extensions(), httptype.ExtKeyUriParams)
	if !ok {
		return nil
	}
	return v
}

// Uri matches requests whose full URL path equals exactly path (no
// parameter capture, unlike Path).
func Uri(path string) Matcher {
	return MatcherFunc(func(_ context.Context, req *httptype.Request) bool {
		return req.URL != nil && req.URL.Path == path
	})
}
