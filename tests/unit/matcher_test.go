package unit

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ramaproxy/rama/pkg/httptype"
	"github.com/ramaproxy/rama/pkg/matcher"
)

func newTestRequest(t *testing.T, method, rawurl string) *httptype.Request {
	t.Helper()
	u, err := url.Parse(rawurl)
	require.NoError(t, err)
	req := httptype.NewRequest(method, u)
	req.Host = u.Host
	return req
}

func TestMatcherMethod(t *testing.T) {
	m := matcher.Method("GET", "HEAD")
	req := newTestRequest(t, "GET", "http://example.com/")
	require.True(t, m.Matches(context.Background(), req))

	req.Method = "POST"
	require.False(t, m.Matches(context.Background(), req))
}

func TestMatcherDomainAndSubdomainOf(t *testing.T) {
	req := newTestRequest(t, "GET", "http://api.example.com/")

	require.True(t, matcher.Domain("api.example.com").Matches(context.Background(), req))
	require.False(t, matcher.Domain("example.com").Matches(context.Background(), req))

	require.True(t, matcher.SubdomainOf("example.com").Matches(context.Background(), req))
	require.True(t, matcher.SubdomainOf("example.com").Matches(context.Background(), newTestRequest(t, "GET", "http://example.com/")), "sub relation is parent-or-equal")
	require.False(t, matcher.SubdomainOf("api.example.com").Matches(context.Background(), newTestRequest(t, "GET", "http://example.com/")))
}

func TestSubdomainTrie(t *testing.T) {
	trie := matcher.NewSubdomainTrie("example.com", "internal.test")
	m := trie.Matcher()

	require.True(t, m.Matches(context.Background(), newTestRequest(t, "GET", "http://example.com/")))
	require.True(t, m.Matches(context.Background(), newTestRequest(t, "GET", "http://api.example.com/")))
	require.True(t, m.Matches(context.Background(), newTestRequest(t, "GET", "http://deep.api.example.com/")))
	require.False(t, m.Matches(context.Background(), newTestRequest(t, "GET", "http://other.test/")))
}

func TestMatcherPathCapturesNamedSegment(t *testing.T) {
	m := matcher.Path("/users/{id}/posts/{postID}")
	req := newTestRequest(t, "GET", "http://example.com/users/42/posts/7")

	require.True(t, m.Matches(context.Background(), req))
	require.Equal(t, map[string]string{"id": "42", "postID": "7"}, matcher.Params(req))
}

func TestMatcherPathCapturesWildcardTail(t *testing.T) {
	m := matcher.Path("/static/{*rest}")
	req := newTestRequest(t, "GET", "http://example.com/static/js/app/main.js")

	require.True(t, m.Matches(context.Background(), req))
	require.Equal(t, "js/app/main.js", matcher.Params(req)["rest"])
}

func TestMatcherPathNoMatch(t *testing.T) {
	m := matcher.Path("/users/{id}")
	req := newTestRequest(t, "GET", "http://example.com/users/42/posts")
	require.False(t, m.Matches(context.Background(), req))
}

func TestMatcherAndOrNot(t *testing.T) {
	get := matcher.Method("GET")
	root := matcher.Uri("/")

	and := matcher.And(get, root)
	req := newTestRequest(t, "GET", "http://example.com/")
	require.True(t, and.Matches(context.Background(), req))

	req.Method = "POST"
	require.False(t, and.Matches(context.Background(), req))

	or := matcher.Or(get, root)
	require.True(t, or.Matches(context.Background(), req)) // root still matches

	not := matcher.Not(get)
	require.True(t, not.Matches(context.Background(), req))
}

func TestMatcherHeader(t *testing.T) {
	req := newTestRequest(t, "GET", "http://example.com/")
	req.Header.Set("X-Api-Key", "secret")

	require.True(t, matcher.Header("X-Api-Key", "secret").Matches(context.Background(), req))
	require.False(t, matcher.Header("X-Api-Key", "wrong").Matches(context.Background(), req))
	require.True(t, matcher.Header("X-Api-Key", "").Matches(context.Background(), req))
	require.False(t, matcher.Header("X-Missing", "").Matches(context.Background(), req))
}

func TestMatcherSocket(t *testing.T) {
	req := newTestRequest(t, "GET", "http://example.com/")
	req.RemoteAddr = "10.0.0.5:4321"

	require.True(t, matcher.Socket("10.0.0.0/8").Matches(context.Background(), req))
	require.False(t, matcher.Socket("192.168.0.0/16").Matches(context.Background(), req))
}

func TestDecodeParamsMap(t *testing.T) {
	type routeParams struct {
		ID     int
		PostID string
	}

	m := matcher.Path("/users/{id}/posts/{postID}")
	req := newTestRequest(t, "GET", "http://example.com/users/42/posts/abc")
	require.True(t, m.Matches(context.Background(), req))

	var p routeParams
	require.NoError(t, matcher.DecodeParams(req, &p))
	require.Equal(t, 42, p.ID)
	require.Equal(t, "abc", p.PostID)
}

func TestDecodeParamsMapWrongCount(t *testing.T) {
	type routeParams struct {
		ID string
	}
	var p routeParams
	err := matcher.DecodeParamsMap(map[string]string{"id": "1", "extra": "2"}, &p)
	require.Error(t, err)
	var wrongCount *matcher.WrongNumberOfParameters
	require.ErrorAs(t, err, &wrongCount)
}

func TestDecodeParamsMapParseError(t *testing.T) {
	type routeParams struct {
		ID int
	}
	var p routeParams
	err := matcher.DecodeParamsMap(map[string]string{"id": "not-a-number"}, &p)
	require.Error(t, err)
	var parseErr *matcher.ParseErrorAtKey
	require.ErrorAs(t, err, &parseErr)
}
