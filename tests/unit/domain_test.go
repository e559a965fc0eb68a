package unit

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ramaproxy/rama/pkg/domain"
)

func TestDomainParseNormalizesCaseAndTrailingDot(t *testing.T) {
	d, err := domain.Parse("Example.COM.")
	require.NoError(t, err)
	require.Equal(t, "example.com", d.String())

	d2, err := domain.Parse("example.com")
	require.NoError(t, err)
	require.True(t, d.Equal(d2))
}

func TestDomainParseRejectsInvalidInput(t *testing.T) {
	for _, bad := range []string{"", ".", "a..b", "exämple.com"} {
		_, err := domain.Parse(bad)
		require.Error(t, err, "expected %q to be rejected", bad)
	}
}

func TestDomainIsSubOf(t *testing.T) {
	api := domain.MustParse("api.example.com")
	root := domain.MustParse("example.com")

	require.True(t, api.IsSubOf(root))
	require.True(t, root.IsParentOf(api))
	require.True(t, root.IsSubOf(root), "a domain is a sub of itself (parent-or-equal)")
	require.False(t, root.IsSubOf(api))
}

func TestDomainMatchesWildcard(t *testing.T) {
	wildcard := domain.MustParse("*.example.com")
	require.True(t, domain.MustParse("api.example.com").MatchesWildcard(wildcard))
	require.False(t, domain.MustParse("a.b.example.com").MatchesWildcard(wildcard), "wildcard matching is single-label deep")
	require.False(t, domain.MustParse("example.com").MatchesWildcard(wildcard))
	require.False(t, domain.MustParse("api.example.com").MatchesWildcard(domain.MustParse("example.com")), "non-wildcard pattern never matches")
}

func TestDomainHaveSameRegistrableDomain(t *testing.T) {
	require.True(t, domain.HaveSameRegistrableDomain(
		domain.MustParse("api.example.com"),
		domain.MustParse("www.example.com"),
	))
	require.False(t, domain.HaveSameRegistrableDomain(
		domain.MustParse("example.com"),
		domain.MustParse("example.org"),
	))
}

func TestDomainParseEnforcesLengthAndCharset(t *testing.T) {
	long := strings.Repeat("a", 64)
	_, err := domain.Parse(long + ".example.com")
	require.Error(t, err, "labels above 63 bytes are rejected")

	_, err = domain.Parse(strings.Repeat("a.", 130) + "com")
	require.Error(t, err, "hosts above 253 bytes are rejected")

	_, err = domain.Parse("-bad.example.com")
	require.Error(t, err, "labels must not start with '-'")

	_, err = domain.Parse("ex ample.com")
	require.Error(t, err, "labels must not contain spaces")

	_, err = domain.Parse("under_score.example.com")
	require.NoError(t, err, "'_' is allowed inside labels")

	_, err = domain.Parse("a.*.example.com")
	require.Error(t, err, "wildcard label only allowed at the front")
}

func TestDomainTryAsSubAndWildcard(t *testing.T) {
	root := domain.MustParse("example.com")

	sub, err := root.TryAsSub("api")
	require.NoError(t, err)
	require.Equal(t, "api.example.com", sub.String())
	require.True(t, sub.IsSubOf(root))

	w, err := root.TryAsWildcard()
	require.NoError(t, err)
	require.True(t, w.IsWildcard())
	require.True(t, sub.MatchesWildcard(w))

	again, err := w.TryAsWildcard()
	require.NoError(t, err)
	require.True(t, again.Equal(w))
}

func TestDomainSuffix(t *testing.T) {
	require.Equal(t, "com", domain.MustParse("www.example.com").Suffix())
	require.Equal(t, "co.uk", domain.MustParse("www.example.co.uk").Suffix())
}
