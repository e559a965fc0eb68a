// Package domain implements the ASCII hostname value type shared by the
// TLS acceptor's SNI routing, the request matcher's domain/subdomain
// leaves, and the WebSocket handshake's Origin checks.
package domain

import (
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/ramaproxy/rama/pkg/errors"
)

// Domain is a validated, normalized ASCII hostname. Construction is the
// only place invalid input is rejected; every other operation on a Domain
// value assumes it is already well-formed.
type Domain struct {
	// normalized is lowercase, with any single trailing dot and any single
	// leading dot stripped, so that "Example.COM.", ".example.com" and
	// "example.com" compare and hash equal.
	normalized string
}

// Parse validates and normalizes a hostname. It rejects empty input,
// non-ASCII bytes, hosts longer than 253 bytes, labels outside 1-63
// bytes or containing characters beyond alphanumerics, '-' (not at a
// label edge), and '_'. A single leading "*." wildcard label and a single
// trailing dot (FQDN form) are allowed; a single leading dot is dropped.
func Parse(host string) (Domain, error) {
	if host == "" {
		return Domain{}, errors.NewValidationError("host must not be empty")
	}
	trimmed := strings.TrimSuffix(host, ".")
	trimmed = strings.TrimPrefix(trimmed, ".")
	if trimmed == "" {
		return Domain{}, errors.NewValidationError("host must not be empty")
	}
	if len(trimmed) > 253 {
		return Domain{}, errors.NewValidationError("host must not exceed 253 bytes")
	}
	labels := strings.Split(trimmed, ".")
	for i, l := range labels {
		if l == "*" {
			if i != 0 || len(labels) == 1 {
				return Domain{}, errors.NewValidationError("wildcard label only allowed as a leading *. prefix")
			}
			continue
		}
		if err := validateLabel(l); err != nil {
			return Domain{}, err
		}
	}
	return Domain{normalized: strings.ToLower(trimmed)}, nil
}

func validateLabel(l string) error {
	if l == "" {
		return errors.NewValidationError("host must not contain empty labels")
	}
	if len(l) > 63 {
		return errors.NewValidationError("label must not exceed 63 bytes")
	}
	if l[0] == '-' || l[len(l)-1] == '-' {
		return errors.NewValidationError("label must not start or end with '-'")
	}
	for i := 0; i < len(l); i++ {
		c := l[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return errors.NewValidationError("label contains invalid character")
		}
	}
	return nil
}

// MustParse is Parse but panics on error; intended for constant/test
// hostnames known good at compile time.
func MustParse(host string) Domain {
	d, err := Parse(host)
	if err != nil {
		panic(err)
	}
	return d
}

// String returns the normalized hostname.
func (d Domain) String() string {
	return d.normalized
}

// IsZero reports whether d is the zero value (never successfully parsed).
func (d Domain) IsZero() bool {
	return d.normalized == ""
}

// Equal reports whether two domains are the same host, ignoring case and
// a single leading or trailing dot (both stripped by Parse).
func (d Domain) Equal(other Domain) bool {
	return d.normalized == other.normalized
}

// IsWildcard reports whether d begins with a "*." label, identifying it
// as a wildcard pattern rather than a concrete host.
func (d Domain) IsWildcard() bool {
	return strings.HasPrefix(d.normalized, "*.")
}

// IsSubOf reports whether d equals parent or is a subdomain of it:
// "example.com" is a sub of itself, and "api.example.com" is a sub of
// "example.com".
func (d Domain) IsSubOf(parent Domain) bool {
	if d.Equal(parent) {
		return true
	}
	return strings.HasSuffix(d.normalized, "."+parent.normalized)
}

// IsParentOf reports whether d equals child or is a parent of it, the
// mirror of IsSubOf.
func (d Domain) IsParentOf(child Domain) bool {
	return child.IsSubOf(d)
}

// MatchesWildcard reports whether d is matched by the wildcard pattern
// w (which must satisfy w.IsWildcard()). Matching is single-label: "*."
// matches exactly one label deep, per RFC 6125 and the TLS SNI matching
// rules the acceptor relies on.
func (d Domain) MatchesWildcard(w Domain) bool {
	if !w.IsWildcard() {
		return false
	}
	base := strings.TrimPrefix(w.normalized, "*.")
	if !strings.HasSuffix(d.normalized, "."+base) {
		return false
	}
	prefix := strings.TrimSuffix(d.normalized, "."+base)
	return prefix != "" && !strings.Contains(prefix, ".")
}

// TryAsSub prepends prefix as additional leading labels, producing
// "prefix.d". The result is validated like any other parse.
func (d Domain) TryAsSub(prefix string) (Domain, error) {
	return Parse(prefix + "." + d.normalized)
}

// TryAsWildcard converts a concrete host into the wildcard pattern
// covering its direct children: "example.com" -> "*.example.com". A
// domain that is already a wildcard is returned unchanged.
func (d Domain) TryAsWildcard() (Domain, error) {
	if d.IsWildcard() {
		return d, nil
	}
	return Parse("*." + d.normalized)
}

// Suffix returns the public suffix of d (e.g. "co.uk" for
// "www.example.co.uk"), per the public suffix list.
func (d Domain) Suffix() string {
	suffix, _ := publicsuffix.PublicSuffix(d.normalized)
	return suffix
}

// RegistrableDomain returns the public-suffix-list-based registrable
// domain (a.k.a. eTLD+1) for d, e.g. "www.example.co.uk" -> "example.co.uk".
// It falls back to d itself if the public suffix list has no opinion.
func (d Domain) RegistrableDomain() (Domain, error) {
	reg, err := publicsuffix.EffectiveTLDPlusOne(d.normalized)
	if err != nil {
		return d, nil
	}
	return Domain{normalized: reg}, nil
}

// HaveSameRegistrableDomain reports whether a and b share the same
// eTLD+1, e.g. "api.example.com" and "www.example.com" both resolve to
// "example.com".
func HaveSameRegistrableDomain(a, b Domain) bool {
	ra, errA := a.RegistrableDomain()
	rb, errB := b.RegistrableDomain()
	if errA != nil || errB != nil {
		return a.Equal(b)
	}
	return ra.Equal(rb)
}
