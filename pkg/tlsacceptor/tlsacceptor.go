// Package tlsacceptor implements the server-side TLS handshake with
// dynamic, per-SNI certificate issuance and client-hello capture. It is
// the inverse of the client-side tlsconfig/transport pattern (tls.Client,
// static Certificates): tls.Server with a GetCertificate callback that
// looks up or issues a certificate for whatever host the client's SNI
// names.
package tlsacceptor

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/ramaproxy/rama/pkg/constants"
	"github.com/ramaproxy/rama/pkg/errors"
	"github.com/ramaproxy/rama/pkg/tlsconfig"
)

// ClientHello is the language-neutral capture of a client's TLS
// ClientHello record, stashed in the connection's extension bag for
// downstream fingerprinting.
type ClientHello struct {
	CipherSuites      []uint16
	SignatureSchemes  []tls.SignatureScheme
	SupportedGroups   []tls.CurveID
	SupportedVersions []uint16
	ALPNProtocols     []string
	ServerName        string
	// Extensions is the ordered list of extension type IDs as seen on the
	// wire where Go's crypto/tls exposes them, used to compute a
	// JA3/JA4-style fingerprint downstream.
	Extensions []uint16
}

// CertSource resolves a *tls.Certificate for a given ClientHelloInfo.
// Static, in-memory issuer, and dynamic external issuer sources all
// implement this.
type CertSource interface {
	GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error)
}

// StaticCertSource always returns the same pre-built certificate,
// installed before any handshake begins.
type StaticCertSource struct {
	Cert *tls.Certificate
}

func (s *StaticCertSource) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return s.Cert, nil
}

// InMemoryIssuerSource issues a fresh leaf certificate per SNI host, signed
// by an in-memory CA keypair, caching issued leaves behind a single-flight
// LRU+TTL cache so concurrent first requests for a new host only issue
// once.
type InMemoryIssuerSource struct {
	CACert *x509.Certificate
	CAKey  *rsa.PrivateKey

	cache *lru.LRU[string, *tls.Certificate]
	group singleflight.Group
}

// NewInMemoryIssuerSource builds an issuer with the package defaults for
// cache TTL and capacity.
func NewInMemoryIssuerSource(caCert *x509.Certificate, caKey *rsa.PrivateKey) *InMemoryIssuerSource {
	return &InMemoryIssuerSource{
		CACert: caCert,
		CAKey:  caKey,
		cache:  lru.NewLRU[string, *tls.Certificate](constants.DefaultCertCacheCapacity, nil, constants.DefaultCertCacheTTL),
	}
}

func (s *InMemoryIssuerSource) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := hello.ServerName
	if host == "" {
		return nil, errors.NewValidationError("client hello carries no SNI server name")
	}
	if cert, ok := s.cache.Get(host); ok {
		return cert, nil
	}

	v, err, _ := s.group.Do(host, func() (any, error) {
		if cert, ok := s.cache.Get(host); ok {
			return cert, nil
		}
		cert, err := issueLeaf(host, s.CACert, s.CAKey)
		if err != nil {
			return nil, err
		}
		s.cache.Add(host, cert)
		return cert, nil
	})
	if err != nil {
		return nil, errors.NewCertIssueError(host, err)
	}
	return v.(*tls.Certificate), nil
}

// issueLeaf signs a fresh SHA-256/RSA-4096, 90-day leaf certificate for
// host with SAN=host.
func issueLeaf(host string, caCert *x509.Certificate, caKey *rsa.PrivateKey) (*tls.Certificate, error) {
	leafKey, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: host},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(constants.DefaultLeafValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:              []string{host},
		SignatureAlgorithm:    x509.SHA256WithRSA,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, &leafKey.PublicKey, caKey)
	if err != nil {
		return nil, err
	}
	return &tls.Certificate{
		Certificate: [][]byte{der, caCert.Raw},
		PrivateKey:  leafKey,
	}, nil
}

// ExternalIssuer is the interface a caller implements to provide
// certificates from an async external source (an ACME client, a
// KMS-backed CA, etc.).
type ExternalIssuer interface {
	Issue(host string) (*tls.Certificate, error)
}

// DynamicIssuerSource caches and single-flights calls into an externally
// provided, potentially slow, certificate issuer.
type DynamicIssuerSource struct {
	Issuer ExternalIssuer

	cache *lru.LRU[string, *tls.Certificate]
	group singleflight.Group
}

// NewDynamicIssuerSource builds a DynamicIssuerSource over issuer with the
// package's default cache TTL and capacity.
func NewDynamicIssuerSource(issuer ExternalIssuer) *DynamicIssuerSource {
	return &DynamicIssuerSource{
		Issuer: issuer,
		cache:  lru.NewLRU[string, *tls.Certificate](constants.DefaultCertCacheCapacity, nil, constants.DefaultCertCacheTTL),
	}
}

func (s *DynamicIssuerSource) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := hello.ServerName
	if host == "" {
		return nil, errors.NewValidationError("client hello carries no SNI server name")
	}
	if cert, ok := s.cache.Get(host); ok {
		return cert, nil
	}
	v, err, _ := s.group.Do(host, func() (any, error) {
		if cert, ok := s.cache.Get(host); ok {
			return cert, nil
		}
		cert, err := s.Issuer.Issue(host)
		if err != nil {
			return nil, err
		}
		s.cache.Add(host, cert)
		return cert, nil
	})
	if err != nil {
		return nil, errors.NewCertIssueError(host, err)
	}
	return v.(*tls.Certificate), nil
}

// ClientAuthMode selects how client certificates are handled.
type ClientAuthMode int

const (
	ClientAuthOff ClientAuthMode = iota
	ClientAuthRequired
)

// Config controls the acceptor's TLS parameters.
type Config struct {
	ALPNProtocols         []string
	MinVersion, MaxVersion uint16
	ClientAuth            ClientAuthMode
	ClientCAs             *x509.CertPool
	KeyLogWriter          func([]byte) // stored only; Accept does not set tls.Config.KeyLogWriter, so no key log is written
	CaptureClientHello    bool
	StoreClientCertChain  bool
}

// DefaultConfig returns the package's default TLS parameters: the
// tlsconfig.ProfileSecure range (TLS 1.2-1.3), no client auth.
func DefaultConfig() Config {
	return Config{
		MinVersion: tlsconfig.ProfileSecure.Min,
		MaxVersion: tlsconfig.ProfileSecure.Max,
		ClientAuth: ClientAuthOff,
	}
}

// Acceptor performs TLS handshakes for incoming connections, dispatching
// certificate lookup per SNI host through a CertSource and optionally
// capturing the client hello for downstream fingerprinting.
type Acceptor struct {
	cfg    Config
	source CertSource

	mu      sync.Mutex
	hellos  map[string]*ClientHello // keyed by remote addr, until handshake completes
}

// New builds an Acceptor over source with cfg.
func New(source CertSource, cfg Config) *Acceptor {
	return &Acceptor{cfg: cfg, source: source, hellos: make(map[string]*ClientHello)}
}

// tlsConfig builds the *tls.Config used for one Accept call, wiring
// GetConfigForClient to capture the client hello (the only stdlib hook
// exposing the raw *tls.ClientHelloInfo before certificate selection).
func (a *Acceptor) tlsConfig(remoteAddr string) *tls.Config {
	cfg := &tls.Config{
		MinVersion: a.cfg.MinVersion,
		MaxVersion: a.cfg.MaxVersion,
		NextProtos: a.cfg.ALPNProtocols,
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			return a.source.GetCertificate(hello)
		},
	}
	if a.cfg.ClientAuth == ClientAuthRequired {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.ClientCAs = a.cfg.ClientCAs
	}
	if a.cfg.CaptureClientHello {
		cfg.GetConfigForClient = func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			a.storeHello(remoteAddr, captureHello(hello))
			return nil, nil
		}
	}
	return cfg
}

func captureHello(hello *tls.ClientHelloInfo) *ClientHello {
	return &ClientHello{
		CipherSuites:      hello.CipherSuites,
		SignatureSchemes:  hello.SignatureSchemes,
		SupportedGroups:   hello.SupportedCurves,
		SupportedVersions: hello.SupportedVersions,
		ALPNProtocols:     hello.SupportedProtos,
		ServerName:        hello.ServerName,
		Extensions:        hello.Extensions,
	}
}

func (a *Acceptor) storeHello(remoteAddr string, hello *ClientHello) {
	a.mu.Lock()
	a.hellos[remoteAddr] = hello
	a.mu.Unlock()
}

// TakeHello returns and clears the captured client hello for remoteAddr,
// for the caller to place into the connection's extension bag right after
// Accept returns.
func (a *Acceptor) TakeHello(remoteAddr string) (*ClientHello, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.hellos[remoteAddr]
	delete(a.hellos, remoteAddr)
	return h, ok
}

// Accept performs the TLS server handshake over nc, returning the
// established *tls.Conn or a single opaque TLS error on any failure
// (cert lookup, handshake negotiation, issuer error alike). Accept
// completes the handshake itself via conn.Handshake(), so a hello captured
// with CaptureClientHello is available from TakeHello(remoteAddr) as soon
// as Accept returns.
func (a *Acceptor) Accept(nc net.Conn) (*tls.Conn, error) {
	remoteAddr := nc.RemoteAddr().String()
	conn := tls.Server(nc, a.tlsConfig(remoteAddr))
	if err := conn.Handshake(); err != nil {
		return nil, errors.NewTLSError(remoteAddr, 0, err)
	}
	return conn, nil
}
