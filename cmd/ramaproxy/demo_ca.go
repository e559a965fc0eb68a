package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"

	"github.com/ramaproxy/rama/pkg/tlsacceptor"
)

// newDemoIssuer generates a throwaway, in-memory CA keypair and wraps it in
// an InMemoryIssuerSource, so the demo can terminate TLS and issue a fresh
// leaf certificate per SNI host without any external ACME/KMS dependency.
// Real deployments would plug in pkg/tlsacceptor.DynamicIssuerSource against
// an actual CA instead.
func newDemoIssuer() (*tlsacceptor.InMemoryIssuerSource, *x509.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return nil, nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "ramaproxy demo CA"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}
	caCert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}

	return tlsacceptor.NewInMemoryIssuerSource(caCert, key), caCert, nil
}
