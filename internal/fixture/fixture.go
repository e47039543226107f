// Package fixture generates certificate chains and signed attestations for tests.
package fixture

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Now is the time generated certificates are valid at by default.
var Now = time.Date(2023, 3, 14, 12, 0, 0, 0, time.UTC)

var serial atomic.Int64

// Authority is a generated certificate together with its private key.
type Authority struct {
	Cert *x509.Certificate
	Key  *ecdsa.PrivateKey
}

// DER returns the DER encoding of the certificate.
func (a *Authority) DER() []byte {
	return a.Cert.Raw
}

type certConfig struct {
	template *x509.Certificate
	curve    elliptic.Curve
}

// CertOption customizes a generated certificate.
type CertOption func(*certConfig)

// Validity sets the validity window.
func Validity(notBefore, notAfter time.Time) CertOption {
	return func(c *certConfig) {
		c.template.NotBefore = notBefore
		c.template.NotAfter = notAfter
	}
}

// Curve sets the curve of the certificate key. The default is P-384.
func Curve(curve elliptic.Curve) CertOption {
	return func(c *certConfig) {
		c.curve = curve
	}
}

// NotCA clears the CA basic constraint.
func NotCA() CertOption {
	return func(c *certConfig) {
		c.template.IsCA = false
		c.template.MaxPathLen = -1
		c.template.MaxPathLenZero = false
	}
}

// NoBasicConstraints omits the basic constraints extension.
func NoBasicConstraints() CertOption {
	return func(c *certConfig) {
		c.template.BasicConstraintsValid = false
		c.template.IsCA = false
		c.template.MaxPathLen = -1
		c.template.MaxPathLenZero = false
	}
}

// KeyUsage replaces the key usage.
func KeyUsage(usage x509.KeyUsage) CertOption {
	return func(c *certConfig) {
		c.template.KeyUsage = usage
	}
}

// MaxPathLen sets the path length constraint. Negative values remove it.
func MaxPathLen(n int) CertOption {
	return func(c *certConfig) {
		c.template.MaxPathLen = n
		c.template.MaxPathLenZero = n == 0
	}
}

// Subject replaces the subject, e.g. to forge name collisions.
func Subject(name pkix.Name) CertOption {
	return func(c *certConfig) {
		c.template.Subject = name
	}
}

// NewRoot generates a self-signed root CA.
func NewRoot(t testing.TB, name string, opts ...CertOption) *Authority {
	t.Helper()
	config := caConfig(name, opts)
	key := generateKey(t, config.curve)
	return create(t, config.template, config.template, key, key)
}

// Issue generates a CA certificate signed by a.
func (a *Authority) Issue(t testing.TB, name string, opts ...CertOption) *Authority {
	t.Helper()
	config := caConfig(name, opts)
	return create(t, config.template, a.Cert, generateKey(t, config.curve), a.Key)
}

// IssueLeaf generates an end-entity certificate signed by a.
func (a *Authority) IssueLeaf(t testing.TB, name string, opts ...CertOption) *Authority {
	t.Helper()
	config := &certConfig{
		template: &x509.Certificate{
			Subject:               pkix.Name{CommonName: name, Organization: []string{"Amazon"}, OrganizationalUnit: []string{"AWS"}},
			NotBefore:             Now.Add(-time.Hour),
			NotAfter:              Now.Add(3 * time.Hour),
			KeyUsage:              x509.KeyUsageDigitalSignature,
			BasicConstraintsValid: true,
			MaxPathLen:            -1,
		},
		curve: elliptic.P384(),
	}
	for _, opt := range opts {
		opt(config)
	}
	return create(t, config.template, a.Cert, generateKey(t, config.curve), a.Key)
}

// CrossSign issues a certificate with the subject, key and constraints of other, signed by a.
func (a *Authority) CrossSign(t testing.TB, other *Authority) *Authority {
	t.Helper()
	template := &x509.Certificate{
		RawSubject:            other.Cert.RawSubject,
		NotBefore:             other.Cert.NotBefore,
		NotAfter:              other.Cert.NotAfter,
		KeyUsage:              other.Cert.KeyUsage,
		BasicConstraintsValid: other.Cert.BasicConstraintsValid,
		IsCA:                  other.Cert.IsCA,
		MaxPathLen:            other.Cert.MaxPathLen,
		MaxPathLenZero:        other.Cert.MaxPathLenZero,
	}
	return create(t, template, a.Cert, other.Key, a.Key)
}

func caConfig(name string, opts []CertOption) *certConfig {
	config := &certConfig{
		template: &x509.Certificate{
			Subject:               pkix.Name{CommonName: name, Organization: []string{"Amazon"}, OrganizationalUnit: []string{"AWS"}},
			NotBefore:             Now.Add(-24 * time.Hour),
			NotAfter:              Now.Add(30 * 24 * time.Hour),
			KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
			BasicConstraintsValid: true,
			IsCA:                  true,
			MaxPathLen:            -1,
		},
		curve: elliptic.P384(),
	}
	for _, opt := range opts {
		opt(config)
	}
	return config
}

func generateKey(t testing.TB, curve elliptic.Curve) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(curve, rand.Reader)
	require.NoError(t, err)
	return key
}

func create(t testing.TB, template, parent *x509.Certificate, key, parentKey *ecdsa.PrivateKey) *Authority {
	t.Helper()
	template.SerialNumber = big.NewInt(serial.Add(1))
	der, err := x509.CreateCertificate(rand.Reader, template, parent, &key.PublicKey, parentKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &Authority{Cert: cert, Key: key}
}

// Chain is a generated Nitro-style certificate hierarchy.
type Chain struct {
	Root *Authority
	// Intermediates are ordered from the root towards the leaf.
	Intermediates []*Authority
	Leaf          *Authority
}

// NewChain generates a root, the given number of intermediates with decreasing path
// length constraints, and a leaf. Options apply to the leaf.
func NewChain(t testing.TB, intermediates int, leafOpts ...CertOption) *Chain {
	t.Helper()
	chain := &Chain{Root: NewRoot(t, "aws.nitro-enclaves")}
	parent := chain.Root
	for i := 0; i < intermediates; i++ {
		parent = parent.Issue(t, intermediateName(i), MaxPathLen(intermediates-1-i))
		chain.Intermediates = append(chain.Intermediates, parent)
	}
	chain.Leaf = parent.IssueLeaf(t, "i-0123456789abcdef0-enc0123456789abcdef.us-east-1.aws", leafOpts...)
	return chain
}

// Bundle returns the CA bundle in NSM order: the root first, the leaf's issuer last.
func (c *Chain) Bundle() [][]byte {
	bundle := [][]byte{c.Root.DER()}
	for _, intermediate := range c.Intermediates {
		bundle = append(bundle, intermediate.DER())
	}
	return bundle
}

// LeafFirstBundle returns the CA bundle starting with the leaf's issuer.
func (c *Chain) LeafFirstBundle() [][]byte {
	bundle := c.Bundle()
	for i, j := 0, len(bundle)-1; i < j; i, j = i+1, j-1 {
		bundle[i], bundle[j] = bundle[j], bundle[i]
	}
	return bundle
}

func intermediateName(i int) string {
	return []string{
		"617215b7097d9da8.us-east-1.aws.nitro-enclaves",
		"c288f2f3a9379553.zonal.us-east-1.aws.nitro-enclaves",
		"i-0123456789abcdef0.us-east-1.aws.nitro-enclaves",
	}[i%3] + suffix(i/3)
}

func suffix(n int) string {
	if n == 0 {
		return ""
	}
	return "." + strconv.Itoa(n)
}
