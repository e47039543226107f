// Package chain validates the certificate path of a Nitro attestation against a single pinned trust anchor.
//
// The path is the leaf certificate from the attestation document followed by its CA bundle.
// Validation is an explicit state machine over positions in that path:
//
//	Leaf ──▶ Intermediate(1) ──▶ … ──▶ Intermediate(n-2) ──▶ Root ──▶ Accepted
//	  │             │                          │               │
//	  └─────────────┴────────────┬─────────────┴───────────────┘
//	                             ▼
//	                     Rejected(reason)
//
// Nothing is ever fetched: the supplied certificates must reach the anchor on their own.
package chain

import (
	"bytes"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/edgelesssys/go-nitro-qvl/verification/status"
)

// DefaultMaxLength is the default bound for the number of certificates in a path, including the leaf.
const DefaultMaxLength = 8

// Orientation is the order of certificates in a CA bundle.
type Orientation int

const (
	// RootFirst bundles start with the root and end with the leaf's issuer.
	// This is how the NSM orders the cabundle field.
	RootFirst Orientation = iota
	// LeafFirst bundles start with the leaf's issuer and end with the root.
	LeafFirst
)

func (o Orientation) String() string {
	switch o {
	case RootFirst:
		return "root-first"
	case LeafFirst:
		return "leaf-first"
	default:
		return "unknown"
	}
}

// Path is a validated certificate path, ordered from leaf to root.
type Path []*x509.Certificate

// Leaf returns the end-entity certificate.
func (p Path) Leaf() *x509.Certificate {
	return p[0]
}

// Root returns the trust anchor.
func (p Path) Root() *x509.Certificate {
	return p[len(p)-1]
}

// Option configures a Validator.
type Option func(*Validator)

// WithMaxLength bounds the number of certificates in a path, including the leaf.
func WithMaxLength(n int) Option {
	return func(v *Validator) {
		v.maxLength = n
	}
}

// WithOrientation sets the expected order of the CA bundle.
func WithOrientation(o Orientation) Option {
	return func(v *Validator) {
		v.orientation = o
	}
}

// Validator validates certificate paths against a pinned trust anchor.
// It is immutable and safe for concurrent use.
type Validator struct {
	anchorDER   []byte
	anchor      *x509.Certificate
	maxLength   int
	orientation Orientation
}

// New returns a Validator that accepts only paths ending in trustAnchorDER.
func New(trustAnchorDER []byte, opts ...Option) (*Validator, error) {
	anchor, err := x509.ParseCertificate(trustAnchorDER)
	if err != nil {
		return nil, fmt.Errorf("parsing trust anchor: %w", err)
	}
	v := &Validator{
		anchorDER:   bytes.Clone(trustAnchorDER),
		anchor:      anchor,
		maxLength:   DefaultMaxLength,
		orientation: RootFirst,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.maxLength < 2 {
		return nil, fmt.Errorf("maximum path length %d cannot hold a leaf and a root", v.maxLength)
	}
	if v.orientation != RootFirst && v.orientation != LeafFirst {
		return nil, fmt.Errorf("invalid bundle orientation %d", int(v.orientation))
	}
	return v, nil
}

// Anchor returns the pinned trust anchor.
func (v *Validator) Anchor() *x509.Certificate {
	return v.anchor
}

// Orientation returns the expected order of CA bundles.
func (v *Validator) Orientation() Orientation {
	return v.orientation
}

// Validate checks that leafDER chains to the trust anchor through bundle, with every
// certificate valid at the given time. Errors are *status.Error values whose Index is the
// position of the offending certificate in the leaf-to-root path.
func (v *Validator) Validate(leafDER []byte, bundle [][]byte, at time.Time) (Path, error) {
	if n := 1 + len(bundle); n > v.maxLength {
		return nil, status.Newf(status.ChainTooLong, "path of %d certificates exceeds the limit of %d", n, v.maxLength)
	}

	ders := v.orient(leafDER, bundle)
	last := len(ders) - 1

	if err := v.checkAnchor(ders, last); err != nil {
		return nil, err
	}
	if last == 0 {
		return nil, status.New(status.ChainIncomplete, "path consists of the trust anchor alone").AtIndex(0)
	}

	path := make(Path, len(ders))
	for i, der := range ders[:last] {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, status.New(status.MalformedEncoding, "parsing certificate").AtIndex(i).Wrap(err)
		}
		path[i] = cert
	}
	path[last] = v.anchor

	w := walk{path: path, at: at, seen: make(map[string]int, len(path))}
	if err := w.run(); err != nil {
		return nil, err
	}
	return path, nil
}

// orient returns the DER certificates in leaf-to-root order.
func (v *Validator) orient(leafDER []byte, bundle [][]byte) [][]byte {
	ders := make([][]byte, 0, 1+len(bundle))
	ders = append(ders, leafDER)
	if v.orientation == LeafFirst {
		return append(ders, bundle...)
	}
	for i := len(bundle) - 1; i >= 0; i-- {
		ders = append(ders, bundle[i])
	}
	return ders
}

// checkAnchor pins the final certificate of the path to the trust anchor.
// A path whose issuer chain visibly continues past its final certificate is incomplete.
// Anything else in the final position is an untrusted root.
func (v *Validator) checkAnchor(ders [][]byte, index int) error {
	der := ders[index]
	if bytes.Equal(der, v.anchorDER) {
		return nil
	}
	for i, other := range ders[:index] {
		if bytes.Equal(other, v.anchorDER) {
			return status.Newf(status.ChainBroken, "trust anchor is at index %d, not at the end of the path", i).AtIndex(i)
		}
	}

	final, err := x509.ParseCertificate(der)
	if err != nil {
		return status.New(status.UntrustedRoot, "final certificate is not the trust anchor").AtIndex(index).Wrap(err)
	}

	switch {
	case bytes.Equal(final.RawSubject, v.anchor.RawSubject):
		return status.New(status.UntrustedRoot, "final certificate impersonates the trust anchor").AtIndex(index)
	case bytes.Equal(final.RawSubject, final.RawIssuer):
		return status.Newf(status.UntrustedRoot, "path ends at foreign root %q", final.Subject).AtIndex(index)
	case bytes.Equal(final.RawIssuer, v.anchor.RawSubject):
		if err := v.anchor.CheckSignature(final.SignatureAlgorithm, final.RawTBSCertificate, final.Signature); err != nil {
			return status.New(status.UntrustedRoot, "final certificate claims the trust anchor as issuer").AtIndex(index).Wrap(err)
		}
		return status.New(status.ChainIncomplete, "bundle does not include the trust anchor").AtIndex(index)
	default:
		return status.Newf(status.ChainIncomplete, "path stops at %q, issuer %q is missing", final.Subject, final.Issuer).AtIndex(index)
	}
}

type state int

const (
	stateLeaf state = iota
	stateIntermediate
	stateRoot
	stateAccepted
	stateRejected
)

// walk is one run of the validation state machine.
type walk struct {
	path  Path
	at    time.Time
	state state
	index int
	// seen maps raw subject names to the position they were first seen at.
	seen map[string]int
	err  error
}

func (w *walk) run() error {
	w.state = stateLeaf
	for w.state != stateAccepted && w.state != stateRejected {
		w.step()
	}
	return w.err
}

// step checks the certificate at the current position and advances the state.
func (w *walk) step() {
	cert := w.path[w.index]

	if err := w.checkCycle(cert); err != nil {
		w.reject(err)
		return
	}
	if w.state != stateLeaf {
		if err := w.checkAuthority(cert); err != nil {
			w.reject(err)
			return
		}
	}

	if w.state == stateRoot {
		if err := w.checkValidity(cert); err != nil {
			w.reject(err)
			return
		}
		w.state = stateAccepted
		return
	}

	issuer := w.path[w.index+1]
	if err := w.checkIssuer(cert, issuer); err != nil {
		w.reject(err)
		return
	}
	if err := issuer.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err != nil {
		w.reject(status.Newf(status.SignatureInvalid, "signature does not verify under the key of %q", issuer.Subject).
			AtIndex(w.index).Wrap(err))
		return
	}
	if err := w.checkValidity(cert); err != nil {
		w.reject(err)
		return
	}

	w.index++
	if w.index == len(w.path)-1 {
		w.state = stateRoot
	} else {
		w.state = stateIntermediate
	}
}

func (w *walk) reject(err error) {
	w.state = stateRejected
	w.err = err
}

// checkCycle rejects paths that revisit a subject name.
func (w *walk) checkCycle(cert *x509.Certificate) error {
	if first, ok := w.seen[string(cert.RawSubject)]; ok {
		return status.Newf(status.ChainTooLong, "subject %q repeats the certificate at index %d", cert.Subject, first).AtIndex(w.index)
	}
	w.seen[string(cert.RawSubject)] = w.index
	return nil
}

// checkIssuer tells a misordered path apart from one with a missing link.
func (w *walk) checkIssuer(cert, issuer *x509.Certificate) error {
	if bytes.Equal(cert.RawIssuer, issuer.RawSubject) {
		return nil
	}
	for j, other := range w.path {
		if j != w.index && bytes.Equal(cert.RawIssuer, other.RawSubject) {
			return status.Newf(status.ChainBroken, "issuer %q is at index %d, not %d", cert.Issuer, j, w.index+1).AtIndex(w.index)
		}
	}
	return status.Newf(status.ChainIncomplete, "issuer %q is not part of the path", cert.Issuer).AtIndex(w.index)
}

func (w *walk) checkValidity(cert *x509.Certificate) error {
	if w.at.Before(cert.NotBefore) {
		return status.Newf(status.CertificateNotYetValid, "%q is valid from %s, checked at %s",
			cert.Subject, cert.NotBefore.UTC().Format(time.RFC3339), w.at.UTC().Format(time.RFC3339Nano)).AtIndex(w.index)
	}
	if w.at.After(cert.NotAfter) {
		return status.Newf(status.CertificateExpired, "%q expired at %s, checked at %s",
			cert.Subject, cert.NotAfter.UTC().Format(time.RFC3339), w.at.UTC().Format(time.RFC3339Nano)).AtIndex(w.index)
	}
	return nil
}

// checkAuthority requires non-leaf certificates to be CAs whose path length constraint
// covers the intermediates below them.
func (w *walk) checkAuthority(cert *x509.Certificate) error {
	if !cert.BasicConstraintsValid || !cert.IsCA {
		return status.Newf(status.NotACertificateAuthority, "%q is not a CA", cert.Subject).AtIndex(w.index)
	}
	if cert.KeyUsage != 0 && cert.KeyUsage&x509.KeyUsageCertSign == 0 {
		return status.Newf(status.NotACertificateAuthority, "%q may not sign certificates", cert.Subject).AtIndex(w.index)
	}

	constrained := cert.MaxPathLen > 0 || (cert.MaxPathLen == 0 && cert.MaxPathLenZero)
	// intermediates between this certificate and the leaf
	below := w.index - 1
	if constrained && cert.MaxPathLen-below < 0 {
		return status.Newf(status.NotACertificateAuthority, "%q allows %d intermediates below it, path has %d",
			cert.Subject, cert.MaxPathLen, below).AtIndex(w.index)
	}
	return nil
}
