package types

import (
	"crypto"
	"crypto/elliptic"
	"fmt"

	"github.com/edgelesssys/go-nitro-qvl/verification/cbor"
	"github.com/edgelesssys/go-nitro-qvl/verification/status"
)

// headerLabelAlgorithm is the COSE header label of the signature algorithm.
const headerLabelAlgorithm = 1

// Algorithm is a COSE signature algorithm identifier (RFC 8152, section 8.1).
type Algorithm int64

const (
	// ES256 is ECDSA on P-256 with SHA-256.
	ES256 Algorithm = -7
	// ES384 is ECDSA on P-384 with SHA-384. Nitro attestations use this algorithm.
	ES384 Algorithm = -35
	// ES512 is ECDSA on P-521 with SHA-512.
	ES512 Algorithm = -36
)

// String returns the COSE name of the algorithm.
func (a Algorithm) String() string {
	switch a {
	case ES256:
		return "ES256"
	case ES384:
		return "ES384"
	case ES512:
		return "ES512"
	default:
		return fmt.Sprintf("Algorithm(%d)", int64(a))
	}
}

// Supported reports whether signatures with this algorithm can be verified.
func (a Algorithm) Supported() bool {
	return a.Curve() != nil
}

// Curve returns the elliptic curve the algorithm signs with.
func (a Algorithm) Curve() elliptic.Curve {
	switch a {
	case ES256:
		return elliptic.P256()
	case ES384:
		return elliptic.P384()
	case ES512:
		return elliptic.P521()
	default:
		return nil
	}
}

// Hash returns the hash function of the algorithm.
func (a Algorithm) Hash() crypto.Hash {
	switch a {
	case ES256:
		return crypto.SHA256
	case ES384:
		return crypto.SHA384
	case ES512:
		return crypto.SHA512
	default:
		return 0
	}
}

// SignatureSize is the length of a fixed width r || s signature, or 0 for unsupported algorithms.
func (a Algorithm) SignatureSize() int {
	curve := a.Curve()
	if curve == nil {
		return 0
	}
	return 2 * ((curve.Params().BitSize + 7) / 8)
}

// COSESign1 is a decoded, untagged COSE_Sign1 structure.
// Protected and Payload keep the exact bytes found on the wire, since the signature covers them.
type COSESign1 struct {
	Protected   []byte
	Unprotected cbor.Map
	Payload     []byte
	Signature   []byte

	// Algorithm is decoded from the protected header.
	Algorithm Algorithm
}

// ParseCOSESign1 decodes a COSE_Sign1 envelope.
// The byte fields of the result alias raw.
func ParseCOSESign1(dec cbor.Decoder, raw []byte) (COSESign1, error) {
	value, err := dec.DecodeAll(raw)
	if err != nil {
		return COSESign1{}, err
	}

	items, ok := value.(cbor.Array)
	if !ok {
		return COSESign1{}, status.Newf(status.MalformedEnvelope, "envelope is a %s, not an array", kindOf(value))
	}
	if len(items) != 4 {
		return COSESign1{}, status.Newf(status.MalformedEnvelope, "envelope has %d elements, expected 4", len(items))
	}

	protected, ok := items[0].(cbor.Bytes)
	if !ok {
		return COSESign1{}, envelopeElementError("protected header", 0, items[0], cbor.KindBytes)
	}
	unprotected, ok := items[1].(cbor.Map)
	if !ok {
		return COSESign1{}, envelopeElementError("unprotected header", 1, items[1], cbor.KindMap)
	}
	payload, ok := items[2].(cbor.Bytes)
	if !ok {
		return COSESign1{}, envelopeElementError("payload", 2, items[2], cbor.KindBytes)
	}
	signature, ok := items[3].(cbor.Bytes)
	if !ok {
		return COSESign1{}, envelopeElementError("signature", 3, items[3], cbor.KindBytes)
	}

	alg, err := parseProtectedHeader(dec, protected)
	if err != nil {
		return COSESign1{}, err
	}

	return COSESign1{
		Protected:   protected,
		Unprotected: unprotected,
		Payload:     payload,
		Signature:   signature,
		Algorithm:   alg,
	}, nil
}

func parseProtectedHeader(dec cbor.Decoder, protected []byte) (Algorithm, error) {
	value, err := dec.DecodeAll(protected)
	if err != nil {
		return 0, fmt.Errorf("decoding protected header: %w", err)
	}
	header, ok := value.(cbor.Map)
	if !ok {
		return 0, status.Newf(status.MalformedEnvelope, "protected header is a %s, not a map", kindOf(value))
	}

	algValue, ok := header.Get(cbor.NewInt(headerLabelAlgorithm))
	if !ok {
		return 0, status.New(status.MalformedEnvelope, "protected header has no algorithm")
	}
	algInt, ok := algValue.(cbor.Int)
	if !ok {
		return 0, status.Newf(status.MalformedEnvelope, "algorithm is a %s, not an integer", kindOf(algValue))
	}
	n, ok := algInt.Int64()
	if !ok || !Algorithm(n).Supported() {
		return 0, status.Newf(status.MalformedEnvelope, "algorithm %s is not supported", algInt)
	}
	return Algorithm(n), nil
}

func envelopeElementError(name string, index int, got cbor.Value, want cbor.Kind) error {
	return status.Newf(status.MalformedEnvelope, "%s is a %s, expected %s", name, kindOf(got), want).AtIndex(index)
}
