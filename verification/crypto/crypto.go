// Package crypto implements common crypto operations used to verify Nitro attestations.
package crypto

import (
	"crypto"
	"crypto/ecdsa"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"

	"github.com/edgelesssys/go-nitro-qvl/verification/status"
	"github.com/edgelesssys/go-nitro-qvl/verification/types"
)

// VerifyECDSASignature verifies a fixed width r || s ECDSA signature over the hash of data.
// Both halves of the signature must be exactly as wide as the curve order.
func VerifyECDSASignature(publicKey crypto.PublicKey, hash crypto.Hash, data, signature []byte) error {
	signingKey, ok := publicKey.(*ecdsa.PublicKey)
	if !ok {
		return errors.New("signing cert public key is not an ECDSA key")
	}
	coordinateSize := (signingKey.Curve.Params().BitSize + 7) / 8
	if len(signature) != 2*coordinateSize {
		return fmt.Errorf("invalid ECDSA signature: expected %d bytes but got %d bytes", 2*coordinateSize, len(signature))
	}
	if !hash.Available() {
		return fmt.Errorf("hash function %s is not available", hash)
	}

	r := new(big.Int).SetBytes(signature[:coordinateSize])
	s := new(big.Int).SetBytes(signature[coordinateSize:])

	h := hash.New()
	h.Write(data)
	if !ecdsa.Verify(signingKey, h.Sum(nil), r, s) {
		return errors.New("failed to verify signature using ECDSA public key")
	}
	return nil
}

// VerifyCOSESignature verifies a COSE signature over the to-be-signed bytes tbs.
// The key must be an ECDSA key on the curve the algorithm names.
func VerifyCOSESignature(publicKey crypto.PublicKey, alg types.Algorithm, tbs, signature []byte) error {
	if !alg.Supported() {
		return status.Newf(status.SignatureInvalid, "algorithm %s is not supported", alg)
	}
	signingKey, ok := publicKey.(*ecdsa.PublicKey)
	if !ok {
		return status.Newf(status.SignatureInvalid, "%s requires an ECDSA key, got %T", alg, publicKey)
	}
	if signingKey.Curve.Params().Name != alg.Curve().Params().Name {
		return status.Newf(status.SignatureInvalid, "%s requires curve %s, key is on %s",
			alg, alg.Curve().Params().Name, signingKey.Curve.Params().Name)
	}
	if len(signature) != alg.SignatureSize() {
		return status.Newf(status.MalformedSignature, "%s signature has the wrong length", alg).
			WithLengths(alg.SignatureSize(), len(signature))
	}

	if err := VerifyECDSASignature(signingKey, alg.Hash(), tbs, signature); err != nil {
		return status.New(status.SignatureInvalid, "verifying envelope signature").Wrap(err)
	}
	return nil
}

// ParsePEMCertificateChain parses a certificate chain from a PEM-encoded byte slice.
func ParsePEMCertificateChain(certChainPEM []byte) ([]*x509.Certificate, error) {
	var signingChain []*x509.Certificate
	for block, rest := pem.Decode(certChainPEM); block != nil; block, rest = pem.Decode(rest) {
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing certificate from PEM: %w", err)
		}

		signingChain = append(signingChain, cert)
	}
	return signingChain, nil
}

// MustParsePEMCertificate parses a single certificate from a PEM-encoded byte slice.
// If multiple certificates are present, only the first one is returned.
// It panics if the certificate is invalid or the PEM data contains no certificates.
func MustParsePEMCertificate(certPEM []byte) *x509.Certificate {
	certs, err := ParsePEMCertificateChain(certPEM)
	if err != nil {
		panic(err)
	}
	if len(certs) == 0 {
		panic("expected at least one certificate")
	}
	return certs[0]
}

// ParseCertificateFile parses a trust anchor given either as PEM or as raw DER.
// It returns the DER encoding of the first certificate.
func ParseCertificateFile(data []byte) ([]byte, error) {
	if block, _ := pem.Decode(data); block != nil {
		certs, err := ParsePEMCertificateChain(data)
		if err != nil {
			return nil, err
		}
		if len(certs) == 0 {
			return nil, errors.New("no certificate found in PEM data")
		}
		return certs[0].Raw, nil
	}

	cert, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, fmt.Errorf("parsing DER certificate: %w", err)
	}
	return cert.Raw, nil
}
