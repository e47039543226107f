/*
# AWS Nitro Attestation Verification

This package verifies attestation documents produced by the Nitro Secure Module (NSM) of an AWS Nitro Enclave.

Verification is offline: the evidence carries the enclave's leaf certificate and a CA bundle,
and the only external input is the pinned root certificate.

Verification of an attestation follows these steps:

  - Decode the untagged COSE_Sign1 envelope and its protected header.

  - Decode the attestation document from the envelope payload.

  - Validate the certificate path from the document's leaf certificate through the CA bundle to the pinned root.

  - Verify the envelope signature over the reconstructed Sig_structure using the leaf's public key.

A document is only returned once every step succeeded.
*/
package verification

import (
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/edgelesssys/go-nitro-qvl/verification/cbor"
	"github.com/edgelesssys/go-nitro-qvl/verification/chain"
	"github.com/edgelesssys/go-nitro-qvl/verification/crypto"
	"github.com/edgelesssys/go-nitro-qvl/verification/status"
	"github.com/edgelesssys/go-nitro-qvl/verification/types"
	"github.com/rs/zerolog"
	"k8s.io/utils/clock"
)

// Result is a successfully verified attestation.
type Result struct {
	// Document is the decoded attestation document.
	Document types.AttestationDocument
	// Certificates is the validated path, from the enclave's leaf certificate to the pinned root.
	Certificates chain.Path
	// Protected is the serialized protected header of the envelope.
	Protected []byte
	// Unprotected is the unprotected header of the envelope.
	Unprotected cbor.Map
	// Payload is the serialized attestation document.
	Payload []byte
	// Signature is the raw r || s envelope signature.
	Signature []byte
	// SigStructure holds the bytes the signature was verified over.
	SigStructure []byte
	// Trusted is always true for a returned Result.
	Trusted bool
	// CheckedAt is the time certificate validity was checked at.
	CheckedAt time.Time
}

// Option configures a NitroVerifier.
type Option func(*NitroVerifier)

// WithMaxEvidenceSize bounds the size of accepted evidence in bytes.
func WithMaxEvidenceSize(n int) Option {
	return func(v *NitroVerifier) {
		v.maxEvidenceSize = n
	}
}

// WithMaxChainLength bounds the number of certificates in the path, including the leaf.
func WithMaxChainLength(n int) Option {
	return func(v *NitroVerifier) {
		v.maxChainLength = n
	}
}

// WithBundleOrientation sets the order the CA bundle is expected in.
func WithBundleOrientation(o chain.Orientation) Option {
	return func(v *NitroVerifier) {
		v.orientation = o
	}
}

// WithClock checks certificate validity at the current time of c.
func WithClock(c clock.PassiveClock) Option {
	return func(v *NitroVerifier) {
		v.clock = c
		v.attestationTime = false
	}
}

// WithAttestationTime checks certificate validity at the time the attestation document was created,
// instead of the current time.
//
// This allows verifying stored evidence whose short-lived leaf certificate has since expired.
// The document timestamp is chosen by the enclave, so only use this for evidence of known provenance.
func WithAttestationTime() Option {
	return func(v *NitroVerifier) {
		v.attestationTime = true
	}
}

// WithLogger sets the logger used to report verification progress and failures.
func WithLogger(log zerolog.Logger) Option {
	return func(v *NitroVerifier) {
		v.log = log
	}
}

// NitroVerifier is used to verify Nitro attestations.
// It is immutable after creation and safe for concurrent use.
type NitroVerifier struct {
	validator       *chain.Validator
	maxEvidenceSize int
	maxChainLength  int
	orientation     chain.Orientation
	clock           clock.PassiveClock
	attestationTime bool
	log             zerolog.Logger
}

// New creates a new NitroVerifier that trusts only the given root certificate.
func New(trustAnchorDER []byte, opts ...Option) (*NitroVerifier, error) {
	v := &NitroVerifier{
		maxEvidenceSize: cbor.DefaultMaxSize,
		maxChainLength:  chain.DefaultMaxLength,
		orientation:     chain.RootFirst,
		clock:           clock.RealClock{},
		log:             zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.maxEvidenceSize <= 0 {
		return nil, fmt.Errorf("invalid maximum evidence size %d", v.maxEvidenceSize)
	}
	if v.clock == nil {
		return nil, errors.New("clock must not be nil")
	}

	validator, err := chain.New(trustAnchorDER,
		chain.WithMaxLength(v.maxChainLength),
		chain.WithOrientation(v.orientation),
	)
	if err != nil {
		return nil, fmt.Errorf("creating certificate chain validator: %w", err)
	}
	v.validator = validator
	return v, nil
}

// NewWithAWSRoot creates a new NitroVerifier that trusts the AWS Nitro Enclaves root certificate (G1).
func NewWithAWSRoot(opts ...Option) (*NitroVerifier, error) {
	return New(chain.AWSNitroRootG1(), opts...)
}

// Verify verifies raw evidence against trustAnchorDER.
// Use [New] to verify multiple attestations against the same root.
func Verify(raw, trustAnchorDER []byte, opts ...Option) (*Result, error) {
	verifier, err := New(trustAnchorDER, opts...)
	if err != nil {
		return nil, err
	}
	return verifier.Verify(raw)
}

// Verify verifies a serialized COSE_Sign1 attestation and returns its decoded contents.
//
// Errors carry a [*status.Error] which can be matched using [errors.Is] with a [status.Code],
// and whose stage names the step that failed.
// raw is never modified.
func (v *NitroVerifier) Verify(raw []byte) (*Result, error) {
	dec := cbor.Decoder{MaxSize: v.maxEvidenceSize}

	envelope, err := types.ParseCOSESign1(dec, raw)
	if err != nil {
		return nil, v.reject(status.StageDecode, "parsing COSE_Sign1 envelope", err)
	}
	v.log.Debug().Int("size", len(raw)).Stringer("algorithm", envelope.Algorithm).Msg("Decoded attestation envelope")

	doc, err := types.ParseDocumentBytes(dec, envelope.Payload)
	if err != nil {
		return nil, v.reject(status.StagePayload, "parsing attestation document", err)
	}
	log := v.log.With().Str("module_id", doc.ModuleID).Logger()
	log.Debug().Time("created_at", doc.CreatedAt()).Int("pcrs", len(doc.PCRs)).Msg("Decoded attestation document")

	checkedAt := v.clock.Now()
	if v.attestationTime {
		checkedAt = doc.CreatedAt()
	}
	path, err := v.validator.Validate(doc.Certificate, doc.CABundle, checkedAt)
	if err != nil {
		return nil, v.reject(status.StageChain, "verifying certificate chain", err)
	}
	log.Debug().Int("length", len(path)).Time("checked_at", checkedAt).Msg("Validated certificate chain")

	sigStructure := envelope.SigStructure()
	if err := verifySignature(path.Leaf(), envelope, sigStructure); err != nil {
		return nil, v.reject(status.StageSignature, "verifying attestation signature", err)
	}
	log.Debug().Msg("Verified attestation signature")

	return &Result{
		Document:     doc,
		Certificates: path,
		Protected:    envelope.Protected,
		Unprotected:  envelope.Unprotected,
		Payload:      envelope.Payload,
		Signature:    envelope.Signature,
		SigStructure: sigStructure,
		Trusted:      true,
		CheckedAt:    checkedAt,
	}, nil
}

// verifySignature checks the envelope signature against the leaf certificate's key.
func verifySignature(leaf *x509.Certificate, envelope types.COSESign1, sigStructure []byte) error {
	return crypto.VerifyCOSESignature(leaf.PublicKey, envelope.Algorithm, sigStructure, envelope.Signature)
}

// reject stamps err with the stage it occurred in, wraps it with msg and logs it.
func (v *NitroVerifier) reject(stage status.Stage, msg string, err error) error {
	err = fmt.Errorf("%s: %w", msg, status.WithStage(err, stage))

	event := v.log.Warn().Err(err).Str("stage", string(stage))
	if statusErr := status.AsError(err); statusErr != nil {
		event = event.Stringer("code", statusErr.Code)
		if statusErr.Index >= 0 {
			event = event.Int("index", statusErr.Index)
		}
		if statusErr.Field != "" {
			event = event.Str("field", statusErr.Field)
		}
	}
	event.Msg("Rejected attestation")
	return err
}
