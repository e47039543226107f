// Package status defines the failure taxonomy shared by all stages of attestation verification.
//
// Every failure surfaced by this module is a [*Error] carrying exactly one [Code] and
// enough context (byte offset, certificate index, field name, expected and actual lengths)
// to log and audit the failure without re-parsing the evidence.
// Codes implement error themselves, so callers can match with errors.Is:
//
//	if errors.Is(err, status.SignatureInvalid) {
//		// treat as a security event
//	}
package status

import (
	"errors"
	"fmt"
	"strings"
)

// Code identifies the kind of a verification failure.
type Code int

const (
	// Unknown is never produced by this module. It is returned by [CodeOf] for foreign errors.
	Unknown Code = iota

	// MalformedEncoding means the input does not conform to the binary grammar.
	MalformedEncoding
	// MalformedEnvelope means the COSE_Sign1 structure is not a valid four element envelope.
	MalformedEnvelope
	// MalformedSignature means the signature bytes do not have the fixed width required by the algorithm.
	MalformedSignature

	// EvidenceTooLarge means the evidence exceeds the configured maximum size.
	EvidenceTooLarge
	// ChainTooLong means the certificate path exceeds the configured maximum length or contains a cycle.
	ChainTooLong

	// MissingField means a required attestation document field is absent.
	MissingField
	// InvalidField means an attestation document field has the wrong type or value.
	InvalidField
	// InvalidPcrEntry means a PCR index is out of range or its value has the wrong length.
	InvalidPcrEntry
	// UnsupportedDigestAlgorithm means the document names a digest outside SHA256, SHA384 and SHA512.
	UnsupportedDigestAlgorithm
	// DuplicateKey means a CBOR map contains the same key twice.
	DuplicateKey

	// ChainBroken means a certificate's issuer does not match the next certificate's subject.
	ChainBroken
	// ChainIncomplete means the supplied bundle does not reach the pinned root.
	ChainIncomplete
	// NotACertificateAuthority means a non-leaf certificate may not issue certificates.
	NotACertificateAuthority
	// CertificateExpired means the check time is after a certificate's NotAfter.
	CertificateExpired
	// CertificateNotYetValid means the check time is before a certificate's NotBefore.
	CertificateNotYetValid
	// UntrustedRoot means the final certificate of the path is not the pinned trust anchor.
	UntrustedRoot

	// SignatureInvalid means a chain link or the envelope signature failed to verify.
	SignatureInvalid
)

var codeNames = map[Code]string{
	Unknown:                    "Unknown",
	MalformedEncoding:          "MalformedEncoding",
	MalformedEnvelope:          "MalformedEnvelope",
	MalformedSignature:         "MalformedSignature",
	EvidenceTooLarge:           "EvidenceTooLarge",
	ChainTooLong:               "ChainTooLong",
	MissingField:               "MissingField",
	InvalidField:               "InvalidField",
	InvalidPcrEntry:            "InvalidPcrEntry",
	UnsupportedDigestAlgorithm: "UnsupportedDigestAlgorithm",
	DuplicateKey:               "DuplicateKey",
	ChainBroken:                "ChainBroken",
	ChainIncomplete:            "ChainIncomplete",
	NotACertificateAuthority:   "NotACertificateAuthority",
	CertificateExpired:         "CertificateExpired",
	CertificateNotYetValid:     "CertificateNotYetValid",
	UntrustedRoot:              "UntrustedRoot",
	SignatureInvalid:           "SignatureInvalid",
}

// String returns the name of the code.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Error implements the error interface so a Code can be used as an errors.Is target.
func (c Code) Error() string {
	return c.String()
}

// MarshalText encodes the code by name, e.g. for structured logs or JSON output.
func (c Code) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Stage names the verification step that produced a failure.
type Stage string

const (
	// StageDecode is the envelope decoding step.
	StageDecode Stage = "decode"
	// StagePayload is the attestation document decoding step.
	StagePayload Stage = "payload"
	// StageChain is the certificate chain validation step.
	StageChain Stage = "chain"
	// StageSignature is the envelope signature verification step.
	// It is only reached after the certificate chain was accepted.
	StageSignature Stage = "signature"
)

// Error is a verification failure.
// Context fields that do not apply are -1 (numbers) or empty (strings).
type Error struct {
	Code  Code
	Stage Stage
	// Offset is the byte offset into the decoded buffer.
	Offset int
	// Index is the certificate position in the leaf-to-root path, the PCR index,
	// or the CA bundle entry, depending on Code.
	Index int
	// Field is the attestation document field.
	Field string
	// Expected and Actual are lengths in bytes.
	Expected int
	Actual   int
	Detail   string
	Err      error
}

// New returns an Error for the given code with all context fields unset.
func New(code Code, detail string) *Error {
	return &Error{
		Code:     code,
		Offset:   -1,
		Index:    -1,
		Expected: -1,
		Actual:   -1,
		Detail:   detail,
	}
}

// Newf returns an Error for the given code with a formatted detail message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// AtOffset sets the byte offset of the failure.
func (e *Error) AtOffset(offset int) *Error {
	e.Offset = offset
	return e
}

// AtIndex sets the index of the failing element.
func (e *Error) AtIndex(index int) *Error {
	e.Index = index
	return e
}

// WithField sets the attestation document field of the failure.
func (e *Error) WithField(field string) *Error {
	e.Field = field
	return e
}

// WithLengths records the expected and actual length in bytes.
func (e *Error) WithLengths(expected, actual int) *Error {
	e.Expected = expected
	e.Actual = actual
	return e
}

// Wrap sets the underlying cause.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code.String())
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	var context []string
	if e.Stage != "" {
		context = append(context, "stage "+string(e.Stage))
	}
	if e.Field != "" {
		context = append(context, fmt.Sprintf("field %q", e.Field))
	}
	if e.Index >= 0 {
		context = append(context, fmt.Sprintf("index %d", e.Index))
	}
	if e.Offset >= 0 {
		context = append(context, fmt.Sprintf("offset %d", e.Offset))
	}
	if e.Expected >= 0 && e.Actual >= 0 {
		context = append(context, fmt.Sprintf("expected %d bytes, got %d bytes", e.Expected, e.Actual))
	}
	if len(context) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(context, ", "))
		b.WriteString(")")
	}

	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the Code of this error.
func (e *Error) Is(target error) bool {
	code, ok := target.(Code)
	return ok && code == e.Code
}

// CodeOf returns the Code of the first *Error in err's chain.
func CodeOf(err error) Code {
	var statusErr *Error
	if errors.As(err, &statusErr) {
		return statusErr.Code
	}
	return Unknown
}

// AsError returns the first *Error in err's chain, or nil.
func AsError(err error) *Error {
	var statusErr *Error
	if errors.As(err, &statusErr) {
		return statusErr
	}
	return nil
}

// WithStage stamps the first *Error in err's chain with the given stage, unless it already has one.
// It returns err unchanged so it can be used in return statements.
func WithStage(err error, stage Stage) error {
	if statusErr := AsError(err); statusErr != nil && statusErr.Stage == "" {
		statusErr.Stage = stage
	}
	return err
}
