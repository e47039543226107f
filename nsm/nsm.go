// Package nsm provides functionality to interact with the Nitro Secure Module (NSM) of an AWS Nitro Enclave.
//
// Requests and responses are CBOR encoded and exchanged with the NSM driver using a single ioctl.
package nsm

import (
	"errors"
	"fmt"
	"os"

	"github.com/edgelesssys/go-nitro-qvl/verification/types"
	"github.com/fxamacker/cbor/v2"
)

const (
	// Device is the path to the NSM device inside a Nitro Enclave.
	Device = "/dev/nsm"

	// MaxUserDataSize is the maximum size of user data embedded in an attestation document.
	MaxUserDataSize = 512
	// MaxNonceSize is the maximum size of a nonce embedded in an attestation document.
	MaxNonceSize = 512
	// MaxPublicKeySize is the maximum size of a public key embedded in an attestation document.
	MaxPublicKeySize = 1024

	// maxRequestSize and maxResponseSize are the buffer sizes used by the NSM driver.
	maxRequestSize  = 0x1000
	maxResponseSize = 0x3000
)

// ErrorCode is an error reported by the NSM.
type ErrorCode string

// Error codes reported by the NSM.
const (
	InvalidArgument  ErrorCode = "InvalidArgument"
	InvalidIndex     ErrorCode = "InvalidIndex"
	InvalidResponse  ErrorCode = "InvalidResponse"
	ReadOnlyIndex    ErrorCode = "ReadOnlyIndex"
	InvalidOperation ErrorCode = "InvalidOperation"
	BufferTooSmall   ErrorCode = "BufferTooSmall"
	InputTooLarge    ErrorCode = "InputTooLarge"
	InternalError    ErrorCode = "InternalError"
)

func (e ErrorCode) Error() string {
	return "NSM returned error: " + string(e)
}

// device is a handle to the NSM device.
type device interface {
	Fd() uintptr
}

// Open opens the NSM device.
func Open() (*os.File, error) {
	handle, err := os.OpenFile(Device, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening NSM device: %w", err)
	}
	return handle, nil
}

// Description holds the capabilities and version of an NSM.
type Description struct {
	VersionMajor uint16                `cbor:"version_major" json:"version_major"`
	VersionMinor uint16                `cbor:"version_minor" json:"version_minor"`
	VersionPatch uint16                `cbor:"version_patch" json:"version_patch"`
	ModuleID     string                `cbor:"module_id" json:"module_id"`
	MaxPCRs      uint16                `cbor:"max_pcrs" json:"max_pcrs"`
	LockedPCRs   []uint16              `cbor:"locked_pcrs" json:"locked_pcrs"`
	Digest       types.DigestAlgorithm `cbor:"digest" json:"digest"`
}

// PCR is the state of a platform configuration register.
type PCR struct {
	Lock bool   `cbor:"lock" json:"lock"`
	Data []byte `cbor:"data" json:"data"`
}

// GetAttestation requests an attestation document from the NSM.
// Each of userData, nonce and publicKey may be nil to omit it from the document.
// The returned evidence is a serialized COSE_Sign1 structure.
func GetAttestation(nsm device, userData, nonce, publicKey []byte) ([]byte, error) {
	if len(userData) > MaxUserDataSize {
		return nil, fmt.Errorf("user data must not be longer than %d bytes, received %d bytes", MaxUserDataSize, len(userData))
	}
	if len(nonce) > MaxNonceSize {
		return nil, fmt.Errorf("nonce must not be longer than %d bytes, received %d bytes", MaxNonceSize, len(nonce))
	}
	if len(publicKey) > MaxPublicKeySize {
		return nil, fmt.Errorf("public key must not be longer than %d bytes, received %d bytes", MaxPublicKeySize, len(publicKey))
	}

	request, err := encodeAttestationRequest(userData, nonce, publicKey)
	if err != nil {
		return nil, err
	}
	res, err := send(nsm, request)
	if err != nil {
		return nil, fmt.Errorf("requesting attestation: %w", err)
	}
	if res.Attestation == nil {
		return nil, fmt.Errorf("requesting attestation: %w", InvalidResponse)
	}
	return res.Attestation.Document, nil
}

// DescribePCR reads the platform configuration register at index.
func DescribePCR(nsm device, index uint16) (PCR, error) {
	request, err := encodeDescribePCRRequest(index)
	if err != nil {
		return PCR{}, err
	}
	res, err := send(nsm, request)
	if err != nil {
		return PCR{}, fmt.Errorf("describing PCR %d: %w", index, err)
	}
	if res.DescribePCR == nil {
		return PCR{}, fmt.Errorf("describing PCR %d: %w", index, InvalidResponse)
	}
	return *res.DescribePCR, nil
}

// DescribeNSM returns the capabilities and version of the NSM.
func DescribeNSM(nsm device) (Description, error) {
	request, err := encodeDescribeNSMRequest()
	if err != nil {
		return Description{}, err
	}
	res, err := send(nsm, request)
	if err != nil {
		return Description{}, fmt.Errorf("describing NSM: %w", err)
	}
	if res.DescribeNSM == nil {
		return Description{}, fmt.Errorf("describing NSM: %w", InvalidResponse)
	}
	return *res.DescribeNSM, nil
}

func send(nsm device, request []byte) (response, error) {
	if len(request) > maxRequestSize {
		return response{}, InputTooLarge
	}
	raw, err := exchange(nsm, request)
	if err != nil {
		return response{}, err
	}
	return decodeResponse(raw)
}

// Requests and responses are externally tagged: the variant name is
// either the whole message, or the only key of a map holding its fields.

type attestationRequest struct {
	Attestation attestationParams `cbor:"Attestation"`
}

type attestationParams struct {
	UserData  []byte `cbor:"user_data"`
	Nonce     []byte `cbor:"nonce"`
	PublicKey []byte `cbor:"public_key"`
}

type describePCRRequest struct {
	DescribePCR describePCRParams `cbor:"DescribePCR"`
}

type describePCRParams struct {
	Index uint16 `cbor:"index"`
}

type response struct {
	Attestation *attestationResponse `cbor:"Attestation"`
	DescribePCR *PCR                 `cbor:"DescribePCR"`
	DescribeNSM *Description         `cbor:"DescribeNSM"`
	Error       ErrorCode            `cbor:"Error"`
}

type attestationResponse struct {
	Document []byte `cbor:"document"`
}

func encodeAttestationRequest(userData, nonce, publicKey []byte) ([]byte, error) {
	request, err := cbor.Marshal(attestationRequest{
		Attestation: attestationParams{UserData: userData, Nonce: nonce, PublicKey: publicKey},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding attestation request: %w", err)
	}
	return request, nil
}

func encodeDescribePCRRequest(index uint16) ([]byte, error) {
	request, err := cbor.Marshal(describePCRRequest{DescribePCR: describePCRParams{Index: index}})
	if err != nil {
		return nil, fmt.Errorf("encoding PCR request: %w", err)
	}
	return request, nil
}

func encodeDescribeNSMRequest() ([]byte, error) {
	// unit variants are encoded as their name
	request, err := cbor.Marshal("DescribeNSM")
	if err != nil {
		return nil, fmt.Errorf("encoding NSM description request: %w", err)
	}
	return request, nil
}

func decodeResponse(raw []byte) (response, error) {
	var res response
	if err := cbor.Unmarshal(raw, &res); err != nil {
		return response{}, fmt.Errorf("decoding NSM response: %w", errors.Join(InvalidResponse, err))
	}
	if res.Error != "" {
		return response{}, res.Error
	}
	return res, nil
}
