// Package blobs embeds known-good Nitro attestation material used by tests and tooling.
package blobs

import (
	"bytes"
	_ "embed"
	"time"
)

//go:embed nitro_attestation.bin
var nitroAttestation []byte

// NitroAttestationTime is the creation time of the attestation returned by NitroAttestation.
// The leaf certificate of that attestation is only valid for three hours after this time.
var NitroAttestationTime = time.UnixMilli(1634504863212).UTC()

// NitroAttestationModuleID is the module ID of the attestation returned by NitroAttestation.
const NitroAttestationModuleID = "i-09eb1f8c065b7f2e8-enc017c9014e72f9d78"

// NitroAttestation returns a copy of an attestation produced by an NSM in us-east-1.
// It is signed with ES384 and chains to the AWS Nitro root G1 through three intermediates.
func NitroAttestation() []byte {
	return bytes.Clone(nitroAttestation)
}

