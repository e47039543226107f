package types

import (
	"github.com/edgelesssys/go-nitro-qvl/verification/cbor"
)

// sigStructureContext is the context string of a COSE_Sign1 signature.
const sigStructureContext = "Signature1"

// SigStructure serializes the Sig_structure the envelope signature is computed over:
//
//	[ "Signature1", protected, external_aad = h'', payload ]
//
// Protected and Payload are embedded exactly as received.
func (s *COSESign1) SigStructure() []byte {
	return cbor.Marshal(cbor.Array{
		cbor.Text(sigStructureContext),
		cbor.Bytes(s.Protected),
		cbor.Bytes{},
		cbor.Bytes(s.Payload),
	})
}

// Marshal serializes the envelope as an untagged COSE_Sign1 structure.
func (s *COSESign1) Marshal() []byte {
	unprotected := s.Unprotected
	if unprotected == nil {
		unprotected = cbor.Map{}
	}
	return cbor.Marshal(cbor.Array{
		cbor.Bytes(s.Protected),
		unprotected,
		cbor.Bytes(s.Payload),
		cbor.Bytes(s.Signature),
	})
}
