/*
# Nitro Attestation Data Types

This package contains data types and parsing functions used for AWS Nitro Enclaves attestation.

## Nitro Attestation Format

	An attestation is a COSE_Sign1 structure (RFC 8152), encoded in CBOR, whose payload is the attestation document:


	       COSESign1                                                AttestationDocument
	     ParseCOSESign1                                                ParseDocument
	┌─────────────────────────┐                             ┌─────────────────────────────────────┐
	│        Protected        │                             │ module_id    text                   │
	│   bstr (map {1: alg})   │                             ├─────────────────────────────────────┤
	├─────────────────────────┤                             │ digest       "SHA256" / "SHA384"    │
	│       Unprotected       │                             │              / "SHA512"             │
	│          map            │                             ├─────────────────────────────────────┤
	├─────────────────────────┤                             │ timestamp    uint (ms since epoch)  │
	│                         │                             ├─────────────────────────────────────┤
	│         Payload         │                             │ pcrs         {0..31: digest bytes}  │
	│          bstr           ├────────────────────────────▶├─────────────────────────────────────┤
	│                         │                             │ certificate  DER (leaf)             │
	├─────────────────────────┤                             ├─────────────────────────────────────┤
	│        Signature        │                             │ cabundle     [DER, ...] root first  │
	│   bstr (r || s, fixed   │                             ├─────────────────────────────────────┤
	│   width per algorithm)  │                             │ public_key   bstr / null (optional) │
	└─────────────────────────┘                             │ user_data    bstr / null (optional) │
	                                                        │ nonce        bstr / null (optional) │
	                                                        └─────────────────────────────────────┘

	The signature is computed over the Sig_structure (see SigStructure):

	        [ "Signature1", Protected, h'', Payload ]
*/
package types
