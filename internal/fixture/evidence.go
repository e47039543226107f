package fixture

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
	"github.com/veraison/go-cose"
)

// Document mirrors the attestation document an NSM produces, in NSM field order.
// Nil byte slices encode as null.
type Document struct {
	ModuleID    string         `cbor:"module_id"`
	Digest      string         `cbor:"digest"`
	Timestamp   uint64         `cbor:"timestamp"`
	PCRs        map[int][]byte `cbor:"pcrs"`
	Certificate []byte         `cbor:"certificate"`
	CABundle    [][]byte       `cbor:"cabundle"`
	PublicKey   []byte         `cbor:"public_key"`
	UserData    []byte         `cbor:"user_data"`
	Nonce       []byte         `cbor:"nonce"`
}

// Document returns a valid document for the chain's leaf, created at Now, with a root-first bundle.
func (c *Chain) Document() Document {
	pcrs := make(map[int][]byte, 16)
	for i := 0; i < 16; i++ {
		pcrs[i] = make([]byte, 48)
	}
	pcrs[3] = bytes.Repeat([]byte{0x03}, 48)
	pcrs[4] = bytes.Repeat([]byte{0x04}, 48)

	return Document{
		ModuleID:    "i-0123456789abcdef0-enc0123456789abcdef",
		Digest:      "SHA384",
		Timestamp:   uint64(Now.UnixMilli()),
		PCRs:        pcrs,
		Certificate: c.Leaf.DER(),
		CABundle:    c.Bundle(),
		UserData:    []byte("fixture"),
		Nonce:       []byte{0x01, 0x02, 0x03, 0x04},
	}
}

// Marshal encodes the document.
func (d Document) Marshal(t testing.TB) []byte {
	t.Helper()
	payload, err := cbor.Marshal(d)
	require.NoError(t, err)
	return payload
}

// Evidence returns an untagged COSE_Sign1 attestation of the chain's default document, signed by the leaf with alg.
func (c *Chain) Evidence(t testing.TB, alg cose.Algorithm) []byte {
	t.Helper()
	return Sign(t, c.Leaf, alg, c.Document().Marshal(t))
}

// Sign wraps payload into an untagged COSE_Sign1 structure signed by signer with alg.
func Sign(t testing.TB, signer *Authority, alg cose.Algorithm, payload []byte) []byte {
	t.Helper()
	coseSigner, err := cose.NewSigner(alg, signer.Key)
	require.NoError(t, err)

	msg := cose.UntaggedSign1Message(*cose.NewSign1Message())
	msg.Payload = payload
	msg.Headers.Protected.SetAlgorithm(alg)
	require.NoError(t, msg.Sign(rand.Reader, nil, coseSigner))

	raw, err := msg.MarshalCBOR()
	require.NoError(t, err)
	return raw
}
