package verification

import (
	"bytes"
	"crypto/elliptic"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	fuzzheaders "github.com/AdaLogics/go-fuzz-headers"
	"github.com/edgelesssys/go-nitro-qvl/blobs"
	"github.com/edgelesssys/go-nitro-qvl/internal/fixture"
	"github.com/edgelesssys/go-nitro-qvl/verification/cbor"
	"github.com/edgelesssys/go-nitro-qvl/verification/chain"
	"github.com/edgelesssys/go-nitro-qvl/verification/status"
	"github.com/edgelesssys/go-nitro-qvl/verification/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veraison/go-cose"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
	testclock "k8s.io/utils/clock/testing"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestVerifyNitroAttestation(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	raw := blobs.NitroAttestation()
	verifier, err := NewWithAWSRoot(WithAttestationTime())
	require.NoError(err)

	result, err := verifier.Verify(raw)
	require.NoError(err)
	assert.True(result.Trusted)
	assert.Equal(blobs.NitroAttestationTime, result.CheckedAt)

	assert.Equal(blobs.NitroAttestationModuleID, result.Document.ModuleID)
	assert.Equal(types.SHA384, result.Document.Digest)
	assert.Equal(uint64(1634504863212), result.Document.Timestamp)
	assert.Len(result.Document.PCRs, 16)
	assert.Len(result.Document.CABundle, 4)
	assert.Nil(result.Document.PublicKey)
	assert.Nil(result.Document.Nonce)

	require.Len(result.Certificates, 5)
	assert.Equal(result.Document.Certificate, result.Certificates.Leaf().Raw)
	assert.Equal(chain.AWSNitroRootG1(), result.Certificates.Root().Raw)

	assert.Equal([]byte{0xa1, 0x01, 0x38, 0x22}, result.Protected)
	assert.Empty(result.Unprotected)
	assert.Len(result.Payload, 4289)
	assert.Len(result.Signature, 96)
	assert.True(bytes.HasPrefix(result.SigStructure, []byte{0x84, 0x6a, 'S', 'i', 'g', 'n', 'a', 't', 'u', 'r', 'e', '1'}))
	assert.True(bytes.HasSuffix(result.SigStructure, result.Payload))
	assert.Equal(blobs.NitroAttestation(), raw)
}

func TestVerifyNitroAttestationClock(t *testing.T) {
	testCases := map[string]struct {
		now      time.Time
		wantCode status.Code
	}{
		"at creation": {
			now: blobs.NitroAttestationTime,
		},
		"an hour later": {
			now: blobs.NitroAttestationTime.Add(time.Hour),
		},
		"leaf expired": {
			now:      blobs.NitroAttestationTime.Add(4 * time.Hour),
			wantCode: status.CertificateExpired,
		},
		"before creation": {
			now:      blobs.NitroAttestationTime.Add(-time.Hour),
			wantCode: status.CertificateNotYetValid,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			verifier, err := NewWithAWSRoot(WithClock(testclock.NewFakePassiveClock(tc.now)))
			require.NoError(err)

			result, err := verifier.Verify(blobs.NitroAttestation())
			if tc.wantCode == status.Unknown {
				require.NoError(err)
				assert.Equal(tc.now, result.CheckedAt)
				return
			}
			assert.Nil(result)
			assert.ErrorIs(err, tc.wantCode)
			assert.Equal(status.StageChain, status.AsError(err).Stage)
			assert.Equal(0, status.AsError(err).Index)
		})
	}
}

func TestVerifyNitroAttestationWallClock(t *testing.T) {
	// the leaf certificate expired in 2021
	_, err := Verify(blobs.NitroAttestation(), chain.AWSNitroRootG1())
	assert.ErrorIs(t, err, status.CertificateExpired)
}

func TestVerifyNitroAttestationRejects(t *testing.T) {
	testCases := map[string]struct {
		modify    func(raw []byte) []byte
		opts      []Option
		anchor    func(t *testing.T) []byte
		wantCode  status.Code
		wantStage status.Stage
	}{
		"signature bit flipped": {
			modify: func(raw []byte) []byte {
				raw[len(raw)-1] ^= 0x01
				return raw
			},
			wantCode:  status.SignatureInvalid,
			wantStage: status.StageSignature,
		},
		"module id changed": {
			modify: func(raw []byte) []byte {
				i := bytes.Index(raw, []byte(blobs.NitroAttestationModuleID))
				raw[i] = 'h'
				return raw
			},
			wantCode:  status.SignatureInvalid,
			wantStage: status.StageSignature,
		},
		"truncated": {
			modify: func(raw []byte) []byte {
				return raw[:len(raw)-1]
			},
			wantCode:  status.MalformedEncoding,
			wantStage: status.StageDecode,
		},
		"trailing byte": {
			modify: func(raw []byte) []byte {
				return append(raw, 0x00)
			},
			wantCode:  status.MalformedEncoding,
			wantStage: status.StageDecode,
		},
		"empty": {
			modify: func([]byte) []byte {
				return nil
			},
			wantCode:  status.MalformedEncoding,
			wantStage: status.StageDecode,
		},
		"tagged envelope": {
			modify: func(raw []byte) []byte {
				return append([]byte{0xd2}, raw...)
			},
			wantCode:  status.MalformedEncoding,
			wantStage: status.StageDecode,
		},
		"evidence too large": {
			opts:      []Option{WithMaxEvidenceSize(4096)},
			wantCode:  status.EvidenceTooLarge,
			wantStage: status.StageDecode,
		},
		"chain too long": {
			opts:      []Option{WithMaxChainLength(4)},
			wantCode:  status.ChainTooLong,
			wantStage: status.StageChain,
		},
		"leaf-first orientation": {
			opts:      []Option{WithBundleOrientation(chain.LeafFirst)},
			wantCode:  status.ChainBroken,
			wantStage: status.StageChain,
		},
		"foreign root": {
			anchor: func(t *testing.T) []byte {
				return fixture.NewRoot(t, "aws.nitro-enclaves").DER()
			},
			wantCode:  status.UntrustedRoot,
			wantStage: status.StageChain,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			raw := blobs.NitroAttestation()
			if tc.modify != nil {
				raw = tc.modify(raw)
			}
			anchor := chain.AWSNitroRootG1()
			if tc.anchor != nil {
				anchor = tc.anchor(t)
			}

			verifier, err := New(anchor, append(tc.opts, WithAttestationTime())...)
			require.NoError(err)

			result, err := verifier.Verify(raw)
			require.Error(err)
			assert.Nil(result)
			assert.Equal(tc.wantCode, status.CodeOf(err), err.Error())
			assert.Equal(tc.wantStage, status.AsError(err).Stage)
			assert.Contains(err.Error(), "stage "+string(tc.wantStage))
		})
	}
}

func TestVerifyIsRepeatable(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	raw := blobs.NitroAttestation()
	verifier, err := NewWithAWSRoot(WithAttestationTime())
	require.NoError(err)

	first, err := verifier.Verify(raw)
	require.NoError(err)
	second, err := verifier.Verify(raw)
	require.NoError(err)
	assert.Equal(first, second)

	raw[len(raw)-1] ^= 0x01
	_, firstErr := verifier.Verify(raw)
	_, secondErr := verifier.Verify(raw)
	assert.Equal(firstErr.Error(), secondErr.Error())
}

func TestVerifyConcurrent(t *testing.T) {
	verifier, err := NewWithAWSRoot(WithAttestationTime())
	require.NoError(t, err)

	valid := blobs.NitroAttestation()
	tampered := blobs.NitroAttestation()
	tampered[len(tampered)-1] ^= 0x01

	var group errgroup.Group
	for i := 0; i < 32; i++ {
		group.Go(func() error {
			if _, err := verifier.Verify(valid); err != nil {
				return err
			}
			if _, err := verifier.Verify(tampered); !errors.Is(err, status.SignatureInvalid) {
				return fmt.Errorf("verifying tampered attestation: unexpected result %v", err)
			}
			return nil
		})
	}
	assert.NoError(t, group.Wait())
}

func TestVerifySynthetic(t *testing.T) {
	testCases := map[string]struct {
		alg   cose.Algorithm
		curve elliptic.Curve
	}{
		"ES256": {alg: cose.AlgorithmES256, curve: elliptic.P256()},
		"ES384": {alg: cose.AlgorithmES384, curve: elliptic.P384()},
		"ES512": {alg: cose.AlgorithmES512, curve: elliptic.P521()},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			c := fixture.NewChain(t, 2, fixture.Curve(tc.curve))
			verifier, err := New(c.Root.DER(), WithClock(testclock.NewFakePassiveClock(fixture.Now)))
			require.NoError(err)

			result, err := verifier.Verify(c.Evidence(t, tc.alg))
			require.NoError(err)
			assert.Len(result.Signature, types.Algorithm(tc.alg).SignatureSize())
			assert.Equal([]byte("fixture"), result.Document.UserData)
			assert.Equal([]byte{0x01, 0x02, 0x03, 0x04}, result.Document.Nonce)
			assert.Nil(result.Document.PublicKey)
			assert.Len(result.Certificates, 4)
			assert.Equal(fixture.Now, result.Document.CreatedAt())
		})
	}
}

func TestVerifySyntheticRejects(t *testing.T) {
	c := fixture.NewChain(t, 2)

	testCases := map[string]struct {
		evidence  func(t *testing.T) []byte
		opts      []Option
		wantCode  status.Code
		wantStage status.Stage
	}{
		"signed by the intermediate": {
			evidence: func(t *testing.T) []byte {
				return fixture.Sign(t, c.Intermediates[1], cose.AlgorithmES384, c.Document().Marshal(t))
			},
			wantCode:  status.SignatureInvalid,
			wantStage: status.StageSignature,
		},
		"algorithm does not match the leaf key": {
			evidence: func(t *testing.T) []byte {
				other := fixture.NewChain(t, 0, fixture.Curve(elliptic.P256()))
				return fixture.Sign(t, other.Leaf, cose.AlgorithmES256, c.Document().Marshal(t))
			},
			wantCode:  status.SignatureInvalid,
			wantStage: status.StageSignature,
		},
		"missing intermediate": {
			evidence: func(t *testing.T) []byte {
				doc := c.Document()
				doc.CABundle = [][]byte{c.Root.DER(), c.Intermediates[1].DER()}
				return fixture.Sign(t, c.Leaf, cose.AlgorithmES384, doc.Marshal(t))
			},
			wantCode:  status.ChainIncomplete,
			wantStage: status.StageChain,
		},
		"leaf-first bundle": {
			evidence: func(t *testing.T) []byte {
				doc := c.Document()
				doc.CABundle = c.LeafFirstBundle()
				return fixture.Sign(t, c.Leaf, cose.AlgorithmES384, doc.Marshal(t))
			},
			wantCode:  status.ChainBroken,
			wantStage: status.StageChain,
		},
		"unsupported digest": {
			evidence: func(t *testing.T) []byte {
				doc := c.Document()
				doc.Digest = "SHA1"
				return fixture.Sign(t, c.Leaf, cose.AlgorithmES384, doc.Marshal(t))
			},
			wantCode:  status.UnsupportedDigestAlgorithm,
			wantStage: status.StagePayload,
		},
		"short PCR": {
			evidence: func(t *testing.T) []byte {
				doc := c.Document()
				doc.PCRs[7] = make([]byte, 32)
				return fixture.Sign(t, c.Leaf, cose.AlgorithmES384, doc.Marshal(t))
			},
			wantCode:  status.InvalidPcrEntry,
			wantStage: status.StagePayload,
		},
		"expired leaf": {
			evidence: func(t *testing.T) []byte {
				return c.Evidence(t, cose.AlgorithmES384)
			},
			opts:      []Option{WithClock(testclock.NewFakePassiveClock(fixture.Now.Add(4 * time.Hour)))},
			wantCode:  status.CertificateExpired,
			wantStage: status.StageChain,
		},
		"attestation time before the leaf": {
			evidence: func(t *testing.T) []byte {
				doc := c.Document()
				doc.Timestamp = uint64(fixture.Now.Add(-2 * time.Hour).UnixMilli())
				return fixture.Sign(t, c.Leaf, cose.AlgorithmES384, doc.Marshal(t))
			},
			opts:      []Option{WithAttestationTime()},
			wantCode:  status.CertificateNotYetValid,
			wantStage: status.StageChain,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			opts := append([]Option{WithClock(testclock.NewFakePassiveClock(fixture.Now))}, tc.opts...)
			verifier, err := New(c.Root.DER(), opts...)
			require.NoError(err)

			result, err := verifier.Verify(tc.evidence(t))
			require.Error(err)
			assert.Nil(result)
			assert.Equal(tc.wantCode, status.CodeOf(err), err.Error())
			assert.Equal(tc.wantStage, status.AsError(err).Stage)
			assert.Contains(err.Error(), "stage "+string(tc.wantStage))
		})
	}
}

func TestVerifyLeafFirstBundle(t *testing.T) {
	require := require.New(t)

	c := fixture.NewChain(t, 3)
	doc := c.Document()
	doc.CABundle = c.LeafFirstBundle()
	raw := fixture.Sign(t, c.Leaf, cose.AlgorithmES384, doc.Marshal(t))

	result, err := Verify(raw, c.Root.DER(),
		WithBundleOrientation(chain.LeafFirst),
		WithClock(testclock.NewFakePassiveClock(fixture.Now)),
	)
	require.NoError(err)
	assert.Equal(t, c.Root.Cert, result.Certificates.Root())
}

func TestVerifyLogsRejections(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	var logs bytes.Buffer
	raw := blobs.NitroAttestation()
	raw[len(raw)-1] ^= 0x01

	verifier, err := NewWithAWSRoot(WithAttestationTime(), WithLogger(zerolog.New(&logs).Level(zerolog.DebugLevel)))
	require.NoError(err)
	_, err = verifier.Verify(raw)
	require.Error(err)

	assert.Contains(logs.String(), `"message":"Validated certificate chain"`)
	assert.Contains(logs.String(), `"level":"warn"`)
	assert.Contains(logs.String(), `"code":"SignatureInvalid"`)
	assert.Contains(logs.String(), `"stage":"signature"`)
	assert.Contains(logs.String(), "stage signature")
	assert.True(strings.HasPrefix(err.Error(), "verifying attestation signature: SignatureInvalid"), err.Error())
}

func TestNew(t *testing.T) {
	testCases := map[string]struct {
		anchor []byte
		opts   []Option
	}{
		"invalid anchor": {
			anchor: []byte("not a certificate"),
		},
		"zero evidence size": {
			anchor: chain.AWSNitroRootG1(),
			opts:   []Option{WithMaxEvidenceSize(0)},
		},
		"chain length too short": {
			anchor: chain.AWSNitroRootG1(),
			opts:   []Option{WithMaxChainLength(1)},
		},
		"invalid orientation": {
			anchor: chain.AWSNitroRootG1(),
			opts:   []Option{WithBundleOrientation(chain.Orientation(-1))},
		},
		"nil clock": {
			anchor: chain.AWSNitroRootG1(),
			opts:   []Option{WithClock(nil)},
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := New(tc.anchor, tc.opts...)
			assert.Error(t, err)
		})
	}
}

func FuzzVerify(f *testing.F) {
	verifier, err := NewWithAWSRoot(WithAttestationTime())
	require.NoError(f, err)
	original, err := types.ParseCOSESign1(cbor.Decoder{}, blobs.NitroAttestation())
	require.NoError(f, err)
	f.Add(blobs.NitroAttestation())
	f.Fuzz(func(t *testing.T, raw []byte) {
		result, err := verifier.Verify(raw)
		if err != nil {
			require.NotNil(t, status.AsError(err), "verification error without status: %s", err)
			return
		}
		// the unprotected header is not signed and may change
		require.Equal(t, original.Protected, result.Protected, "NitroVerifier verification successful on a modified attestation")
		require.Equal(t, original.Payload, result.Payload, "NitroVerifier verification successful on a modified attestation")
	})
}

func FuzzVerify_Document(f *testing.F) {
	c := fixture.NewChain(f, 1)
	verifier, err := New(c.Root.DER(), WithClock(testclock.NewFakePassiveClock(fixture.Now)))
	require.NoError(f, err)
	f.Add(c.Document().Marshal(f))
	f.Fuzz(func(t *testing.T, a []byte) {
		target := fixture.Document{}
		fuzzConsumer := fuzzheaders.NewConsumer(a)
		err := fuzzConsumer.GenerateStruct(&target)
		if err != nil {
			return
		}
		target.Certificate = c.Leaf.DER()
		target.CABundle = c.Bundle()

		runVerifyTest(t, verifier, c.Leaf, target)
	})
}

func runVerifyTest(t *testing.T, verifier *NitroVerifier, signer *fixture.Authority, target fixture.Document) {
	require := require.New(t)

	raw := fixture.Sign(t, signer, cose.AlgorithmES384, target.Marshal(t))
	result, err := verifier.Verify(raw)
	if err != nil {
		require.NotNil(status.AsError(err), "verification error without status: %s", err)
		stage := status.AsError(err).Stage
		require.True(stage == status.StageDecode || stage == status.StagePayload, err.Error())
		return
	}

	require.Equal(target.ModuleID, result.Document.ModuleID)
	require.Equal(target.Timestamp, result.Document.Timestamp)
	require.Equal(len(target.PCRs), len(result.Document.PCRs))
	for index, value := range target.PCRs {
		require.Equal(value, result.Document.PCRs[index])
	}
}
