package types

import (
	"bytes"
	"crypto"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/edgelesssys/go-nitro-qvl/verification/cbor"
	"github.com/edgelesssys/go-nitro-qvl/verification/status"
)

// Attestation document field names.
const (
	FieldModuleID    = "module_id"
	FieldDigest      = "digest"
	FieldTimestamp   = "timestamp"
	FieldPCRs        = "pcrs"
	FieldCertificate = "certificate"
	FieldCABundle    = "cabundle"
	FieldPublicKey   = "public_key"
	FieldUserData    = "user_data"
	FieldNonce       = "nonce"
)

// MaxPCRIndex is the highest platform configuration register index an NSM reports.
const MaxPCRIndex = 31

// DigestAlgorithm is the hash algorithm the NSM uses for its PCRs.
type DigestAlgorithm string

const (
	// SHA256 digests are 32 bytes.
	SHA256 DigestAlgorithm = "SHA256"
	// SHA384 digests are 48 bytes. This is what current NSMs report.
	SHA384 DigestAlgorithm = "SHA384"
	// SHA512 digests are 64 bytes.
	SHA512 DigestAlgorithm = "SHA512"
)

// Size returns the digest length in bytes, or 0 for unsupported algorithms.
func (d DigestAlgorithm) Size() int {
	switch d {
	case SHA256:
		return 32
	case SHA384:
		return 48
	case SHA512:
		return 64
	default:
		return 0
	}
}

// Hash returns the corresponding crypto.Hash, or 0 for unsupported algorithms.
func (d DigestAlgorithm) Hash() crypto.Hash {
	switch d {
	case SHA256:
		return crypto.SHA256
	case SHA384:
		return crypto.SHA384
	case SHA512:
		return crypto.SHA512
	default:
		return 0
	}
}

// AttestationDocument is the payload of a Nitro attestation.
// Optional byte fields are nil if they were omitted or null.
type AttestationDocument struct {
	ModuleID    string
	Digest      DigestAlgorithm
	Timestamp   uint64 // milliseconds since the Unix epoch
	PCRs        map[int][]byte
	Certificate []byte   // DER
	CABundle    [][]byte // DER, in the order found in the document
	PublicKey   []byte
	UserData    []byte
	Nonce       []byte
}

// ParseDocumentBytes decodes payload and parses it as an attestation document.
func ParseDocumentBytes(dec cbor.Decoder, payload []byte) (AttestationDocument, error) {
	value, err := dec.DecodeAll(payload)
	if err != nil {
		return AttestationDocument{}, err
	}
	return ParseDocument(value)
}

// ParseDocument parses a decoded attestation document.
// All byte fields of the result are copies; the document does not alias the input.
// Unrecognized keys are ignored.
func ParseDocument(value cbor.Value) (AttestationDocument, error) {
	m, ok := value.(cbor.Map)
	if !ok {
		return AttestationDocument{}, status.Newf(status.MalformedEnvelope, "payload is a %s, not a map", kindOf(value))
	}

	var doc AttestationDocument

	var err error
	if doc.ModuleID, err = parseModuleID(m); err != nil {
		return AttestationDocument{}, err
	}
	if doc.Digest, err = parseDigest(m); err != nil {
		return AttestationDocument{}, err
	}
	if doc.Timestamp, err = parseTimestamp(m); err != nil {
		return AttestationDocument{}, err
	}
	if doc.PCRs, err = parsePCRs(m, doc.Digest); err != nil {
		return AttestationDocument{}, err
	}

	certificate, err := requiredBytes(m, FieldCertificate)
	if err != nil {
		return AttestationDocument{}, err
	}
	if len(certificate) == 0 {
		return AttestationDocument{}, status.New(status.InvalidField, "value is empty").WithField(FieldCertificate)
	}
	doc.Certificate = bytes.Clone(certificate)

	if doc.CABundle, err = parseCABundle(m); err != nil {
		return AttestationDocument{}, err
	}

	if doc.PublicKey, err = optionalBytes(m, FieldPublicKey); err != nil {
		return AttestationDocument{}, err
	}
	if doc.UserData, err = optionalBytes(m, FieldUserData); err != nil {
		return AttestationDocument{}, err
	}
	if doc.Nonce, err = optionalBytes(m, FieldNonce); err != nil {
		return AttestationDocument{}, err
	}

	return doc, nil
}

// Marshal encodes the document the way the NSM does: fields in their canonical order,
// PCRs by ascending index, and null for omitted optional fields.
func (d *AttestationDocument) Marshal() []byte {
	indices := make([]int, 0, len(d.PCRs))
	for index := range d.PCRs {
		indices = append(indices, index)
	}
	sort.Ints(indices)
	pcrs := make(cbor.Map, 0, len(indices))
	for _, index := range indices {
		pcrs = append(pcrs, cbor.MapEntry{Key: cbor.NewInt(int64(index)), Value: cbor.Bytes(d.PCRs[index])})
	}

	bundle := make(cbor.Array, 0, len(d.CABundle))
	for _, cert := range d.CABundle {
		bundle = append(bundle, cbor.Bytes(cert))
	}

	return cbor.Marshal(cbor.Map{
		{Key: cbor.Text(FieldModuleID), Value: cbor.Text(d.ModuleID)},
		{Key: cbor.Text(FieldDigest), Value: cbor.Text(d.Digest)},
		{Key: cbor.Text(FieldTimestamp), Value: cbor.NewUint(d.Timestamp)},
		{Key: cbor.Text(FieldPCRs), Value: pcrs},
		{Key: cbor.Text(FieldCertificate), Value: cbor.Bytes(d.Certificate)},
		{Key: cbor.Text(FieldCABundle), Value: bundle},
		{Key: cbor.Text(FieldPublicKey), Value: nullableBytes(d.PublicKey)},
		{Key: cbor.Text(FieldUserData), Value: nullableBytes(d.UserData)},
		{Key: cbor.Text(FieldNonce), Value: nullableBytes(d.Nonce)},
	})
}

// CreatedAt returns the document timestamp as a time.
func (d *AttestationDocument) CreatedAt() time.Time {
	return time.UnixMilli(int64(d.Timestamp)).UTC()
}

// MarshalJSON renders the document with hex encoded byte fields.
func (d AttestationDocument) MarshalJSON() ([]byte, error) {
	pcrs := make(map[string]string, len(d.PCRs))
	for index, value := range d.PCRs {
		pcrs[strconv.Itoa(index)] = hex.EncodeToString(value)
	}
	bundle := make([]string, 0, len(d.CABundle))
	for _, cert := range d.CABundle {
		bundle = append(bundle, hex.EncodeToString(cert))
	}

	return json.Marshal(struct {
		ModuleID    string            `json:"module_id"`
		Digest      DigestAlgorithm   `json:"digest"`
		Timestamp   uint64            `json:"timestamp"`
		CreatedAt   time.Time         `json:"created_at"`
		PCRs        map[string]string `json:"pcrs"`
		Certificate string            `json:"certificate"`
		CABundle    []string          `json:"cabundle"`
		PublicKey   *string           `json:"public_key"`
		UserData    *string           `json:"user_data"`
		Nonce       *string           `json:"nonce"`
	}{
		ModuleID:    d.ModuleID,
		Digest:      d.Digest,
		Timestamp:   d.Timestamp,
		CreatedAt:   d.CreatedAt(),
		PCRs:        pcrs,
		Certificate: hex.EncodeToString(d.Certificate),
		CABundle:    bundle,
		PublicKey:   nullableHex(d.PublicKey),
		UserData:    nullableHex(d.UserData),
		Nonce:       nullableHex(d.Nonce),
	})
}

func parseTimestamp(m cbor.Map) (uint64, error) {
	value, ok := m.Get(cbor.Text(FieldTimestamp))
	if !ok {
		return 0, status.New(status.MissingField, "").WithField(FieldTimestamp)
	}
	n, ok := value.(cbor.Int)
	if !ok {
		return 0, status.Newf(status.InvalidField, "expected integer, got %s", kindOf(value)).WithField(FieldTimestamp)
	}
	timestamp, ok := n.Uint64()
	if !ok || timestamp == 0 || timestamp > math.MaxInt64 {
		return 0, status.New(status.InvalidField, "timestamp is out of range").WithField(FieldTimestamp)
	}
	return timestamp, nil
}

// parseModuleID reports a module_id that is absent, not text or empty as missing.
func parseModuleID(m cbor.Map) (string, error) {
	value, ok := m.Get(cbor.Text(FieldModuleID))
	if !ok {
		return "", status.New(status.MissingField, "").WithField(FieldModuleID)
	}
	text, ok := value.(cbor.Text)
	if !ok {
		return "", status.Newf(status.MissingField, "expected text string, got %s", kindOf(value)).WithField(FieldModuleID)
	}
	if text == "" {
		return "", status.New(status.MissingField, "value is empty").WithField(FieldModuleID)
	}
	return string(text), nil
}

func parseDigest(m cbor.Map) (DigestAlgorithm, error) {
	value, ok := m.Get(cbor.Text(FieldDigest))
	if !ok {
		return "", status.New(status.MissingField, "").WithField(FieldDigest)
	}
	text, ok := value.(cbor.Text)
	if !ok {
		return "", status.Newf(status.UnsupportedDigestAlgorithm, "expected digest name, got %s", kindOf(value)).WithField(FieldDigest)
	}
	digest := DigestAlgorithm(text)
	if digest.Size() == 0 {
		return "", status.Newf(status.UnsupportedDigestAlgorithm, "digest %q is not supported", string(text)).WithField(FieldDigest)
	}
	return digest, nil
}

func parsePCRs(m cbor.Map, digest DigestAlgorithm) (map[int][]byte, error) {
	value, ok := m.Get(cbor.Text(FieldPCRs))
	if !ok {
		return nil, status.New(status.MissingField, "").WithField(FieldPCRs)
	}
	entries, ok := value.(cbor.Map)
	if !ok {
		return nil, status.Newf(status.InvalidField, "expected map, got %s", kindOf(value)).WithField(FieldPCRs)
	}

	pcrs := make(map[int][]byte, len(entries))
	for _, entry := range entries {
		key, ok := entry.Key.(cbor.Int)
		if !ok {
			return nil, status.Newf(status.InvalidPcrEntry, "PCR index is a %s", kindOf(entry.Key)).WithField(FieldPCRs)
		}
		index, ok := key.Uint64()
		if !ok || index > MaxPCRIndex {
			return nil, status.Newf(status.InvalidPcrEntry, "PCR index %s is out of range [0, %d]", key, MaxPCRIndex).
				WithField(FieldPCRs).AtIndex(pcrIndexOrUnset(key))
		}
		if _, ok := pcrs[int(index)]; ok {
			return nil, status.New(status.DuplicateKey, "PCR index occurs more than once").WithField(FieldPCRs).AtIndex(int(index))
		}

		data, ok := entry.Value.(cbor.Bytes)
		if !ok {
			return nil, status.Newf(status.InvalidPcrEntry, "PCR value is a %s", kindOf(entry.Value)).
				WithField(FieldPCRs).AtIndex(int(index))
		}
		if len(data) != digest.Size() {
			return nil, status.Newf(status.InvalidPcrEntry, "wrong %s digest length", digest).
				WithField(FieldPCRs).AtIndex(int(index)).WithLengths(digest.Size(), len(data))
		}
		pcrs[int(index)] = bytes.Clone(data)
	}
	return pcrs, nil
}

// pcrIndexOrUnset returns the index to report for an out of range PCR key.
// Negative and oversized keys cannot be represented as an index.
func pcrIndexOrUnset(key cbor.Int) int {
	if n, ok := key.Int64(); ok && n >= 0 && n <= math.MaxInt32 {
		return int(n)
	}
	return -1
}

func parseCABundle(m cbor.Map) ([][]byte, error) {
	value, ok := m.Get(cbor.Text(FieldCABundle))
	if !ok {
		return nil, status.New(status.MissingField, "").WithField(FieldCABundle)
	}
	items, ok := value.(cbor.Array)
	if !ok {
		return nil, status.Newf(status.InvalidField, "expected array, got %s", kindOf(value)).WithField(FieldCABundle)
	}

	bundle := make([][]byte, 0, len(items))
	for i, item := range items {
		cert, ok := item.(cbor.Bytes)
		if !ok {
			return nil, status.Newf(status.InvalidField, "entry is a %s, not a byte string", kindOf(item)).
				WithField(FieldCABundle).AtIndex(i)
		}
		if len(cert) == 0 {
			return nil, status.New(status.InvalidField, "entry is empty").WithField(FieldCABundle).AtIndex(i)
		}
		bundle = append(bundle, bytes.Clone(cert))
	}
	return bundle, nil
}

func requiredBytes(m cbor.Map, field string) ([]byte, error) {
	value, ok := m.Get(cbor.Text(field))
	if !ok {
		return nil, status.New(status.MissingField, "").WithField(field)
	}
	data, ok := value.(cbor.Bytes)
	if !ok {
		return nil, status.Newf(status.InvalidField, "expected byte string, got %s", kindOf(value)).WithField(field)
	}
	return data, nil
}

// optionalBytes treats an explicit null like an omitted field.
func optionalBytes(m cbor.Map, field string) ([]byte, error) {
	value, ok := m.Get(cbor.Text(field))
	if !ok {
		return nil, nil
	}
	switch value := value.(type) {
	case cbor.Null:
		return nil, nil
	case cbor.Bytes:
		return bytes.Clone(value), nil
	default:
		return nil, status.Newf(status.InvalidField, "expected byte string or null, got %s", kindOf(value)).WithField(field)
	}
}

func nullableBytes(data []byte) cbor.Value {
	if data == nil {
		return cbor.Null{}
	}
	return cbor.Bytes(data)
}

func nullableHex(data []byte) *string {
	if data == nil {
		return nil
	}
	s := hex.EncodeToString(data)
	return &s
}

func kindOf(value cbor.Value) string {
	if value == nil {
		return "nothing"
	}
	return value.Kind().String()
}
