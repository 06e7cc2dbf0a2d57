package sskstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/mirisle/sskstore/crypt"
)

// SSKBlock contains a full fetched signed subspace key
// block. It can do a node-level verification; decoding the
// payload needs the client side key material and happens
// elsewhere.
//
// HEADERS FORMAT (TotalHeadersLength = 142 bytes, big endian):
//
//	2 bytes  - hash ID (must be SHA-256)
//	2 bytes  - symmetric cipher ID
//	32 bytes - E(H(docname))
//	ENCRYPTED WITH E(H(docname)) AS IV:
//	 32 bytes - data decryption key
//	 2 bytes  - data length + metadata flag
//	 2 bytes  - compression algorithm or 0xFFFF
//	32 bytes - signature R (unsigned bytes)
//	32 bytes - signature S (unsigned bytes)
//	6 bytes  - unused at this layer
//
// The signature covers SHA256(headers[:72] || SHA256(data)).
type SSKBlock struct {
	data    []byte
	headers []byte

	// headersOffset is the index of the first byte of the
	// encrypted fields in headers, after E(H(docname)).
	headersOffset int

	nodeKey *NodeSSK
	pubKey  *crypt.DSAPublicKey

	hashIdentifier      uint16
	symCipherIdentifier uint16
}

const (
	// DataLength is the exact payload size of an SSK block.
	DataLength = 1024

	// MaxCompressedDataLength is the most compressed
	// payload that fits; the trailing two bytes carry the
	// decompressed length and metadata flag.
	MaxCompressedDataLength = DataLength - 2

	sigRLength           = 32
	sigSLength           = 32
	ehDocnameLength      = 32
	dataDecryptKeyLength = 32
	unusedHeadersLength  = 6

	// TotalHeadersLength is the exact header size.
	TotalHeadersLength = 2 + sigRLength + sigSLength + 2 +
		ehDocnameLength + dataDecryptKeyLength + 2 + 2 + unusedHeadersLength

	encryptedHeadersLength = 36

	// headerCompareTo is how much of the headers we compare
	// in order to consider two SSKBlocks equal - necessary
	// because the signature bytes need not be the same for
	// the same data and the same key.
	headerCompareTo = 71
)

// ErrHeaderLength flags a caller bug: headers buffers are
// always exactly TotalHeadersLength at this layer.
var ErrHeaderLength = errors.New("sskblock: headers length must be 142")

// VerifyError means the bytes plausibly came off the wire
// but do not check out against the key; treat the block as
// poison.
type VerifyError struct {
	Reason string
}

func (e *VerifyError) Error() string {
	return "ssk verify failed: " + e.Reason
}

// NewSSKBlock parses and, unless dontVerify is set,
// verifies data and headers against nodeKey. The key must
// carry a pubkey.
func NewSSKBlock(data, headers []byte, nodeKey *NodeSSK, dontVerify bool) (*SSKBlock, error) {
	if len(headers) != TotalHeadersLength {
		return nil, fmt.Errorf("%w: got %v", ErrHeaderLength, len(headers))
	}
	if len(data) != DataLength {
		return nil, &VerifyError{Reason: fmt.Sprintf("data length wrong: %v should be %v", len(data), DataLength)}
	}
	pubKey := nodeKey.PubKey
	if pubKey == nil {
		return nil, &VerifyError{Reason: fmt.Sprintf("no pubkey on %v", nodeKey)}
	}
	b := &SSKBlock{
		data:    data,
		headers: headers,
		nodeKey: nodeKey,
		pubKey:  pubKey,
	}
	b.hashIdentifier = binary.BigEndian.Uint16(headers[0:2])
	if b.hashIdentifier != HashSHA256 {
		return nil, &VerifyError{Reason: "hash not SHA-256"}
	}
	x := 2
	b.symCipherIdentifier = binary.BigEndian.Uint16(headers[x : x+2])
	x += 2
	ehDocname := headers[x : x+ehDocnameLength]
	x += ehDocnameLength
	b.headersOffset = x // index of the start of the encrypted headers
	x += encryptedHeadersLength
	sigR := headers[x : x+sigRLength]
	x += sigRLength
	sigS := headers[x : x+sigSLength]

	if !dontVerify {
		h := crypt.GetDigest()
		h.Write(data)
		dataHash := h.Sum(nil)
		h.Reset()
		// all headers up to and not including the signature
		h.Write(headers[:b.headersOffset+encryptedHeadersLength])
		// then the implicit data hash
		h.Write(dataHash)
		overallHash := h.Sum(nil)
		crypt.PutDigest(h)

		sig := &crypt.DSASignature{
			R: new(big.Int).SetBytes(sigR),
			S: new(big.Int).SetBytes(sigS),
		}
		m := new(big.Int).SetBytes(overallHash)
		// two historical signing conventions are in
		// circulation; accept either.
		if !crypt.Verify(pubKey, sig, m, crypt.HashRaw) &&
			!crypt.Verify(pubKey, sig, m, crypt.HashCanonical) {
			return nil, &VerifyError{Reason: "signature verification failed for node-level SSK"}
		}
	}
	if !bytes.Equal(ehDocname, nodeKey.EncryptedHashedDocname[:]) {
		return nil, &VerifyError{Reason: "E(H(docname)) wrong - wrong key??"}
	}
	return b, nil
}

// Equal compares two blocks structurally. Only the first
// headerCompareTo bytes of the headers take part: the
// signature is non-deterministic, so the same (key, data)
// pair can legitimately differ in the trailing bytes.
func (b *SSKBlock) Equal(o *SSKBlock) bool {
	if b == o {
		return true
	}
	if b == nil || o == nil {
		return false
	}
	if !o.pubKey.Equal(b.pubKey) {
		return false
	}
	if !o.nodeKey.Equal(b.nodeKey) {
		return false
	}
	if o.headersOffset != b.headersOffset {
		return false
	}
	if o.hashIdentifier != b.hashIdentifier {
		return false
	}
	if o.symCipherIdentifier != b.symCipherIdentifier {
		return false
	}
	if !bytes.Equal(o.headers[:headerCompareTo], b.headers[:headerCompareTo]) {
		return false
	}
	return bytes.Equal(o.data, b.data)
}

func (b *SSKBlock) Key() Key {
	return b.nodeKey
}

func (b *SSKBlock) NodeKey() *NodeSSK {
	return b.nodeKey
}

func (b *SSKBlock) RawHeaders() []byte {
	return b.headers
}

func (b *SSKBlock) RawData() []byte {
	return b.data
}

func (b *SSKBlock) PubKey() *crypt.DSAPublicKey {
	return b.pubKey
}

func (b *SSKBlock) PubKeyBytes() []byte {
	return b.pubKey.Bytes()
}

func (b *SSKBlock) FullKey() []byte {
	return b.nodeKey.FullKey()
}

func (b *SSKBlock) RoutingKey() []byte {
	return b.nodeKey.RoutingKey()
}

func (b *SSKBlock) HashIdentifier() uint16 {
	return b.hashIdentifier
}

func (b *SSKBlock) SymCipherIdentifier() uint16 {
	return b.symCipherIdentifier
}
