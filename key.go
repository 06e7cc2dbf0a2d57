package sskstore

import (
	"bytes"
	"encoding/binary"
	"fmt"

	cristalbase64 "github.com/cristalhq/base64"
	"github.com/mirisle/sskstore/crypt"
)

// Key type codes, on the wire as big-endian u16.
const (
	KeyTypeCHK uint16 = 0x0302
	KeyTypeSSK uint16 = 0x0202
)

// Hash identifiers carried in block headers.
const (
	HashSHA256 uint16 = 1
)

// Symmetric cipher identifiers carried in block headers.
// The cipher catalogue itself lives with the client
// decode path; the node layer only carries the selector.
const (
	SymAESPCFB256SHA256 uint16 = 2
)

// Key is the routing level identity of a block.
type Key interface {
	// RoutingKey is what the store and the network route by.
	RoutingKey() []byte

	// FullKey is the type code plus everything needed to
	// re-identify the key remotely.
	FullKey() []byte

	// TypeCode distinguishes CHK from SSK et al.
	TypeCode() uint16

	// Clone detaches the key from whatever owns it; the
	// checker snapshots key lists this way.
	Clone() Key
}

// KeyBlock is a fetched block: the key plus the raw wire
// bytes. Blocks are immutable once constructed.
type KeyBlock interface {
	Key() Key
	RawHeaders() []byte
	RawData() []byte
}

// BlockSet is a caller-scoped dictionary of pre-staged
// blocks, probed before the global store.
type BlockSet interface {
	Get(k Key) KeyBlock
}

// NodeSSK identifies a signed subspace key at the node
// level: the publisher's public key plus the encrypted
// hashed document name.
type NodeSSK struct {
	PubKey *crypt.DSAPublicKey

	// EncryptedHashedDocname is E(H(docname)); it binds
	// the key to one publisher-chosen identifier.
	EncryptedHashedDocname [32]byte

	pubKeyHash [32]byte
	routingKey [32]byte
}

// NewNodeSSK builds the key and precomputes the routing
// key. pubKey may be nil when only the routing identity is
// known; such a key cannot admit blocks.
func NewNodeSSK(pubKey *crypt.DSAPublicKey, ehDocname [32]byte) *NodeSSK {
	k := &NodeSSK{
		PubKey:                 pubKey,
		EncryptedHashedDocname: ehDocname,
	}
	if pubKey != nil {
		k.pubKeyHash = pubKey.Hash()
	}
	k.routingKey = makeSSKRoutingKey(ehDocname, k.pubKeyHash)
	return k
}

// the routing key covers both halves of the identity.
func makeSSKRoutingKey(ehDocname [32]byte, pubKeyHash [32]byte) [32]byte {
	h := crypt.GetDigest()
	h.Write(ehDocname[:])
	h.Write(pubKeyHash[:])
	var sum [32]byte
	h.Sum(sum[:0])
	crypt.PutDigest(h)
	return sum
}

func (k *NodeSSK) RoutingKey() []byte {
	out := make([]byte, 32)
	copy(out, k.routingKey[:])
	return out
}

func (k *NodeSSK) FullKey() []byte {
	out := make([]byte, 0, 2+32+32)
	var tc [2]byte
	binary.BigEndian.PutUint16(tc[:], KeyTypeSSK)
	out = append(out, tc[:]...)
	out = append(out, k.EncryptedHashedDocname[:]...)
	out = append(out, k.pubKeyHash[:]...)
	return out
}

func (k *NodeSSK) TypeCode() uint16 {
	return KeyTypeSSK
}

func (k *NodeSSK) Clone() Key {
	c := *k
	return &c
}

func (k *NodeSSK) Equal(o *NodeSSK) bool {
	if k == o {
		return true
	}
	if k == nil || o == nil {
		return false
	}
	if k.EncryptedHashedDocname != o.EncryptedHashedDocname {
		return false
	}
	return k.pubKeyHash == o.pubKeyHash
}

func (k *NodeSSK) String() string {
	return fmt.Sprintf("SSK@%v", cristalbase64.URLEncoding.EncodeToString(k.routingKey[:]))
}

// NodeCHK identifies a content hash key: the routing key
// is the hash of the (encrypted) payload itself.
type NodeCHK struct {
	routingKey [32]byte
}

func NewNodeCHK(routingKey [32]byte) *NodeCHK {
	return &NodeCHK{routingKey: routingKey}
}

func (k *NodeCHK) RoutingKey() []byte {
	out := make([]byte, 32)
	copy(out, k.routingKey[:])
	return out
}

func (k *NodeCHK) FullKey() []byte {
	out := make([]byte, 0, 2+32)
	var tc [2]byte
	binary.BigEndian.PutUint16(tc[:], KeyTypeCHK)
	out = append(out, tc[:]...)
	out = append(out, k.routingKey[:]...)
	return out
}

func (k *NodeCHK) TypeCode() uint16 {
	return KeyTypeCHK
}

func (k *NodeCHK) Clone() Key {
	c := *k
	return &c
}

func (k *NodeCHK) String() string {
	return fmt.Sprintf("CHK@%v", cristalbase64.URLEncoding.EncodeToString(k.routingKey[:]))
}

// KeyEqual compares two keys by full identity.
func KeyEqual(a, b Key) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.TypeCode() != b.TypeCode() {
		return false
	}
	return bytes.Equal(a.FullKey(), b.FullKey())
}
