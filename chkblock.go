package sskstore

import (
	"github.com/mirisle/sskstore/crypt"
)

// CHKBlock is the content hash key counterpart: the block
// is admitted iff the payload hashes to the routing key.
// No signature; the key is the content.
type CHKBlock struct {
	data    []byte
	headers []byte
	nodeKey *NodeCHK
}

// NewCHKBlock verifies data against the key unless
// dontVerify is set.
func NewCHKBlock(data, headers []byte, nodeKey *NodeCHK, dontVerify bool) (*CHKBlock, error) {
	if !dontVerify {
		sum := crypt.Sum256(data)
		if sum != nodeKey.routingKey {
			return nil, &VerifyError{Reason: "CHK data does not hash to routing key"}
		}
	}
	return &CHKBlock{
		data:    data,
		headers: headers,
		nodeKey: nodeKey,
	}, nil
}

// NewCHKBlockFromData hashes the payload to mint the key.
func NewCHKBlockFromData(data, headers []byte) *CHKBlock {
	return &CHKBlock{
		data:    data,
		headers: headers,
		nodeKey: NewNodeCHK(crypt.Sum256(data)),
	}
}

func (b *CHKBlock) Key() Key {
	return b.nodeKey
}

func (b *CHKBlock) RawHeaders() []byte {
	return b.headers
}

func (b *CHKBlock) RawData() []byte {
	return b.data
}
