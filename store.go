package sskstore

import (
	"encoding/binary"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// BlockStore is the local store the checker probes.
type BlockStore interface {
	// Fetch returns the block under k, or nil on a miss.
	// dontCache asks the store not to promote what it
	// touches (no move-to-front, no write-back).
	Fetch(k Key, dontCache bool) KeyBlock
}

// MemStore is a map backed BlockStore; it holds both CHK
// and SSK blocks and is the working set in front of the
// durable store.
type MemStore struct {
	mut sync.Mutex
	m   map[string]KeyBlock
}

func NewMemStore() *MemStore {
	return &MemStore{
		m: make(map[string]KeyBlock),
	}
}

func (s *MemStore) Put(b KeyBlock) {
	s.mut.Lock()
	s.m[string(b.Key().FullKey())] = b
	s.mut.Unlock()
}

func (s *MemStore) Fetch(k Key, dontCache bool) KeyBlock {
	s.mut.Lock()
	b := s.m[string(k.FullKey())]
	s.mut.Unlock()
	return b
}

func (s *MemStore) Len() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return len(s.m)
}

var chkBlocksBucket = []byte("chkBlocks")

// BoltStore is the durable block store. It persists CHK
// records only: a CHK is self-verifying from its bytes,
// while re-admitting an SSK needs the publisher pubkey and
// raises ownership questions we deliberately do not answer
// here, so no SSK write path exists.
type BoltStore struct {
	db *bolt.DB
}

func OpenBoltStore(path string) (s *BoltStore, err error) {
	db, err := openBolt(path)
	if err != nil {
		return nil, fmt.Errorf("OpenBoltStore('%v'): %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err2 := tx.CreateBucketIfNotExists(chkBlocksBucket)
		return err2
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// record layout: u32 header length, headers, u32 data
// length, data. Fixed prefix so a corrupt record is
// detected by length arithmetic rather than a panic.
func encodeBlockRecord(headers, data []byte) []byte {
	out := make([]byte, 0, 8+len(headers)+len(data))
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(headers)))
	out = append(out, n[:]...)
	out = append(out, headers...)
	binary.BigEndian.PutUint32(n[:], uint32(len(data)))
	out = append(out, n[:]...)
	out = append(out, data...)
	return out
}

func decodeBlockRecord(rec []byte) (headers, data []byte, err error) {
	if len(rec) < 4 {
		return nil, nil, fmt.Errorf("block record too short: %v bytes", len(rec))
	}
	hlen := int(binary.BigEndian.Uint32(rec[:4]))
	rec = rec[4:]
	if len(rec) < hlen+4 {
		return nil, nil, fmt.Errorf("block record truncated in headers")
	}
	headers = rec[:hlen]
	rec = rec[hlen:]
	dlen := int(binary.BigEndian.Uint32(rec[:4]))
	rec = rec[4:]
	if len(rec) != dlen {
		return nil, nil, fmt.Errorf("block record truncated in data: want %v, have %v", dlen, len(rec))
	}
	data = rec
	return
}

// PutCHK persists b under its routing key.
func (s *BoltStore) PutCHK(b *CHKBlock) error {
	rec := encodeBlockRecord(b.RawHeaders(), b.RawData())
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(chkBlocksBucket).Put(b.Key().RoutingKey(), rec)
	})
}

// Fetch serves CHK probes from disk; the block is
// re-verified against its key on the way out, so a
// corrupted record surfaces as a miss, never as a bad
// block. SSK probes always miss here.
func (s *BoltStore) Fetch(k Key, dontCache bool) KeyBlock {
	chk, isCHK := k.(*NodeCHK)
	if !isCHK {
		return nil
	}
	var rec []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(chkBlocksBucket).Get(k.RoutingKey())
		if v != nil {
			rec = append(rec, v...)
		}
		return nil
	})
	if err != nil || rec == nil {
		return nil
	}
	headers, data, err := decodeBlockRecord(rec)
	if err != nil {
		alwaysPrintf("BoltStore: dropping corrupt record for %v: %v", k, err)
		return nil
	}
	block, err := NewCHKBlock(data, headers, chk, false)
	if err != nil {
		alwaysPrintf("BoltStore: record for %v fails verification: %v", k, err)
		return nil
	}
	return block
}

// LayeredStore probes a sequence of stores front to back,
// first hit wins. The node front is typically a MemStore
// over a BoltStore.
type LayeredStore struct {
	layers []BlockStore
}

func NewLayeredStore(layers ...BlockStore) *LayeredStore {
	return &LayeredStore{layers: layers}
}

func (s *LayeredStore) Fetch(k Key, dontCache bool) KeyBlock {
	for _, layer := range s.layers {
		if b := layer.Fetch(k, dontCache); b != nil {
			return b
		}
	}
	return nil
}
