package crypt

import (
	"crypto/sha256"
	"hash"
	"sync"

	cristalbase64 "github.com/cristalhq/base64"
)

// digestPool recycles SHA-256 states so the hot
// verification path does not allocate a fresh
// hasher per block.
var digestPool = sync.Pool{
	New: func() interface{} {
		return sha256.New()
	},
}

// GetDigest returns a reset SHA-256 digest from the pool.
func GetDigest() hash.Hash {
	h := digestPool.Get().(hash.Hash)
	h.Reset()
	return h
}

// PutDigest returns h to the pool. Callers must not
// touch h afterwards.
func PutDigest(h hash.Hash) {
	digestPool.Put(h)
}

// Sum256 is a convenience one-shot.
func Sum256(b []byte) (sum [32]byte) {
	h := GetDigest()
	h.Write(b)
	h.Sum(sum[:0])
	PutDigest(h)
	return
}

// SHA256 provides a goroutine safe SHA-256 wrapper.
type SHA256 struct {
	mut    sync.Mutex
	hasher hash.Hash
}

// NewSHA256 creates a new SHA256.
func NewSHA256() *SHA256 {
	return &SHA256{
		hasher: sha256.New(),
	}
}

func (s *SHA256) Write(by []byte) {
	s.mut.Lock()
	s.hasher.Write(by)
	s.mut.Unlock()
}

func (s *SHA256) Reset() {
	s.mut.Lock()
	s.hasher.Reset()
	s.mut.Unlock()
}

func (s *SHA256) Sum() (sum []byte) {
	s.mut.Lock()
	sum = s.hasher.Sum(nil)
	s.mut.Unlock()
	return
}

// SumString gives the sum as URL-safe base64 (the padded
// URLEncoding alphabet), handy in logs.
func (s *SHA256) SumString() string {
	return cristalbase64.URLEncoding.EncodeToString(s.Sum())
}
