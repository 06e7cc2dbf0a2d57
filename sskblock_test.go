package sskstore

import (
	"crypto/dsa"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"math/big"
	"sync"
	"testing"

	cv "github.com/glycerine/goconvey/convey"
	"github.com/mirisle/sskstore/crypt"
)

var testDSAOnce sync.Once
var testDSAPriv *crypt.DSAPrivateKey

// one DSA key pair for the whole package; parameter
// generation is the slow part.
func testDSAKey() *crypt.DSAPrivateKey {
	testDSAOnce.Do(func() {
		var params dsa.Parameters
		err := dsa.GenerateParameters(&params, rand.Reader, dsa.L1024N160)
		panicOn(err)
		var k dsa.PrivateKey
		k.Parameters = params
		err = dsa.GenerateKey(&k, rand.Reader)
		panicOn(err)
		g := &crypt.DSAGroup{P: params.P, Q: params.Q, G: params.G}
		testDSAPriv = &crypt.DSAPrivateKey{
			DSAPublicKey: crypt.DSAPublicKey{Group: g, Y: k.Y},
			X:            k.X,
		}
	})
	return testDSAPriv
}

// mintSSK builds a legitimately signed (data, headers,
// nodeKey) triple, signing in the given hash mode.
func mintSSK(t *testing.T, mode crypt.HashMode) (data, headers []byte, nodeKey *NodeSSK) {
	t.Helper()
	priv := testDSAKey()

	data = make([]byte, DataLength)
	_, err := rand.Read(data)
	panicOn(err)

	headers = make([]byte, TotalHeadersLength)
	binary.BigEndian.PutUint16(headers[0:2], HashSHA256)
	binary.BigEndian.PutUint16(headers[2:4], SymAESPCFB256SHA256)
	var ehDocname [32]byte
	_, err = rand.Read(ehDocname[:])
	panicOn(err)
	copy(headers[4:36], ehDocname[:])
	_, err = rand.Read(headers[36:72]) // encrypted header fields
	panicOn(err)

	signInto(t, priv, data, headers, mode)

	nodeKey = NewNodeSSK(&priv.DSAPublicKey, ehDocname)
	return
}

// signInto recomputes the layered hash over data and
// headers[:72] and writes a fresh signature into
// headers[72:136].
func signInto(t *testing.T, priv *crypt.DSAPrivateKey, data, headers []byte, mode crypt.HashMode) {
	t.Helper()
	dataHash := crypt.Sum256(data)
	h := crypt.GetDigest()
	h.Write(headers[:72])
	h.Write(dataHash[:])
	overall := h.Sum(nil)
	crypt.PutDigest(h)

	sig, err := crypt.Sign(priv, new(big.Int).SetBytes(overall), mode, rand.Reader)
	panicOn(err)
	// R and S are fixed-width 32 byte unsigned big-endian.
	for i := 72; i < 136; i++ {
		headers[i] = 0
	}
	rb := sig.R.Bytes()
	copy(headers[104-len(rb):104], rb)
	sb := sig.S.Bytes()
	copy(headers[136-len(sb):136], sb)
}

func Test100_valid_block_admits_under_both_signing_modes(t *testing.T) {
	for _, mode := range []crypt.HashMode{crypt.HashRaw, crypt.HashCanonical} {
		data, headers, nodeKey := mintSSK(t, mode)
		b, err := NewSSKBlock(data, headers, nodeKey, false)
		if err != nil {
			t.Fatalf("legitimate block rejected (mode %v): %v", mode, err)
		}
		if b.HashIdentifier() != HashSHA256 {
			t.Fatalf("hash identifier = %v", b.HashIdentifier())
		}
		if b.SymCipherIdentifier() != SymAESPCFB256SHA256 {
			t.Fatalf("sym cipher identifier = %v", b.SymCipherIdentifier())
		}
	}
}

func Test110_any_covered_byte_flip_fails_verification(t *testing.T) {
	data, headers, nodeKey := mintSSK(t, crypt.HashRaw)

	flipData := []int{0, 1, 511, DataLength - 1}
	for _, i := range flipData {
		d2 := append([]byte{}, data...)
		d2[i] ^= 0x01
		if _, err := NewSSKBlock(d2, headers, nodeKey, false); err == nil {
			t.Fatalf("block admitted with data[%v] flipped", i)
		}
	}
	// every region of headers[0:136]: hash id, cipher id,
	// E(H(docname)), encrypted fields, R, S.
	flipHeaders := []int{0, 1, 2, 3, 4, 20, 35, 36, 50, 71, 72, 90, 103, 104, 120, 135}
	for _, i := range flipHeaders {
		h2 := append([]byte{}, headers...)
		h2[i] ^= 0x01
		_, err := NewSSKBlock(data, h2, nodeKey, false)
		var ve *VerifyError
		if !errors.As(err, &ve) {
			t.Fatalf("headers[%v] flip gave %T (%v), want *VerifyError", i, err, err)
		}
	}
}

func Test115_trailing_bytes_are_outside_the_signature(t *testing.T) {
	data, headers, nodeKey := mintSSK(t, crypt.HashRaw)
	for i := 136; i < TotalHeadersLength; i++ {
		h2 := append([]byte{}, headers...)
		h2[i] ^= 0xff
		if _, err := NewSSKBlock(data, h2, nodeKey, false); err != nil {
			t.Fatalf("flip of unused trailing byte %v rejected the block: %v", i, err)
		}
	}
}

func Test120_equality_ignores_signature_tail(t *testing.T) {
	cv.Convey("two blocks for the same (key, data) pair should compare equal even when their signature bytes differ, and a block whose signature was corrupted still compares equal to the original even though it no longer verifies", t, func() {
		data, headers, nodeKey := mintSSK(t, crypt.HashRaw)
		b1, err := NewSSKBlock(data, headers, nodeKey, false)
		cv.So(err, cv.ShouldBeNil)

		// re-sign: DSA is randomized, so the tail differs.
		h2 := append([]byte{}, headers...)
		signInto(t, testDSAKey(), data, h2, crypt.HashRaw)
		b2, err := NewSSKBlock(data, h2, nodeKey, false)
		cv.So(err, cv.ShouldBeNil)
		cv.So(b1.Equal(b2), cv.ShouldBeTrue)

		// corrupt a signature byte: construction fails...
		h3 := append([]byte{}, headers...)
		h3[110] ^= 0x40
		_, err = NewSSKBlock(data, h3, nodeKey, false)
		cv.So(err, cv.ShouldNotBeNil)
		// ...but structurally the block is the same one.
		b3, err := NewSSKBlock(data, h3, nodeKey, true)
		cv.So(err, cv.ShouldBeNil)
		cv.So(b1.Equal(b3), cv.ShouldBeTrue)

		// a payload difference is never equal.
		d4 := append([]byte{}, data...)
		d4[17] ^= 0x01
		b4, err := NewSSKBlock(d4, headers, nodeKey, true)
		cv.So(err, cv.ShouldBeNil)
		cv.So(b1.Equal(b4), cv.ShouldBeFalse)

		// nor is a prefix difference.
		h5 := append([]byte{}, headers...)
		h5[40] ^= 0x01
		b5, err := NewSSKBlock(data, h5, nodeKey, true)
		cv.So(err, cv.ShouldBeNil)
		cv.So(b1.Equal(b5), cv.ShouldBeFalse)
	})
}

func Test130_length_checks(t *testing.T) {
	data, headers, nodeKey := mintSSK(t, crypt.HashRaw)

	_, err := NewSSKBlock(data, headers[:TotalHeadersLength-1], nodeKey, false)
	if !errors.Is(err, ErrHeaderLength) {
		t.Fatalf("short headers gave %v, want ErrHeaderLength", err)
	}
	_, err = NewSSKBlock(data, append(append([]byte{}, headers...), 0), nodeKey, false)
	if !errors.Is(err, ErrHeaderLength) {
		t.Fatalf("long headers gave %v, want ErrHeaderLength", err)
	}

	var ve *VerifyError
	_, err = NewSSKBlock(data[:DataLength-1], headers, nodeKey, false)
	if !errors.As(err, &ve) {
		t.Fatalf("short data gave %v, want *VerifyError", err)
	}
	_, err = NewSSKBlock(append(append([]byte{}, data...), 0), headers, nodeKey, false)
	if !errors.As(err, &ve) {
		t.Fatalf("long data gave %v, want *VerifyError", err)
	}
}

func Test140_missing_pubkey_rejected(t *testing.T) {
	data, headers, nodeKey := mintSSK(t, crypt.HashRaw)
	bare := NewNodeSSK(nil, nodeKey.EncryptedHashedDocname)
	var ve *VerifyError
	_, err := NewSSKBlock(data, headers, bare, false)
	if !errors.As(err, &ve) {
		t.Fatalf("nil pubkey gave %v, want *VerifyError", err)
	}
}

func Test150_ehdocname_mismatch_rejected_even_without_verify(t *testing.T) {
	data, headers, nodeKey := mintSSK(t, crypt.HashRaw)
	var other [32]byte
	other = nodeKey.EncryptedHashedDocname
	other[0] ^= 0x01
	wrongKey := NewNodeSSK(nodeKey.PubKey, other)

	var ve *VerifyError
	_, err := NewSSKBlock(data, headers, wrongKey, false)
	if !errors.As(err, &ve) {
		t.Fatalf("wrong key gave %v, want *VerifyError", err)
	}
	// the docname binding holds even when signature
	// verification is skipped.
	_, err = NewSSKBlock(data, headers, wrongKey, true)
	if !errors.As(err, &ve) {
		t.Fatalf("wrong key with dontVerify gave %v, want *VerifyError", err)
	}
}

func Test160_accessors(t *testing.T) {
	data, headers, nodeKey := mintSSK(t, crypt.HashRaw)
	b, err := NewSSKBlock(data, headers, nodeKey, false)
	panicOn(err)

	if &b.RawData()[0] != &data[0] {
		t.Fatalf("RawData should expose the block's payload")
	}
	if &b.RawHeaders()[0] != &headers[0] {
		t.Fatalf("RawHeaders should expose the block's headers")
	}
	if b.Key() != Key(nodeKey) {
		t.Fatalf("Key should return the node key")
	}
	if !b.PubKey().Equal(nodeKey.PubKey) {
		t.Fatalf("PubKey mismatch")
	}
	back, err := crypt.ParsePublicKey(b.PubKeyBytes())
	panicOn(err)
	if !back.Equal(nodeKey.PubKey) {
		t.Fatalf("PubKeyBytes does not round trip")
	}
	if len(b.RoutingKey()) != 32 {
		t.Fatalf("routing key length %v", len(b.RoutingKey()))
	}
	if got, want := b.FullKey(), nodeKey.FullKey(); string(got) != string(want) {
		t.Fatalf("FullKey mismatch")
	}
}

func Test170_chk_block_verifies_by_content(t *testing.T) {
	data := []byte("some encrypted payload bytes")
	b := NewCHKBlockFromData(data, nil)

	key := b.Key().(*NodeCHK)
	again, err := NewCHKBlock(data, nil, key, false)
	if err != nil {
		t.Fatalf("CHK re-admission failed: %v", err)
	}
	if !KeyEqual(again.Key(), b.Key()) {
		t.Fatalf("CHK keys differ")
	}

	bad := append([]byte{}, data...)
	bad[0] ^= 0x01
	if _, err = NewCHKBlock(bad, nil, key, false); err == nil {
		t.Fatalf("CHK admitted with flipped payload")
	}
}
