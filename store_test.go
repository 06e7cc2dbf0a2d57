package sskstore

import (
	"path/filepath"
	"testing"

	cv "github.com/glycerine/goconvey/convey"
	"github.com/mirisle/sskstore/crypt"
	bolt "go.etcd.io/bbolt"
)

func Test300_memstore_roundtrip(t *testing.T) {
	s := NewMemStore()
	k1, b1 := chkFixture("mem1")
	k2, _ := chkFixture("mem2")
	s.Put(b1)

	if got := s.Fetch(k1, false); got != KeyBlock(b1) {
		t.Fatalf("Fetch(k1) = %v", got)
	}
	if got := s.Fetch(k2, false); got != nil {
		t.Fatalf("Fetch(k2) should miss, got %v", got)
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %v", s.Len())
	}
	// dontCache is a promotion hint, never a correctness
	// switch: the hit must still come back.
	if got := s.Fetch(k1, true); got != KeyBlock(b1) {
		t.Fatalf("Fetch(k1, dontCache) = %v", got)
	}
}

func Test305_memstore_holds_ssk_blocks(t *testing.T) {
	s := NewMemStore()
	data, headers, nodeKey := mintSSK(t, crypt.HashRaw)
	b, err := NewSSKBlock(data, headers, nodeKey, false)
	panicOn(err)
	s.Put(b)

	got := s.Fetch(nodeKey, false)
	if got == nil {
		t.Fatalf("SSK block not found under its node key")
	}
	if !got.(*SSKBlock).Equal(b) {
		t.Fatalf("fetched a different block")
	}
	// a clone of the key reaches the same block.
	if s.Fetch(nodeKey.Clone(), false) == nil {
		t.Fatalf("cloned key should hit the same entry")
	}
}

func Test310_boltstore_chk_persistence(t *testing.T) {
	cv.Convey("a CHK block put into the bolt store should come back verified across a reopen, and SSK probes should always miss", t, func() {
		dir := t.TempDir()
		path := filepath.Join(dir, "store.db")
		s, err := OpenBoltStore(path)
		cv.So(err, cv.ShouldBeNil)

		k1, b1 := chkFixture("bolt1")
		cv.So(s.PutCHK(b1), cv.ShouldBeNil)

		got := s.Fetch(k1, false)
		cv.So(got, cv.ShouldNotBeNil)
		cv.So(KeyEqual(got.Key(), k1), cv.ShouldBeTrue)
		cv.So(string(got.RawData()), cv.ShouldEqual, string(b1.RawData()))

		cv.So(s.Close(), cv.ShouldBeNil)
		s, err = OpenBoltStore(path)
		cv.So(err, cv.ShouldBeNil)
		defer s.Close()
		cv.So(s.Fetch(k1, false), cv.ShouldNotBeNil)

		// an SSK key type never hits the durable store.
		data, headers, nodeKey := mintSSK(t, crypt.HashRaw)
		_, _ = data, headers
		cv.So(s.Fetch(nodeKey, false), cv.ShouldBeNil)
	})
}

func Test315_boltstore_rejects_doctored_record(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenBoltStore(filepath.Join(dir, "store.db"))
	panicOn(err)
	defer s.Close()

	k1, b1 := chkFixture("doctored")
	panicOn(s.PutCHK(b1))

	// overwrite the record with bytes that parse but do not
	// hash to the key.
	rec := encodeBlockRecord(nil, []byte("not the original payload"))
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(chkBlocksBucket).Put(k1.RoutingKey(), rec)
	})
	panicOn(err)

	if got := s.Fetch(k1, false); got != nil {
		t.Fatalf("doctored record served as a block: %v", got)
	}
}

func Test320_layered_store_front_wins(t *testing.T) {
	front := NewMemStore()
	back := NewMemStore()
	k1, b1 := chkFixture("front")
	k2, b2 := chkFixture("back")
	front.Put(b1)
	back.Put(b2)

	layered := NewLayeredStore(front, back)
	if got := layered.Fetch(k1, false); got != KeyBlock(b1) {
		t.Fatalf("front layer miss")
	}
	if got := layered.Fetch(k2, false); got != KeyBlock(b2) {
		t.Fatalf("fallthrough to back layer failed")
	}
	k3, _ := chkFixture("nowhere")
	if got := layered.Fetch(k3, false); got != nil {
		t.Fatalf("phantom hit: %v", got)
	}
}

func Test330_block_record_codec(t *testing.T) {
	headers := []byte{1, 2, 3}
	data := []byte("abcdef")
	rec := encodeBlockRecord(headers, data)
	h, d, err := decodeBlockRecord(rec)
	panicOn(err)
	if string(h) != string(headers) || string(d) != string(data) {
		t.Fatalf("codec did not round trip")
	}
	for cut := 1; cut < len(rec); cut++ {
		if _, _, err := decodeBlockRecord(rec[:cut]); err == nil {
			t.Fatalf("truncation to %v bytes decoded without error", cut)
		}
	}
}
