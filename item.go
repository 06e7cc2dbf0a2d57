package sskstore

import (
	"encoding/binary"
	"fmt"

	gjson "github.com/goccy/go-json"
	bolt "go.etcd.io/bbolt"
)

// CheckerItem is the durable work descriptor for one
// persistent request. It is a plain record: the getter is
// referenced by an opaque id resolved through the
// GetterRegistry, never by an object graph edge.
type CheckerItem struct {
	ID uint64 `json:"id"`

	// GetterID resolves through the registry to the live
	// SendableGet, or fails to when the request is gone.
	GetterID uint64 `json:"getterID"`

	// NodeDBHandle identifies the owning node installation.
	NodeDBHandle int64 `json:"nodeDBHandle"`

	// Prio is the priority class; smaller is more urgent.
	Prio int `json:"prio"`

	// ChosenBy is the boot session that adopted this item;
	// 0 means unadopted, ready for the loader.
	ChosenBy int64 `json:"chosenBy"`
}

var checkerItemsBucket = []byte("checkerItems")

// ItemDB is the durable store for CheckerItems. All calls
// after startup happen on the database executor goroutine.
type ItemDB struct {
	db *bolt.DB
}

func openBolt(dbPath string) (db *bolt.DB, err error) {
	o := bolt.DefaultOptions
	o.FreelistType = bolt.FreelistArrayType

	db, err = bolt.Open(dbPath, 0600, o)
	return
}

// OpenItemDB opens (creating if needed) the item database
// at path.
func OpenItemDB(path string) (d *ItemDB, err error) {
	db, err := openBolt(path)
	if err != nil {
		return nil, fmt.Errorf("OpenItemDB('%v'): %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err2 := tx.CreateBucketIfNotExists(checkerItemsBucket)
		return err2
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &ItemDB{db: db}, nil
}

func (d *ItemDB) Close() error {
	return d.db.Close()
}

func itemKey(id uint64) (key [8]byte) {
	binary.BigEndian.PutUint64(key[:], id)
	return
}

// Store writes it, assigning an ID on first store.
func (d *ItemDB) Store(it *CheckerItem) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(checkerItemsBucket)
		if it.ID == 0 {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			it.ID = seq
		}
		by, err := gjson.Marshal(it)
		if err != nil {
			return err
		}
		key := itemKey(it.ID)
		return b.Put(key[:], by)
	})
}

// Delete removes the item with the given id; deleting a
// missing id is not an error.
func (d *ItemDB) Delete(id uint64) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		key := itemKey(id)
		return tx.Bucket(checkerItemsBucket).Delete(key[:])
	})
}

// IsStored reports whether an item with the given id
// exists.
func (d *ItemDB) IsStored(id uint64) (present bool, err error) {
	err = d.db.View(func(tx *bolt.Tx) error {
		key := itemKey(id)
		present = tx.Bucket(checkerItemsBucket).Get(key[:]) != nil
		return nil
	})
	return
}

// ByPrio returns the items owned by nodeDBHandle at
// exactly prio, in id order.
func (d *ItemDB) ByPrio(nodeDBHandle int64, prio int) (items []*CheckerItem, err error) {
	err = d.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(checkerItemsBucket).Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			it := &CheckerItem{}
			if err2 := gjson.Unmarshal(v, it); err2 != nil {
				alwaysPrintf("ItemDB.ByPrio: corrupt item under key %x: %v", k, err2)
				continue
			}
			if it.NodeDBHandle != nodeDBHandle || it.Prio != prio {
				continue
			}
			items = append(items, it)
		}
		return nil
	})
	return
}
