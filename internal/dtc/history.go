package dtc

import (
	"fmt"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

const historyBucket = "dtc_history"

var encMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Entry is the stored history of one code.
type Entry struct {
	Code        string    `cbor:"1,keyasint" json:"code"`
	Description string    `cbor:"2,keyasint,omitempty" json:"description,omitempty"`
	FirstSeen   time.Time `cbor:"3,keyasint" json:"firstSeen"`
	LastSeen    time.Time `cbor:"4,keyasint" json:"lastSeen"`
	Count       int       `cbor:"5,keyasint" json:"count"`
}

// History persists every code the vehicle has reported, keyed by code.
type History struct {
	db *bolt.DB
}

// OpenHistory opens (or creates) the history database at path.
func OpenHistory(path string) (*History, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open dtc history %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(historyBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init dtc history: %w", err)
	}
	return &History{db: db}, nil
}

// Observe records a DTC read result. It returns the codes that had never
// been seen before.
func (h *History) Observe(records []Record, at time.Time) ([]Record, error) {
	var fresh []Record
	err := h.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(historyBucket))
		for _, r := range records {
			key := []byte(r.Code)
			e := Entry{Code: r.Code, FirstSeen: at}
			if v := b.Get(key); v != nil {
				if err := cbor.Unmarshal(v, &e); err != nil {
					return fmt.Errorf("decode %s: %w", r.Code, err)
				}
			} else {
				fresh = append(fresh, r)
			}
			if r.Description != "" {
				e.Description = r.Description
			}
			e.LastSeen = at
			e.Count++
			v, err := encMode.Marshal(e)
			if err != nil {
				return fmt.Errorf("encode %s: %w", r.Code, err)
			}
			if err := b.Put(key, v); err != nil {
				return err
			}
		}
		return nil
	})
	return fresh, err
}

// List returns all entries, most recently seen first.
func (h *History) List() ([]Entry, error) {
	var out []Entry
	err := h.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(historyBucket)).ForEach(func(k, v []byte) error {
			var e Entry
			if err := cbor.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			out = append(out, e)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].Code < out[j].Code
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out, err
}

// Clear drops the whole history.
func (h *History) Clear() error {
	return h.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(historyBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte(historyBucket))
		return err
	})
}

func (h *History) Close() error {
	return h.db.Close()
}
