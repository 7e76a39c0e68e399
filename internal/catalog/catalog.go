// Package catalog keeps a local index of finished recordings so sessions
// can be listed and located without scanning the output directory. It is
// a small embedded key-value store; each entry is one recording.
package catalog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"gocorder/internal/block"
)

const keyPrefix = "recording/"

// Entry describes one finished recording.
type Entry struct {
	ID        string        `json:"id"`
	Base      string        `json:"base"` // file set path without extension
	Device    string        `json:"device"`
	Channels  int           `json:"channels"`
	Rate      float64       `json:"rate"`
	Frames    uint64        `json:"frames"`
	Gaps      uint64        `json:"gaps"`
	GapFrames uint64        `json:"gap_frames"`
	Markers   int           `json:"markers"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
	Archived  bool          `json:"archived"`
}

// Catalog is the recording index.
type Catalog struct {
	db *badger.DB
}

// Open opens or creates the catalog at path. An empty path opens an
// in-memory catalog, used by tests and by runs without a configured one.
func Open(path string) (*Catalog, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, &block.StorageError{Path: path, Err: fmt.Errorf("open catalog: %w", err)}
	}
	return &Catalog{db: db}, nil
}

// Add stores a new entry and returns it with a generated ID.
func (c *Catalog) Add(e Entry) (Entry, error) {
	e.ID = uuid.NewString()
	payload, err := json.Marshal(e)
	if err != nil {
		return Entry{}, err
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+e.ID), payload)
	})
	if err != nil {
		return Entry{}, &block.StorageError{Path: e.Base, Err: fmt.Errorf("catalog add: %w", err)}
	}
	return e, nil
}

// Get looks up one entry by ID.
func (c *Catalog) Get(id string) (Entry, error) {
	var e Entry
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
	})
	if err == badger.ErrKeyNotFound {
		return Entry{}, fmt.Errorf("recording %s not in catalog", id)
	}
	return e, err
}

// List returns all entries ordered by start time, oldest first.
func (c *Catalog) List() ([]Entry, error) {
	var entries []Entry
	err := c.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var e Entry
				if err := json.Unmarshal(val, &e); err != nil {
					return err
				}
				entries = append(entries, e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].Started.Before(entries[j-1].Started); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
	return entries, nil
}

// Remove deletes one entry. Removing an unknown ID is not an error.
func (c *Catalog) Remove(id string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyPrefix + id))
	})
}

// Close releases the store.
func (c *Catalog) Close() error {
	return c.db.Close()
}
