package notify

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/dsyorkd/fleet-controller/internal/errors"
)

var eventsBucket = []byte("events")

// Journal is an append-only event history in a bbolt file. Records are
// CBOR encoded and keyed by a monotonically increasing sequence.
type Journal struct {
	db        *bolt.DB
	maxEvents int
}

// OpenJournal opens or creates the journal at path. maxEvents bounds the
// history; older events are pruned on write. Zero keeps everything.
func OpenJournal(path string, maxEvents int) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "failed to create journal directory %s", dir)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open event journal %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(eventsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to initialise event journal")
	}

	return &Journal{db: db, maxEvents: maxEvents}, nil
}

// Name implements Sink
func (j *Journal) Name() string { return "journal" }

// Deliver implements Sink by appending e
func (j *Journal) Deliver(_ context.Context, e Event) error {
	return j.Append(e)
}

// Append stores e and prunes the oldest records past the limit
func (j *Journal) Append(e Event) error {
	data, err := cbor.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(eventsBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		if err := b.Put(itob(seq), data); err != nil {
			return err
		}

		if j.maxEvents <= 0 || seq <= uint64(j.maxEvents) {
			return nil
		}
		cutoff := seq - uint64(j.maxEvents)
		var stale [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && binary.BigEndian.Uint64(k) <= cutoff; k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// List returns up to limit events, newest first. limit <= 0 returns all.
func (j *Journal) List(limit int) ([]Event, error) {
	var events []Event
	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(eventsBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(events) >= limit {
				break
			}
			var e Event
			if err := cbor.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode event %d: %w", binary.BigEndian.Uint64(k), err)
			}
			events = append(events, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// Close closes the journal file
func (j *Journal) Close() error {
	return j.db.Close()
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
