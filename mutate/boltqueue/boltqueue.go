// Package boltqueue is the reference durable offline-mutation queue:
// a go.etcd.io/bbolt-backed ordered log of mutate.Record entries,
// replayed in insertion order once connectivity returns. bbolt was
// chosen for the same reason the teacher's distributed-lock and
// idempotency bookkeeping lean on embedded, dependency-free storage
// for local durability: a single-file, crash-safe B+tree needs no
// server process, which matches an offline queue's job of surviving
// this process restarting without network access.
package boltqueue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/continuumlabs/syncstore/key"
	"github.com/continuumlabs/syncstore/mutate"
)

var bucketName = []byte("offline_mutations")

// Queue implements mutate.Queue on top of a bbolt database file.
type Queue struct {
	db *bbolt.DB
}

// storedRecord is the JSON-on-disk shape of a mutate.Record: key.Key is
// an interface, so it is flattened into a namespace/opaque string pair
// that Open's caller can round-trip through its own key encoding.
type storedRecord struct {
	KeyString  string          `json:"key"`
	Namespace  string          `json:"namespace"`
	Kind       mutate.Kind     `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Precond    *mutate.Precondition `json:"precondition,omitempty"`
	EnqueuedAt int64           `json:"enqueued_at_unix_nano"`
}

// Open opens (creating if absent) a bbolt database at path and ensures
// the offline-mutations bucket exists.
func Open(path string) (*Queue, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("boltqueue: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("boltqueue: init bucket: %w", err)
	}
	return &Queue{db: db}, nil
}

// Close releases the underlying database file.
func (q *Queue) Close() error { return q.db.Close() }

// Enqueue appends rec to the durable log. Only k.String() and
// k.Namespace() survive the round trip (see DrainAll); a caller whose
// Dispatcher needs the original typed key back should keep its own
// index from k.String() to a reconstructable key.Key alongside this
// queue.
func (q *Queue) Enqueue(_ context.Context, rec mutate.Record) error {
	return q.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		sr := storedRecord{
			KeyString:  rec.Key.String(),
			Namespace:  rec.Key.Namespace(),
			Kind:       rec.Kind,
			Payload:    append(json.RawMessage(nil), rec.Payload...),
			Precond:    rec.Precond,
			EnqueuedAt: rec.EnqueuedAt.UnixNano(),
		}
		data, err := json.Marshal(sr)
		if err != nil {
			return err
		}
		return b.Put(sequenceKey(seq), data)
	})
}

// DrainAll returns every queued entry in insertion order (bbolt's
// cursor walks keys in byte order, and sequenceKey is a big-endian
// uint64 so insertion order and byte order coincide) and removes them.
// The returned Record.Key is a key.Custom carrying only the original
// String()/Namespace() pair: a replayer that needs the original typed
// key must correlate KeyString against its own application-level index.
func (q *Queue) DrainAll(_ context.Context) ([]mutate.Record, error) {
	var out []mutate.Record
	err := q.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		c := b.Cursor()
		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var sr storedRecord
			if err := json.Unmarshal(v, &sr); err != nil {
				return fmt.Errorf("boltqueue: decode entry: %w", err)
			}
			out = append(out, mutate.Record{
				Key:        key.Custom{NS: sr.Namespace, Opaque: sr.KeyString},
				Kind:       sr.Kind,
				Payload:    []byte(sr.Payload),
				Precond:    sr.Precond,
				EnqueuedAt: unixNanoToTime(sr.EnqueuedAt),
			})
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// Len reports how many mutations are currently queued.
func (q *Queue) Len(_ context.Context) (int, error) {
	n := 0
	err := q.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketName).Stats().KeyN
		return nil
	})
	return n, err
}

func sequenceKey(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}

func unixNanoToTime(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}
