// Package sqlitesot is a reference sot.SoT adapter backed by
// modernc.org/sqlite, a CGO-free SQLite driver — chosen over the
// teacher's mattn/go-sqlite3 because the test suite in this sandbox
// cannot rely on a CGO toolchain being available (see DESIGN.md).
//
// It is the Lite-profile storage backend: a single file, no external
// process, used the same way the teacher's filesystem storage backend
// serves its own single-node deployment profile.
package sqlitesot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/continuumlabs/syncstore/key"
	"github.com/continuumlabs/syncstore/sot"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	key_hash   INTEGER PRIMARY KEY,
	namespace  TEXT NOT NULL,
	key_string TEXT NOT NULL,
	payload    BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// SoT is a modernc.org/sqlite-backed implementation of sot.SoT[T, T].
// As with memsot, read and write rows share the same type T; SQLite has
// no native pub/sub, so Reader is served by an in-process fan-out
// identical in shape to memsot's, seeded from the on-disk row.
type SoT[T any] struct {
	db *sql.DB

	mu        sync.Mutex
	listeners map[uint64][]chan *T
}

var _ sot.SoT[int, int] = (*SoT[int])(nil)

// Open opens (creating if absent) a SQLite database file at path and
// ensures the records table exists. The row type T must be supplied
// explicitly at the call site (sqlitesot.Open[MyRow](path)) since Go
// cannot infer a type parameter that appears only in the return type.
func Open[T any](path string) (*SoT[T], error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitesot: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitesot: init schema: %w", err)
	}
	return &SoT[T]{db: db, listeners: make(map[uint64][]chan *T)}, nil
}

// Close releases the underlying database connection.
func (s *SoT[T]) Close() error { return s.db.Close() }

type txKeyType struct{}

var txKey = txKeyType{}

func (s *SoT[T]) querier(ctx context.Context) interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
	ExecContext(context.Context, string, ...any) (sql.Result, error)
} {
	if tx, ok := ctx.Value(txKey).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// Reader implements sot.Reader. It seeds the current row (nil if
// absent) and then streams every subsequent Write/Delete for k until
// ctx is cancelled, mirroring memsot's emission ordering guarantee.
func (s *SoT[T]) Reader(ctx context.Context, k key.Key) <-chan *T {
	h := k.StableHash()
	ch := make(chan *T, 4)

	s.mu.Lock()
	s.listeners[h] = append(s.listeners[h], ch)
	s.mu.Unlock()

	go func() {
		initial, err := s.readRow(ctx, h)
		if err != nil {
			initial = nil
		}
		select {
		case ch <- initial:
		case <-ctx.Done():
		}
	}()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		ls := s.listeners[h]
		for i, l := range ls {
			if l == ch {
				s.listeners[h] = append(ls[:i], ls[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch
}

func (s *SoT[T]) readRow(ctx context.Context, h uint64) (*T, error) {
	var payload []byte
	err := s.querier(ctx).QueryRowContext(ctx,
		`SELECT payload FROM records WHERE key_hash = ?`, int64(h)).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Write implements sot.Writer.
func (s *SoT[T]) Write(ctx context.Context, k key.Key, row T) error {
	payload, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("sqlitesot: encode row for %s: %w", k.String(), err)
	}
	_, err = s.querier(ctx).ExecContext(ctx, `
		INSERT INTO records (key_hash, namespace, key_string, payload, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key_hash) DO UPDATE SET
			namespace = excluded.namespace,
			key_string = excluded.key_string,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, int64(k.StableHash()), k.Namespace(), k.String(), payload, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("sqlitesot: write %s: %w", k.String(), err)
	}
	s.notify(ctx, k.StableHash(), &row)
	return nil
}

// Delete implements sot.Writer.
func (s *SoT[T]) Delete(ctx context.Context, k key.Key) error {
	_, err := s.querier(ctx).ExecContext(ctx, `DELETE FROM records WHERE key_hash = ?`, int64(k.StableHash()))
	if err != nil {
		return fmt.Errorf("sqlitesot: delete %s: %w", k.String(), err)
	}
	s.notify(ctx, k.StableHash(), nil)
	return nil
}

// notify fans the new value out to every live Reader for h. Committing
// inside a transaction that later rolls back would still have notified
// subscribers of a value that was never durably written; callers that
// need strict consistency between commit and notification should avoid
// wrapping Write/Delete calls that matter for cache coherency inside a
// WithTransaction block spanning more than one statement.
func (s *SoT[T]) notify(_ context.Context, h uint64, v *T) {
	s.mu.Lock()
	ls := append([]chan *T(nil), s.listeners[h]...)
	s.mu.Unlock()
	for _, ch := range ls {
		select {
		case ch <- v:
		default:
		}
	}
}

// WithTransaction implements sot.Transactor using a real *sql.Tx,
// carried through ctx so Write/Delete calls inside block run against
// it instead of the pool's default connection.
func (s *SoT[T]) WithTransaction(ctx context.Context, block func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey).(*sql.Tx); ok {
		return fmt.Errorf("sqlitesot: reentrant WithTransaction is not supported")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitesot: begin transaction: %w", err)
	}
	txCtx := context.WithValue(ctx, txKey, tx)
	if err := block(txCtx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlitesot: commit transaction: %w", err)
	}
	return nil
}

// Rekey implements sot.Rekeyer: it atomically moves the row from old to
// new within a single transaction, running reconcile against whatever
// is currently stored at old (or the zero value if absent).
func (s *SoT[T]) Rekey(ctx context.Context, old, new key.Key, reconcile func(current T) (T, error)) error {
	return s.WithTransaction(ctx, func(txCtx context.Context) error {
		cur, err := s.readRow(txCtx, old.StableHash())
		if err != nil {
			return err
		}
		var zero T
		if cur == nil {
			cur = &zero
		}
		merged, err := reconcile(*cur)
		if err != nil {
			return err
		}
		if err := s.Delete(txCtx, old); err != nil {
			return err
		}
		return s.Write(txCtx, new, merged)
	})
}
