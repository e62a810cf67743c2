// Package pgsot is a reference sot.SoT adapter backed by
// github.com/jackc/pgx/v5: the Standard-profile storage backend, using
// a pgxpool.Pool for reads/writes and a dedicated LISTEN/NOTIFY
// connection to drive Reader's live-update stream, the same
// reconnect-on-error listen loop the rest of the corpus uses for
// Postgres-backed change notification.
package pgsot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/continuumlabs/syncstore/key"
	"github.com/continuumlabs/syncstore/sot"
)

const (
	notifyChannel = "syncstore_records_changed"
	schema        = `
CREATE TABLE IF NOT EXISTS records (
	key_hash   BIGINT PRIMARY KEY,
	namespace  TEXT NOT NULL,
	key_string TEXT NOT NULL,
	payload    JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE OR REPLACE FUNCTION syncstore_notify_record_change() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('` + notifyChannel + `', COALESCE(NEW.key_hash, OLD.key_hash)::text);
	RETURN NULL;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS syncstore_records_notify ON records;
CREATE TRIGGER syncstore_records_notify
AFTER INSERT OR UPDATE OR DELETE ON records
FOR EACH ROW EXECUTE FUNCTION syncstore_notify_record_change();
`
)

// Config bundles the connection parameters Open needs.
type Config struct {
	DSN            string
	MaxConnections int32
	MinConnections int32
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// SoT is a jackc/pgx/v5-backed implementation of sot.SoT[T, T].
type SoT[T any] struct {
	pool *pgxpool.Pool
	log  *slog.Logger

	mu        sync.Mutex
	listeners map[uint64][]chan *T

	cancelListen context.CancelFunc
}

var _ sot.SoT[int, int] = (*SoT[int])(nil)

// Open connects to Postgres, ensures the records table/trigger exist,
// and starts the background LISTEN loop that drives Reader.
func Open[T any](ctx context.Context, cfg Config) (*SoT[T], error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgsot: parse dsn: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("pgsot: connect: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgsot: ping: %w", err)
	}
	if _, err := pool.Exec(connectCtx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgsot: init schema: %w", err)
	}

	listenCtx, cancelListen := context.WithCancel(context.Background())
	s := &SoT[T]{
		pool:         pool,
		log:          cfg.Logger,
		listeners:    make(map[uint64][]chan *T),
		cancelListen: cancelListen,
	}
	go s.listenLoop(listenCtx)
	return s, nil
}

// Close stops the LISTEN loop and closes the connection pool.
func (s *SoT[T]) Close() error {
	s.cancelListen()
	s.pool.Close()
	return nil
}

type txKeyType struct{}

var txKey = txKeyType{}

// execerIface is the Exec subset pgx.Tx and pgxpool.Pool both satisfy,
// letting Write/Delete run against whichever is active for ctx.
type execerIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func execer(ctx context.Context, pool *pgxpool.Pool) execerIface {
	if tx, ok := ctx.Value(txKey).(pgx.Tx); ok {
		return tx
	}
	return pool
}

// listenLoop maintains the LISTEN connection, reconnecting on error,
// and fans every notification out to Reader subscribers for that key.
func (s *SoT[T]) listenLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := s.listenOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("pgsot: listen error, reconnecting", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

func (s *SoT[T]) listenOnce(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return fmt.Errorf("LISTEN: %w", err)
	}

	for {
		notif, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		h, err := strconv.ParseUint(notif.Payload, 10, 64)
		if err != nil {
			s.log.Warn("pgsot: malformed notification payload", "payload", notif.Payload)
			continue
		}
		v, err := s.readRow(ctx, h)
		if err != nil {
			s.log.Warn("pgsot: re-read after notification failed", "error", err)
			continue
		}
		s.notify(h, v)
	}
}

func (s *SoT[T]) readRow(ctx context.Context, h uint64) (*T, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM records WHERE key_hash = $1`, int64(h)).Scan(&payload)
	if err == pgx.ErrNoRows {
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

// Reader implements sot.Reader: it seeds the current row (nil if
// absent) and then streams every subsequent commit for k, driven by
// the LISTEN/NOTIFY loop, until ctx is cancelled.
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

func (s *SoT[T]) notify(h uint64, v *T) {
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

// Write implements sot.Writer.
func (s *SoT[T]) Write(ctx context.Context, k key.Key, row T) error {
	payload, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("pgsot: encode row for %s: %w", k.String(), err)
	}
	exec := execer(ctx, s.pool)
	_, err = exec.Exec(ctx, `
		INSERT INTO records (key_hash, namespace, key_string, payload, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (key_hash) DO UPDATE SET
			namespace = excluded.namespace,
			key_string = excluded.key_string,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, int64(k.StableHash()), k.Namespace(), k.String(), payload)
	if err != nil {
		return fmt.Errorf("pgsot: write %s: %w", k.String(), err)
	}
	return nil
}

// Delete implements sot.Writer.
func (s *SoT[T]) Delete(ctx context.Context, k key.Key) error {
	exec := execer(ctx, s.pool)
	_, err := exec.Exec(ctx, `DELETE FROM records WHERE key_hash = $1`, int64(k.StableHash()))
	if err != nil {
		return fmt.Errorf("pgsot: delete %s: %w", k.String(), err)
	}
	return nil
}

// WithTransaction implements sot.Transactor using a real pgx.Tx,
// carried through ctx so Write/Delete calls inside block run against
// it instead of the pool.
func (s *SoT[T]) WithTransaction(ctx context.Context, block func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey).(pgx.Tx); ok {
		return fmt.Errorf("pgsot: reentrant WithTransaction is not supported")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pgsot: begin transaction: %w", err)
	}
	txCtx := context.WithValue(ctx, txKey, tx)
	if err := block(txCtx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("pgsot: commit transaction: %w", err)
	}
	return nil
}

// Rekey implements sot.Rekeyer: it atomically moves the row from old to
// new within a single transaction, running reconcile against whatever
// is currently stored at old (or the zero value if absent).
func (s *SoT[T]) Rekey(ctx context.Context, old, new key.Key, reconcile func(current T) (T, error)) error {
	return s.WithTransaction(ctx, func(txCtx context.Context) error {
		cur, err := s.readRowTx(txCtx, old.StableHash())
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

func (s *SoT[T]) readRowTx(ctx context.Context, h uint64) (*T, error) {
	tx, ok := ctx.Value(txKey).(pgx.Tx)
	if !ok {
		return s.readRow(ctx, h)
	}
	var payload []byte
	err := tx.QueryRow(ctx, `SELECT payload FROM records WHERE key_hash = $1`, int64(h)).Scan(&payload)
	if err == pgx.ErrNoRows {
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
