// Package redisbackend is the reference normalization Backend: entity
// records and metadata are stored as Redis strings via
// github.com/redis/go-redis/v9 (the teacher's primary cache client, see
// internal/infrastructure/cache/redis.go), dependency sets as Redis
// sets, and invalidations are fanned out over Redis Pub/Sub so that
// every process sharing the same Redis instance observes the same
// recompose signals.
package redisbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/continuumlabs/syncstore/key"
	"github.com/continuumlabs/syncstore/meta"
	"github.com/continuumlabs/syncstore/normalize"
)

const (
	rootInvalChannel   = "syncstore:root_invalidations"
	entityInvalChannel = "syncstore:entity_invalidations"
)

// Backend implements normalize.Backend on top of a *redis.Client.
type Backend struct {
	rdb *redis.Client
	log *slog.Logger

	rootInval   chan normalize.RootRef
	entityInval chan key.Entity

	cancel context.CancelFunc
}

var _ normalize.Backend = (*Backend)(nil)

// New wraps an existing *redis.Client (a caller-provided client so
// tests can point it at a github.com/alicebob/miniredis/v2 instance,
// exactly as the teacher's own Redis cache tests do) and starts the
// background Pub/Sub listener that feeds RootInvalidations and
// EntityInvalidations.
func New(rdb *redis.Client, log *slog.Logger) *Backend {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Backend{
		rdb:         rdb,
		log:         log,
		rootInval:   make(chan normalize.RootRef, 64),
		entityInval: make(chan key.Entity, 64),
		cancel:      cancel,
	}
	go b.listen(ctx)
	return b
}

// Close stops the background Pub/Sub listener.
func (b *Backend) Close() { b.cancel() }

func recordKey(e key.Entity) string   { return "syncstore:record:" + e.String() }
func metaKey(e key.Entity) string     { return "syncstore:meta:" + e.String() }
func depsKey(rootID string) string    { return "syncstore:deps:" + rootID }
func reverseKey(e key.Entity) string  { return "syncstore:rroots:" + e.String() }
func rootInfoKey(rootID string) string { return "syncstore:rootinfo:" + rootID }

type storedRootInfo struct {
	ShapeID   string `json:"shape_id"`
	Namespace string `json:"namespace"`
	KeyString string `json:"key_string"`
}

// ReadOne implements normalize.Backend.
func (b *Backend) ReadOne(ctx context.Context, e key.Entity) (*normalize.Record, error) {
	data, err := b.rdb.Get(ctx, recordKey(e)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redisbackend: read %s: %w", e, err)
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ReadBatch implements normalize.Backend using a pipeline so a 256-wide
// BFS batch costs one round trip instead of 256.
func (b *Backend) ReadBatch(ctx context.Context, es []key.Entity) (map[key.Entity]normalize.Record, map[key.Entity]error) {
	records := make(map[key.Entity]normalize.Record, len(es))
	errs := make(map[key.Entity]error)
	if len(es) == 0 {
		return records, errs
	}

	cmds := make(map[key.Entity]*redis.StringCmd, len(es))
	_, err := b.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, e := range es {
			cmds[e] = pipe.Get(ctx, recordKey(e))
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		for _, e := range es {
			errs[e] = err
		}
		return records, errs
	}

	for e, cmd := range cmds {
		data, err := cmd.Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			errs[e] = err
			continue
		}
		rec, err := decodeRecord(data)
		if err != nil {
			errs[e] = err
			continue
		}
		records[e] = rec
	}
	return records, errs
}

// Apply implements normalize.Backend.
func (b *Backend) Apply(ctx context.Context, cs *normalize.ChangeSet) ([]normalize.RootRef, error) {
	touched := cs.Touched()

	for _, e := range touched {
		existing, err := b.ReadOne(ctx, e)
		if err != nil {
			return nil, err
		}
		var existingRec normalize.Record
		if existing != nil {
			existingRec = *existing
		}
		result, deleted := cs.ApplyRecord(e, existingRec)

		if deleted {
			if err := b.rdb.Del(ctx, recordKey(e)).Err(); err != nil {
				return nil, err
			}
			if err := b.setMeta(ctx, e, meta.EntityMeta{Tombstone: true}); err != nil {
				return nil, err
			}
			continue
		}
		if result != nil {
			data, err := json.Marshal(result)
			if err != nil {
				return nil, err
			}
			if err := b.rdb.Set(ctx, recordKey(e), data, 0).Err(); err != nil {
				return nil, err
			}
		}
		if m, ok := cs.Meta[e]; ok {
			if err := b.setMeta(ctx, e, m); err != nil {
				return nil, err
			}
		}
	}

	for _, rk := range cs.Rekeys {
		if err := b.rekey(ctx, rk.Old, rk.New); err != nil {
			return nil, err
		}
	}

	roots, err := b.rootsTouchedBy(ctx, touched)
	if err != nil {
		return nil, err
	}

	for _, e := range touched {
		payload, _ := json.Marshal(e)
		b.rdb.Publish(ctx, entityInvalChannel, payload)
	}
	for _, r := range roots {
		b.rdb.Publish(ctx, rootInvalChannel, r.ID())
	}
	return roots, nil
}

func (b *Backend) rekey(ctx context.Context, old, new key.Entity) error {
	existing, err := b.ReadOne(ctx, old)
	if err != nil {
		return err
	}
	if existing != nil {
		data, err := json.Marshal(*existing)
		if err != nil {
			return err
		}
		if err := b.rdb.Set(ctx, recordKey(new), data, 0).Err(); err != nil {
			return err
		}
		b.rdb.Del(ctx, recordKey(old))
	}

	// Rewrite every Ref/RefList pointing at old. The reference adapter
	// does not maintain a reverse field index, so this scans every
	// stored record (every syncstore:record:* key); a production-scale
	// backend would maintain an explicit field-level reverse index
	// instead.
	keysIter := b.rdb.Scan(ctx, 0, "syncstore:record:*", 0).Iterator()
	for keysIter.Next(ctx) {
		rk := keysIter.Val()
		data, err := b.rdb.Get(ctx, rk).Bytes()
		if err != nil {
			continue
		}
		rec, err := decodeRecord(data)
		if err != nil {
			continue
		}
		changed := false
		for f, v := range rec {
			switch v.Kind() {
			case normalize.KindRef:
				if ref, _ := v.AsRef(); ref == old {
					rec[f] = normalize.Ref(new)
					changed = true
				}
			case normalize.KindRefList:
				refs, _ := v.AsRefList()
				out := make([]key.Entity, len(refs))
				for i, r := range refs {
					if r == old {
						r = new
						changed = true
					}
					out[i] = r
				}
				if changed {
					rec[f] = normalize.RefList(out)
				}
			}
		}
		if changed {
			newData, err := json.Marshal(rec)
			if err == nil {
				b.rdb.Set(ctx, rk, newData, 0)
			}
		}
	}
	return keysIter.Err()
}

func (b *Backend) setMeta(ctx context.Context, e key.Entity, m meta.EntityMeta) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return b.rdb.Set(ctx, metaKey(e), data, 0).Err()
}

// ReadMetaBatch implements normalize.Backend.
func (b *Backend) ReadMetaBatch(ctx context.Context, es []key.Entity) map[key.Entity]meta.EntityMeta {
	out := make(map[key.Entity]meta.EntityMeta, len(es))
	for _, e := range es {
		data, err := b.rdb.Get(ctx, metaKey(e)).Bytes()
		if err != nil {
			continue
		}
		var m meta.EntityMeta
		if json.Unmarshal(data, &m) == nil {
			out[e] = m
		}
	}
	return out
}

// SetDependencies implements normalize.Backend.
func (b *Backend) SetDependencies(ctx context.Context, root normalize.RootRef, entities []key.Entity) error {
	id := root.ID()

	old, err := b.rdb.SMembers(ctx, depsKey(id)).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	if len(old) > 0 {
		pipe := b.rdb.Pipeline()
		for _, oe := range old {
			pipe.SRem(ctx, "syncstore:rroots:"+oe, id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}

	if err := b.rdb.Del(ctx, depsKey(id)).Err(); err != nil {
		return err
	}
	pipe := b.rdb.Pipeline()
	members := make([]any, 0, len(entities))
	for _, e := range entities {
		members = append(members, e.String())
		pipe.SAdd(ctx, reverseKey(e), id)
	}
	if len(members) > 0 {
		pipe.SAdd(ctx, depsKey(id), members...)
	}
	info, err := json.Marshal(storedRootInfo{
		ShapeID:   root.ShapeID,
		Namespace: root.RequestKey.Namespace(),
		KeyString: root.RequestKey.String(),
	})
	if err != nil {
		return err
	}
	pipe.Set(ctx, rootInfoKey(id), info, 0)
	_, err = pipe.Exec(ctx)
	return err
}

func (b *Backend) rootsTouchedBy(ctx context.Context, entities []key.Entity) ([]normalize.RootRef, error) {
	seen := make(map[string]struct{})
	var out []normalize.RootRef
	for _, e := range entities {
		ids, err := b.rdb.SMembers(ctx, reverseKey(e)).Result()
		if err != nil && err != redis.Nil {
			return nil, err
		}
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			data, err := b.rdb.Get(ctx, rootInfoKey(id)).Bytes()
			if err != nil {
				continue
			}
			var info storedRootInfo
			if json.Unmarshal(data, &info) != nil {
				continue
			}
			out = append(out, normalize.RootRef{
				RequestKey: key.Custom{NS: info.Namespace, Opaque: info.KeyString},
				ShapeID:    info.ShapeID,
			})
		}
	}
	return out, nil
}

// RootInvalidations implements normalize.Backend.
func (b *Backend) RootInvalidations() <-chan normalize.RootRef { return b.rootInval }

// EntityInvalidations implements normalize.Backend.
func (b *Backend) EntityInvalidations() <-chan key.Entity { return b.entityInval }

func (b *Backend) listen(ctx context.Context) {
	sub := b.rdb.Subscribe(ctx, rootInvalChannel, entityInvalChannel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			switch msg.Channel {
			case rootInvalChannel:
				data, err := b.rdb.Get(ctx, rootInfoKey(msg.Payload)).Bytes()
				if err != nil {
					continue
				}
				var info storedRootInfo
				if json.Unmarshal(data, &info) != nil {
					continue
				}
				rr := normalize.RootRef{
					RequestKey: key.Custom{NS: info.Namespace, Opaque: info.KeyString},
					ShapeID:    info.ShapeID,
				}
				select {
				case b.rootInval <- rr:
				default:
					b.log.Warn("root invalidation dropped, subscriber too slow")
				}
			case entityInvalChannel:
				var e key.Entity
				if json.Unmarshal([]byte(msg.Payload), &e) != nil {
					continue
				}
				select {
				case b.entityInval <- e:
				default:
					b.log.Warn("entity invalidation dropped, subscriber too slow")
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func decodeRecord(data []byte) (normalize.Record, error) {
	var rec normalize.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("redisbackend: decode record: %w", err)
	}
	return rec, nil
}
