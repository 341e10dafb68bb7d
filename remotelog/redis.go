package remotelog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"chatsync/models"
)

const (
	// Redis key prefixes
	docKeyPrefix   = "doc:" // doc:{path} - JSON document
	indexKeyPrefix = "idx:" // idx:{collection} - set of document IDs
	channelPrefix  = "chg:" // chg:{collection} - change feed

	maxTxAttempts = 5
)

// Redis is a remote log backed by a Redis relay shared by every device.
// Documents are JSON values, each collection keeps an index set, and
// committed changes are published on a per-collection channel.
type Redis struct {
	rdb    *redis.Client
	prefix string
	hub    *hub
}

// NewRedis wraps rdb. prefix namespaces every key and channel.
func NewRedis(rdb *redis.Client, prefix string) *Redis {
	return &Redis{
		rdb:    rdb,
		prefix: prefix,
		hub:    newHub(),
	}
}

var _ Log = (*Redis)(nil)

type changeEvent struct {
	Changes []eventDoc `json:"changes"`
}

type eventDoc struct {
	DocID  string `json:"docId"`
	Fields Fields `json:"fields"`
}

func (r *Redis) docKey(path string) string {
	return r.prefix + docKeyPrefix + path
}

func (r *Redis) indexKey(collection string) string {
	return r.prefix + indexKeyPrefix + collection
}

func (r *Redis) channel(collection string) string {
	return r.prefix + channelPrefix + collection
}

// Write applies one document write inside a WATCH transaction.
func (r *Redis) Write(ctx context.Context, path string, fields Fields, merge bool) error {
	return r.BatchWrite(ctx, []WriteOp{{Path: path, Fields: fields, Merge: merge}})
}

// BatchWrite applies ops in one MULTI/EXEC and publishes one change event per
// touched collection.
func (r *Redis) BatchWrite(ctx context.Context, ops []WriteOp) error {
	if len(ops) == 0 {
		return nil
	}
	if len(ops) > MaxBatchOperations {
		return fmt.Errorf("%w: %d operations", ErrBatchTooLarge, len(ops))
	}

	keys := make([]string, 0, len(ops))
	seen := make(map[string]bool, len(ops))
	for _, op := range ops {
		if _, _, err := SplitPath(op.Path); err != nil {
			return err
		}
		if !seen[op.Path] {
			seen[op.Path] = true
			keys = append(keys, r.docKey(op.Path))
		}
	}

	var committed []docChange
	txf := func(tx *redis.Tx) error {
		values, err := tx.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}
		current := make(map[string]Fields, len(values))
		for i, raw := range values {
			fields, err := decodeDocument(raw)
			if err != nil {
				return err
			}
			current[keys[i]] = fields
		}

		staged := make(map[string]Fields, len(ops))
		order := make([]string, 0, len(ops))
		for _, op := range ops {
			key := r.docKey(op.Path)
			base, ok := staged[op.Path]
			if !ok {
				base = current[key]
				order = append(order, op.Path)
			}
			staged[op.Path] = applyWrite(base, cloneFields(op.Fields), op.Merge)
		}

		changes := make([]docChange, 0, len(order))
		events := make(map[string]*changeEvent)
		for _, path := range order {
			collection, docID, _ := SplitPath(path)
			changes = append(changes, docChange{collection: collection, docID: docID, fields: staged[path]})
			ev, ok := events[collection]
			if !ok {
				ev = &changeEvent{}
				events[collection] = ev
			}
			ev.Changes = append(ev.Changes, eventDoc{DocID: docID, Fields: staged[path]})
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, path := range order {
				data, err := json.Marshal(staged[path])
				if err != nil {
					return fmt.Errorf("marshal document %s: %w", path, err)
				}
				collection, docID, _ := SplitPath(path)
				pipe.Set(ctx, r.docKey(path), data, 0)
				pipe.SAdd(ctx, r.indexKey(collection), docID)
			}
			return r.publish(ctx, pipe, events)
		})
		if err != nil {
			return err
		}
		committed = changes
		return nil
	}

	if err := r.runTx(ctx, txf, keys); err != nil {
		return err
	}
	// Echo only what EXEC committed. The feed may confirm it first.
	r.hub.broadcast(committed, BatchMetadata{HasPendingWrites: true})
	return nil
}

// Delete removes a document and publishes its removal.
func (r *Redis) Delete(ctx context.Context, path string) error {
	collection, docID, err := SplitPath(path)
	if err != nil {
		return err
	}
	events := map[string]*changeEvent{collection: {Changes: []eventDoc{{DocID: docID}}}}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.docKey(path))
		pipe.SRem(ctx, r.indexKey(collection), docID)
		return r.publish(ctx, pipe, events)
	})
	if err != nil {
		return fmt.Errorf("%w: delete %s: %w", models.ErrRemoteWriteFailed, path, err)
	}
	return nil
}

// Subscribe listens on the collection's change feed, then loads the current
// snapshot so no committed change falls between the two.
func (r *Redis) Subscribe(ctx context.Context, query Query) (*Subscription, error) {
	if query.Collection == "" {
		return nil, errors.New("remotelog: subscribe requires a collection")
	}

	ps := r.rdb.Subscribe(ctx, r.channel(query.Collection))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", query.Collection, err)
	}

	sub := newSubscriber(query)
	remove := r.hub.add(sub)

	docs, err := r.snapshot(ctx, query)
	if err != nil {
		remove()
		_ = ps.Close()
		return nil, err
	}
	sub.offer(initialChanges(query.Collection, query.window(docs)), BatchMetadata{Initial: true})

	feed := ps.Channel()
	go sub.run(ctx, func() {
		remove()
		_ = ps.Close()
	})
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-feed:
				if !ok {
					sub.fail(fmt.Errorf("change feed for %s closed", query.Collection))
					return
				}
				var ev changeEvent
				if err := decodeJSON([]byte(msg.Payload), &ev); err != nil {
					sub.fail(fmt.Errorf("decode change event: %w", err))
					continue
				}
				changes := make([]docChange, 0, len(ev.Changes))
				for _, doc := range ev.Changes {
					changes = append(changes, docChange{collection: query.Collection, docID: doc.DocID, fields: doc.Fields})
				}
				sub.offer(changes, BatchMetadata{})
			}
		}
	}()

	return sub.subscription(), nil
}

func (r *Redis) snapshot(ctx context.Context, query Query) ([]document, error) {
	ids, err := r.rdb.SMembers(ctx, r.indexKey(query.Collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %w", models.ErrDataUnavailable, query.Collection, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.docKey(query.Collection + "/" + id)
	}
	values, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %w", models.ErrDataUnavailable, query.Collection, err)
	}

	docs := make([]document, 0, len(values))
	for i, raw := range values {
		fields, err := decodeDocument(raw)
		if err != nil || fields == nil || !query.matches(ids[i], fields) {
			continue
		}
		docs = append(docs, document{id: ids[i], fields: fields})
	}
	return docs, nil
}

func (r *Redis) publish(ctx context.Context, pipe redis.Pipeliner, events map[string]*changeEvent) error {
	for collection, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal change event: %w", err)
		}
		pipe.Publish(ctx, r.channel(collection), payload)
	}
	return nil
}

func (r *Redis) runTx(ctx context.Context, txf func(*redis.Tx) error, keys []string) error {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = r.rdb.Watch(ctx, txf, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrRemoteWriteFailed, err)
	}
	return nil
}

// decodeDocument parses an MGET value. Missing keys decode to nil.
func decodeDocument(raw any) (Fields, error) {
	var data []byte
	switch typed := raw.(type) {
	case nil:
		return nil, nil
	case string:
		data = []byte(typed)
	case []byte:
		data = typed
	default:
		return nil, fmt.Errorf("unexpected document value %T", raw)
	}
	var fields Fields
	if err := decodeJSON(data, &fields); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return fields, nil
}

func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
