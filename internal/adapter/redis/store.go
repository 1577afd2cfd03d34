package redis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pscheid92/liveview/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

var (
	ErrDuplicateKey = errors.New("duplicate key")
	ErrNotFound     = errors.New("document not found")
	ErrMissingID    = errors.New("document has no _id")
)

const maxWatchRetries = 3

// Store writes documents and their change entries atomically.
type Store struct {
	rdb    *goredis.Client
	docs   string
	stream string
	maxLen int64
}

// NewStore creates a writer whose change stream keeps roughly maxLen entries.
func NewStore(rdb *goredis.Client, collection string, maxLen int64) *Store {
	return &Store{
		rdb:    rdb,
		docs:   docsKey(collection),
		stream: streamKey(collection),
		maxLen: maxLen,
	}
}

type writeMode int

const (
	mustNotExist writeMode = iota
	mustExist
	either
)

// Insert adds a new document identified by its _id field.
func (s *Store) Insert(ctx context.Context, doc json.RawMessage) (domain.Position, error) {
	return s.write(ctx, doc, mustNotExist, domain.OperationInsert)
}

// Update stores the new full state of an existing document.
func (s *Store) Update(ctx context.Context, doc json.RawMessage) (domain.Position, error) {
	return s.write(ctx, doc, mustExist, domain.OperationUpdate)
}

// Replace swaps an existing document for doc.
func (s *Store) Replace(ctx context.Context, doc json.RawMessage) (domain.Position, error) {
	return s.write(ctx, doc, mustExist, domain.OperationReplace)
}

// Put inserts doc or replaces the stored version.
func (s *Store) Put(ctx context.Context, doc json.RawMessage) (domain.Position, error) {
	return s.write(ctx, doc, either, "")
}

// Delete removes the document whose _id equals id.
func (s *Store) Delete(ctx context.Context, id json.RawMessage) (domain.Position, error) {
	id, err := compact(id)
	if err != nil {
		return domain.Position{}, err
	}
	return s.apply(ctx, id, nil, mustExist, domain.OperationDelete)
}

func (s *Store) write(ctx context.Context, doc json.RawMessage, mode writeMode, op domain.Operation) (domain.Position, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(doc, &fields); err != nil {
		return domain.Position{}, fmt.Errorf("decode document: %w", err)
	}
	raw, ok := fields["_id"]
	if !ok {
		return domain.Position{}, ErrMissingID
	}
	id, err := compact(raw)
	if err != nil {
		return domain.Position{}, err
	}
	doc, err = compact(doc)
	if err != nil {
		return domain.Position{}, err
	}
	return s.apply(ctx, id, doc, mode, op)
}

// apply checks existence and writes under WATCH so the check and the write
// see the same hash state. Conflicting writers are retried a few times.
func (s *Store) apply(ctx context.Context, id, doc json.RawMessage, mode writeMode, op domain.Operation) (domain.Position, error) {
	key, err := json.Marshal(map[string]json.RawMessage{"_id": id})
	if err != nil {
		return domain.Position{}, err
	}
	field := string(id)

	var xadd *goredis.StringCmd
	txf := func(tx *goredis.Tx) error {
		exists, err := tx.HExists(ctx, s.docs, field).Result()
		if err != nil {
			return err
		}
		switch {
		case mode == mustExist && !exists:
			return fmt.Errorf("%w: _id %s", ErrNotFound, id)
		case mode == mustNotExist && exists:
			return fmt.Errorf("%w: _id %s", ErrDuplicateKey, id)
		}

		effective := op
		if mode == either {
			effective = domain.OperationInsert
			if exists {
				effective = domain.OperationReplace
			}
		}

		values := map[string]any{fieldOp: string(effective), fieldKey: string(key)}
		if doc != nil {
			values[fieldDoc] = string(doc)
		}

		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			if doc == nil {
				p.HDel(ctx, s.docs, field)
			} else {
				p.HSet(ctx, s.docs, field, string(doc))
			}
			xadd = p.XAdd(ctx, &goredis.XAddArgs{
				Stream: s.stream,
				MaxLen: s.maxLen,
				Approx: true,
				Values: values,
			})
			return nil
		})
		return err
	}

	for range maxWatchRetries {
		err = s.rdb.Watch(ctx, txf, s.docs)
		if !errors.Is(err, goredis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("write %s: %w", id, err)
	}
	return parseID(xadd.Val())
}

func compact(raw json.RawMessage) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	return buf.Bytes(), nil
}
