package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/pscheid92/liveview/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const (
	fieldOp  = "op"
	fieldKey = "key"
	fieldDoc = "doc"

	defaultBlock = time.Second
	defaultCount = 100
)

// Source reads a collection written by Store.
type Source struct {
	rdb    *goredis.Client
	docs   string
	stream string

	// Block bounds each XREAD so cancellation is noticed within that time.
	Block time.Duration
	Count int64
}

func NewSource(rdb *goredis.Client, collection string) *Source {
	return &Source{
		rdb:    rdb,
		docs:   docsKey(collection),
		stream: streamKey(collection),
		Block:  defaultBlock,
		Count:  defaultCount,
	}
}

// OpenFeed positions a cursor on the change stream. A nil token starts after the
// newest entry.
func (s *Source) OpenFeed(ctx context.Context, resumeAfter domain.ResumeToken) (domain.Feed, error) {
	info, err := s.info(ctx)
	if err != nil {
		return nil, err
	}

	if resumeAfter == nil {
		cursor := "0-0"
		if info != nil && info.LastGeneratedID != "" {
			cursor = info.LastGeneratedID
		}
		return &feed{src: s, cursor: cursor}, nil
	}

	cursor := string(resumeAfter)
	if _, err := parseID(cursor); err != nil {
		return nil, fmt.Errorf("parse resume token %q: %w", cursor, err)
	}
	if historyLost(cursor, info) {
		return nil, fmt.Errorf("%w: stream trimmed past %s", domain.ErrResumeTokenExpired, cursor)
	}
	return &feed{src: s, cursor: cursor}, nil
}

// ReadAll reads every document and the newest stream id in one transaction, so
// the returned position is exactly the last change the snapshot reflects.
func (s *Source) ReadAll(ctx context.Context, fn func(doc json.RawMessage) error) (domain.Position, error) {
	var all *goredis.MapStringStringCmd
	var last *goredis.XMessageSliceCmd
	_, err := s.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		all = p.HGetAll(ctx, s.docs)
		last = p.XRevRangeN(ctx, s.stream, "+", "-", 1)
		return nil
	})
	if err != nil {
		return domain.Position{}, fmt.Errorf("read collection: %w", err)
	}

	var at domain.Position
	if msgs := last.Val(); len(msgs) > 0 {
		if at, err = parseID(msgs[0].ID); err != nil {
			return domain.Position{}, err
		}
	}

	docs := all.Val()
	keys := make([]string, 0, len(docs))
	for k := range docs {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return domain.Position{}, err
		}
		if err := fn(json.RawMessage(docs[k])); err != nil {
			return domain.Position{}, err
		}
	}
	return at, nil
}

// info returns nil when the stream does not exist yet.
func (s *Source) info(ctx context.Context) (*goredis.XInfoStream, error) {
	info, err := s.rdb.XInfoStream(ctx, s.stream).Result()
	if err != nil {
		if strings.Contains(err.Error(), "no such key") {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrFeedDisconnected, err)
	}
	return info, nil
}

type feed struct {
	src     *Source
	cursor  string
	pending []goredis.XMessage
}

func (f *feed) Next(ctx context.Context) (domain.Notification, error) {
	for len(f.pending) == 0 {
		if err := f.fill(ctx); err != nil {
			return domain.Notification{}, err
		}
	}

	msg := f.pending[0]
	f.pending = f.pending[1:]
	f.cursor = msg.ID
	return notification(msg)
}

func (f *feed) fill(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	res, err := f.src.rdb.XRead(ctx, &goredis.XReadArgs{
		Streams: []string{f.src.stream, f.cursor},
		Count:   f.src.Count,
		Block:   f.src.Block,
	}).Result()
	switch {
	case errors.Is(err, goredis.Nil):
		return nil
	case err != nil:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", domain.ErrFeedDisconnected, err)
	case len(res) == 0 || len(res[0].Messages) == 0:
		return nil
	}

	// XREAD silently skips trimmed entries, so check the cursor against what is left.
	info, err := f.src.info(ctx)
	if err != nil {
		return err
	}
	if historyLost(f.cursor, info) {
		return fmt.Errorf("%w: stream trimmed past %s", domain.ErrResumeTokenExpired, f.cursor)
	}

	f.pending = res[0].Messages
	return nil
}

func (f *feed) Close(context.Context) error {
	f.pending = nil
	return nil
}

// historyLost reports whether entries after cursor may have been trimmed away.
// Entries are only removed from the head, so anything lost sorts before the
// oldest retained entry. A cursor that is the last trimmed entry itself is
// indistinguishable from one further behind and also counts as lost.
func historyLost(cursor string, info *goredis.XInfoStream) bool {
	if info == nil || info.EntriesAdded <= info.Length {
		return false
	}
	if info.Length == 0 {
		return compareIDs(cursor, info.LastGeneratedID) < 0
	}
	return compareIDs(cursor, info.FirstEntry.ID) < 0
}

func notification(msg goredis.XMessage) (domain.Notification, error) {
	at, err := parseID(msg.ID)
	if err != nil {
		return domain.Notification{}, err
	}

	n := domain.Notification{
		Operation: str(msg.Values[fieldOp]),
		Key:       rawOrNil(msg.Values[fieldKey]),
		Document:  rawOrNil(msg.Values[fieldDoc]),
		Token:     domain.ResumeToken(msg.ID),
		At:        at,
	}
	return n, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func rawOrNil(v any) json.RawMessage {
	if s := str(v); s != "" {
		return json.RawMessage(s)
	}
	return nil
}

// parseID maps a stream id "<ms>-<seq>" to a position.
func parseID(id string) (domain.Position, error) {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		return domain.Position{}, fmt.Errorf("invalid stream id %q", id)
	}
	major, err := strconv.ParseUint(ms, 10, 64)
	if err != nil {
		return domain.Position{}, fmt.Errorf("invalid stream id %q: %w", id, err)
	}
	minor, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return domain.Position{}, fmt.Errorf("invalid stream id %q: %w", id, err)
	}
	return domain.Position{Major: major, Minor: minor}, nil
}

// compareIDs orders stream ids; unparsable ids sort first.
func compareIDs(a, b string) int {
	pa, _ := parseID(a)
	pb, _ := parseID(b)
	return pa.Compare(pb)
}
