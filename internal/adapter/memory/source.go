// Package memory provides an in-process ChangeSource.
//
// Every write appends to a sequence-numbered change log and is visible to open feeds
// immediately. Truncate and Disconnect inject the two failure modes a real change
// stream has: lost history and dropped connections.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/pscheid92/liveview/internal/domain"
)

var (
	ErrDuplicateKey = errors.New("duplicate key")
	ErrNotFound     = errors.New("document not found")
	ErrMissingID    = errors.New("document has no _id")
	ErrFeedClosed   = errors.New("feed closed")
)

type change struct {
	seq uint64
	op  domain.Operation
	key json.RawMessage
	doc json.RawMessage
}

type Source struct {
	mu     sync.Mutex
	docs   map[string]json.RawMessage
	log    []change
	floor  uint64 // changes with seq <= floor are gone
	seq    uint64
	notify chan struct{}
	feeds  map[*feed]struct{}
}

func New() *Source {
	return &Source{
		docs:   make(map[string]json.RawMessage),
		notify: make(chan struct{}),
		feeds:  make(map[*feed]struct{}),
	}
}

// Insert adds a new document identified by its _id field.
func (s *Source) Insert(doc json.RawMessage) (domain.Position, error) {
	return s.write(domain.OperationInsert, doc, false)
}

// Update overwrites an existing document with its new full state.
func (s *Source) Update(doc json.RawMessage) (domain.Position, error) {
	return s.write(domain.OperationUpdate, doc, true)
}

// Replace swaps an existing document for doc.
func (s *Source) Replace(doc json.RawMessage) (domain.Position, error) {
	return s.write(domain.OperationReplace, doc, true)
}

// Delete removes the document whose _id equals id.
func (s *Source) Delete(id json.RawMessage) (domain.Position, error) {
	id, err := compact(id)
	if err != nil {
		return domain.Position{}, err
	}
	key, err := keyOf(id)
	if err != nil {
		return domain.Position{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := string(id)
	if _, ok := s.docs[k]; !ok {
		return domain.Position{}, fmt.Errorf("%w: _id %s", ErrNotFound, id)
	}
	delete(s.docs, k)
	return s.appendLocked(domain.OperationDelete, key, nil), nil
}

func (s *Source) write(op domain.Operation, doc json.RawMessage, mustExist bool) (domain.Position, error) {
	id, err := idOf(doc)
	if err != nil {
		return domain.Position{}, err
	}
	key, err := keyOf(id)
	if err != nil {
		return domain.Position{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := string(id)
	_, exists := s.docs[k]
	switch {
	case mustExist && !exists:
		return domain.Position{}, fmt.Errorf("%w: _id %s", ErrNotFound, id)
	case !mustExist && exists:
		return domain.Position{}, fmt.Errorf("%w: _id %s", ErrDuplicateKey, id)
	}

	stored := slices.Clone(doc)
	s.docs[k] = stored
	return s.appendLocked(op, key, stored), nil
}

func (s *Source) appendLocked(op domain.Operation, key, doc json.RawMessage) domain.Position {
	s.seq++
	s.log = append(s.log, change{seq: s.seq, op: op, key: key, doc: doc})

	close(s.notify)
	s.notify = make(chan struct{})
	return domain.Position{Minor: s.seq}
}

// Truncate drops all but the newest keep changes from the log. Feeds whose
// cursor falls behind the new floor fail with ErrResumeTokenExpired.
func (s *Source) Truncate(keep int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if keep < 0 {
		keep = 0
	}
	if drop := len(s.log) - keep; drop > 0 {
		s.floor = s.log[drop-1].seq
		s.log = slices.Clone(s.log[drop:])
	}
	close(s.notify)
	s.notify = make(chan struct{})
}

// Disconnect fails every open feed with ErrFeedDisconnected.
func (s *Source) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for f := range s.feeds {
		f.broken = true
		delete(s.feeds, f)
	}
	close(s.notify)
	s.notify = make(chan struct{})
}

// OpenFeeds returns the number of feeds currently open.
func (s *Source) OpenFeeds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.feeds)
}

// Len returns the number of stored documents.
func (s *Source) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

func (s *Source) OpenFeed(ctx context.Context, resumeAfter domain.ResumeToken) (domain.Feed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cursor := s.seq
	if resumeAfter != nil {
		seq, err := strconv.ParseUint(string(resumeAfter), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse resume token %q: %w", resumeAfter, err)
		}
		if seq < s.floor {
			return nil, fmt.Errorf("%w: token %d behind floor %d", domain.ErrResumeTokenExpired, seq, s.floor)
		}
		cursor = seq
	}

	f := &feed{src: s, cursor: cursor}
	s.feeds[f] = struct{}{}
	return f, nil
}

// ReadAll visits documents ordered by their encoded _id and reports the sequence the read reflects.
func (s *Source) ReadAll(ctx context.Context, fn func(doc json.RawMessage) error) (domain.Position, error) {
	s.mu.Lock()
	keys := make([]string, 0, len(s.docs))
	for k := range s.docs {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	docs := make([]json.RawMessage, len(keys))
	for i, k := range keys {
		docs[i] = s.docs[k]
	}
	at := domain.Position{Minor: s.seq}
	s.mu.Unlock()

	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return domain.Position{}, err
		}
		if err := fn(doc); err != nil {
			return domain.Position{}, err
		}
	}
	return at, nil
}

type feed struct {
	src    *Source
	cursor uint64
	broken bool
	closed bool
}

func (f *feed) Next(ctx context.Context) (domain.Notification, error) {
	s := f.src
	for {
		s.mu.Lock()
		switch {
		case f.closed:
			s.mu.Unlock()
			return domain.Notification{}, ErrFeedClosed
		case f.broken:
			s.mu.Unlock()
			return domain.Notification{}, fmt.Errorf("%w: connection dropped", domain.ErrFeedDisconnected)
		case f.cursor < s.floor:
			s.mu.Unlock()
			return domain.Notification{}, fmt.Errorf("%w: history truncated past %d", domain.ErrResumeTokenExpired, f.cursor)
		case f.cursor < s.seq:
			c := s.log[f.cursor-s.floor]
			f.cursor = c.seq
			s.mu.Unlock()
			return domain.Notification{
				Operation: string(c.op),
				Key:       c.key,
				Document:  c.doc,
				Token:     domain.ResumeToken(strconv.FormatUint(c.seq, 10)),
				At:        domain.Position{Minor: c.seq},
			}, nil
		}
		wait := s.notify
		s.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return domain.Notification{}, ctx.Err()
		}
	}
}

func (f *feed) Close(context.Context) error {
	f.src.mu.Lock()
	defer f.src.mu.Unlock()
	f.closed = true
	delete(f.src.feeds, f)
	return nil
}

func idOf(doc json.RawMessage) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(doc, &fields); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	id, ok := fields["_id"]
	if !ok {
		return nil, ErrMissingID
	}
	return compact(id)
}

func keyOf(id json.RawMessage) (json.RawMessage, error) {
	id, err := compact(id)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]json.RawMessage{"_id": id})
}

func compact(raw json.RawMessage) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("invalid _id: %w", err)
	}
	return buf.Bytes(), nil
}
