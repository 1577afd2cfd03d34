// Package mongo implements a ChangeSource on a MongoDB collection.
//
// The feed is a change stream with full-document lookup. Snapshots are read in
// a snapshot session, so the returned position is the cluster time the whole
// read observed. Requires a replica set (or sharded cluster) on MongoDB 5.0+.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/pscheid92/liveview/internal/adapter/metrics"
	"github.com/pscheid92/liveview/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Server error codes that mean a resume token can no longer be used.
const (
	codeChangeStreamFatal       = 280
	codeChangeStreamHistoryLost = 286
)

var errStreamClosed = errors.New("change stream closed")

type Source struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// Connect dials uri and verifies the primary is reachable. With m set, every
// command round trip and failed pool connection is recorded.
func Connect(ctx context.Context, uri, database, collection string, m *metrics.SourceMetrics) (*Source, error) {
	opts := options.Client().ApplyURI(uri)
	if m != nil {
		opts.SetMonitor(commandMonitor(m)).SetPoolMonitor(poolMonitor(m))
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	return &Source{client: client, coll: client.Database(database).Collection(collection)}, nil
}

func (s *Source) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Source) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Writer returns a writer on the same collection.
func (s *Source) Writer() *Writer {
	return &Writer{coll: s.coll}
}

func (s *Source) OpenFeed(ctx context.Context, resumeAfter domain.ResumeToken) (domain.Feed, error) {
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	if resumeAfter != nil {
		opts.SetResumeAfter(bson.Raw(resumeAfter))
	}

	cs, err := s.coll.Watch(ctx, mongo.Pipeline{}, opts)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classify(err)
	}
	return &feed{cs: cs}, nil
}

// ReadAll visits every document in _id order, rendered as relaxed Extended JSON.
func (s *Source) ReadAll(ctx context.Context, fn func(doc json.RawMessage) error) (domain.Position, error) {
	sess, err := s.client.StartSession(options.Session().SetSnapshot(true))
	if err != nil {
		return domain.Position{}, fmt.Errorf("start snapshot session: %w", err)
	}
	defer sess.EndSession(context.WithoutCancel(ctx))

	err = mongo.WithSession(ctx, sess, func(sc mongo.SessionContext) error {
		cur, err := s.coll.Find(sc, bson.D{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
		if err != nil {
			return err
		}
		defer func() { _ = cur.Close(context.WithoutCancel(sc)) }()

		for cur.Next(sc) {
			doc, err := toJSON(cur.Current)
			if err != nil {
				return err
			}
			if err := fn(doc); err != nil {
				return err
			}
		}
		return cur.Err()
	})
	if err != nil {
		return domain.Position{}, err
	}
	return snapshotPosition(sess), nil
}

// snapshotPosition is zero when the driver did not expose the read time, which
// disables fencing for this snapshot instead of risking dropped changes.
func snapshotPosition(sess mongo.Session) domain.Position {
	xs, ok := sess.(mongo.XSession)
	if !ok || xs.ClientSession() == nil || xs.ClientSession().SnapshotTime == nil {
		return domain.Position{}
	}
	return position(*xs.ClientSession().SnapshotTime)
}

type feed struct {
	cs *mongo.ChangeStream
}

func (f *feed) Next(ctx context.Context) (domain.Notification, error) {
	if !f.cs.Next(ctx) {
		if ctx.Err() != nil {
			return domain.Notification{}, ctx.Err()
		}
		err := f.cs.Err()
		if err == nil {
			err = errStreamClosed
		}
		return domain.Notification{}, classify(err)
	}
	return toNotification(f.cs.Current, f.cs.ResumeToken())
}

func (f *feed) Close(ctx context.Context) error {
	return f.cs.Close(ctx)
}

type changeDoc struct {
	OperationType string              `bson:"operationType"`
	DocumentKey   bson.Raw            `bson:"documentKey"`
	FullDocument  bson.RawValue       `bson:"fullDocument"`
	ClusterTime   primitive.Timestamp `bson:"clusterTime"`
}

func toNotification(raw, token bson.Raw) (domain.Notification, error) {
	var c changeDoc
	if err := bson.Unmarshal(raw, &c); err != nil {
		return domain.Notification{}, fmt.Errorf("decode change event: %w", err)
	}
	if c.OperationType == "invalidate" {
		// the collection was dropped or renamed; this stream cannot be resumed
		return domain.Notification{}, fmt.Errorf("%w: change stream invalidated", domain.ErrResumeTokenExpired)
	}

	n := domain.Notification{
		Operation: c.OperationType,
		Token:     domain.ResumeToken(slices.Clone(token)),
		At:        position(c.ClusterTime),
	}
	if len(c.DocumentKey) > 0 {
		key, err := toJSON(c.DocumentKey)
		if err != nil {
			return domain.Notification{}, err
		}
		n.Key = key
	}
	if c.FullDocument.Type == bsontype.EmbeddedDocument {
		doc, err := toJSON(c.FullDocument.Document())
		if err != nil {
			return domain.Notification{}, err
		}
		n.Document = doc
	}
	return n, nil
}

func toJSON(doc bson.Raw) (json.RawMessage, error) {
	out, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return nil, fmt.Errorf("render document: %w", err)
	}
	return out, nil
}

func position(ts primitive.Timestamp) domain.Position {
	return domain.Position{Major: uint64(ts.T), Minor: uint64(ts.I)}
}

func classify(err error) error {
	var se mongo.ServerError
	if errors.As(err, &se) && (se.HasErrorCode(codeChangeStreamHistoryLost) || se.HasErrorCode(codeChangeStreamFatal)) {
		return fmt.Errorf("%w: %w", domain.ErrResumeTokenExpired, err)
	}
	return fmt.Errorf("%w: %w", domain.ErrFeedDisconnected, err)
}

func commandMonitor(m *metrics.SourceMetrics) *event.CommandMonitor {
	return &event.CommandMonitor{
		Succeeded: func(_ context.Context, e *event.CommandSucceededEvent) {
			m.Observe(e.CommandName, e.Duration.Seconds(), false)
		},
		Failed: func(_ context.Context, e *event.CommandFailedEvent) {
			m.Observe(e.CommandName, e.Duration.Seconds(), true)
		},
	}
}

func poolMonitor(m *metrics.SourceMetrics) *event.PoolMonitor {
	return &event.PoolMonitor{
		Event: func(e *event.PoolEvent) {
			if e.Type == event.ConnectionClosed && e.Reason == event.ReasonError {
				m.ConnectionErrors.Inc()
			}
		},
	}
}
