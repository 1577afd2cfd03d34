// Package redis implements a ChangeSource on top of Redis.
//
// Documents live in a hash keyed by their encoded _id. Every write also appends
// an entry to a stream, in the same MULTI/EXEC transaction, so the stream is the
// change feed and its entry ids are the resume tokens. Stream trimming plays the
// role of oplog rollover: a cursor older than the oldest retained entry has lost
// history and is reported as expired.
package redis

import (
	"context"
	"fmt"

	"github.com/pscheid92/liveview/internal/adapter/metrics"
	goredis "github.com/redis/go-redis/v9"
)

// NewClient creates a Redis client from a URL (e.g., "redis://localhost:6379") and
// verifies the connection. With m set, every command is observed and guarded by
// a circuit breaker.
func NewClient(ctx context.Context, redisURL string, m *metrics.SourceMetrics) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	rdb := goredis.NewClient(opts)
	if m != nil {
		rdb.AddHook(NewMetricsHook(m))
		rdb.AddHook(NewBreakerHook(m))
	}

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return rdb, nil
}

func docsKey(collection string) string   { return "liveview:" + collection + ":docs" }
func streamKey(collection string) string { return "liveview:" + collection + ":changes" }
