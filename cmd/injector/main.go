// Command injector writes a steady stream of sequenced documents to the configured
// backend. Each write bumps a global seq field, so a subscriber can check that it
// saw every change in order across reconnects.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pscheid92/liveview/internal/adapter/mongo"
	"github.com/pscheid92/liveview/internal/adapter/redis"
	"github.com/pscheid92/liveview/internal/platform/config"
	"github.com/pscheid92/liveview/internal/platform/logging"
)

type writer interface {
	Put(ctx context.Context, doc json.RawMessage) error
	Delete(ctx context.Context, id json.RawMessage) error
}

type redisWriter struct {
	store *redis.Store
}

func (w redisWriter) Put(ctx context.Context, doc json.RawMessage) error {
	_, err := w.store.Put(ctx, doc)
	return err
}

func (w redisWriter) Delete(ctx context.Context, id json.RawMessage) error {
	_, err := w.store.Delete(ctx, id)
	if err != nil && !errors.Is(err, redis.ErrNotFound) {
		return err
	}
	return nil
}

type document struct {
	ID  int       `json:"_id"`
	Seq int       `json:"seq"`
	At  time.Time `json:"at"`
}

// plan decides what the n-th write does: keys are updated round robin, and every
// deleteEvery-th write removes the key instead.
func plan(n, keys, deleteEvery int) (key int, del bool) {
	key = n%keys + 1
	del = deleteEvery > 0 && n > 0 && n%deleteEvery == 0
	return key, del
}

func main() {
	var (
		keys        = flag.Int("keys", 10, "Number of distinct document ids to write")
		count       = flag.Int("count", 0, "Number of writes; 0 runs until interrupted")
		interval    = flag.Duration("interval", 200*time.Millisecond, "Pause between writes")
		deleteEvery = flag.Int("delete-every", 0, "Delete instead of update on every n-th write; 0 never deletes")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)

	if *keys < 1 {
		log.Fatal("--keys must be at least 1")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w, closeFn, err := connect(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer closeFn()

	if err := run(ctx, w, *keys, *count, *interval, *deleteEvery); err != nil {
		slog.Error("Injector stopped", "error", err)
		os.Exit(1)
	}
}

func connect(ctx context.Context, cfg *config.Config) (writer, func(), error) {
	switch cfg.Source {
	case config.SourceMongo:
		src, err := mongo.Connect(ctx, cfg.MongoURL, cfg.Database, cfg.Collection, nil)
		if err != nil {
			return nil, nil, err
		}
		return src.Writer(), func() { _ = src.Close(context.Background()) }, nil
	case config.SourceRedis:
		rdb, err := redis.NewClient(ctx, cfg.RedisURL, nil)
		if err != nil {
			return nil, nil, err
		}
		store := redis.NewStore(rdb, cfg.Collection, cfg.RedisStreamMaxLen)
		return redisWriter{store: store}, func() { _ = rdb.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("SOURCE=%s has no external store to write to", cfg.Source)
	}
}

func run(ctx context.Context, w writer, keys, count int, interval time.Duration, deleteEvery int) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	for n := 0; count == 0 || n < count; n++ {
		key, del := plan(n, keys, deleteEvery)

		var err error
		if del {
			err = w.Delete(ctx, json.RawMessage(fmt.Sprint(key)))
		} else {
			var doc []byte
			doc, err = json.Marshal(document{ID: key, Seq: n + 1, At: time.Now().UTC()})
			if err == nil {
				err = w.Put(ctx, doc)
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return fmt.Errorf("write %d: %w", n+1, err)
		}
		slog.Debug("Wrote change", "seq", n+1, "_id", key, "delete", del)

		select {
		case <-ctx.Done():
			slog.Info("Interrupted", "writes", n+1, "duration", time.Since(start))
			return nil
		case <-ticker.C:
		}
	}

	slog.Info("Injection complete", "duration", time.Since(start))
	return nil
}
