package domain

import (
	"context"
	"encoding/json"
)

// ChangeSource is a document collection that can be read in full and watched for changes.
type ChangeSource interface {
	// OpenFeed starts a change feed returning full post-change documents.
	// A nil token starts at the current end of the feed. Returns an error
	// wrapping ErrResumeTokenExpired when the token's history is gone.
	OpenFeed(ctx context.Context, resumeAfter ResumeToken) (Feed, error)

	// ReadAll calls fn for every document currently in the collection and
	// returns the feed position the read is consistent with.
	ReadAll(ctx context.Context, fn func(doc json.RawMessage) error) (Position, error)
}

// Feed is an open change feed. Next blocks until a notification arrives,
// the feed fails or ctx is cancelled.
type Feed interface {
	Next(ctx context.Context) (Notification, error)
	Close(ctx context.Context) error
}
