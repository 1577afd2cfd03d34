package domain

import "errors"

var (
	ErrFeedDisconnected   = errors.New("change feed disconnected")
	ErrResumeTokenExpired = errors.New("resume token expired")
	ErrSubscriberSend     = errors.New("subscriber send failed")
	ErrSnapshotRead       = errors.New("snapshot read failed")
	ErrRegistryClosed     = errors.New("registry closed")
	ErrUnknownOperation   = errors.New("unknown operation")
)
