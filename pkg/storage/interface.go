package storage

import (
	"context"
	"time"

	"trackup/pkg/upload"
)

// DefaultTimeout bounds connect, socket reads/writes and data connections.
const DefaultTimeout = 60 * time.Second

// Uploader performs exactly one upload attempt.
//
// Failures the protocol client can classify (refused login, missing
// directory, rejected host key, failed store) come back as a failed Outcome
// with a nil error. A non-nil error is always an upload.TransientError and
// means the queue decides whether to run the attempt again.
type Uploader interface {
	Upload(ctx context.Context, req *upload.Request) (upload.Outcome, error)
}

// UploaderFunc adapts a function to Uploader.
type UploaderFunc func(ctx context.Context, req *upload.Request) (upload.Outcome, error)

func (f UploaderFunc) Upload(ctx context.Context, req *upload.Request) (upload.Outcome, error) {
	return f(ctx, req)
}
