// Package store provides the durable key-value gateway the pipeline persists
// its state through. Keys address opaque JSON blobs; every call may fail
// independently and callers are expected to treat failures as recoverable.
package store

import (
	"context"
	"errors"
)

// Keys under which the pipeline persists its state.
const (
	KeySettings = "telemetry_settings"
	KeyEvents   = "telemetry_events"
	KeyInsights = "telemetry_insights"
	KeySession  = "telemetry_session"
)

// ErrNotFound is returned by Get when no value exists for the key.
var ErrNotFound = errors.New("store: key not found")

// KV is a durable key-value store of opaque byte blobs.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}
