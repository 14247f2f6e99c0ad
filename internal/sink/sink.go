// Package sink defines the remote destination a flushed batch is delivered
// to. A batch succeeds or fails as a unit; any error is retryable and the
// pipeline will restore the batch and try again on its next tick — there is no
// backoff or retry cap here.
package sink

import (
	"context"
	"log"

	"companion-telemetry/internal/model"
)

// Sink accepts a batch of events. Implementations should bound their own
// network timeouts; the pipeline only observes success or failure.
type Sink interface {
	Send(ctx context.Context, batch []model.Event) error
}

// Log is the default sink: it records the batch locally and always succeeds.
type Log struct{}

func (Log) Send(ctx context.Context, batch []model.Event) error {
	log.Printf("sink: delivered batch of %d events", len(batch))
	return nil
}

// Func adapts a function to the Sink interface, mostly for tests.
type Func func(ctx context.Context, batch []model.Event) error

func (f Func) Send(ctx context.Context, batch []model.Event) error {
	return f(ctx, batch)
}
