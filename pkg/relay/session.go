package relay

import (
	"context"

	"github.com/jackc/pglogrepl"
)

// Envelope is one batch delivered by the replication session: the raw
// wal2json payload plus the WAL position marking the start of the batch.
// Consumed once by the relay loop, never persisted.
type Envelope struct {
	Payload []byte
	Start   pglogrepl.LSN
}

// Session is the replication stream the relay consumes. Implementations
// own the underlying connection; exactly one session may exist per slot,
// enforced by the source.
type Session interface {
	// NextBatch blocks until the source produces a batch, the context is
	// canceled, or the session closes.
	NextBatch(ctx context.Context) (*Envelope, error)

	// Ack confirms consumption up to lsn. Monotonic and idempotent at
	// the source; acknowledging an already-flushed position is a no-op.
	Ack(ctx context.Context, lsn pglogrepl.LSN) error

	// Slot returns the replication slot name.
	Slot() string

	// DropSlotHint returns the operator remediation for the slot that
	// outlives this session.
	DropSlotHint() string

	// Close releases the session. Safe to call multiple times.
	Close(ctx context.Context) error
}

// Publisher performs exactly one publish attempt per call against the
// streaming transport and returns the transport-assigned sequence token.
// Failures are classified with Transient or Permanent; retry policy
// lives in the relay loop, not here.
type Publisher interface {
	Publish(ctx context.Context, partitionKey string, payload []byte) (string, error)
}
