// Package relay implements the replication-to-stream relay loop: it
// consumes wal2json batches from a replication session, republishes each
// decoded change as an individual message, and acknowledges consumed WAL
// positions back to the slot.
//
// Delivery is at-least-once. The loop acknowledges a batch after
// forwarding completes regardless of per-record outcomes: records that
// exhaust their retries are logged and dropped, not replayed. This keeps
// one bad record from stalling the whole replication stream, at the cost
// of possible data loss on persistent publish failures.
package relay

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pglogrepl"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/walrelay/walrelay/pkg/cdc"
	"github.com/walrelay/walrelay/pkg/metrics"
)

// State is the relay loop's current phase, exposed for observability.
type State string

const (
	StateInitializing State = "initializing"
	StateStreaming    State = "streaming"
	StateDecoding     State = "decoding"
	StateForwarding   State = "forwarding"
	StateAcking       State = "acking"
	StateStopped      State = "stopped"
	StateFailed       State = "failed"
)

// Partition key modes. Fixed publishes every record under one key,
// serializing the whole relay into a single shard; this mirrors the
// source deployment and is the default. Table derives the key from the
// schema-qualified table name.
const (
	PartitionKeyFixed = "fixed"
	PartitionKeyTable = "table"
)

const (
	defaultPartitionKey   = "default"
	defaultInitialBackoff = 200 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
)

// Config holds relay loop configuration.
type Config struct {
	// Stream names the transport destination, used for logs and metric labels.
	Stream string `mapstructure:"stream"`
	// PartitionKeyMode is "fixed" (default) or "table".
	PartitionKeyMode string `mapstructure:"partitionKeyMode"`
	// PartitionKey is the key used in fixed mode.
	PartitionKey string `mapstructure:"partitionKey"`
	// MaxRetries bounds retries per record on transient publish errors.
	// Zero is valid and disables retries: one attempt per record.
	MaxRetries     uint64        `mapstructure:"maxRetries"`
	InitialBackoff time.Duration `mapstructure:"initialBackoff"`
	MaxBackoff     time.Duration `mapstructure:"maxBackoff"`
}

func (c *Config) withDefaults() *Config {
	out := *c
	out.PartitionKeyMode = cmp.Or(out.PartitionKeyMode, PartitionKeyFixed)
	out.PartitionKey = cmp.Or(out.PartitionKey, defaultPartitionKey)
	out.InitialBackoff = cmp.Or(out.InitialBackoff, defaultInitialBackoff)
	out.MaxBackoff = cmp.Or(out.MaxBackoff, defaultMaxBackoff)
	return &out
}

// Relay drives one replication session. Single consumer, one in-flight
// batch at a time; NextBatch is the sole suspension point and the
// natural backpressure mechanism.
type Relay struct {
	session    Session
	pub        Publisher
	cfg        *Config
	logger     *zap.Logger
	state      State
	checkpoint pglogrepl.LSN
}

// New returns a relay consuming from session and publishing through pub.
// Dependencies are injected; the relay holds no global handles.
func New(session Session, pub Publisher, cfg *Config, logger *zap.Logger) *Relay {
	if cfg == nil {
		cfg = &Config{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		session: session,
		pub:     pub,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		state:   StateInitializing,
	}
}

// State returns the loop's last observed phase. Not synchronized; meant
// for inspection after Run returns.
func (r *Relay) State() State { return r.state }

// Checkpoint returns the last WAL position acknowledged to the slot.
func (r *Relay) Checkpoint() pglogrepl.LSN { return r.checkpoint }

// Run consumes batches until the context is canceled or a fatal
// session error occurs. Returns nil on graceful shutdown and a
// *SessionError on fatal failure, connection loss included; per-record
// and per-batch failures never propagate past their batch.
func (r *Relay) Run(ctx context.Context) error {
	r.state = StateStreaming
	r.logger.Info("relay streaming",
		zap.String("slot", r.session.Slot()),
		zap.String("stream", r.cfg.Stream),
		zap.String("partitionKeyMode", r.cfg.PartitionKeyMode))

	for {
		r.state = StateStreaming
		env, err := r.session.NextBatch(ctx)
		if err != nil {
			if isShutdown(ctx, err) {
				r.state = StateStopped
				r.logger.Info("replication stream closed", zap.String("slot", r.session.Slot()))
				return nil
			}
			return r.fail(err)
		}

		if err := r.processBatch(ctx, env); err != nil {
			if isShutdown(ctx, err) {
				// Batch abandoned mid-forward: do not ack, the source
				// redelivers from the last flushed position on restart.
				r.state = StateStopped
				r.logger.Warn("abandoned in-flight batch on shutdown",
					zap.String("lsn", env.Start.String()))
				return nil
			}
			return r.fail(err)
		}

		r.state = StateAcking
		if err := r.session.Ack(ctx, env.Start); err != nil {
			if isShutdown(ctx, err) {
				r.state = StateStopped
				return nil
			}
			return r.fail(fmt.Errorf("acknowledge %s: %w", env.Start, err))
		}
		if env.Start > r.checkpoint {
			r.checkpoint = env.Start
		}
		metrics.AckedBatches.Inc()
	}
}

// processBatch decodes one envelope and forwards every change. Decode
// failures and per-record publish failures are recovered here; only
// shutdown and unclassified publish errors propagate.
func (r *Relay) processBatch(ctx context.Context, env *Envelope) error {
	timer := prometheus.NewTimer(metrics.BatchForwardDuration)
	defer timer.ObserveDuration()

	r.state = StateDecoding
	changes, err := cdc.ParseBatch(env.Payload)
	if err != nil {
		// Malformed payloads never decode; ack anyway so the pipeline
		// keeps moving. Accepted data loss, not a retry candidate.
		metrics.DecodeFailures.Inc()
		r.logger.Error("dropping undecodable batch",
			zap.String("lsn", env.Start.String()),
			zap.Error(err))
		return nil
	}

	r.state = StateForwarding
	forwarded := 0
	for i := range changes {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ok, err := r.forward(ctx, &changes[i])
		if err != nil {
			return err
		}
		if ok {
			forwarded++
		}
	}

	r.logger.Info("batch forwarded",
		zap.String("stream", r.cfg.Stream),
		zap.String("lsn", env.Start.String()),
		zap.Int("forwarded", forwarded),
		zap.Int("records", len(changes)))
	return nil
}

// forward publishes one change with bounded retry on transient errors.
// Returns (true, nil) when published, (false, nil) when the record was
// dropped and logged, and a non-nil error only for shutdown or an
// unclassified publish error, which is fatal.
func (r *Relay) forward(ctx context.Context, change *cdc.Change) (bool, error) {
	payload, err := json.Marshal(change)
	if err != nil {
		metrics.DroppedRecords.WithLabelValues(r.cfg.Stream, "encode").Inc()
		r.logger.Error("dropping unencodable change record",
			zap.String("relation", change.Relation()),
			zap.Int("ordinal", change.Ordinal),
			zap.Error(err))
		return false, nil
	}

	key := r.partitionKey(change)
	var seq string
	attempts := 0

	op := func() error {
		attempts++
		s, err := r.pub.Publish(ctx, key, payload)
		if err == nil {
			seq = s
			return nil
		}
		if IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.InitialBackoff
	bo.MaxInterval = r.cfg.MaxBackoff
	bo.MaxElapsedTime = 0

	notify := func(err error, next time.Duration) {
		metrics.PublishRetries.WithLabelValues(r.cfg.Stream).Inc()
		r.logger.Warn("retrying publish",
			zap.String("relation", change.Relation()),
			zap.Int("ordinal", change.Ordinal),
			zap.Duration("backoff", next),
			zap.Error(err))
	}

	err = backoff.RetryNotify(op,
		backoff.WithContext(backoff.WithMaxRetries(bo, r.cfg.MaxRetries), ctx), notify)
	if err == nil {
		metrics.ForwardedRecords.WithLabelValues(r.cfg.Stream).Inc()
		r.logger.Debug("change record published",
			zap.String("relation", change.Relation()),
			zap.Int("ordinal", change.Ordinal),
			zap.String("sequence", seq))
		return true, nil
	}

	if isShutdown(ctx, err) {
		return false, err
	}
	if !IsTransient(err) && !IsPermanent(err) {
		// Outside the classified taxonomy; treat as fatal rather than
		// silently miscounting it as a drop.
		return false, fmt.Errorf("unclassified publish error: %w", err)
	}

	metrics.DroppedRecords.WithLabelValues(r.cfg.Stream, dropReason(err)).Inc()
	r.logger.Error("dropping change record after publish failure",
		zap.String("relation", change.Relation()),
		zap.Int("ordinal", change.Ordinal),
		zap.Int("attempts", attempts),
		zap.Error(err))
	return false, nil
}

func (r *Relay) partitionKey(change *cdc.Change) string {
	if r.cfg.PartitionKeyMode == PartitionKeyTable {
		return change.Relation()
	}
	return r.cfg.PartitionKey
}

// fail tears down the session and surfaces the slot remediation so the
// process never exits silently on a fatal error.
func (r *Relay) fail(cause error) error {
	r.state = StateFailed

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if cerr := r.session.Close(closeCtx); cerr != nil {
		r.logger.Error("closing session after failure", zap.Error(cerr))
	}

	hint := r.session.DropSlotHint()
	r.logger.Error("fatal replication session failure",
		zap.String("slot", r.session.Slot()),
		zap.String("remediation", hint),
		zap.Error(cause))

	return &SessionError{Slot: r.session.Slot(), Hint: hint, Err: cause}
}

func dropReason(err error) string {
	if IsPermanent(err) {
		return "permanent"
	}
	return "retries_exhausted"
}

// isShutdown reports whether err reflects a requested stop rather than
// a session failure. Only context cancellation qualifies: an EOF or
// reset while the context is still live means the server went away and
// must surface as fatal, not as a clean close.
func isShutdown(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
