// Package pgrepl manages the logical replication session against a
// PostgreSQL slot using the wal2json output plugin. It exposes a
// pull-style API: NextBatch blocks for the next wal2json batch, Ack
// flushes a consumed position back to the slot.
package pgrepl

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"go.uber.org/zap"

	"github.com/walrelay/walrelay/pkg/relay"
)

const (
	defaultSlot            = "walrelay_slot"
	defaultPlugin          = "wal2json"
	defaultStandbyInterval = 10 * time.Second

	// SQLSTATEs surfaced by slot DDL races.
	sqlstateDuplicateObject = "42710"
	sqlstateUndefinedObject = "42704"
)

// Config holds replication session configuration.
type Config struct {
	// ConnString is a pgconn connection string; the session forces
	// replication=database on top of it.
	ConnString string `mapstructure:"connString"`
	Slot       string `mapstructure:"slot"`
	Plugin     string `mapstructure:"plugin"`
	// PluginOptions are passed to the output plugin on START_REPLICATION,
	// eg {"pretty-print": "1"}.
	PluginOptions map[string]string `mapstructure:"pluginOptions"`
	// StandbyInterval bounds how long the session goes without sending
	// a standby status update while idle.
	StandbyInterval time.Duration `mapstructure:"standbyInterval"`
}

func (c *Config) withDefaults() *Config {
	out := *c
	out.Slot = cmp.Or(out.Slot, defaultSlot)
	out.Plugin = cmp.Or(out.Plugin, defaultPlugin)
	out.StandbyInterval = cmp.Or(out.StandbyInterval, defaultStandbyInterval)
	if out.PluginOptions == nil {
		out.PluginOptions = map[string]string{"pretty-print": "1"}
	}
	return &out
}

// Session is an open logical replication stream. It implements
// relay.Session. Not safe for concurrent use; the source enforces one
// active session per slot.
type Session struct {
	conn    *pgconn.PgConn
	cfg     *Config
	logger  *zap.Logger
	flushed pglogrepl.LSN
	closed  bool
}

// Open connects, ensures the slot exists (a create racing another
// instance is treated as success) and starts streaming from the slot's
// confirmed position.
func Open(ctx context.Context, cfg *Config, logger *zap.Logger) (*Session, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	connCfg, err := pgconn.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	connCfg.RuntimeParams["replication"] = "database"

	conn, err := pgconn.ConnectConfig(ctx, connCfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	s := &Session{conn: conn, cfg: cfg, logger: logger}
	if err := s.start(ctx); err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}
	return s, nil
}

// start begins streaming, creating the slot on first use. Requesting
// LSN 0 makes the server resume from the slot's confirmed_flush_lsn.
func (s *Session) start(ctx context.Context) error {
	if _, err := pglogrepl.IdentifySystem(ctx, s.conn); err != nil {
		return fmt.Errorf("identify system: %w", err)
	}

	opts := pglogrepl.StartReplicationOptions{PluginArgs: s.pluginArgs()}
	err := pglogrepl.StartReplication(ctx, s.conn, s.cfg.Slot, 0, opts)
	if err == nil {
		s.logger.Info("replication started",
			zap.String("slot", s.cfg.Slot),
			zap.String("plugin", s.cfg.Plugin))
		return nil
	}
	if !isSQLState(err, sqlstateUndefinedObject) {
		return fmt.Errorf("start replication on slot %q: %w", s.cfg.Slot, err)
	}

	s.logger.Info("creating replication slot",
		zap.String("slot", s.cfg.Slot),
		zap.String("plugin", s.cfg.Plugin))
	_, err = pglogrepl.CreateReplicationSlot(ctx, s.conn, s.cfg.Slot, s.cfg.Plugin,
		pglogrepl.CreateReplicationSlotOptions{Temporary: false})
	if err != nil && !isSQLState(err, sqlstateDuplicateObject) {
		return fmt.Errorf("create slot %q: %w", s.cfg.Slot, err)
	}

	if err := pglogrepl.StartReplication(ctx, s.conn, s.cfg.Slot, 0, opts); err != nil {
		return fmt.Errorf("start replication on slot %q: %w", s.cfg.Slot, err)
	}
	s.logger.Info("replication started",
		zap.String("slot", s.cfg.Slot),
		zap.String("plugin", s.cfg.Plugin))
	return nil
}

func (s *Session) pluginArgs() []string {
	keys := make([]string, 0, len(s.cfg.PluginOptions))
	for k := range s.cfg.PluginOptions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]string, 0, len(keys))
	for _, k := range keys {
		args = append(args, fmt.Sprintf("%q '%s'", k, s.cfg.PluginOptions[k]))
	}
	return args
}

// NextBatch blocks until the server sends the next wal2json batch,
// answering keepalives in the meantime. Returns the raw payload with
// the batch's start position.
func (s *Session) NextBatch(ctx context.Context) (*relay.Envelope, error) {
	for {
		deadline := time.Now().Add(s.cfg.StandbyInterval)
		msgCtx, cancel := context.WithDeadline(ctx, deadline)
		msg, err := s.conn.ReceiveMessage(msgCtx)
		cancel()

		if err != nil {
			if pgconn.Timeout(err) && ctx.Err() == nil {
				if err := s.sendStatus(ctx); err != nil {
					return nil, err
				}
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("receive replication message: %w", err)
		}

		copyData, ok := msg.(*pgproto3.CopyData)
		if !ok {
			continue
		}

		switch copyData.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
			if err != nil {
				return nil, fmt.Errorf("parse keepalive: %w", err)
			}
			if pkm.ReplyRequested {
				if err := s.sendStatus(ctx); err != nil {
					return nil, err
				}
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				return nil, fmt.Errorf("parse xlog data: %w", err)
			}
			return &relay.Envelope{Payload: xld.WALData, Start: xld.WALStart}, nil
		}
	}
}

// Ack flushes consumption up to lsn. Monotonic: an earlier position than
// the current flush is a no-op.
func (s *Session) Ack(ctx context.Context, lsn pglogrepl.LSN) error {
	if lsn > s.flushed {
		s.flushed = lsn
	}
	return s.sendStatus(ctx)
}

func (s *Session) sendStatus(ctx context.Context) error {
	err := pglogrepl.SendStandbyStatusUpdate(ctx, s.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: s.flushed,
		WALFlushPosition: s.flushed,
		WALApplyPosition: s.flushed,
	})
	if err != nil {
		return fmt.Errorf("send standby status: %w", err)
	}
	return nil
}

// Slot returns the replication slot name.
func (s *Session) Slot() string { return s.cfg.Slot }

// DropSlotHint returns the operator remediation for when this session
// terminates but the slot remains, retaining WAL on the server.
func (s *Session) DropSlotHint() string {
	return fmt.Sprintf(
		"WAL will accumulate on the server until slot %q is resumed or dropped; "+
			"drop it with: SELECT pg_drop_replication_slot('%s');",
		s.cfg.Slot, s.cfg.Slot)
}

// Close releases the session. Safe to call multiple times.
func (s *Session) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close(ctx)
}

func isSQLState(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
