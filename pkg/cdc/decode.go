package cdc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DecodeError reports a malformed batch payload. Decoding the same bytes
// again can never succeed, so callers must not retry; the batch is logged
// and skipped rather than blocking the stream.
type DecodeError struct {
	Cause error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode batch payload: %v", e.Cause)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

// IsDecodeError reports whether err is (or wraps) a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

type batchEnvelope struct {
	Change []Change `json:"change"`
}

// ParseBatch decodes one wal2json batch payload into its individual
// changes, in encounter order with ordinals 0..N-1. A payload without a
// top-level change list, or one that is not valid JSON, fails with a
// *DecodeError. Pure function, safe to call repeatedly on the same bytes.
func ParseBatch(payload []byte) ([]Change, error) {
	var batch batchEnvelope
	if err := json.Unmarshal(payload, &batch); err != nil {
		return nil, &DecodeError{Cause: err}
	}
	if batch.Change == nil {
		return nil, &DecodeError{Cause: errors.New("missing top-level change list")}
	}

	for i := range batch.Change {
		batch.Change[i].Ordinal = i
		if batch.Change[i].Kind == "" {
			return nil, &DecodeError{Cause: fmt.Errorf("change %d: missing kind", i)}
		}
	}
	return batch.Change, nil
}
