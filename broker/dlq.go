package broker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// DLQRecord describes an entry the engine chose not to process: a malformed
// input or a failed user computation.
type DLQRecord struct {
	// MessageID is the message the failure belongs to, when one was assigned.
	MessageID string
	// Field is the artificial field whose computation failed, when applicable.
	Field string
	// Err is the failure text.
	Err string
	// Payload carries the original entry values for malformed inputs.
	Payload map[string]string
}

// MoveToDLQ appends a record to the report's dead-letter stream.
func (b *Broker) MoveToDLQ(ctx context.Context, report string, rec DLQRecord) error {
	values := map[string]string{
		"error": rec.Err,
		"at":    time.Now().UTC().Format(time.RFC3339),
	}
	if rec.MessageID != "" {
		values[MessageIDField] = rec.MessageID
	}
	if rec.Field != "" {
		values["field"] = rec.Field
	}
	if len(rec.Payload) > 0 {
		raw, err := json.Marshal(rec.Payload)
		if err == nil {
			values["payload"] = string(raw)
		}
	}
	_, err := b.Append(ctx, b.layout.DLQStream(report), values)
	return err
}

func isNil(err error) bool { return errors.Is(err, redis.Nil) }
