package audit

import (
	"context"
	"time"
)

const ResultSuccess = "SUCCESS"

// Record is one audit trail entry as handed to a Sink.
type Record struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id,omitempty"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   any            `json:"resource_id"`
	OldValues    map[string]any `json:"old_values,omitempty"`
	NewValues    map[string]any `json:"new_values,omitempty"`
	IPAddress    string         `json:"ip_address,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	Result       string         `json:"result"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Sink is the external audit store. Log may fail; callers never propagate
// that failure to the business operation.
type Sink interface {
	Log(ctx context.Context, rec Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec Record) error

func (f SinkFunc) Log(ctx context.Context, rec Record) error { return f(ctx, rec) }

// NopSink discards records. Used when auditing is disabled.
type NopSink struct{}

func (NopSink) Log(context.Context, Record) error { return nil }
