// Package sink holds the event sink adapters. A sink is chosen by URL:
// file://<path> appends JSON Lines, http(s):// POSTs each event and
// postgres:// inserts into an outbox table.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/stevehiehn/testagent/internal/events"
)

// Sink is a closable event destination.
type Sink interface {
	Send(ctx context.Context, e events.Event) error
	Close() error
}

// Record is an event read back from a sink with its payload left raw.
type Record struct {
	ID    string          `json:"event_id"`
	RunID string          `json:"run_id"`
	Kind  events.Kind     `json:"kind"`
	Seq   int             `json:"seq"`
	Time  time.Time       `json:"time"`
	Links []events.Link   `json:"links"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Options carries adapter settings that do not fit in the URL.
type Options struct {
	Headers map[string]string // added to every HTTP request
	Timeout time.Duration     // per HTTP request
}

// Open returns the sink for rawURL.
func Open(ctx context.Context, rawURL string, opts Options) (Sink, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing sink url: %w", err)
	}
	switch u.Scheme {
	case "file", "":
		path := u.Path
		if u.Scheme == "file" {
			path = u.Host + u.Path
		}
		return NewFile(path), nil
	case "http", "https":
		return NewHTTP(rawURL, opts.Headers, opts.Timeout), nil
	case "postgres", "postgresql":
		return NewPostgres(ctx, rawURL)
	}
	return nil, fmt.Errorf("unsupported sink scheme %q", u.Scheme)
}
