package model

import (
	"context"
	"time"
)

// ── Collaborator Port Interfaces ──
// These interfaces decouple the stream orchestrator from the concrete exchange
// client so tests can drive it with in-memory fakes.

// HistorySource fetches closed candles over REST.
type HistorySource interface {
	// FetchRange returns every closed candle with open_time in [startMs, endMs],
	// oldest first.
	FetchRange(ctx context.Context, symbol string, interval time.Duration, startMs, endMs int64) ([]Candle, error)

	// FetchLatest returns the most recent count closed candles, oldest first.
	FetchLatest(ctx context.Context, symbol string, interval time.Duration, count int) ([]Candle, error)
}

// EventStream is one live streaming connection.
type EventStream interface {
	// Next blocks until the next decoded event, ctx cancellation, or a
	// transport/parse error.
	Next(ctx context.Context) (Event, error)

	// Close releases the connection.
	Close() error
}

// StreamDialer opens streaming connections; each reconnect calls Dial again.
type StreamDialer interface {
	Dial(ctx context.Context) (EventStream, error)
}
