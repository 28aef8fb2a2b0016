package model

// Trade is a single executed trade from the exchange trade stream.
// Trades are only logged; they never enter a window.
type Trade struct {
	Price     float64 `json:"price"`
	Quantity  float64 `json:"quantity"`
	EventTime int64   `json:"event_time"` // ms
}

// Kline is a candle update from the kline stream. Updates for the bar that is
// still forming arrive with IsClosed=false and must be ignored.
type Kline struct {
	Candle
	IsClosed bool `json:"is_closed"`
}

// EventKind distinguishes stream messages.
type EventKind int

const (
	EventTrade EventKind = iota + 1
	EventKline
)

// Event is one decoded message from the streaming transport.
type Event struct {
	Kind  EventKind
	Trade Trade
	Kline Kline
}
