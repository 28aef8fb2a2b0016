package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"klinefeed/internal/model"
)

// ErrMalformed marks a stream payload that cannot be decoded into an event.
// The pipeline treats it as fatal rather than retrying.
var ErrMalformed = errors.New("malformed stream payload")

// StreamKind selects the websocket stream.
type StreamKind string

const (
	StreamKline StreamKind = "kline"
	StreamTrade StreamKind = "trade"
)

// StreamConfig holds configuration for the websocket stream.
type StreamConfig struct {
	// BaseURL of the websocket API, e.g. "wss://stream.binance.com:9443".
	BaseURL  string
	Symbol   string
	Kind     StreamKind
	Interval time.Duration // kline streams only

	// HandshakeTimeout bounds the dial. Defaults to 10s.
	HandshakeTimeout time.Duration

	// IdleTimeout closes a connection that delivers neither data nor pings.
	// Defaults to 10 minutes (the server pings every 3).
	IdleTimeout time.Duration
}

func (c *StreamConfig) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = "wss://stream.binance.com:9443"
	}
	if c.Kind == "" {
		c.Kind = StreamKline
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 10 * time.Minute
	}
}

// Dialer opens stream connections. It satisfies model.StreamDialer.
type Dialer struct {
	cfg    StreamConfig
	url    string
	dialer *websocket.Dialer
}

// NewDialer validates cfg and builds the stream URL.
func NewDialer(cfg StreamConfig) (*Dialer, error) {
	cfg.defaults()
	u, err := StreamURL(cfg)
	if err != nil {
		return nil, err
	}
	return &Dialer{
		cfg: cfg,
		url: u,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}, nil
}

// URL returns the stream URL.
func (d *Dialer) URL() string { return d.url }

// StreamURL builds "<base>/ws/<symbol>@kline_<interval>" or "<base>/ws/<symbol>@trade".
func StreamURL(cfg StreamConfig) (string, error) {
	symbol := strings.ToLower(strings.TrimSpace(cfg.Symbol))
	if symbol == "" {
		return "", fmt.Errorf("binance: symbol is required")
	}
	var stream string
	switch cfg.Kind {
	case StreamKline, "":
		iv, err := model.IntervalString(cfg.Interval)
		if err != nil {
			return "", err
		}
		stream = symbol + "@kline_" + iv
	case StreamTrade:
		stream = symbol + "@trade"
	default:
		return "", fmt.Errorf("binance: unknown stream kind %q", cfg.Kind)
	}
	u := strings.TrimRight(cfg.BaseURL, "/") + "/ws/" + stream
	if _, err := url.Parse(u); err != nil {
		return "", fmt.Errorf("binance stream url: %w", err)
	}
	return u, nil
}

// Dial makes a single connection attempt. The connection is closed once ctx
// ends, which unblocks a pending Next.
func (d *Dialer) Dial(ctx context.Context) (model.EventStream, error) {
	conn, _, err := d.dialer.DialContext(ctx, d.url, nil)
	if err != nil {
		return nil, fmt.Errorf("binance dial %s: %w", d.url, err)
	}
	log.Info().Str("component", "binance").Str("url", d.url).Msg("stream connected")

	c := &Conn{conn: conn, idle: d.cfg.IdleTimeout, done: make(chan struct{})}
	conn.SetReadDeadline(time.Now().Add(c.idle))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(c.idle))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	go c.watch(ctx)
	return c, nil
}

// Conn is one live stream connection. Next must be called from one goroutine.
type Conn struct {
	conn *websocket.Conn
	idle time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

// watch closes the connection when the dial context ends.
func (c *Conn) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		c.Close()
	case <-c.done:
	}
}

// Next blocks until the next event. It returns ctx.Err() after cancellation,
// an ErrMalformed-wrapped error for undecodable payloads, and the transport
// error otherwise.
func (c *Conn) Next(ctx context.Context) (model.Event, error) {
	// Closes the connection if ctx ends mid-read.
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return model.Event{}, ctx.Err()
			}
			return model.Event{}, fmt.Errorf("binance read: %w", err)
		}
		c.conn.SetReadDeadline(time.Now().Add(c.idle))

		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}
		return ParseMessage(raw)
	}
}

// Close sends a close frame and releases the connection. Safe to call twice.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

type wireKline struct {
	StartTime int64    `json:"t"`
	CloseTime int64    `json:"T"`
	Open      strOrNum `json:"o"`
	High      strOrNum `json:"h"`
	Low       strOrNum `json:"l"`
	Close     strOrNum `json:"c"`
	Volume    strOrNum `json:"v"`
	IsFinal   *bool    `json:"x"`

	// Declared so encoding/json's case-insensitive fallback cannot route
	// them into l/v above.
	LastTradeID   int64    `json:"L"`
	TakerBuyBase  strOrNum `json:"V"`
	TakerBuyQuote strOrNum `json:"Q"`
}

type wireMessage struct {
	EventType string     `json:"e"`
	EventTime int64      `json:"E"`
	Kline     *wireKline `json:"k"`

	// trade fields
	TradeID   int64     `json:"t"`
	Price     *strOrNum `json:"p"`
	Quantity  *strOrNum `json:"q"`
	TradeTime int64     `json:"T"`
}

// ParseMessage decodes a raw stream payload into a trade or kline event.
func ParseMessage(raw []byte) (model.Event, error) {
	var msg wireMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return model.Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch {
	case msg.Kline != nil:
		k := msg.Kline
		if k.IsFinal == nil {
			return model.Event{}, fmt.Errorf("%w: kline without closed flag", ErrMalformed)
		}
		c := model.Candle{OpenTime: k.StartTime, CloseTime: k.CloseTime}
		for _, f := range []struct {
			name string
			v    strOrNum
			dst  *float64
		}{
			{"o", k.Open, &c.Open},
			{"h", k.High, &c.High},
			{"l", k.Low, &c.Low},
			{"c", k.Close, &c.Close},
			{"v", k.Volume, &c.Volume},
		} {
			v, err := f.v.Float()
			if err != nil {
				return model.Event{}, fmt.Errorf("%w: kline field %s: %v", ErrMalformed, f.name, err)
			}
			*f.dst = v
		}
		if err := c.Validate(); err != nil {
			return model.Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return model.Event{Kind: model.EventKline, Kline: model.Kline{Candle: c, IsClosed: *k.IsFinal}}, nil

	case msg.EventType == "trade" || (msg.Price != nil && msg.Quantity != nil):
		if msg.Price == nil || msg.Quantity == nil {
			return model.Event{}, fmt.Errorf("%w: trade without price or quantity", ErrMalformed)
		}
		price, err := msg.Price.Float()
		if err != nil {
			return model.Event{}, fmt.Errorf("%w: trade price: %v", ErrMalformed, err)
		}
		qty, err := msg.Quantity.Float()
		if err != nil {
			return model.Event{}, fmt.Errorf("%w: trade quantity: %v", ErrMalformed, err)
		}
		return model.Event{Kind: model.EventTrade, Trade: model.Trade{Price: price, Quantity: qty, EventTime: msg.TradeTime}}, nil
	}

	return model.Event{}, fmt.Errorf("%w: neither kline nor trade", ErrMalformed)
}

// strOrNum accepts both quoted and bare JSON numbers.
type strOrNum string

func (s *strOrNum) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = strOrNum(v)
		return nil
	}
	*s = strOrNum(string(b))
	return nil
}

func (s strOrNum) Float() (float64, error) {
	return strconv.ParseFloat(string(s), 64)
}
