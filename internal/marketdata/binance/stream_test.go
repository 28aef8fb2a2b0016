package binance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klinefeed/internal/model"
)

const klineMsg = `{"e":"kline","E":1704068100050,"s":"BTCUSDT","k":{"t":1704067200000,"T":1704068099999,"s":"BTCUSDT","i":"15m","f":1,"L":99,"o":"42000.10","c":"42010.50","h":"42050.00","l":"41990.00","v":"12.5","n":100,"x":true,"q":"525000.0","V":"6.1","Q":"256000.0","B":"0"}}`

const tradeMsg = `{"e":"trade","E":1704068100050,"s":"BTCUSDT","t":12345,"p":"42001.5","q":"0.010","b":1,"a":2,"T":1704068100049,"m":true,"M":true}`

func TestParseMessage_Kline(t *testing.T) {
	ev, err := ParseMessage([]byte(klineMsg))
	require.NoError(t, err)
	require.Equal(t, model.EventKline, ev.Kind)

	k := ev.Kline
	assert.True(t, k.IsClosed)
	assert.Equal(t, int64(1704067200000), k.OpenTime)
	assert.Equal(t, int64(1704068099999), k.CloseTime)
	assert.Equal(t, 42000.10, k.Open)
	assert.Equal(t, 42050.00, k.High)
	assert.Equal(t, 41990.00, k.Low)
	assert.Equal(t, 42010.50, k.Close)
	assert.Equal(t, 12.5, k.Volume, "taker volume must not leak into volume")
}

func TestParseMessage_UnclosedKline(t *testing.T) {
	ev, err := ParseMessage([]byte(strings.Replace(klineMsg, `"x":true`, `"x":false`, 1)))
	require.NoError(t, err)
	assert.False(t, ev.Kline.IsClosed)
}

func TestParseMessage_Trade(t *testing.T) {
	ev, err := ParseMessage([]byte(tradeMsg))
	require.NoError(t, err)
	require.Equal(t, model.EventTrade, ev.Kind)
	assert.Equal(t, 42001.5, ev.Trade.Price)
	assert.Equal(t, 0.01, ev.Trade.Quantity)
	assert.Equal(t, int64(1704068100049), ev.Trade.EventTime)
}

func TestParseMessage_Malformed(t *testing.T) {
	cases := []string{
		`not json`,
		`{"e":"kline","k":{"t":1,"T":2,"o":"x","h":"1","l":"1","c":"1","v":"1","x":true}}`,
		`{"e":"kline","k":{"t":1,"T":2,"o":"1","h":"1","l":"1","c":"1","v":"1"}}`,
		`{"e":"kline","k":{"t":5,"T":2,"o":"1","h":"1","l":"1","c":"1","v":"1","x":true}}`,
		`{"e":"trade","q":"1"}`,
		`{"result":null,"id":1}`,
	}
	for _, raw := range cases {
		_, err := ParseMessage([]byte(raw))
		assert.True(t, errors.Is(err, ErrMalformed), "payload %s: %v", raw, err)
	}
}

func TestStreamURL(t *testing.T) {
	u, err := StreamURL(StreamConfig{BaseURL: "wss://stream.binance.com:9443/", Symbol: "BTCUSDT", Kind: StreamKline, Interval: 15 * time.Minute})
	require.NoError(t, err)
	assert.Equal(t, "wss://stream.binance.com:9443/ws/btcusdt@kline_15m", u)

	u, err = StreamURL(StreamConfig{BaseURL: "wss://x", Symbol: "btcusdt", Kind: StreamTrade})
	require.NoError(t, err)
	assert.Equal(t, "wss://x/ws/btcusdt@trade", u)

	_, err = StreamURL(StreamConfig{BaseURL: "wss://x", Symbol: "btcusdt", Kind: StreamKline, Interval: 7 * time.Minute})
	assert.Error(t, err)
	_, err = StreamURL(StreamConfig{BaseURL: "wss://x", Kind: StreamTrade})
	assert.Error(t, err)
}

// wsServer upgrades every request and writes msgs, then optionally keeps the
// connection open until the client leaves.
func wsServer(t *testing.T, msgs []string, hold bool) (*httptest.Server, chan string) {
	t.Helper()
	paths := make(chan string, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, m := range msgs {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		if hold {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, paths
}

func dialTest(t *testing.T, srv *httptest.Server) model.EventStream {
	t.Helper()
	d, err := NewDialer(StreamConfig{
		BaseURL:  "ws" + strings.TrimPrefix(srv.URL, "http"),
		Symbol:   "BTCUSDT",
		Interval: 15 * time.Minute,
	})
	require.NoError(t, err)
	conn, err := d.Dial(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestConn_ReadsEvents(t *testing.T) {
	srv, paths := wsServer(t, []string{tradeMsg, klineMsg}, true)
	conn := dialTest(t, srv)
	assert.Equal(t, "/ws/btcusdt@kline_15m", <-paths)

	ctx := context.Background()
	ev, err := conn.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.EventTrade, ev.Kind)

	ev, err = conn.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.EventKline, ev.Kind)
	assert.True(t, ev.Kline.IsClosed)
}

func TestConn_ServerCloseIsTransportError(t *testing.T) {
	srv, _ := wsServer(t, nil, false)
	conn := dialTest(t, srv)

	_, err := conn.Next(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrMalformed))
}

func TestConn_MalformedPayload(t *testing.T) {
	srv, _ := wsServer(t, []string{`{"garbage":true}`}, true)
	conn := dialTest(t, srv)

	_, err := conn.Next(context.Background())
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestConn_ContextCancel(t *testing.T) {
	srv, _ := wsServer(t, nil, true)
	conn := dialTest(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := conn.Next(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestConn_DialContextCancelClosesConn(t *testing.T) {
	srv, _ := wsServer(t, []string{tradeMsg, tradeMsg, tradeMsg}, true)
	d, err := NewDialer(StreamConfig{
		BaseURL:  "ws" + strings.TrimPrefix(srv.URL, "http"),
		Symbol:   "BTCUSDT",
		Interval: 15 * time.Minute,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn, err := d.Dial(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	for i := 0; i < 3; i++ {
		_, err := conn.Next(context.Background())
		require.NoError(t, err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := conn.Next(context.Background())
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrMalformed))
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after the dial context was cancelled")
	}
}
