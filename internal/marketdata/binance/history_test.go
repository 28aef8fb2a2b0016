package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const m15 = int64(15 * 60 * 1000)

// klineServer serves /api/v3/klines from a fixed set of 15m bars starting at
// base, honouring startTime, endTime and limit like the real endpoint.
type klineServer struct {
	base  int64
	count int

	mu       sync.Mutex
	requests []string
}

func (s *klineServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, r.URL.RawQuery)
	s.mu.Unlock()

	if r.URL.Path != "/api/v3/klines" {
		http.NotFound(w, r)
		return
	}
	q := r.URL.Query()
	start, _ := strconv.ParseInt(q.Get("startTime"), 10, 64)
	end, _ := strconv.ParseInt(q.Get("endTime"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))

	rows := [][]any{}
	for i := 0; i < s.count && len(rows) < limit; i++ {
		ot := s.base + int64(i)*m15
		if ot < start || ot > end {
			continue
		}
		px := 100 + float64(i)
		rows = append(rows, []any{
			ot,
			fmt.Sprintf("%.2f", px),
			fmt.Sprintf("%.2f", px+1),
			fmt.Sprintf("%.2f", px-1),
			fmt.Sprintf("%.2f", px+0.5),
			"10.5",
			ot + m15 - 1,
			"1000", 42, "5", "500", "0",
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rows)
}

func newTestHistory(t *testing.T, srv *klineServer, pageLimit int, now time.Time) *History {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	h := NewHistory(HistoryConfig{BaseURL: ts.URL, PageLimit: pageLimit})
	h.now = func() time.Time { return now }
	return h
}

func TestFetchRange_Paginates(t *testing.T) {
	base := int64(1704067200000)
	srv := &klineServer{base: base, count: 25}
	h := newTestHistory(t, srv, 10, time.UnixMilli(base+100*m15))

	got, err := h.FetchRange(context.Background(), "btcusdt", 15*time.Minute, base, base+100*m15)
	require.NoError(t, err)
	require.Len(t, got, 25)

	for i, c := range got {
		assert.Equal(t, base+int64(i)*m15, c.OpenTime)
		assert.Equal(t, c.OpenTime+m15-1, c.CloseTime)
	}
	assert.Equal(t, 100.0, got[0].Open)
	assert.Equal(t, 100.5, got[0].Close)
	assert.Equal(t, 10.5, got[0].Volume)

	// 10 + 10 + 5: the short third page ends pagination.
	assert.Len(t, srv.requests, 3)
	assert.Contains(t, srv.requests[1], "startTime="+strconv.FormatInt(base+10*m15, 10))
	assert.Contains(t, srv.requests[0], "symbol=BTCUSDT")
	assert.Contains(t, srv.requests[0], "interval=15m")
}

func TestFetchRange_StopsAtEnd(t *testing.T) {
	base := int64(1704067200000)
	srv := &klineServer{base: base, count: 100}
	h := newTestHistory(t, srv, 5, time.UnixMilli(base+200*m15))

	got, err := h.FetchRange(context.Background(), "BTCUSDT", 15*time.Minute, base, base+9*m15)
	require.NoError(t, err)
	assert.Len(t, got, 10)
	assert.Len(t, srv.requests, 2)
}

func TestFetchRange_DropsFormingBar(t *testing.T) {
	base := int64(1704067200000)
	srv := &klineServer{base: base, count: 5}
	// "now" sits inside the fifth bar.
	h := newTestHistory(t, srv, 1000, time.UnixMilli(base+4*m15+60_000))

	got, err := h.FetchRange(context.Background(), "BTCUSDT", 15*time.Minute, base, base+10*m15)
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestFetchLatest_TrimsToCount(t *testing.T) {
	base := int64(1704067200000)
	srv := &klineServer{base: base, count: 50}
	now := time.UnixMilli(base + 50*m15)
	h := newTestHistory(t, srv, 1000, now)

	got, err := h.FetchLatest(context.Background(), "BTCUSDT", 15*time.Minute, 20)
	require.NoError(t, err)
	require.Len(t, got, 20)
	assert.Equal(t, base+49*m15, got[19].OpenTime)
	assert.Equal(t, base+30*m15, got[0].OpenTime)
}

func TestHistoryConfig_PageDelay(t *testing.T) {
	assert.Zero(t, NewHistory(HistoryConfig{}).cfg.PageDelay)
	assert.Equal(t, DefaultPageDelay, NewHistory(HistoryConfig{PageDelay: -1}).cfg.PageDelay)
	assert.Equal(t, time.Second, NewHistory(HistoryConfig{PageDelay: time.Second}).cfg.PageDelay)
}

func TestFetchRange_Errors(t *testing.T) {
	h := NewHistory(HistoryConfig{BaseURL: "http://127.0.0.1:1", HTTPTimeout: 100 * time.Millisecond})

	_, err := h.FetchRange(context.Background(), "BTCUSDT", 7*time.Minute, 0, 1)
	assert.Error(t, err, "unsupported interval")

	_, err = h.FetchRange(context.Background(), "  ", 15*time.Minute, 0, 1)
	assert.Error(t, err, "empty symbol")

	_, err = h.FetchRange(context.Background(), "BTCUSDT", 15*time.Minute, 0, 1)
	assert.Error(t, err, "unreachable server")
}
