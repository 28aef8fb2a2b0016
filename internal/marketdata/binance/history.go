// Package binance talks to the Binance spot API: paginated REST kline
// history for bootstrap and gap backfill, and the raw websocket streams for
// live klines and trades.
package binance

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog/log"

	"klinefeed/internal/model"
)

// DefaultPageDelay is the pause between REST pages when none is configured.
const DefaultPageDelay = 200 * time.Millisecond

// HistoryConfig configures the REST history client.
type HistoryConfig struct {
	// BaseURL of the REST API, e.g. "https://api.binance.com". Empty keeps the
	// library default.
	BaseURL string

	// PageLimit is the number of klines requested per page. Defaults to 1000.
	PageLimit int

	// PageDelay is the pause between pages. Zero disables it; negative
	// selects the 200ms default.
	PageDelay time.Duration

	// HTTPTimeout bounds each request. Defaults to 15s.
	HTTPTimeout time.Duration
}

func (c *HistoryConfig) defaults() {
	if c.PageLimit <= 0 || c.PageLimit > 1000 {
		c.PageLimit = 1000
	}
	if c.PageDelay < 0 {
		c.PageDelay = DefaultPageDelay
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 15 * time.Second
	}
}

// History fetches closed klines over REST. It satisfies model.HistorySource.
type History struct {
	client *gobinance.Client
	cfg    HistoryConfig
	now    func() time.Time
}

// NewHistory creates a history client. No credentials are needed for klines.
func NewHistory(cfg HistoryConfig) *History {
	cfg.defaults()
	client := gobinance.NewClient("", "")
	if cfg.BaseURL != "" {
		client.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	client.HTTPClient = &http.Client{Timeout: cfg.HTTPTimeout}
	return &History{client: client, cfg: cfg, now: time.Now}
}

// FetchRange returns every closed kline with open_time in [startMs, endMs],
// oldest first. Pages continue from the last close_time+1 and stop on an
// empty page, a short page, or once endMs is passed.
func (h *History) FetchRange(ctx context.Context, symbol string, interval time.Duration, startMs, endMs int64) ([]model.Candle, error) {
	iv, err := model.IntervalString(interval)
	if err != nil {
		return nil, err
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("binance: symbol is required")
	}

	nowMs := h.now().UnixMilli()
	var out []model.Candle
	cursor := startMs
	for page := 0; cursor <= endMs; page++ {
		if page > 0 && h.cfg.PageDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(h.cfg.PageDelay):
			}
		}

		klines, err := h.client.NewKlinesService().
			Symbol(symbol).
			Interval(iv).
			StartTime(cursor).
			EndTime(endMs).
			Limit(h.cfg.PageLimit).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("binance klines %s %s from %d: %w", symbol, iv, cursor, err)
		}
		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			c, err := toCandle(k)
			if err != nil {
				return nil, err
			}
			// The bar still forming at request time is not a closed candle.
			if c.CloseTime >= nowMs {
				continue
			}
			if n := len(out); n > 0 && c.OpenTime <= out[n-1].OpenTime {
				continue
			}
			out = append(out, c)
		}

		log.Debug().Str("component", "binance").Str("symbol", symbol).Str("interval", iv).
			Int("page", page).Int("klines", len(klines)).Int("total", len(out)).Msg("history page")

		if len(klines) < h.cfg.PageLimit {
			break
		}
		cursor = klines[len(klines)-1].CloseTime + 1
	}
	return out, nil
}

// FetchLatest returns the most recent count closed klines, oldest first.
func (h *History) FetchLatest(ctx context.Context, symbol string, interval time.Duration, count int) ([]model.Candle, error) {
	if count <= 0 {
		return nil, nil
	}
	end := h.now()
	// One extra interval covers the forming bar that FetchRange filters out.
	start := end.Add(-time.Duration(count+1) * interval)
	candles, err := h.FetchRange(ctx, symbol, interval, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, err
	}
	if len(candles) > count {
		candles = candles[len(candles)-count:]
	}
	return candles, nil
}

func toCandle(k *gobinance.Kline) (model.Candle, error) {
	c := model.Candle{OpenTime: k.OpenTime, CloseTime: k.CloseTime}
	fields := []struct {
		name string
		raw  string
		dst  *float64
	}{
		{"open", k.Open, &c.Open},
		{"high", k.High, &c.High},
		{"low", k.Low, &c.Low},
		{"close", k.Close, &c.Close},
		{"volume", k.Volume, &c.Volume},
	}
	for _, f := range fields {
		v, err := strconv.ParseFloat(f.raw, 64)
		if err != nil {
			return model.Candle{}, fmt.Errorf("binance kline %d %s %q: %w", k.OpenTime, f.name, f.raw, err)
		}
		*f.dst = v
	}
	if err := c.Validate(); err != nil {
		return model.Candle{}, fmt.Errorf("binance kline: %w", err)
	}
	return c, nil
}
