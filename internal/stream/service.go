// Package stream runs the single-instrument pipeline: it seeds the candle
// windows from history, consumes the live exchange stream, recomputes
// features on every closed candle and hands each cycle to the persistence
// dispatcher.
//
// All window state is owned by the goroutine calling Bootstrap and Run.
// Other goroutines only see copies published through Stats.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"klinefeed/internal/feature"
	"klinefeed/internal/marketdata/binance"
	"klinefeed/internal/metrics"
	"klinefeed/internal/model"
	"klinefeed/internal/persist"
	"klinefeed/internal/ringbuf"
	"klinefeed/internal/store/sqlite"
)

// ErrNoHistory is returned by Bootstrap when neither the snapshot nor the
// REST history yields a single candle.
var ErrNoHistory = errors.New("stream: no historical candles")

// errFatal marks errors that end the run without a reconnect attempt.
var errFatal = errors.New("stream: fatal")

// Config configures a Service.
type Config struct {
	Symbol          string
	Interval        time.Duration
	RawCapacity     int
	FeatureCapacity int
	Paths           Paths

	CacheMaxAge time.Duration // reuse a raw snapshot younger than this (0 disables)

	MaxReconnects  int // consecutive attempts before giving up; 0 ends the run on the first drop
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	SampleInterval time.Duration // memory sampler period
}

func (c *Config) validate() error {
	if c.Symbol == "" {
		return errors.New("stream: symbol is required")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("stream: interval %s must be positive", c.Interval)
	}
	if c.RawCapacity < 1 || c.FeatureCapacity < 1 {
		return fmt.Errorf("stream: window capacities must be >= 1 (raw=%d feature=%d)", c.RawCapacity, c.FeatureCapacity)
	}
	if c.FeatureCapacity > c.RawCapacity {
		return fmt.Errorf("stream: feature capacity %d exceeds raw capacity %d", c.FeatureCapacity, c.RawCapacity)
	}
	if c.MaxReconnects < 0 {
		return fmt.Errorf("stream: max reconnects %d must be >= 0", c.MaxReconnects)
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 2 * time.Second
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	return nil
}

// Report summarises a bootstrap.
type Report struct {
	Source          string // "snapshot" or "rest"
	Loaded          int
	Backfilled      int
	RawLen          int
	FeatureLen      int
	Columns         int
	First, Last     int64 // open_time of the oldest and newest raw candle
	PersistFailures int
	Took            time.Duration
}

// Service is the stream orchestrator.
type Service struct {
	cfg     Config
	engine  *feature.Engine
	disp    *persist.Dispatcher
	history model.HistorySource
	dialer  model.StreamDialer
	m       *metrics.Metrics
	health  *metrics.HealthStatus
	sampler *metrics.Sampler
	log     zerolog.Logger

	raw  *ringbuf.Window
	feat *ringbuf.Window

	state   atomic.Int32
	stats   atomic.Pointer[metrics.PipelineStats]
	seq     uint64
	candles uint64

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Service. m and health may be nil, in which case private
// instances are used.
func New(cfg Config, engine *feature.Engine, disp *persist.Dispatcher,
	history model.HistorySource, dialer model.StreamDialer,
	m *metrics.Metrics, health *metrics.HealthStatus) (*Service, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if engine.Native() != cfg.Interval {
		return nil, fmt.Errorf("stream: engine interval %s does not match stream interval %s", engine.Native(), cfg.Interval)
	}
	if m == nil {
		m = metrics.NewMetrics(prometheus.NewRegistry())
	}
	if health == nil {
		health = metrics.NewHealthStatus()
	}

	s := &Service{
		cfg:     cfg,
		engine:  engine,
		disp:    disp,
		history: history,
		dialer:  dialer,
		m:       m,
		health:  health,
		log:     log.With().Str("component", "stream").Str("symbol", cfg.Symbol).Logger(),
		raw:     ringbuf.New(cfg.RawCapacity),
		feat:    ringbuf.New(cfg.FeatureCapacity),
		now:     time.Now,
		sleep:   sleepCtx,
	}
	s.sampler = metrics.NewSampler(cfg.SampleInterval, s.Stats, m)

	prev := disp.OnCycle
	disp.OnCycle = func(r persist.CycleResult) {
		health.SetLastPersistOK(len(r.Failures) == 0)
		if prev != nil {
			prev(r)
		}
	}
	return s, nil
}

// State returns the current lifecycle state.
func (s *Service) State() State {
	return State(s.state.Load())
}

// Stats returns the last published window statistics. Safe from any goroutine.
func (s *Service) Stats() metrics.PipelineStats {
	if p := s.stats.Load(); p != nil {
		return *p
	}
	return metrics.PipelineStats{RawCap: s.cfg.RawCapacity, FeatureCap: s.cfg.FeatureCapacity}
}

func (s *Service) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	s.m.PipelineState.Set(float64(st))
	s.health.SetState(st.String())
	if old != st {
		s.log.Info().Str("from", old.String()).Str("to", st.String()).Msg("state change")
	}
}

func (s *Service) publishStats(tbl *feature.Table) {
	st := metrics.PipelineStats{
		RawLen:       s.raw.Len(),
		RawCap:       s.raw.Cap(),
		RawEvicted:   s.raw.Evicted(),
		FeatureLen:   s.feat.Len(),
		FeatureCap:   s.feat.Cap(),
		FeatEvicted:  s.feat.Evicted(),
		CandlesTotal: s.candles,
	}
	if tbl != nil {
		st.TableBytes = tbl.SizeBytes()
	} else if prev := s.stats.Load(); prev != nil {
		st.TableBytes = prev.TableBytes
	}
	s.stats.Store(&st)
}

// Bootstrap seeds the raw window from a fresh snapshot (plus a REST backfill
// of the gap) or from REST history, seeds the feature window with the most
// recent suffix, and runs one synchronous persistence pass.
func (s *Service) Bootstrap(ctx context.Context) (Report, error) {
	start := time.Now()
	s.setState(StateBootstrapping)

	var rep Report
	if cs, ok := s.loadSnapshot(ctx); ok {
		rep.Source = "snapshot"
		rep.Loaded = s.pushRaw(cs)
		n, err := s.fetchGap(ctx)
		if err != nil {
			return rep, err
		}
		rep.Backfilled = n
	} else {
		rep.Source = "rest"
		cs, err := s.history.FetchLatest(ctx, s.cfg.Symbol, s.cfg.Interval, s.cfg.RawCapacity)
		if err != nil {
			return rep, fmt.Errorf("stream: bootstrap fetch: %w", err)
		}
		rep.Loaded = s.pushRaw(cs)
	}
	if s.raw.Len() == 0 {
		return rep, ErrNoHistory
	}

	seed := s.raw.View().Suffix(s.cfg.FeatureCapacity)
	for i := 0; i < seed.Len(); i++ {
		s.feat.Push(seed.At(i))
	}

	computeStart := time.Now()
	tbl, err := s.engine.Compute(s.feat.View())
	s.m.FeatureComputeDur.Observe(time.Since(computeStart).Seconds())
	if err != nil {
		return rep, fmt.Errorf("stream: bootstrap features: %w", err)
	}

	newest, _ := s.raw.Newest()
	oldest, _ := s.raw.Oldest()
	job := &persist.Job{
		Candle:    newest,
		Features:  tbl,
		Raw:       s.raw.View().AppendTo(make([]model.Candle, 0, s.raw.Len())),
		Bootstrap: true,
	}
	res := s.disp.Run(ctx, job)
	s.publishStats(tbl)
	s.health.SetLastCandleTime(time.UnixMilli(newest.OpenTime))

	rep.RawLen = s.raw.Len()
	rep.FeatureLen = s.feat.Len()
	rep.Columns = len(tbl.Columns())
	rep.First, rep.Last = oldest.OpenTime, newest.OpenTime
	rep.PersistFailures = len(res.Failures)
	rep.Took = time.Since(start)

	s.log.Info().Str("source", rep.Source).Int("loaded", rep.Loaded).Int("backfilled", rep.Backfilled).
		Int("raw_len", rep.RawLen).Int("feature_len", rep.FeatureLen).
		Str("first", model.FormatUTC(rep.First)).Str("last", model.FormatUTC(rep.Last)).
		Dur("took", rep.Took).Msg("bootstrap complete")
	return rep, nil
}

// loadSnapshot returns the raw snapshot candles when the file exists and is
// younger than CacheMaxAge.
func (s *Service) loadSnapshot(ctx context.Context) ([]model.Candle, bool) {
	if s.cfg.CacheMaxAge <= 0 {
		return nil, false
	}
	path := s.cfg.Paths.RawSnapshot
	info, err := sqlite.Stat(ctx, path)
	if err != nil {
		if !errors.Is(err, sqlite.ErrNoSnapshot) {
			s.log.Warn().Err(err).Str("path", path).Msg("raw snapshot unreadable, fetching history")
		}
		return nil, false
	}
	if age := info.Age(s.now()); age >= s.cfg.CacheMaxAge {
		s.log.Info().Str("path", path).Dur("age", age).Msg("raw snapshot stale, fetching history")
		return nil, false
	}
	cs, err := sqlite.ReadCandles(ctx, path)
	if err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("raw snapshot unreadable, fetching history")
		return nil, false
	}
	s.log.Info().Str("path", path).Int("rows", len(cs)).Msg("using cached raw snapshot")
	return cs, true
}

// pushRaw appends candles to the raw window only, skipping any that do not
// extend it. Used before the feature window is seeded.
func (s *Service) pushRaw(cs []model.Candle) int {
	n := 0
	for _, c := range cs {
		if !s.extends(c) {
			continue
		}
		s.raw.Push(c)
		n++
	}
	return n
}

// extends reports whether c is a well-formed candle newer than the window.
func (s *Service) extends(c model.Candle) bool {
	if err := c.Validate(); err != nil {
		s.log.Warn().Err(err).Msg("invalid candle dropped")
		return false
	}
	if newest, ok := s.raw.Newest(); ok && c.OpenTime <= newest.OpenTime {
		s.log.Warn().Str("open_time", model.FormatUTC(c.OpenTime)).
			Str("newest", model.FormatUTC(newest.OpenTime)).Msg("duplicate or out-of-order candle dropped")
		return false
	}
	return true
}

// fetchGap pulls the closed candles between the newest raw candle and now
// into the raw window.
func (s *Service) fetchGap(ctx context.Context) (int, error) {
	cs, err := s.gap(ctx)
	if err != nil {
		return 0, err
	}
	n := s.pushRaw(cs)
	s.m.Backfilled.Add(float64(n))
	return n, nil
}

func (s *Service) gap(ctx context.Context) ([]model.Candle, error) {
	newest, ok := s.raw.Newest()
	if !ok {
		return nil, nil
	}
	start := newest.CloseTime + 1
	end := s.now().UnixMilli()
	if end-start < model.Millis(s.cfg.Interval) {
		return nil, nil
	}
	cs, err := s.history.FetchRange(ctx, s.cfg.Symbol, s.cfg.Interval, start, end)
	if err != nil {
		return nil, fmt.Errorf("stream: backfill from %s: %w", model.FormatUTC(start), err)
	}
	return cs, nil
}

// HandleEvent processes one stream message. Trades are logged, klines for
// a bar that is still forming are ignored, and a closed kline runs a full
// cycle. A non-nil error ends the run.
func (s *Service) HandleEvent(ctx context.Context, ev model.Event) error {
	switch ev.Kind {
	case model.EventTrade:
		s.m.TradesTotal.Inc()
		s.log.Debug().Float64("price", ev.Trade.Price).Float64("qty", ev.Trade.Quantity).
			Str("time", model.FormatUTC(ev.Trade.EventTime)).Msg("trade")
		return nil
	case model.EventKline:
		if !ev.Kline.IsClosed {
			s.m.IgnoredKlines.Inc()
			return nil
		}
		return s.onClosed(ctx, ev.Kline.Candle)
	default:
		s.log.Warn().Int("kind", int(ev.Kind)).Msg("unknown event ignored")
		return nil
	}
}

func (s *Service) onClosed(ctx context.Context, c model.Candle) error {
	if !s.extends(c) {
		s.m.DroppedCandles.Inc()
		return nil
	}
	s.raw.Push(c)
	s.feat.Push(c)
	s.candles++

	start := time.Now()
	tbl, err := s.engine.Compute(s.feat.View())
	took := time.Since(start)
	s.m.FeatureComputeDur.Observe(took.Seconds())
	if err != nil {
		return fmt.Errorf("%w: compute features: %w", errFatal, err)
	}
	s.m.CandlesTotal.Inc()
	s.health.SetLastCandleTime(time.UnixMilli(c.OpenTime))
	s.publishStats(tbl)

	s.log.Info().Str("open_time", model.FormatUTC(c.OpenTime)).
		Str("nominal_end", model.FormatUTC(c.OpenTime+model.Millis(s.cfg.Interval))).
		Float64("close", c.Close).Int("raw_len", s.raw.Len()).Int("feature_len", s.feat.Len()).
		Dur("compute", took).Msg("candle closed")

	s.seq++
	job := &persist.Job{
		Seq:      s.seq,
		Candle:   c,
		Features: tbl,
		Raw:      s.raw.View().AppendTo(make([]model.Candle, 0, s.raw.Len())),
	}
	return s.disp.Dispatch(ctx, job)
}

// Run consumes the stream until ctx is cancelled, reconnect attempts are
// spent, or a fatal error occurs. It always waits for in-flight writes before
// returning. A cancelled ctx yields a nil error.
func (s *Service) Run(ctx context.Context) error {
	sctx, stopSampler := context.WithCancel(ctx)
	go s.sampler.Run(sctx)
	defer func() {
		stopSampler()
		s.disp.Wait()
		s.health.SetWSConnected(false)
		s.setState(StateTerminated)
		s.log.Info().Uint64("candles", s.candles).Msg("stream stopped")
	}()

	attempts := 0
	resumed := false
	for {
		err := s.session(ctx, resumed, &attempts)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, binance.ErrMalformed) || errors.Is(err, errFatal) {
			s.log.Error().Err(err).Msg("fatal stream error")
			return err
		}

		s.setState(StateDisconnected)
		s.health.SetWSConnected(false)
		if attempts >= s.cfg.MaxReconnects {
			return fmt.Errorf("stream: giving up after %d reconnect attempts: %w", attempts, err)
		}
		attempts++
		delay := s.backoff(attempts)
		s.m.WSReconnects.Inc()
		s.log.Warn().Err(err).Int("attempt", attempts).Int("max", s.cfg.MaxReconnects).
			Dur("delay", delay).Msg("stream disconnected, reconnecting")
		if err := s.sleep(ctx, delay); err != nil {
			return nil
		}
		resumed = true
	}
}

// session dials once, backfills the gap when resuming, then consumes events.
// attempts is reset once the connection delivers an event.
func (s *Service) session(ctx context.Context, resumed bool, attempts *int) error {
	es, err := s.dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("stream: dial: %w", err)
	}
	defer es.Close()
	s.setState(StateConnected)
	s.health.SetWSConnected(true)

	if resumed {
		cs, err := s.gap(ctx)
		if err != nil {
			return err
		}
		n := 0
		for _, c := range cs {
			before := s.candles
			if err := s.onClosed(ctx, c); err != nil {
				return err
			}
			if s.candles > before {
				n++
			}
		}
		s.m.Backfilled.Add(float64(n))
		if n > 0 {
			s.log.Info().Int("candles", n).Msg("gap backfilled")
		}
	}

	for {
		ev, err := es.Next(ctx)
		if err != nil {
			return err
		}
		if s.State() != StateStreaming {
			s.setState(StateStreaming)
			*attempts = 0
		}
		if err := s.HandleEvent(ctx, ev); err != nil {
			return err
		}
	}
}

// backoff returns InitialBackoff doubled per attempt, capped at MaxBackoff.
func (s *Service) backoff(attempt int) time.Duration {
	d := s.cfg.InitialBackoff
	for i := 1; i < attempt && d < s.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > s.cfg.MaxBackoff {
		d = s.cfg.MaxBackoff
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
