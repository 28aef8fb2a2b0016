// cmd/klinefeed streams closed klines for one instrument, keeps the raw and
// feature windows, recomputes multi-timeframe features on every closed candle
// and persists each cycle.
//
// Usage:
//
//	go run ./cmd/klinefeed run [m5|m15|trade]
//	go run ./cmd/klinefeed fetch-historical <interval> <YYYY-MM-DD> <YYYY-MM-DD> <output.db>
//
// Flags -config (YAML) and -env (.env) must precede the subcommand.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"klinefeed/config"
	"klinefeed/internal/feature"
	"klinefeed/internal/logger"
	"klinefeed/internal/marketdata/binance"
	"klinefeed/internal/metrics"
	"klinefeed/internal/model"
	"klinefeed/internal/persist"
	"klinefeed/internal/store/redis"
	"klinefeed/internal/store/sqlite"
	"klinefeed/internal/stream"
)

const dateLayout = "2006-01-02"

var errUsage = errors.New("usage")

func main() {
	cfgPath := flag.String("config", "", "YAML config file (optional)")
	envPath := flag.String("env", ".env", ".env file (optional, ignored when missing)")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*cfgPath, *envPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "klinefeed: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "run":
		mode := ""
		if len(args) > 1 {
			mode = args[1]
		}
		if err = cfg.ApplyMode(mode); err == nil {
			err = cfg.Validate()
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "klinefeed: %v\n", err)
			os.Exit(1)
		}
		initLogger(cfg)
		err = run(ctx, cfg)
	case "fetch-historical":
		initLogger(cfg)
		err = fetchHistorical(ctx, cfg, args[1:])
	default:
		err = errUsage
	}

	if errors.Is(err, errUsage) {
		usage()
		os.Exit(2)
	}
	if err != nil {
		stop()
		log.Fatal().Err(err).Msg("klinefeed failed")
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
  klinefeed [flags] run [m5|m15|trade]
  klinefeed [flags] fetch-historical <interval> <YYYY-MM-DD> <YYYY-MM-DD> <output.db>

Flags:
`)
	flag.PrintDefaults()
}

func initLogger(cfg *config.Config) {
	if _, _, err := logger.Init("klinefeed", logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}); err != nil {
		fmt.Fprintf(os.Stderr, "klinefeed: %v\n", err)
		os.Exit(1)
	}
}

func newHistory(cfg *config.Config) *binance.History {
	return binance.NewHistory(binance.HistoryConfig{
		BaseURL:     cfg.REST.BaseURL,
		PageLimit:   cfg.REST.PageLimit,
		PageDelay:   cfg.REST.PageDelay,
		HTTPTimeout: cfg.REST.HTTPTimeout,
	})
}

func run(ctx context.Context, cfg *config.Config) error {
	native, err := cfg.NativeInterval()
	if err != nil {
		return err
	}
	fcfg, err := cfg.FeatureConfig()
	if err != nil {
		return err
	}
	engine, err := feature.NewEngine(fcfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	paths, err := stream.NewPaths(cfg.Storage.DataDir, native, cfg.Window.RawCapacity)
	if err != nil {
		return err
	}

	// ---- Metrics & health ----
	m := metrics.NewMetrics(nil)
	health := metrics.NewHealthStatus()
	if cfg.Metrics.Addr != "" {
		srv := metrics.NewServer(cfg.Metrics.Addr, health, nil)
		srv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Stop(shutdownCtx)
		}()
	}

	// ---- Optional Redis publisher ----
	pub := newPublisher(cfg, native, m, health)
	if pub != nil {
		defer pub.Close()
	}

	disp := persist.NewDispatcher(persist.Config{
		MaxInFlight:  cfg.Storage.MaxInFlight,
		WriteTimeout: cfg.Storage.WriteTimeout,
	}, m, paths.Sinks(cfg.Storage.WriteFeatureCSV, pub)...)

	dialer, err := binance.NewDialer(binance.StreamConfig{
		BaseURL:  cfg.Stream.BaseURL,
		Symbol:   cfg.Symbol,
		Kind:     binance.StreamKind(cfg.Stream.Kind),
		Interval: native,
	})
	if err != nil {
		return err
	}

	svc, err := stream.New(stream.Config{
		Symbol:          cfg.Symbol,
		Interval:        native,
		RawCapacity:     cfg.Window.RawCapacity,
		FeatureCapacity: cfg.Window.FeatureCapacity,
		Paths:           paths,
		CacheMaxAge:     cfg.Storage.CacheMaxAge,
		MaxReconnects:   cfg.Reconnect.MaxAttempts,
		InitialBackoff:  cfg.Reconnect.InitialDelay,
		MaxBackoff:      cfg.Reconnect.MaxDelay,
		SampleInterval:  cfg.Metrics.SampleInterval,
	}, engine, disp, newHistory(cfg), dialer, m, health)
	if err != nil {
		return err
	}

	rep, err := svc.Bootstrap(ctx)
	if err != nil {
		return err
	}
	printBootstrap(os.Stdout, cfg, paths, disp.Sinks(), rep)

	log.Info().Str("component", "main").Str("url", dialer.URL()).Msg("streaming")
	if err := svc.Run(ctx); err != nil {
		return err
	}
	log.Info().Str("component", "main").Msg("shutdown complete")
	return nil
}

// newPublisher connects to Redis when an address is configured. A failed
// connection is logged and the pipeline continues without Redis.
func newPublisher(cfg *config.Config, native time.Duration, m *metrics.Metrics, health *metrics.HealthStatus) *redis.Publisher {
	if cfg.Redis.Addr == "" {
		return nil
	}
	prefix := cfg.Redis.KeyPrefix
	if prefix == "" {
		prefix = fmt.Sprintf("klinefeed:%s:%s", strings.ToLower(cfg.Symbol), model.Label(native))
	}
	pub, err := redis.New(redis.PublisherConfig{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		KeyPrefix: prefix,
		Channel:   cfg.Redis.Channel,
	})
	if err != nil {
		log.Warn().Str("component", "main").Err(err).Msg("redis unavailable, continuing without it")
		health.SetRedis(false, false)
		return nil
	}

	health.SetRedis(true, false)
	cb := pub.Breaker()
	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to redis.State) {
		m.RedisCircuitBreakerState.Set(float64(to))
		health.SetRedis(true, to == redis.StateOpen)
		if prev != nil {
			prev(from, to)
		}
	}
	return pub
}

// fetchHistorical downloads closed klines for whole UTC days [start, end]
// and writes them as a raw snapshot.
func fetchHistorical(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) != 4 {
		return errUsage
	}
	interval, err := model.ParseInterval(args[0])
	if err != nil {
		return err
	}
	start, err := time.ParseInLocation(dateLayout, args[1], time.UTC)
	if err != nil {
		return fmt.Errorf("start date: %w", err)
	}
	endDay, err := time.ParseInLocation(dateLayout, args[2], time.UTC)
	if err != nil {
		return fmt.Errorf("end date: %w", err)
	}
	end := endDay.Add(24*time.Hour - time.Second)
	if end.Before(start) {
		return fmt.Errorf("end date %s is before start date %s", args[2], args[1])
	}
	out := args[3]

	began := time.Now()
	cs, err := newHistory(cfg).FetchRange(ctx, cfg.Symbol, interval, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return err
	}
	if len(cs) == 0 {
		return fmt.Errorf("no %s candles for %s between %s and %s", args[0], cfg.Symbol, args[1], args[2])
	}

	tbl, err := feature.RawTable(model.Candles(cs))
	if err != nil {
		return err
	}
	if dir := filepath.Dir(out); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	if err := sqlite.WriteTable(ctx, tbl, out); err != nil {
		return err
	}

	printFetch(os.Stdout, fetchSummary{
		Symbol:   cfg.Symbol,
		Interval: args[0],
		From:     start,
		To:       end,
		Candles:  cs,
		Output:   out,
		Took:     time.Since(began),
	})
	return nil
}
