// Package config loads pipeline configuration. Sources are applied in order:
// struct defaults, an optional YAML file, an optional .env file, and
// KLINEFEED_* environment variables. The result is validated before use.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"klinefeed/internal/feature"
	"klinefeed/internal/model"
)

// Config holds all application configuration.
type Config struct {
	Symbol string `yaml:"symbol" default:"BTCUSDT" validate:"required,alphanum"`

	Stream struct {
		Kind     string `yaml:"kind" default:"kline" validate:"oneof=kline trade"`
		Interval string `yaml:"interval" default:"15m" validate:"required,interval"`
		BaseURL  string `yaml:"base_url" default:"wss://stream.binance.com:9443" validate:"required,url"`
	} `yaml:"stream"`

	REST struct {
		BaseURL     string        `yaml:"base_url" default:"https://api.binance.com" validate:"required,url"`
		PageLimit   int           `yaml:"page_limit" default:"1000" validate:"min=1,max=1000"`
		PageDelay   time.Duration `yaml:"page_delay" default:"200ms" validate:"min=0"`
		HTTPTimeout time.Duration `yaml:"http_timeout" default:"15s" validate:"gt=0"`
	} `yaml:"rest"`

	Window struct {
		RawCapacity     int `yaml:"raw_capacity" default:"50000" validate:"gt=0"`
		FeatureCapacity int `yaml:"feature_capacity" default:"5000" validate:"gt=0,ltefield=RawCapacity"`
	} `yaml:"window"`

	Features struct {
		// EMA lists span@timeframe pairs; timeframe is "native" or an interval like "1h".
		// Empty selects EMA 50/200 at native, 1h and 4h, skipping timeframes not coarser than native.
		EMA         string `yaml:"ema"`
		PivotWindow int    `yaml:"pivot_window" default:"5000" validate:"gt=0"`
	} `yaml:"features"`

	Storage struct {
		DataDir         string        `yaml:"data_dir" default:"data" validate:"required"`
		CacheMaxAge     time.Duration `yaml:"cache_max_age" default:"24h" validate:"gt=0"`
		WriteFeatureCSV bool          `yaml:"write_feature_csv" default:"true"`
		MaxInFlight     int           `yaml:"max_in_flight" default:"4" validate:"min=1"`
		WriteTimeout    time.Duration `yaml:"write_timeout" default:"60s" validate:"gt=0"`
	} `yaml:"storage"`

	Reconnect struct {
		MaxAttempts  int           `yaml:"max_attempts" default:"5" validate:"min=0"`
		InitialDelay time.Duration `yaml:"initial_delay" default:"2s" validate:"gt=0"`
		MaxDelay     time.Duration `yaml:"max_delay" default:"30s" validate:"gtefield=InitialDelay"`
	} `yaml:"reconnect"`

	Redis struct {
		Addr      string `yaml:"addr" validate:"omitempty,hostname_port"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db" validate:"min=0"`
		KeyPrefix string `yaml:"key_prefix"`
		Channel   string `yaml:"channel"`
	} `yaml:"redis"`

	Metrics struct {
		Addr           string        `yaml:"addr" default:":9090"`
		SampleInterval time.Duration `yaml:"sample_interval" default:"30s" validate:"gt=0"`
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level" default:"info" validate:"oneof=trace debug info warn error"`
		Format string `yaml:"format" default:"json" validate:"oneof=json console"`
	} `yaml:"log"`
}

// Default returns a config holding only struct defaults.
func Default() (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}
	return &c, nil
}

// Load builds the configuration. yamlPath and envPath may be empty; a
// missing .env file is not an error.
func Load(yamlPath, envPath string) (*Config, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}

	if yamlPath != "" {
		b, err := os.ReadFile(yamlPath)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envPath, err)
		}
	}
	c.applyEnv()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// ApplyMode maps a CLI mode (m5, m15, trade) onto the stream settings. An
// empty mode keeps the configured stream.
func (c *Config) ApplyMode(mode string) error {
	switch mode {
	case "":
	case "m15":
		c.Stream.Kind, c.Stream.Interval = "kline", "15m"
	case "m5":
		c.Stream.Kind, c.Stream.Interval = "kline", "5m"
	case "trade":
		c.Stream.Kind = "trade"
	default:
		return fmt.Errorf("unknown mode %q (want m5, m15 or trade)", mode)
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("interval", func(fl validator.FieldLevel) bool {
		_, err := model.ParseInterval(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks field constraints and that the EMA list parses against the
// stream interval.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	native, err := c.NativeInterval()
	if err != nil {
		return err
	}
	specs, err := c.emaSpecs(native)
	if err != nil {
		return err
	}
	_, err = feature.NewEngine(feature.Config{Native: native, Specs: specs, PivotWindow: c.Features.PivotWindow})
	return err
}

// NativeInterval is the parsed stream interval.
func (c *Config) NativeInterval() (time.Duration, error) {
	return model.ParseInterval(c.Stream.Interval)
}

// FeatureConfig builds the feature engine configuration.
func (c *Config) FeatureConfig() (feature.Config, error) {
	native, err := c.NativeInterval()
	if err != nil {
		return feature.Config{}, err
	}
	specs, err := c.emaSpecs(native)
	if err != nil {
		return feature.Config{}, err
	}
	return feature.Config{Native: native, Specs: specs, PivotWindow: c.Features.PivotWindow}, nil
}

func (c *Config) emaSpecs(native time.Duration) ([]feature.Spec, error) {
	if strings.TrimSpace(c.Features.EMA) == "" {
		return feature.DefaultSpecs(native), nil
	}
	return ParseEMASpecs(c.Features.EMA, native)
}

// ParseEMASpecs parses "50@native,200@1h" into feature specs. A bare span
// ("50") means the native timeframe.
func ParseEMASpecs(s string, native time.Duration) ([]feature.Spec, error) {
	var out []feature.Spec
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		spanStr, tfStr, hasTF := strings.Cut(part, "@")
		span, err := strconv.Atoi(strings.TrimSpace(spanStr))
		if err != nil || span < 1 {
			return nil, fmt.Errorf("ema spec %q: invalid span", part)
		}
		tf := native
		tfStr = strings.TrimSpace(tfStr)
		if hasTF && tfStr != "native" {
			if tf, err = model.ParseInterval(tfStr); err != nil {
				return nil, fmt.Errorf("ema spec %q: %w", part, err)
			}
		}
		out = append(out, feature.Spec{Span: span, Timeframe: tf})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("ema spec list %q is empty", s)
	}
	return out, nil
}

func (c *Config) applyEnv() {
	c.Symbol = getEnv("KLINEFEED_SYMBOL", c.Symbol)
	c.Stream.Kind = getEnv("KLINEFEED_STREAM_KIND", c.Stream.Kind)
	c.Stream.Interval = getEnv("KLINEFEED_INTERVAL", c.Stream.Interval)
	c.Stream.BaseURL = getEnv("KLINEFEED_WS_URL", c.Stream.BaseURL)
	c.REST.BaseURL = getEnv("KLINEFEED_REST_URL", c.REST.BaseURL)
	c.Window.RawCapacity = getEnvInt("KLINEFEED_RAW_CAPACITY", c.Window.RawCapacity)
	c.Window.FeatureCapacity = getEnvInt("KLINEFEED_FEATURE_CAPACITY", c.Window.FeatureCapacity)
	c.Features.EMA = getEnv("KLINEFEED_EMA_SPECS", c.Features.EMA)
	c.Features.PivotWindow = getEnvInt("KLINEFEED_PIVOT_WINDOW", c.Features.PivotWindow)
	c.Storage.DataDir = getEnv("KLINEFEED_DATA_DIR", c.Storage.DataDir)
	c.Storage.CacheMaxAge = getEnvDuration("KLINEFEED_CACHE_MAX_AGE", c.Storage.CacheMaxAge)
	c.Storage.MaxInFlight = getEnvInt("KLINEFEED_MAX_IN_FLIGHT", c.Storage.MaxInFlight)
	c.Reconnect.MaxAttempts = getEnvInt("KLINEFEED_MAX_RECONNECTS", c.Reconnect.MaxAttempts)
	c.Redis.Addr = getEnv("KLINEFEED_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("KLINEFEED_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.Channel = getEnv("KLINEFEED_REDIS_CHANNEL", c.Redis.Channel)
	c.Metrics.Addr = getEnv("KLINEFEED_METRICS_ADDR", c.Metrics.Addr)
	c.Log.Level = getEnv("KLINEFEED_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("KLINEFEED_LOG_FORMAT", c.Log.Format)
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		log.Warn().Str("component", "config").Str("key", key).Str("value", v).Msg("skipping invalid integer")
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		log.Warn().Str("component", "config").Str("key", key).Str("value", v).Msg("skipping invalid duration")
		return fallback
	}
	return d
}
