package persist

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"klinefeed/internal/feature"
	"klinefeed/internal/model"
	"klinefeed/internal/store/csvlog"
	"klinefeed/internal/store/redis"
	"klinefeed/internal/store/sqlite"
)

// Sink names, also used as the "sink" metric label.
const (
	SinkFeatureSnapshot = "feature_snapshot"
	SinkRawSnapshot     = "raw_snapshot"
	SinkFeatureRow      = "feature_row"
	SinkRawCandle       = "raw_candle"
	SinkFeatureCSV      = "feature_csv"
	SinkRedis           = "redis"
)

var errNoFeatures = errors.New("job has no feature table")

// FeatureSnapshot overwrites a SQLite snapshot of the feature table.
func FeatureSnapshot(path string) Sink {
	return Sink{Name: SinkFeatureSnapshot, Write: func(ctx context.Context, job *Job) error {
		if job.Features == nil {
			return errNoFeatures
		}
		return sqlite.WriteTable(ctx, job.Features, path)
	}}
}

// RawSnapshot overwrites a SQLite snapshot of the raw window.
func RawSnapshot(path string) Sink {
	return Sink{Name: SinkRawSnapshot, Write: func(ctx context.Context, job *Job) error {
		tbl, err := feature.RawTable(model.Candles(job.Raw))
		if err != nil {
			return err
		}
		return sqlite.WriteTable(ctx, tbl, path)
	}}
}

// FeatureRow appends the newest feature row to a CSV log. The bootstrap pass
// appends nothing.
func FeatureRow(path string) Sink {
	return Sink{Name: SinkFeatureRow, Write: func(_ context.Context, job *Job) error {
		if job.Bootstrap {
			return nil
		}
		if job.Features == nil || job.Features.Len() == 0 {
			return errNoFeatures
		}
		return csvlog.AppendRow(job.Features, job.Features.Len()-1, path)
	}}
}

// RawCandle appends the triggering candle to the raw CSV log. On bootstrap it
// writes the whole raw window as a baseline, unless the log already exists.
func RawCandle(path string) Sink {
	return Sink{Name: SinkRawCandle, Write: func(_ context.Context, job *Job) error {
		if job.Bootstrap {
			written, err := csvlog.WriteCandles(job.Raw, path)
			if err == nil && !written {
				log.Debug().Str("component", "persist").Str("path", path).Msg("raw log exists, baseline skipped")
			}
			return err
		}
		return csvlog.AppendCandle(job.Candle, path)
	}}
}

// FeatureCSV overwrites a CSV copy of the whole feature table.
func FeatureCSV(path string) Sink {
	return Sink{Name: SinkFeatureCSV, Write: func(_ context.Context, job *Job) error {
		if job.Features == nil {
			return errNoFeatures
		}
		return csvlog.WriteTable(job.Features, path)
	}}
}

// Redis publishes the newest feature row.
func Redis(p *redis.Publisher) Sink {
	return Sink{Name: SinkRedis, Write: func(ctx context.Context, job *Job) error {
		if job.Features == nil {
			return errNoFeatures
		}
		return p.Publish(ctx, job.Features)
	}}
}
