package stream

import (
	"fmt"
	"path/filepath"
	"time"

	"klinefeed/internal/model"
	"klinefeed/internal/persist"
	"klinefeed/internal/store/redis"
)

// Paths are the output files of one pipeline, all under a data directory.
type Paths struct {
	RawSnapshot     string // <iv>_latest_<N>.db
	RawLog          string // <iv>_latest_<N>_raw.csv
	FeatureSnapshot string // <iv>_features.db
	FeatureCSV      string // <iv>_features.csv
	FeatureLog      string // <iv>_features_stream.csv
}

// NewPaths derives the file names for interval and raw window capacity.
func NewPaths(dataDir string, interval time.Duration, rawCapacity int) (Paths, error) {
	iv, err := model.IntervalString(interval)
	if err != nil {
		return Paths{}, err
	}
	raw := fmt.Sprintf("%s_latest_%d", iv, rawCapacity)
	return Paths{
		RawSnapshot:     filepath.Join(dataDir, raw+".db"),
		RawLog:          filepath.Join(dataDir, raw+"_raw.csv"),
		FeatureSnapshot: filepath.Join(dataDir, iv+"_features.db"),
		FeatureCSV:      filepath.Join(dataDir, iv+"_features.csv"),
		FeatureLog:      filepath.Join(dataDir, iv+"_features_stream.csv"),
	}, nil
}

// Sinks returns the per-candle writes: the four required ones, then the
// optional full feature CSV and the Redis publisher (pub may be nil).
func (p Paths) Sinks(featureCSV bool, pub *redis.Publisher) []persist.Sink {
	sinks := []persist.Sink{
		persist.FeatureSnapshot(p.FeatureSnapshot),
		persist.RawSnapshot(p.RawSnapshot),
		persist.FeatureRow(p.FeatureLog),
		persist.RawCandle(p.RawLog),
	}
	if featureCSV {
		sinks = append(sinks, persist.FeatureCSV(p.FeatureCSV))
	}
	if pub != nil {
		sinks = append(sinks, persist.Redis(pub))
	}
	return sinks
}
