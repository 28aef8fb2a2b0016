package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"klinefeed/internal/model"
)

// ErrNoSnapshot is returned when the snapshot file does not exist.
var ErrNoSnapshot = errors.New("sqlite: snapshot not found")

// Info describes a snapshot file.
type Info struct {
	WrittenAt time.Time
	Rows      int
}

// Age returns how long ago the snapshot was written.
func (i Info) Age(now time.Time) time.Duration {
	return now.Sub(i.WrittenAt)
}

func openReadOnly(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("sqlite stat: %w", err)
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// Stat reads snapshot metadata.
func Stat(ctx context.Context, path string) (Info, error) {
	db, err := openReadOnly(path)
	if err != nil {
		return Info{}, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `SELECT key, value FROM `+metaTable)
	if err != nil {
		return Info{}, fmt.Errorf("sqlite query meta: %w", err)
	}
	defer rows.Close()

	var info Info
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return Info{}, fmt.Errorf("sqlite scan meta: %w", err)
		}
		switch k {
		case "written_at":
			ms, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return Info{}, fmt.Errorf("sqlite meta written_at %q: %w", v, err)
			}
			info.WrittenAt = time.UnixMilli(ms)
		case "rows":
			info.Rows, _ = strconv.Atoi(v)
		}
	}
	return info, rows.Err()
}

// ReadCandles loads the raw candles of a snapshot, ordered by open_time.
// The snapshot must carry the raw columns (open_time, OHLCV, close_time).
func ReadCandles(ctx context.Context, path string) ([]model.Candle, error) {
	db, err := openReadOnly(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `
		SELECT open_time, open, high, low, close, volume, close_time
		FROM `+snapshotTable+`
		ORDER BY open_time ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query snapshot: %w", err)
	}
	defer rows.Close()

	var candles []model.Candle
	for rows.Next() {
		var c model.Candle
		if err := rows.Scan(&c.OpenTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.CloseTime); err != nil {
			return nil, fmt.Errorf("sqlite scan snapshot: %w", err)
		}
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// CountRows returns the number of rows in a snapshot.
func CountRows(ctx context.Context, path string) (int, error) {
	db, err := openReadOnly(path)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+snapshotTable).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite count snapshot: %w", err)
	}
	return n, nil
}
