package csvlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klinefeed/internal/feature"
	"klinefeed/internal/model"
)

func candle(i int) model.Candle {
	ot := int64(1704067200000) + int64(i)*900_000
	return model.Candle{OpenTime: ot, Open: 1.5, High: 2, Low: 1, Close: 1.75, Volume: 100, CloseTime: ot + 899_999}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(b), "\n"), "\n")
}

func TestAppendCandle_HeaderOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.csv")
	for i := 0; i < 3; i++ {
		require.NoError(t, AppendCandle(candle(i), path))
	}

	lines := readLines(t, path)
	require.Len(t, lines, 4)
	assert.Equal(t, "open_time,open,high,low,close,volume,close_time", lines[0])
	assert.Equal(t, "2024-01-01 00:00:00.000 UTC,1.5,2,1,1.75,100,2024-01-01 00:14:59.999 UTC", lines[1])
	assert.Equal(t, 1, strings.Count(strings.Join(lines, "\n"), "open_time"))
}

func TestAppendRow_FeatureTable(t *testing.T) {
	tbl := feature.NewTable(2)
	require.NoError(t, tbl.AddTime("datetime", []int64{1704067200000, 1704068100000}))
	require.NoError(t, tbl.AddFloat("ema50_h1", []float64{0, 42.5}, []bool{false, true}))
	require.NoError(t, tbl.AddInt("pivot_high_max", []int64{0, 2}))

	path := filepath.Join(t.TempDir(), "stream.csv")
	require.NoError(t, AppendRow(tbl, 0, path))
	require.NoError(t, AppendRow(tbl, 1, path))

	lines := readLines(t, path)
	require.Len(t, lines, 3)
	assert.Equal(t, "datetime,ema50_h1,pivot_high_max", lines[0])
	assert.Equal(t, "2024-01-01 00:00:00.000 UTC,,0", lines[1])
	assert.Equal(t, "2024-01-01 00:15:00.000 UTC,42.5,2", lines[2])

	assert.Error(t, AppendRow(tbl, 2, path))
}

func TestWriteTable_Overwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "features.csv")

	cs := model.Candles{candle(0), candle(1), candle(2)}
	tbl, err := feature.RawTable(cs)
	require.NoError(t, err)
	require.NoError(t, WriteTable(tbl, path))

	short, err := feature.RawTable(cs[:1])
	require.NoError(t, err)
	require.NoError(t, WriteTable(short, path))

	lines := readLines(t, path)
	require.Len(t, lines, 2)
	assert.Equal(t, strings.Join(RawHeader, ","), lines[0])

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestWriteCandles_OnlyIfAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "baseline.csv")

	wrote, err := WriteCandles([]model.Candle{candle(0), candle(1)}, path)
	require.NoError(t, err)
	assert.True(t, wrote)

	wrote, err = WriteCandles([]model.Candle{candle(5)}, path)
	require.NoError(t, err)
	assert.False(t, wrote)

	assert.Len(t, readLines(t, path), 3)
}
