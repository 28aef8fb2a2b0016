package feature

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_AddAndLookup(t *testing.T) {
	tbl := NewTable(2)
	require.NoError(t, tbl.AddTime("ts", []int64{0, 1000}))
	require.NoError(t, tbl.AddInt("n", []int64{3, 4}))
	require.NoError(t, tbl.AddFloat("x", []float64{1.5, 0}, []bool{true, false}))

	assert.Equal(t, []string{"ts", "n", "x"}, tbl.Names())

	x, ok := tbl.Col("x")
	require.True(t, ok)
	assert.False(t, x.IsNull(0))
	assert.True(t, x.IsNull(1))

	_, ok = tbl.Col("missing")
	assert.False(t, ok)

	row := tbl.Row(1)
	assert.Equal(t, int64(1000), row["ts"])
	assert.Equal(t, int64(4), row["n"])
	assert.Nil(t, row["x"])
	assert.Equal(t, 8*2*3+2, tbl.SizeBytes())
}

func TestTable_Rejects(t *testing.T) {
	tbl := NewTable(2)
	require.NoError(t, tbl.AddInt("a", []int64{1, 2}))
	assert.Error(t, tbl.AddInt("a", []int64{1, 2}), "duplicate")
	assert.Error(t, tbl.AddInt("b", []int64{1}), "short column")
	assert.Error(t, tbl.AddFloat("c", []float64{1, 2}, []bool{true}), "short validity")
}

func TestColumn_Text(t *testing.T) {
	tbl := NewTable(1)
	require.NoError(t, tbl.AddTime("ts", []int64{1704067200123}))
	require.NoError(t, tbl.AddInt("n", []int64{-7}))
	require.NoError(t, tbl.AddFloat("x", []float64{42000.5}, nil))
	require.NoError(t, tbl.AddFloat("y", []float64{0}, []bool{false}))

	cols := tbl.Columns()
	assert.Equal(t, "2024-01-01 00:00:00.123 UTC", cols[0].Text(0))
	assert.Equal(t, "-7", cols[1].Text(0))
	assert.Equal(t, "42000.5", cols[2].Text(0))
	assert.Equal(t, "", cols[3].Text(0))
	assert.Equal(t, "float", cols[2].Kind.String())
}
