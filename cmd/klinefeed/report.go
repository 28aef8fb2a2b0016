package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"klinefeed/config"
	"klinefeed/internal/model"
	"klinefeed/internal/stream"
)

func printBootstrap(w io.Writer, cfg *config.Config, paths stream.Paths, sinks []string, rep stream.Report) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle("klinefeed bootstrap")
	t.AppendHeader(table.Row{"Item", "Value"})
	t.AppendRows([]table.Row{
		{"Symbol", cfg.Symbol},
		{"Stream", cfg.Stream.Kind + " " + cfg.Stream.Interval},
		{"Source", rep.Source},
		{"Loaded", rep.Loaded},
		{"Backfilled", rep.Backfilled},
		{"Raw window", fmt.Sprintf("%d / %d", rep.RawLen, cfg.Window.RawCapacity)},
		{"Feature window", fmt.Sprintf("%d / %d", rep.FeatureLen, cfg.Window.FeatureCapacity)},
		{"Feature columns", rep.Columns},
		{"First candle", model.FormatUTC(rep.First)},
		{"Last candle", model.FormatUTC(rep.Last)},
		{"Sinks", strings.Join(sinks, ", ")},
		{"Persist failures", rep.PersistFailures},
		{"Raw snapshot", paths.RawSnapshot},
		{"Feature snapshot", paths.FeatureSnapshot},
		{"Took", rep.Took.Round(time.Millisecond)},
	})
	t.Render()
}

type fetchSummary struct {
	Symbol   string
	Interval string
	From, To time.Time
	Candles  []model.Candle
	Output   string
	Took     time.Duration
}

func printFetch(w io.Writer, s fetchSummary) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle("klinefeed fetch-historical")
	t.AppendHeader(table.Row{"Item", "Value"})
	rows := []table.Row{
		{"Symbol", s.Symbol},
		{"Interval", s.Interval},
		{"Range", s.From.Format(time.DateTime) + " .. " + s.To.Format(time.DateTime) + " UTC"},
		{"Candles", len(s.Candles)},
	}
	if n := len(s.Candles); n > 0 {
		rows = append(rows,
			table.Row{"First candle", model.FormatUTC(s.Candles[0].OpenTime)},
			table.Row{"Last candle", model.FormatUTC(s.Candles[n-1].OpenTime)},
		)
	}
	rows = append(rows,
		table.Row{"Output", s.Output},
		table.Row{"Took", s.Took.Round(time.Millisecond)},
	)
	t.AppendRows(rows)
	t.Render()
}
