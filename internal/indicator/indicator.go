// Package indicator provides technical indicator calculations over price series.
//
// EMA is updated one value at a time. The batch helpers (EMASeries,
// PivotHigh, PivotLow) run over a whole series and are pure: identical input
// always yields identical output.
package indicator
