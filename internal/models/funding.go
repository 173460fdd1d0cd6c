package models

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Category is the exchange market grouping an instrument belongs to.
type Category string

const (
	// CategoryLinear covers USDT/USDC margined contracts.
	CategoryLinear Category = "linear"
	// CategoryInverse covers coin margined contracts.
	CategoryInverse Category = "inverse"
)

// Instrument is a tradable contract listed by an exchange.
type Instrument struct {
	Symbol          string
	ContractType    string
	Category        Category
	LaunchTimestamp int64 // unix milliseconds
}

// IsPerpetual reports whether the contract type ends with "Perpetual",
// ignoring case.
func (i Instrument) IsPerpetual() bool {
	return strings.HasSuffix(strings.ToLower(i.ContractType), "perpetual")
}

// Perpetuals returns the perpetual instruments of list in their original order.
func Perpetuals(list []Instrument) []Instrument {
	out := make([]Instrument, 0, len(list))
	for _, inst := range list {
		if inst.IsPerpetual() {
			out = append(out, inst)
		}
	}
	return out
}

// FundingObservation is one funding event returned by an exchange.
type FundingObservation struct {
	Symbol      string
	TimestampMs int64
	Rate        decimal.Decimal
}

// Time returns the observation time truncated to the second.
func (o FundingObservation) Time() time.Time {
	return time.UnixMilli(o.TimestampMs).UTC().Truncate(time.Second)
}

// SymbolSeries maps a unix second to the funding rate published at that
// second. It holds at most one value per timestamp.
type SymbolSeries map[int64]decimal.Decimal

// Set stores rate at ts truncated to the second, replacing any previous value.
func (s SymbolSeries) Set(ts time.Time, rate decimal.Decimal) {
	s[ts.Unix()] = rate
}

// Add folds an observation into the series. Later observations for the same
// second win.
func (s SymbolSeries) Add(o FundingObservation) {
	s.Set(o.Time(), o.Rate)
}

// Fill copies entries of other whose timestamp is absent from s.
// It returns the number of entries added.
func (s SymbolSeries) Fill(other SymbolSeries) int {
	added := 0
	for ts, rate := range other {
		if _, ok := s[ts]; ok {
			continue
		}
		s[ts] = rate
		added++
	}
	return added
}

// Timestamps returns the series keys in ascending order.
func (s SymbolSeries) Timestamps() []int64 {
	keys := make([]int64, 0, len(s))
	for ts := range s {
		keys = append(keys, ts)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
