package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Interval names one supported candle resolution.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval3m  Interval = "3m"
	Interval5m  Interval = "5m"
	Interval10m Interval = "10m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval60m Interval = "60m"
	Interval1d  Interval = "1d"
)

// IntervalSpec carries everything the poll queue needs for one interval:
// the token the historical API expects, the polling period and the
// minimum look-back window used to compute the fromdate bound.
type IntervalSpec struct {
	APIName      string
	Period       time.Duration
	LookbackDays int
}

// Intervals is the supported interval table. The look-back windows are
// the upstream API's documented minimums per resolution.
var Intervals = map[Interval]IntervalSpec{
	Interval1m:  {APIName: "ONE_MINUTE", Period: time.Minute, LookbackDays: 30},
	Interval3m:  {APIName: "THREE_MINUTE", Period: 3 * time.Minute, LookbackDays: 60},
	Interval5m:  {APIName: "FIVE_MINUTE", Period: 5 * time.Minute, LookbackDays: 100},
	Interval10m: {APIName: "TEN_MINUTE", Period: 10 * time.Minute, LookbackDays: 100},
	Interval15m: {APIName: "FIFTEEN_MINUTE", Period: 15 * time.Minute, LookbackDays: 200},
	Interval30m: {APIName: "THIRTY_MINUTE", Period: 30 * time.Minute, LookbackDays: 200},
	Interval60m: {APIName: "ONE_HOUR", Period: time.Hour, LookbackDays: 400},
	Interval1d:  {APIName: "ONE_DAY", Period: 24 * time.Hour, LookbackDays: 2000},
}

// CandleTimeLayout is the fromdate/todate format the historical API expects.
const CandleTimeLayout = "2006-01-02 15:04"

// CandleRequest is the parameter set for one historical fetch. The core
// computes FromDate/ToDate from its own clock; the collaborator never
// supplies them.
type CandleRequest struct {
	Exchange    ExchangeSegment `json:"exchange"`
	SymbolToken string          `json:"symboltoken"`
	Interval    string          `json:"interval"`
	FromDate    string          `json:"fromdate"`
	ToDate      string          `json:"todate"`
}

// Candle is one OHLCV bar. The upstream encodes candles as positional
// arrays: [timestamp, open, high, low, close, volume].
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

func (c *Candle) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) < 6 {
		return fmt.Errorf("candle has %d fields, want 6", len(raw))
	}
	var ts string
	if err := json.Unmarshal(raw[0], &ts); err != nil {
		return fmt.Errorf("candle timestamp: %w", err)
	}
	parsed, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return fmt.Errorf("candle timestamp %q: %w", ts, err)
	}
	c.Timestamp = parsed
	for i, dst := range []*float64{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume} {
		if err := json.Unmarshal(raw[i+1], dst); err != nil {
			return fmt.Errorf("candle field %d: %w", i+1, err)
		}
	}
	return nil
}

func (c Candle) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{
		c.Timestamp.Format(time.RFC3339), c.Open, c.High, c.Low, c.Close, c.Volume,
	})
}
