package models

import "time"

// SubsMode is the granularity of a streamed update. Each mode is a
// superset of the previous one.
type SubsMode int8

const (
	ModeLTP       SubsMode = 1
	ModeQuote     SubsMode = 2
	ModeSnapQuote SubsMode = 3
)

func (m SubsMode) String() string {
	switch m {
	case ModeLTP:
		return "ltp"
	case ModeQuote:
		return "quote"
	case ModeSnapQuote:
		return "snapquote"
	default:
		return "unknown"
	}
}

// DepthSide marks which side of the book a depth level belongs to.
type DepthSide string

const (
	SideBid DepthSide = "bid"
	SideAsk DepthSide = "ask"
)

// DepthLevel is one price level of the best-five block.
type DepthLevel struct {
	Side     DepthSide `json:"side"`
	Rank     int       `json:"rank"`
	Quantity uint64    `json:"quantity"`
	Price    float64   `json:"price"`
	Orders   uint16    `json:"orders"`
}

// TickRecord is the decoded form of one inbound binary frame. Base fields
// are always populated; quote fields only when Submode >= ModeQuote and
// snapquote fields only when Submode == ModeSnapQuote. Records are
// immutable after construction.
type TickRecord struct {
	Submode           SubsMode  `json:"submode"`
	Exchange          int       `json:"exchange"`
	Token             string    `json:"token"`
	LocalTimestamp    time.Time `json:"localtimestamp"`
	ExchangeTimestamp uint64    `json:"exchangetimestamp"`
	SequenceNumber    int64     `json:"sequence_no"`
	LastTradedPrice   float64   `json:"ltp"`

	LastTradedQty uint64  `json:"ltqty,omitempty"`
	AvgPrice      float64 `json:"avgprice,omitempty"`
	Volume        uint64  `json:"volume,omitempty"`
	TotalBuyQty   float64 `json:"tbquty,omitempty"`
	TotalSellQty  float64 `json:"tsquty,omitempty"`
	DayOpen       float64 `json:"dopen,omitempty"`
	DayHigh       float64 `json:"dhigh,omitempty"`
	DayLow        float64 `json:"dlow,omitempty"`
	PrevClose     float64 `json:"prclose,omitempty"`

	LastTradeTimestamp uint64  `json:"lttimestamp,omitempty"`
	OpenInterest       uint64  `json:"oi,omitempty"`
	UpperCircuit       float64 `json:"uc,omitempty"`
	LowerCircuit       float64 `json:"lc,omitempty"`
	High52W            float64 `json:"high52,omitempty"`
	Low52W             float64 `json:"low52,omitempty"`

	// Best5 has exactly ten entries when present: bid ranks 1..5
	// followed by ask ranks 1..5.
	Best5 []DepthLevel `json:"best5,omitempty"`
}

// Tick is what subscribers receive: the decoded record merged with the
// instrument the subscription was opened for.
type Tick struct {
	Instrument Instrument
	Record     TickRecord
}
