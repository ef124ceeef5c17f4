package models

// ExchangeSegment identifies the market segment an instrument trades on.
type ExchangeSegment string

const (
	SegmentNSE   ExchangeSegment = "NSE"
	SegmentNFO   ExchangeSegment = "NFO"
	SegmentBSE   ExchangeSegment = "BSE"
	SegmentBFO   ExchangeSegment = "BFO"
	SegmentMCX   ExchangeSegment = "MCX"
	SegmentCDS   ExchangeSegment = "CDS"
	SegmentNCDEX ExchangeSegment = "NCDEX"
)

// wireExchangeType maps a segment to the numeric id used on the
// smart-stream wire.
var wireExchangeType = map[ExchangeSegment]int{
	SegmentNSE:   1,
	SegmentNFO:   2,
	SegmentBSE:   3,
	SegmentBFO:   4,
	SegmentMCX:   5,
	SegmentNCDEX: 7,
	SegmentCDS:   13,
}

// SegmentOrder is the fixed order in which segments appear in a
// subscription request's token list. Segments with no tokens are still
// emitted as empty arrays.
var SegmentOrder = []ExchangeSegment{
	SegmentNSE,
	SegmentNFO,
	SegmentBSE,
	SegmentBFO,
	SegmentMCX,
	SegmentCDS,
	SegmentNCDEX,
}

// WireExchangeType returns the numeric wire id for a segment and whether
// the segment is known.
func (s ExchangeSegment) WireExchangeType() (int, bool) {
	id, ok := wireExchangeType[s]
	return id, ok
}

// Instrument describes one tradable instrument as loaded from the
// instrument master. Instruments are immutable once loaded and passed by
// value.
type Instrument struct {
	Token          string          `json:"token"`
	ExchangeSeg    ExchangeSegment `json:"exch_seg"`
	Symbol         string          `json:"symbol"`
	Name           string          `json:"name"`
	Expiry         string          `json:"expiry,omitempty"`
	Strike         float64         `json:"strike,omitempty"`
	LotSize        int             `json:"lotsize,omitempty"`
	TickSize       float64         `json:"tick_size,omitempty"`
	InstrumentType string          `json:"instrumenttype,omitempty"`
}
