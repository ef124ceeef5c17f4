package stream

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"smartfeed/internal/models"
)

// Binary frame layout (all multi-byte fields little-endian):
//
//	0       submode
//	1       exchange id
//	2..26   token, NUL padded
//	27      sequence number (6 bytes, signed)
//	35      exchange timestamp ms (6 bytes)
//	43      last traded price /100 (6 bytes)
//
// submode >= quote adds nine fields between offsets 51 and 115, submode
// snapquote additionally carries the last-trade timestamp, open interest,
// a ten-packet depth block at 147 and circuit/52-week bounds at 347..371.
const (
	offSubmode      = 0
	offExchange     = 1
	offToken        = 2
	tokenLen        = 25
	offSequence     = 27
	offExchTime     = 35
	offLTP          = 43
	offLastQty      = 51
	offAvgPrice     = 59
	offVolume       = 67
	offTotalBuyQty  = 75
	offTotalSellQty = 83
	offDayOpen      = 91
	offDayHigh      = 99
	offDayLow       = 107
	offPrevClose    = 115
	offLastTradeTS  = 123
	offOpenInterest = 131
	offDepthBlock   = 147
	offUpperCircuit = 347
	offLowerCircuit = 355
	offHigh52       = 363
	offLow52        = 371

	depthPackets    = 10
	depthPacketSize = 20
	// Within one depth packet.
	depthOffQty    = 2
	depthOffPrice  = 10
	depthOffOrders = 18

	minLenLTP       = offLTP + 6
	minLenQuote     = offPrevClose + 6
	minLenSnapQuote = offLow52 + 6
)

// DecodeError reports a frame too short for its submode. The frame is
// dropped; the connection stays open.
type DecodeError struct {
	Len  int
	Need int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("frame too short: %d bytes, need %d", e.Len, e.Need)
}

func readUint48(b []byte, off int) uint64 {
	_ = b[off+5]
	return uint64(b[off]) | uint64(b[off+1])<<8 | uint64(b[off+2])<<16 |
		uint64(b[off+3])<<24 | uint64(b[off+4])<<32 | uint64(b[off+5])<<40
}

func readInt48(b []byte, off int) int64 {
	v := readUint48(b, off)
	if v&(1<<47) != 0 {
		v |= ^uint64(1<<48 - 1)
	}
	return int64(v)
}

func readFloat64(b []byte, off int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(b[off:]))
}

func readPrice(b []byte, off int) float64 {
	return float64(readUint48(b, off)) / 100
}

// DecodeTick turns one raw binary frame into a TickRecord. It never
// mutates the input. Unknown submode values decode base fields only; the
// only failure mode is a buffer shorter than its submode requires.
func DecodeTick(frame []byte) (*models.TickRecord, error) {
	if len(frame) < minLenLTP {
		return nil, &DecodeError{Len: len(frame), Need: minLenLTP}
	}

	rec := &models.TickRecord{
		Submode:           models.SubsMode(frame[offSubmode]),
		Exchange:          int(frame[offExchange]),
		Token:             strings.TrimRight(string(frame[offToken:offToken+tokenLen]), "\x00"),
		LocalTimestamp:    time.Now(),
		SequenceNumber:    readInt48(frame, offSequence),
		ExchangeTimestamp: readUint48(frame, offExchTime),
		LastTradedPrice:   readPrice(frame, offLTP),
	}

	if rec.Submode != models.ModeQuote && rec.Submode != models.ModeSnapQuote {
		return rec, nil
	}

	if len(frame) < minLenQuote {
		return nil, &DecodeError{Len: len(frame), Need: minLenQuote}
	}
	rec.LastTradedQty = readUint48(frame, offLastQty)
	rec.AvgPrice = readPrice(frame, offAvgPrice)
	rec.Volume = readUint48(frame, offVolume)
	rec.TotalBuyQty = readFloat64(frame, offTotalBuyQty)
	rec.TotalSellQty = readFloat64(frame, offTotalSellQty)
	rec.DayOpen = readPrice(frame, offDayOpen)
	rec.DayHigh = readPrice(frame, offDayHigh)
	rec.DayLow = readPrice(frame, offDayLow)
	rec.PrevClose = readPrice(frame, offPrevClose)

	if rec.Submode != models.ModeSnapQuote {
		return rec, nil
	}

	if len(frame) < minLenSnapQuote {
		return nil, &DecodeError{Len: len(frame), Need: minLenSnapQuote}
	}
	rec.LastTradeTimestamp = readUint48(frame, offLastTradeTS)
	rec.OpenInterest = readUint48(frame, offOpenInterest)
	rec.UpperCircuit = readPrice(frame, offUpperCircuit)
	rec.LowerCircuit = readPrice(frame, offLowerCircuit)
	rec.High52W = readPrice(frame, offHigh52)
	rec.Low52W = readPrice(frame, offLow52)

	rec.Best5 = make([]models.DepthLevel, depthPackets)
	for i := 0; i < depthPackets; i++ {
		packet := frame[offDepthBlock+i*depthPacketSize:]
		level := models.DepthLevel{
			Side:     models.SideBid,
			Rank:     i + 1,
			Quantity: readUint48(packet, depthOffQty),
			Price:    readPrice(packet, depthOffPrice),
			Orders:   binary.LittleEndian.Uint16(packet[depthOffOrders:]),
		}
		if i >= 5 {
			level.Side = models.SideAsk
			level.Rank = i - 4
		}
		rec.Best5[i] = level
	}
	return rec, nil
}
