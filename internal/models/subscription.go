package models

// SubsAction selects between subscribing and unsubscribing on the wire.
type SubsAction int8

const (
	ActionUnsubscribe SubsAction = 0
	ActionSubscribe   SubsAction = 1
)

// SubscriptionRequest is the JSON control message sent over the open
// socket. correlationID is an opaque unique string and is not interpreted
// on receipt.
type SubscriptionRequest struct {
	CorrelationID string             `json:"correlationID"`
	Action        SubsAction         `json:"action"`
	Params        SubscriptionParams `json:"params"`
}

type SubscriptionParams struct {
	Mode      SubsMode             `json:"mode"`
	TokenList []SubscriptionTokens `json:"tokenList"`
}

type SubscriptionTokens struct {
	ExchangeType int      `json:"exchangeType"`
	Tokens       []string `json:"tokens"`
}

// NewSubscriptionRequest groups instruments by exchange segment and builds
// the wire message. Every known segment appears in the token list in
// SegmentOrder, empty segments included. Instruments with an unknown
// segment are skipped.
func NewSubscriptionRequest(correlationID string, action SubsAction, mode SubsMode, instruments []Instrument) SubscriptionRequest {
	bySegment := make(map[ExchangeSegment][]string, len(SegmentOrder))
	for _, inst := range instruments {
		if _, ok := inst.ExchangeSeg.WireExchangeType(); !ok {
			continue
		}
		bySegment[inst.ExchangeSeg] = append(bySegment[inst.ExchangeSeg], inst.Token)
	}

	tokenList := make([]SubscriptionTokens, 0, len(SegmentOrder))
	for _, seg := range SegmentOrder {
		id, _ := seg.WireExchangeType()
		tokens := bySegment[seg]
		if tokens == nil {
			tokens = []string{}
		}
		tokenList = append(tokenList, SubscriptionTokens{ExchangeType: id, Tokens: tokens})
	}

	return SubscriptionRequest{
		CorrelationID: correlationID,
		Action:        action,
		Params:        SubscriptionParams{Mode: mode, TokenList: tokenList},
	}
}
