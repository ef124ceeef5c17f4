package stream

import (
	"errors"
	"sync"
	"testing"

	"smartfeed/internal/models"
)

type sendRecorder struct {
	mu   sync.Mutex
	reqs []models.SubscriptionRequest
	err  error
}

func (s *sendRecorder) send(req models.SubscriptionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.reqs = append(s.reqs, req)
	return nil
}

func (s *sendRecorder) sent() []models.SubscriptionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.SubscriptionRequest(nil), s.reqs...)
}

func testInstrument(token string) models.Instrument {
	return models.Instrument{Token: token, ExchangeSeg: models.SegmentNSE, Symbol: "SYM" + token}
}

func tokensFor(req models.SubscriptionRequest, seg models.ExchangeSegment) []string {
	id, _ := seg.WireExchangeType()
	for _, tl := range req.Params.TokenList {
		if tl.ExchangeType == id {
			return tl.Tokens
		}
	}
	return nil
}

func TestSubscribeFirstCallbackSendsWireMessage(t *testing.T) {
	rec := &sendRecorder{}
	r := NewRegistry(rec.send)

	r.Subscribe(testInstrument("2885"), models.ModeLTP, func(models.Tick) {})

	sent := rec.sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	req := sent[0]
	if req.Action != models.ActionSubscribe {
		t.Errorf("action = %v, want subscribe", req.Action)
	}
	if req.Params.Mode != models.ModeLTP {
		t.Errorf("mode = %v, want ltp", req.Params.Mode)
	}
	if req.CorrelationID == "" {
		t.Error("correlation id is empty")
	}
	nse := tokensFor(req, models.SegmentNSE)
	if len(nse) != 1 || nse[0] != "2885" {
		t.Errorf("nse tokens = %v, want [2885]", nse)
	}
}

func TestSubscribeSecondCallbackIsSilent(t *testing.T) {
	rec := &sendRecorder{}
	r := NewRegistry(rec.send)

	r.Subscribe(testInstrument("2885"), models.ModeLTP, func(models.Tick) {})
	r.Subscribe(testInstrument("2885"), models.ModeLTP, func(models.Tick) {})

	if got := len(rec.sent()); got != 1 {
		t.Errorf("sent %d messages, want 1", got)
	}
}

func TestSubscribeSameTokenDifferentModes(t *testing.T) {
	rec := &sendRecorder{}
	r := NewRegistry(rec.send)

	r.Subscribe(testInstrument("2885"), models.ModeLTP, func(models.Tick) {})
	r.Subscribe(testInstrument("2885"), models.ModeQuote, func(models.Tick) {})

	if got := len(rec.sent()); got != 2 {
		t.Errorf("sent %d messages, want 2 (one per mode)", got)
	}
}

func TestUnsubscribeLastCallbackSendsWireMessage(t *testing.T) {
	rec := &sendRecorder{}
	r := NewRegistry(rec.send)

	h1 := r.Subscribe(testInstrument("2885"), models.ModeLTP, func(models.Tick) {})
	h2 := r.Subscribe(testInstrument("2885"), models.ModeLTP, func(models.Tick) {})

	h1.Unsubscribe()
	if got := len(rec.sent()); got != 1 {
		t.Fatalf("sent %d messages after non-last unsubscribe, want 1", got)
	}

	h2.Unsubscribe()
	sent := rec.sent()
	if len(sent) != 2 {
		t.Fatalf("sent %d messages after last unsubscribe, want 2", len(sent))
	}
	if sent[1].Action != models.ActionUnsubscribe {
		t.Errorf("action = %v, want unsubscribe", sent[1].Action)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	rec := &sendRecorder{}
	r := NewRegistry(rec.send)

	h1 := r.Subscribe(testInstrument("2885"), models.ModeLTP, func(models.Tick) {})
	r.Subscribe(testInstrument("2885"), models.ModeLTP, func(models.Tick) {})

	h1.Unsubscribe()
	h1.Unsubscribe()
	h1.Unsubscribe()

	if got := r.Size()["ltp"]; got != 1 {
		t.Errorf("live keys = %d, want 1", got)
	}
	// The surviving callback must not have been removed.
	if got := len(rec.sent()); got != 1 {
		t.Errorf("sent %d messages, want 1", got)
	}
}

func TestDispatchDeliversToAllCallbacks(t *testing.T) {
	rec := &sendRecorder{}
	r := NewRegistry(rec.send)

	var got []string
	r.Subscribe(testInstrument("2885"), models.ModeLTP, func(tk models.Tick) {
		got = append(got, "a:"+tk.Record.Token)
	})
	r.Subscribe(testInstrument("2885"), models.ModeLTP, func(tk models.Tick) {
		got = append(got, "b:"+tk.Record.Token)
	})

	r.Dispatch(&models.TickRecord{Token: "2885", Submode: models.ModeLTP, LastTradedPrice: 100})

	if len(got) != 2 || got[0] != "a:2885" || got[1] != "b:2885" {
		t.Errorf("deliveries = %v, want [a:2885 b:2885]", got)
	}
}

func TestDispatchMergesInstrument(t *testing.T) {
	rec := &sendRecorder{}
	r := NewRegistry(rec.send)

	inst := testInstrument("2885")
	var tick models.Tick
	r.Subscribe(inst, models.ModeLTP, func(tk models.Tick) { tick = tk })

	r.Dispatch(&models.TickRecord{Token: "2885", Submode: models.ModeLTP})

	if tick.Instrument.Symbol != inst.Symbol {
		t.Errorf("instrument symbol = %q, want %q", tick.Instrument.Symbol, inst.Symbol)
	}
}

func TestDispatchUnknownKeyIsDropped(t *testing.T) {
	rec := &sendRecorder{}
	r := NewRegistry(rec.send)

	called := false
	r.Subscribe(testInstrument("2885"), models.ModeLTP, func(models.Tick) { called = true })

	// Same token, different mode: no registered key.
	r.Dispatch(&models.TickRecord{Token: "2885", Submode: models.ModeQuote})
	// Unknown token entirely.
	r.Dispatch(&models.TickRecord{Token: "99999", Submode: models.ModeLTP})

	if called {
		t.Error("callback invoked for a key it was not registered under")
	}
}

func TestDispatchIsolatesPanickingCallback(t *testing.T) {
	rec := &sendRecorder{}
	r := NewRegistry(rec.send)

	var delivered int
	r.Subscribe(testInstrument("2885"), models.ModeLTP, func(models.Tick) { panic("boom") })
	r.Subscribe(testInstrument("2885"), models.ModeLTP, func(models.Tick) { delivered++ })

	r.Dispatch(&models.TickRecord{Token: "2885", Submode: models.ModeLTP})
	r.Dispatch(&models.TickRecord{Token: "2885", Submode: models.ModeLTP})

	if delivered != 2 {
		t.Errorf("second callback delivered %d times, want 2", delivered)
	}
}

func TestSubscribeSendFailureKeepsLocalState(t *testing.T) {
	rec := &sendRecorder{err: errors.New("socket down")}
	r := NewRegistry(rec.send)

	called := false
	r.Subscribe(testInstrument("2885"), models.ModeLTP, func(models.Tick) { called = true })

	r.Dispatch(&models.TickRecord{Token: "2885", Submode: models.ModeLTP})
	if !called {
		t.Error("callback lost after a failed subscribe send")
	}
	if got := len(r.ResyncRequests()); got != 1 {
		t.Errorf("resync requests = %d, want 1", got)
	}
}

func TestResyncRequestsOnePerMode(t *testing.T) {
	rec := &sendRecorder{}
	r := NewRegistry(rec.send)

	r.Subscribe(testInstrument("2885"), models.ModeLTP, func(models.Tick) {})
	r.Subscribe(testInstrument("11536"), models.ModeLTP, func(models.Tick) {})
	r.Subscribe(testInstrument("26000"), models.ModeSnapQuote, func(models.Tick) {})
	h := r.Subscribe(testInstrument("3045"), models.ModeQuote, func(models.Tick) {})
	h.Unsubscribe()

	reqs := r.ResyncRequests()
	if len(reqs) != 2 {
		t.Fatalf("resync requests = %d, want 2", len(reqs))
	}

	byMode := make(map[models.SubsMode][]string)
	for _, req := range reqs {
		if req.Action != models.ActionSubscribe {
			t.Errorf("action = %v, want subscribe", req.Action)
		}
		byMode[req.Params.Mode] = tokensFor(req, models.SegmentNSE)
	}
	if len(byMode[models.ModeLTP]) != 2 {
		t.Errorf("ltp tokens = %v, want 2 entries", byMode[models.ModeLTP])
	}
	if len(byMode[models.ModeSnapQuote]) != 1 || byMode[models.ModeSnapQuote][0] != "26000" {
		t.Errorf("snapquote tokens = %v, want [26000]", byMode[models.ModeSnapQuote])
	}
	if _, ok := byMode[models.ModeQuote]; ok {
		t.Error("resync includes a mode with no live callbacks")
	}
}

func TestSizeCountsKeysPerMode(t *testing.T) {
	rec := &sendRecorder{}
	r := NewRegistry(rec.send)

	r.Subscribe(testInstrument("2885"), models.ModeLTP, func(models.Tick) {})
	r.Subscribe(testInstrument("2885"), models.ModeLTP, func(models.Tick) {})
	r.Subscribe(testInstrument("11536"), models.ModeQuote, func(models.Tick) {})

	size := r.Size()
	if size["ltp"] != 1 || size["quote"] != 1 {
		t.Errorf("size = %v, want ltp:1 quote:1", size)
	}
}
