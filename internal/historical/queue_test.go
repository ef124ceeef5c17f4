package historical

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"smartfeed/config"
	"smartfeed/internal/models"
)

type fakeFetcher struct {
	mu      sync.Mutex
	reqs    []models.CandleRequest
	calls   []time.Time
	err     error
	candles []models.Candle
	fetched chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		candles: []models.Candle{{
			Timestamp: time.Date(2024, 5, 1, 9, 15, 0, 0, time.UTC),
			Open:      100, High: 110, Low: 95, Close: 105, Volume: 5000,
		}},
		fetched: make(chan struct{}, 64),
	}
}

func (f *fakeFetcher) FetchCandles(_ context.Context, req models.CandleRequest) ([]models.Candle, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.calls = append(f.calls, time.Now())
	err := f.err
	candles := f.candles
	f.mu.Unlock()

	f.fetched <- struct{}{}
	if err != nil {
		return nil, err
	}
	return candles, nil
}

func (f *fakeFetcher) requests() []models.CandleRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.CandleRequest(nil), f.reqs...)
}

func (f *fakeFetcher) callTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.calls...)
}

func testQueueConfig() config.HistoricalConfig {
	return config.HistoricalConfig{
		URL:           "https://example.invalid",
		ThrottleFloor: time.Millisecond,
		FetchTimeout:  time.Second,
	}
}

func testInstrument(token string) models.Instrument {
	return models.Instrument{Token: token, ExchangeSeg: models.SegmentNSE, Symbol: "SYM" + token}
}

func startQueue(t *testing.T, cfg config.HistoricalConfig, fetcher CandleFetcher, opts ...QueueOption) *Queue {
	t.Helper()
	q := NewQueue(cfg, fetcher, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	if err := q.Start(ctx); err != nil {
		t.Fatalf("start queue: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		q.Stop()
	})
	return q
}

func waitFetch(t *testing.T, f *fakeFetcher) {
	t.Helper()
	select {
	case <-f.fetched:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a fetch")
	}
}

func TestSubscribeRejectsUnknownInterval(t *testing.T) {
	q := startQueue(t, testQueueConfig(), newFakeFetcher())

	if _, err := q.Subscribe(testInstrument("2885"), models.Interval("7m"), func(models.Instrument, models.Interval, []models.Candle) {}); err == nil {
		t.Fatal("subscribe accepted an unsupported interval")
	}
}

func TestSubscribeRequiresRunningQueue(t *testing.T) {
	q := NewQueue(testQueueConfig(), newFakeFetcher())

	if _, err := q.Subscribe(testInstrument("2885"), models.Interval1m, func(models.Instrument, models.Interval, []models.Candle) {}); err == nil {
		t.Fatal("subscribe accepted on a stopped queue")
	}
}

func TestStartTwiceFails(t *testing.T) {
	q := startQueue(t, testQueueConfig(), newFakeFetcher())

	if err := q.Start(context.Background()); err == nil {
		t.Fatal("second start did not fail")
	}
}

func TestSharedKeyCountsOnce(t *testing.T) {
	q := startQueue(t, testQueueConfig(), newFakeFetcher())

	noop := func(models.Instrument, models.Interval, []models.Candle) {}
	h1, err := q.Subscribe(testInstrument("2885"), models.Interval1m, noop)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := q.Subscribe(testInstrument("2885"), models.Interval1m, noop); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := q.Subscribe(testInstrument("2885"), models.Interval5m, noop); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if got := q.Subscriptions(); got != 2 {
		t.Errorf("subscriptions = %d, want 2", got)
	}

	h1.Unsubscribe()
	h1.Unsubscribe()
	if got := q.Subscriptions(); got != 2 {
		t.Errorf("subscriptions after non-last unsubscribe = %d, want 2", got)
	}
}

func TestJobDeliversToAllCallbacks(t *testing.T) {
	fetcher := newFakeFetcher()
	q := startQueue(t, testQueueConfig(), fetcher)

	results := make(chan string, 4)
	if _, err := q.Subscribe(testInstrument("2885"), models.Interval1m, func(inst models.Instrument, _ models.Interval, candles []models.Candle) {
		if len(candles) == 1 {
			results <- "a:" + inst.Token
		}
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := q.Subscribe(testInstrument("2885"), models.Interval1m, func(inst models.Instrument, _ models.Interval, _ []models.Candle) {
		results <- "b:" + inst.Token
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	q.enqueue(job{instrument: testInstrument("2885"), interval: models.Interval1m, enqueued: time.Now()})

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			got[r] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of 2 callbacks delivered", i)
		}
	}
	if !got["a:2885"] || !got["b:2885"] {
		t.Errorf("deliveries = %v, want both callbacks", got)
	}
}

func TestUnsubscribedCallbackStopsReceiving(t *testing.T) {
	fetcher := newFakeFetcher()
	q := startQueue(t, testQueueConfig(), fetcher)

	aCalls := make(chan struct{}, 8)
	bCalls := make(chan struct{}, 8)
	ha, err := q.Subscribe(testInstrument("2885"), models.Interval1m, func(models.Instrument, models.Interval, []models.Candle) {
		aCalls <- struct{}{}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := q.Subscribe(testInstrument("2885"), models.Interval1m, func(models.Instrument, models.Interval, []models.Candle) {
		bCalls <- struct{}{}
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ha.Unsubscribe()

	// The key and its timer survive while a callback remains.
	if got := q.Subscriptions(); got != 1 {
		t.Fatalf("subscriptions = %d after non-last unsubscribe, want 1", got)
	}

	q.enqueue(job{instrument: testInstrument("2885"), interval: models.Interval1m, enqueued: time.Now()})

	select {
	case <-bCalls:
	case <-time.After(2 * time.Second):
		t.Fatal("surviving callback not delivered")
	}
	select {
	case <-aCalls:
		t.Fatal("unsubscribed callback still delivered")
	case <-time.After(50 * time.Millisecond):
	}

	// A later poll cycle still delivers to the survivor.
	q.enqueue(job{instrument: testInstrument("2885"), interval: models.Interval1m, enqueued: time.Now()})
	select {
	case <-bCalls:
	case <-time.After(2 * time.Second):
		t.Fatal("second poll cycle not delivered")
	}
}

func TestFetchedCandlesWithoutSubscribersAreDiscarded(t *testing.T) {
	fetcher := newFakeFetcher()
	q := startQueue(t, testQueueConfig(), fetcher)

	calls := make(chan struct{}, 8)
	h, err := q.Subscribe(testInstrument("2885"), models.Interval1m, func(models.Instrument, models.Interval, []models.Candle) {
		calls <- struct{}{}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	h.Unsubscribe()

	// A job already queued when the key died is still consumed.
	q.enqueue(job{instrument: testInstrument("2885"), interval: models.Interval1m, enqueued: time.Now()})
	waitFetch(t, fetcher)

	select {
	case <-calls:
		t.Fatal("dead subscription delivered")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFetchFailureDropsJob(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.err = errors.New("upstream unavailable")
	q := startQueue(t, testQueueConfig(), fetcher)

	calls := make(chan struct{}, 8)
	if _, err := q.Subscribe(testInstrument("2885"), models.Interval1m, func(models.Instrument, models.Interval, []models.Candle) {
		calls <- struct{}{}
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	q.enqueue(job{instrument: testInstrument("2885"), interval: models.Interval1m, enqueued: time.Now()})
	waitFetch(t, fetcher)

	select {
	case <-calls:
		t.Fatal("failed fetch delivered to callbacks")
	case <-time.After(50 * time.Millisecond):
	}
	if got := q.Depth(); got != 0 {
		t.Errorf("depth = %d, want 0 (failed jobs are not requeued)", got)
	}
}

func TestRequestDateBounds(t *testing.T) {
	fetcher := newFakeFetcher()
	fixed := time.Date(2024, 5, 15, 10, 30, 0, 0, time.UTC)
	q := startQueue(t, testQueueConfig(), fetcher, WithClock(func() time.Time { return fixed }))

	if _, err := q.Subscribe(testInstrument("2885"), models.Interval1m, func(models.Instrument, models.Interval, []models.Candle) {}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	q.enqueue(job{instrument: testInstrument("2885"), interval: models.Interval1m, enqueued: fixed})
	waitFetch(t, fetcher)

	reqs := fetcher.requests()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
	req := reqs[0]
	if req.Exchange != models.SegmentNSE {
		t.Errorf("exchange = %v, want NSE", req.Exchange)
	}
	if req.SymbolToken != "2885" {
		t.Errorf("symbol token = %q, want 2885", req.SymbolToken)
	}
	if req.Interval != "ONE_MINUTE" {
		t.Errorf("interval = %q, want ONE_MINUTE", req.Interval)
	}
	if want := "2024-04-15 10:30"; req.FromDate != want {
		t.Errorf("fromdate = %q, want %q", req.FromDate, want)
	}
	if want := "2024-05-15 10:30"; req.ToDate != want {
		t.Errorf("todate = %q, want %q", req.ToDate, want)
	}
}

func TestThrottleFloorSpacesFetches(t *testing.T) {
	fetcher := newFakeFetcher()
	cfg := testQueueConfig()
	cfg.ThrottleFloor = 60 * time.Millisecond
	q := startQueue(t, cfg, fetcher)

	if _, err := q.Subscribe(testInstrument("2885"), models.Interval1m, func(models.Instrument, models.Interval, []models.Candle) {}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for i := 0; i < 3; i++ {
		q.enqueue(job{instrument: testInstrument("2885"), interval: models.Interval1m, enqueued: time.Now()})
	}
	for i := 0; i < 3; i++ {
		waitFetch(t, fetcher)
	}

	calls := fetcher.callTimes()
	if len(calls) != 3 {
		t.Fatalf("fetches = %d, want 3", len(calls))
	}
	for i := 1; i < len(calls); i++ {
		if gap := calls[i].Sub(calls[i-1]); gap < cfg.ThrottleFloor-10*time.Millisecond {
			t.Errorf("gap %d = %v, want at least ~%v", i, gap, cfg.ThrottleFloor)
		}
	}
}

func TestPanickingCallbackIsIsolated(t *testing.T) {
	fetcher := newFakeFetcher()
	q := startQueue(t, testQueueConfig(), fetcher)

	delivered := make(chan struct{}, 8)
	if _, err := q.Subscribe(testInstrument("2885"), models.Interval1m, func(models.Instrument, models.Interval, []models.Candle) {
		panic("boom")
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := q.Subscribe(testInstrument("2885"), models.Interval1m, func(models.Instrument, models.Interval, []models.Candle) {
		delivered <- struct{}{}
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	q.enqueue(job{instrument: testInstrument("2885"), interval: models.Interval1m, enqueued: time.Now()})

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery aborted by a panicking callback")
	}
}
