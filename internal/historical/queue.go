package historical

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"smartfeed/config"
	"smartfeed/internal/metrics"
	"smartfeed/internal/models"
	"smartfeed/logger"
)

// CandleFetcher is the REST collaborator used to retrieve one
// instrument's candles for one interval. It may fail; failures drop the
// job and the next timer tick retries naturally.
type CandleFetcher interface {
	FetchCandles(ctx context.Context, req models.CandleRequest) ([]models.Candle, error)
}

// CandleHandler receives the candle series for one (instrument, interval)
// subscription after each successful fetch.
type CandleHandler func(inst models.Instrument, interval models.Interval, candles []models.Candle)

// Key identifies one poll subscription.
type Key struct {
	Token    string
	Interval models.Interval
}

type job struct {
	instrument models.Instrument
	interval   models.Interval
	enqueued   time.Time
}

type registeredCallback struct {
	id string
	fn CandleHandler
}

type subscription struct {
	instrument models.Instrument
	callbacks  []registeredCallback
	stopTimer  chan struct{}
}

// Handle undoes one Subscribe call. Safe to call more than once.
type Handle struct {
	once  sync.Once
	unsub func()
}

func (h *Handle) Unsubscribe() {
	h.once.Do(h.unsub)
}

// Queue turns many per-instrument polling subscriptions into one
// serialized, throttled fetch stream. Per-key timers enqueue jobs at each
// consumer's own cadence; a single worker drains the FIFO queue, never
// exceeding one fetch per throttle floor regardless of how many
// subscriptions exist.
type Queue struct {
	cfg     config.HistoricalConfig
	fetcher CandleFetcher
	log     *logger.Log
	limiter *rate.Limiter
	now     func() time.Time

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.Mutex
	running bool
	jobs    []job
	subs    map[Key]*subscription
}

// QueueOption adjusts a Queue at construction time.
type QueueOption func(*Queue)

// WithClock substitutes the queue's clock, used by tests to pin the
// fromdate/todate computation.
func WithClock(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

// NewQueue builds a poll queue around a fetcher.
func NewQueue(cfg config.HistoricalConfig, fetcher CandleFetcher, opts ...QueueOption) *Queue {
	q := &Queue{
		cfg:     cfg,
		fetcher: fetcher,
		log:     logger.GetLogger(),
		limiter: rate.NewLimiter(rate.Every(cfg.ThrottleFloor), 1),
		now:     time.Now,
		wg:      &sync.WaitGroup{},
		subs:    make(map[Key]*subscription),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start launches the worker loop.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return fmt.Errorf("poll queue already running")
	}
	q.running = true
	q.ctx = ctx
	q.mu.Unlock()

	log := q.log.WithComponent("historical_queue")
	log.WithFields(logger.Fields{"throttle_floor": q.cfg.ThrottleFloor.String()}).Info("starting poll queue")

	q.wg.Add(1)
	go q.worker()

	return nil
}

// Stop waits for the worker and all timers to exit. Cancel the context
// passed to Start first.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.running = false
	q.mu.Unlock()

	q.log.WithComponent("historical_queue").Info("stopping poll queue")
	q.wg.Wait()
	q.log.WithComponent("historical_queue").Info("poll queue stopped")
}

// Subscribe registers a callback for (instrument, interval). The first
// callback for a key starts a recurring timer at the interval's period;
// later callbacks share the existing timer.
func (q *Queue) Subscribe(inst models.Instrument, interval models.Interval, cb CandleHandler) (*Handle, error) {
	spec, ok := models.Intervals[interval]
	if !ok {
		return nil, fmt.Errorf("unsupported interval %q", interval)
	}

	cbid := uuid.NewString()
	key := Key{Token: inst.Token, Interval: interval}

	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil, fmt.Errorf("poll queue is not running")
	}
	sub, exists := q.subs[key]
	if !exists {
		sub = &subscription{instrument: inst, stopTimer: make(chan struct{})}
		q.subs[key] = sub
	}
	sub.callbacks = append(sub.callbacks, registeredCallback{id: cbid, fn: cb})
	ctx := q.ctx
	q.mu.Unlock()

	log := q.log.WithComponent("historical_queue").WithFields(logger.Fields{"token": inst.Token, "interval": string(interval)})
	if !exists {
		log.WithFields(logger.Fields{"period": spec.Period.String()}).Info("starting poll timer")
		q.wg.Add(1)
		go q.pollTimer(ctx, inst, interval, spec.Period, sub.stopTimer)
	} else {
		log.Debug("interval already polled, callback appended")
	}

	return &Handle{unsub: func() { q.removeCallback(key, cbid) }}, nil
}

// removeCallback drops one callback; removing the last one stops the
// key's timer and deletes the entry. Jobs already queued for the key are
// still consumed, delivering to zero callbacks, which is a no-op.
func (q *Queue) removeCallback(key Key, cbid string) {
	q.mu.Lock()
	sub, ok := q.subs[key]
	if !ok {
		q.mu.Unlock()
		return
	}
	for i, cb := range sub.callbacks {
		if cb.id == cbid {
			sub.callbacks = append(sub.callbacks[:i], sub.callbacks[i+1:]...)
			break
		}
	}
	last := len(sub.callbacks) == 0
	if last {
		close(sub.stopTimer)
		delete(q.subs, key)
	}
	q.mu.Unlock()

	if last {
		q.log.WithComponent("historical_queue").WithFields(logger.Fields{
			"token":    key.Token,
			"interval": string(key.Interval),
		}).Info("last callback removed, poll timer stopped")
	}
}

// Depth reports the number of queued jobs, for monitoring.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Subscriptions reports the number of live poll keys, for monitoring.
func (q *Queue) Subscriptions() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.subs)
}

func (q *Queue) pollTimer(ctx context.Context, inst models.Instrument, interval models.Interval, period time.Duration, stop <-chan struct{}) {
	defer q.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			q.enqueue(job{instrument: inst, interval: interval, enqueued: q.now()})
		}
	}
}

func (q *Queue) enqueue(j job) {
	q.mu.Lock()
	q.jobs = append(q.jobs, j)
	q.mu.Unlock()
}

func (q *Queue) dequeue() (job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return job{}, false
	}
	j := q.jobs[0]
	q.jobs = q.jobs[1:]
	return j, true
}

// worker is the only consumer of the job queue. The limiter enforces the
// aggregate throughput floor shared by all subscriptions.
func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		if err := q.limiter.Wait(q.ctx); err != nil {
			return
		}
		q.processNext()
	}
}

// processNext pops and executes at most one job.
func (q *Queue) processNext() {
	j, ok := q.dequeue()
	if !ok {
		return
	}

	log := q.log.WithComponent("historical_queue").WithFields(logger.Fields{
		"token":    j.instrument.Token,
		"interval": string(j.interval),
	})

	spec := models.Intervals[j.interval]
	now := q.now()
	req := models.CandleRequest{
		Exchange:    j.instrument.ExchangeSeg,
		SymbolToken: j.instrument.Token,
		Interval:    spec.APIName,
		FromDate:    now.AddDate(0, 0, -spec.LookbackDays).Format(models.CandleTimeLayout),
		ToDate:      now.Format(models.CandleTimeLayout),
	}

	ctx, cancel := context.WithTimeout(q.ctx, q.cfg.FetchTimeout)
	candles, err := q.fetcher.FetchCandles(ctx, req)
	cancel()
	if err != nil {
		// Dropped, not requeued; the next timer tick produces a fresh job.
		metrics.IncrementCandleFetch("error")
		log.WithError(err).Warn("candle fetch failed, dropping job")
		return
	}
	metrics.IncrementCandleFetch("success")
	logger.IncrementCandleRead()

	// Read the current callback list, not a snapshot from enqueue time,
	// so callbacks added while the job was queued still participate.
	key := Key{Token: j.instrument.Token, Interval: j.interval}
	q.mu.Lock()
	sub, ok := q.subs[key]
	var callbacks []registeredCallback
	if ok {
		callbacks = append([]registeredCallback(nil), sub.callbacks...)
	}
	q.mu.Unlock()

	if len(callbacks) == 0 {
		log.Debug("no callbacks for fetched candles")
		return
	}

	for _, cb := range callbacks {
		q.invoke(cb, j, candles)
	}
}

func (q *Queue) invoke(cb registeredCallback, j job, candles []models.Candle) {
	defer func() {
		if v := recover(); v != nil {
			q.log.WithComponent("historical_queue").WithFields(logger.Fields{
				"token":    j.instrument.Token,
				"callback": cb.id,
				"panic":    v,
			}).Error("subscriber callback panicked")
		}
	}()
	cb.fn(j.instrument, j.interval, candles)
}
