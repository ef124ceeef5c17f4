package stream

import (
	"sync"

	"github.com/google/uuid"

	"smartfeed/internal/metrics"
	"smartfeed/internal/models"
	"smartfeed/logger"
)

// TickHandler receives one decoded tick merged with the instrument the
// subscription was opened for. Handlers run synchronously on the
// connection's dispatch loop; a slow handler delays later deliveries.
type TickHandler func(models.Tick)

// Key identifies one registry entry.
type Key struct {
	Token string
	Mode  models.SubsMode
}

type registeredCallback struct {
	id string
	fn TickHandler
}

type subscription struct {
	instrument models.Instrument
	callbacks  []registeredCallback
}

// Registry maps (token, mode) to an ordered callback list and owns the
// wire-level subscribe/unsubscribe traffic for those keys. The send
// function is the owning connection's Send; its failures are non-fatal
// because every reconnect replays the full subscription set.
type Registry struct {
	mu   sync.Mutex
	subs map[Key]*subscription
	send func(models.SubscriptionRequest) error
	log  *logger.Log
}

// NewRegistry creates a registry that emits wire messages through send.
func NewRegistry(send func(models.SubscriptionRequest) error) *Registry {
	return &Registry{
		subs: make(map[Key]*subscription),
		send: send,
		log:  logger.GetLogger(),
	}
}

// Handle undoes one Subscribe call. Safe to call more than once.
type Handle struct {
	once  sync.Once
	unsub func()
}

func (h *Handle) Unsubscribe() {
	h.once.Do(h.unsub)
}

// Subscribe registers a callback under (token, mode). The first callback
// for a key sends a subscribe wire message scoped to that one instrument;
// later callbacks piggyback on the already-streaming token and produce no
// wire traffic.
func (r *Registry) Subscribe(inst models.Instrument, mode models.SubsMode, cb TickHandler) *Handle {
	key := Key{Token: inst.Token, Mode: mode}
	cbid := uuid.NewString()

	r.mu.Lock()
	sub, exists := r.subs[key]
	if !exists {
		sub = &subscription{instrument: inst}
		r.subs[key] = sub
	}
	sub.callbacks = append(sub.callbacks, registeredCallback{id: cbid, fn: cb})
	r.mu.Unlock()

	log := r.log.WithComponent("stream_registry").WithFields(logger.Fields{"token": inst.Token, "mode": mode.String()})
	if exists {
		log.Debug("token already streaming, callback appended")
	} else {
		req := models.NewSubscriptionRequest(uuid.NewString(), models.ActionSubscribe, mode, []models.Instrument{inst})
		if err := r.send(req); err != nil {
			// Local state stays registered; the next reconnect's full
			// re-sync informs the peer.
			log.WithError(err).Warn("subscribe message not delivered")
		}
	}

	return &Handle{unsub: func() { r.removeCallback(key, cbid) }}
}

// removeCallback drops one callback. Removing the last callback for a key
// deletes the entry and emits an unsubscribe wire message.
func (r *Registry) removeCallback(key Key, cbid string) {
	r.mu.Lock()
	sub, ok := r.subs[key]
	if !ok {
		r.mu.Unlock()
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
		delete(r.subs, key)
	}
	inst := sub.instrument
	r.mu.Unlock()

	if !last {
		return
	}

	log := r.log.WithComponent("stream_registry").WithFields(logger.Fields{"token": key.Token, "mode": key.Mode.String()})
	req := models.NewSubscriptionRequest(uuid.NewString(), models.ActionUnsubscribe, key.Mode, []models.Instrument{inst})
	if err := r.send(req); err != nil {
		log.WithError(err).Warn("unsubscribe message not delivered")
		return
	}
	log.Info("last callback removed, token unsubscribed")
}

// Dispatch routes one decoded record to every live callback for the
// matching (token, submode) key. Records for unknown keys are silently
// dropped. A panicking callback is isolated and logged; it never aborts
// delivery to the remaining callbacks or later frames.
func (r *Registry) Dispatch(rec *models.TickRecord) {
	key := Key{Token: rec.Token, Mode: rec.Submode}

	r.mu.Lock()
	sub, ok := r.subs[key]
	var inst models.Instrument
	var callbacks []registeredCallback
	if ok {
		inst = sub.instrument
		callbacks = append([]registeredCallback(nil), sub.callbacks...)
	}
	r.mu.Unlock()

	if !ok {
		metrics.IncrementFrameDropped("unknown_token")
		return
	}

	tick := models.Tick{Instrument: inst, Record: *rec}
	for _, cb := range callbacks {
		r.invoke(cb, tick)
	}
}

func (r *Registry) invoke(cb registeredCallback, tick models.Tick) {
	defer func() {
		if v := recover(); v != nil {
			r.log.WithComponent("stream_registry").WithFields(logger.Fields{
				"token":    tick.Record.Token,
				"callback": cb.id,
				"panic":    v,
			}).Error("subscriber callback panicked")
		}
	}()
	cb.fn(tick)
}

// ResyncRequests builds one subscribe wire message per mode present in the
// registry, replaying every key with a live callback list. Used after a
// reconnect to bring the peer back in sync.
func (r *Registry) ResyncRequests() []models.SubscriptionRequest {
	r.mu.Lock()
	byMode := make(map[models.SubsMode][]models.Instrument)
	for key, sub := range r.subs {
		if len(sub.callbacks) == 0 {
			continue
		}
		byMode[key.Mode] = append(byMode[key.Mode], sub.instrument)
	}
	r.mu.Unlock()

	reqs := make([]models.SubscriptionRequest, 0, len(byMode))
	for _, mode := range []models.SubsMode{models.ModeLTP, models.ModeQuote, models.ModeSnapQuote} {
		insts, ok := byMode[mode]
		if !ok {
			continue
		}
		reqs = append(reqs, models.NewSubscriptionRequest(uuid.NewString(), models.ActionSubscribe, mode, insts))
	}
	return reqs
}

// Size reports the number of live keys per mode, for monitoring.
func (r *Registry) Size() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[string]int)
	for key := range r.subs {
		counts[key.Mode.String()]++
	}
	return counts
}
