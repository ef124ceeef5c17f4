package stream

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"smartfeed/config"
	"smartfeed/internal/metrics"
	"smartfeed/internal/models"
	"smartfeed/logger"
)

// State is the lifecycle phase of a connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "disconnected"
	}
}

var (
	// ErrMissingCredentials is returned by Connect before any network
	// attempt when one of the four credential fields is empty.
	ErrMissingCredentials = errors.New("stream credentials missing: access token, api key, client id and feed token are all required")
	// ErrSendFailed is returned when a control message could not be
	// written within the configured retry budget. The local subscription
	// state is kept; the next reconnect re-sync repairs the peer.
	ErrSendFailed = errors.New("unable to send message: retry attempts exhausted")
	// ErrReconnectExhausted is surfaced once through the terminal handler
	// when the reconnect attempt cap is exceeded. The connection is
	// abandoned and must be recreated explicitly.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// heartbeatPayload is the literal ping the peer expects while the socket
// is open. No application-level pong is required.
const heartbeatPayload = "ping"

// Dialer abstracts socket establishment so tests can substitute their own.
type Dialer interface {
	Dial(urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Conn owns one physical socket to the smart-stream endpoint: connect,
// heartbeat, reconnect with backoff, serialized sends with bounded retry
// and a strictly sequential inbound dispatch loop.
type Conn struct {
	cfg      config.StreamConfig
	creds    config.CredentialsConfig
	log      *logger.Log
	registry *Registry
	dialer   Dialer

	onTerminal   func(error)
	terminalOnce sync.Once

	mu         sync.Mutex
	ws         *websocket.Conn
	state      State
	userClosed bool
	attempts   int
	hbStop     chan struct{}

	// writeMu serializes writes; gorilla websocket allows only one
	// concurrent writer.
	writeMu sync.Mutex
}

// Option adjusts a Conn at construction time.
type Option func(*Conn)

// WithDialer substitutes the websocket dialer, used by tests.
func WithDialer(d Dialer) Option {
	return func(c *Conn) { c.dialer = d }
}

// WithTerminalHandler installs the callback invoked exactly once when the
// reconnect cap is exceeded.
func WithTerminalHandler(fn func(error)) Option {
	return func(c *Conn) { c.onTerminal = fn }
}

// NewConn builds a connection. Nothing is dialed until Connect.
func NewConn(cfg config.StreamConfig, creds config.CredentialsConfig, opts ...Option) *Conn {
	c := &Conn{
		cfg:    cfg,
		creds:  creds,
		log:    logger.GetLogger(),
		dialer: websocket.DefaultDialer,
	}
	c.registry = NewRegistry(c.Send)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry exposes the connection's subscription registry.
func (c *Conn) Registry() *Registry {
	return c.registry
}

// Subscribe registers a callback for (instrument, mode) on this
// connection's registry.
func (c *Conn) Subscribe(inst models.Instrument, mode models.SubsMode, cb TickHandler) *Handle {
	return c.registry.Subscribe(inst, mode, cb)
}

// State reports the current lifecycle phase.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the socket. The credential check happens before any
// network call. On success the heartbeat starts and every live key in the
// registry is re-subscribed on the wire.
func (c *Conn) Connect() error {
	if !c.creds.Complete() {
		return ErrMissingCredentials
	}

	c.mu.Lock()
	if c.state == StateOpen || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.userClosed = false
	c.mu.Unlock()

	log := c.log.WithComponent("stream_conn")
	log.WithFields(logger.Fields{"url": c.cfg.URL}).Info("connecting")

	header := http.Header{}
	header.Set("Authorization", c.creds.AccessToken)
	header.Set("x-api-key", c.creds.APIKey)
	header.Set("x-client-code", c.creds.ClientID)
	header.Set("x-feed-token", c.creds.FeedToken)

	ws, resp, err := c.dialer.Dial(c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			log.WithError(err).WithFields(logger.Fields{"status": resp.StatusCode}).Warn("dial rejected")
		} else {
			log.WithError(err).Warn("dial failed")
		}
		c.mu.Lock()
		c.state = StateDisconnected
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	if c.userClosed {
		// Disconnect arrived while the dial was in flight. The user's
		// close wins; drop the fresh socket instead of going open.
		c.state = StateDisconnected
		c.mu.Unlock()
		_ = ws.Close()
		log.Info("closed while dialing, discarding socket")
		return nil
	}
	c.ws = ws
	c.state = StateOpen
	c.attempts = 0
	c.hbStop = make(chan struct{})
	hbStop := c.hbStop
	c.mu.Unlock()

	log.Info("socket connected")

	go c.heartbeat(ws, hbStop)
	go c.readLoop(ws)

	// Re-sync: replay the wire subscribe message for every key that still
	// has callbacks, and for no others.
	for _, req := range c.registry.ResyncRequests() {
		if err := c.writeJSON(ws, req); err != nil {
			log.WithError(err).Warn("subscription re-sync write failed")
			break
		}
	}

	return nil
}

// Disconnect closes the socket on user request, suppressing reconnect.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.userClosed = true
	c.state = StateClosing
	ws := c.ws
	c.stopHeartbeatLocked()
	c.mu.Unlock()

	log := c.log.WithComponent("stream_conn")
	if ws == nil {
		log.Info("connection already closed")
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return
	}

	log.Info("closing socket")
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = ws.Close()
}

// Send serializes and writes a control message. An open socket is written
// to directly; a closed one triggers Connect as a side effect; while the
// connection is transitioning the write is retried a bounded number of
// times with a fixed delay before reporting ErrSendFailed.
func (c *Conn) Send(req models.SubscriptionRequest) error {
	log := c.log.WithComponent("stream_conn")

	for attempt := 0; attempt <= c.cfg.SendRetryAttempts; attempt++ {
		c.mu.Lock()
		state := c.state
		ws := c.ws
		c.mu.Unlock()

		switch state {
		case StateOpen:
			if ws != nil {
				err := c.writeJSON(ws, req)
				if err == nil {
					return nil
				}
				log.WithError(err).Warn("control message write failed")
			}
		case StateDisconnected:
			go func() {
				if err := c.Connect(); err != nil && !errors.Is(err, ErrMissingCredentials) {
					log.WithError(err).Warn("implicit connect failed")
				}
			}()
		}

		time.Sleep(c.cfg.SendRetryDelay)
	}

	log.WithFields(logger.Fields{"attempts": c.cfg.SendRetryAttempts}).Error("dropping control message")
	return ErrSendFailed
}

func (c *Conn) writeJSON(ws *websocket.Conn, v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteJSON(v)
}

// heartbeat sends the literal ping payload on a fixed period while the
// socket stays open. Write failures are left to the read loop to observe.
func (c *Conn) heartbeat(ws *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := ws.WriteMessage(websocket.TextMessage, []byte(heartbeatPayload))
			c.writeMu.Unlock()
			if err != nil {
				c.log.WithComponent("stream_conn").WithError(err).Warn("heartbeat write failed")
				return
			}
		}
	}
}

// readLoop handles inbound frames strictly sequentially so delivery order
// to callbacks matches arrival order.
func (c *Conn) readLoop(ws *websocket.Conn) {
	log := c.log.WithComponent("stream_conn")
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			c.handleClose(ws, err)
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			rec, derr := DecodeTick(data)
			if derr != nil {
				metrics.IncrementFrameDropped("decode_error")
				log.WithError(derr).Warn("dropping malformed frame")
				continue
			}
			metrics.IncrementTickDecoded(rec.Submode.String())
			logger.IncrementTickRead()
			c.registry.Dispatch(rec)
		case websocket.TextMessage:
			// Control or ack message, never a tick.
			log.WithFields(logger.Fields{"message": string(data)}).Debug("control message received")
		}
	}
}

// handleClose runs once per socket when its read loop ends.
func (c *Conn) handleClose(ws *websocket.Conn, cause error) {
	_ = ws.Close()

	c.mu.Lock()
	if c.ws != ws {
		// A newer socket already replaced this one.
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.stopHeartbeatLocked()
	c.state = StateDisconnected
	userClosed := c.userClosed
	if !userClosed {
		c.scheduleReconnectLocked()
	}
	c.mu.Unlock()

	log := c.log.WithComponent("stream_conn").WithError(cause)
	if userClosed {
		log.Info("socket closed")
	} else {
		log.Warn("socket closed unexpectedly")
	}
}

func (c *Conn) stopHeartbeatLocked() {
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
}

// scheduleReconnectLocked arms the backoff timer for the next attempt.
// delay = base * 2^attempt, attempt count capped; exceeding the cap is a
// terminal condition surfaced exactly once. Caller holds c.mu.
func (c *Conn) scheduleReconnectLocked() {
	c.attempts++
	attempt := c.attempts
	log := c.log.WithComponent("stream_conn").WithFields(logger.Fields{"attempt": attempt})

	if attempt > c.cfg.MaxReconnectAttempts {
		log.Error("reconnect attempts exhausted, abandoning connection")
		c.terminalOnce.Do(func() {
			if c.onTerminal != nil {
				c.onTerminal(ErrReconnectExhausted)
			}
		})
		return
	}

	shift := uint(attempt - 1)
	if shift > 16 {
		shift = 16
	}
	delay := c.cfg.ReconnectBaseDelay << shift

	log.WithFields(logger.Fields{"delay": delay.String()}).Info("scheduling reconnect")
	time.AfterFunc(delay, func() {
		c.mu.Lock()
		skip := c.userClosed || c.state != StateDisconnected
		c.mu.Unlock()
		if skip {
			return
		}
		metrics.IncrementReconnect()
		if err := c.Connect(); err != nil {
			c.log.WithComponent("stream_conn").WithError(err).Warn("reconnect attempt failed")
		}
	})
}
