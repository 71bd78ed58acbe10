package feed

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/finbase/tradefeed/pkg/metrics"
	"github.com/finbase/tradefeed/pkg/models"
)

// State is the connection lifecycle state of the client.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateStreaming
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateStreaming:
		return "streaming"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// ReconnectPolicy bounds the retry behavior after a transport failure.
// MaxAttempts of zero disables reconnection: the first failure is fatal.
type ReconnectPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Config holds the feed client configuration.
type Config struct {
	// URL of the upstream venue websocket endpoint.
	URL string
	// Instrument is the symbol the client subscribes to. Immutable for the
	// lifetime of the client; reconnection re-issues the same subscription.
	Instrument string
	// HandshakeFrameBudget caps how many control frames the subscription
	// handshake will consume before giving up waiting for the ack.
	HandshakeFrameBudget int
	// StalenessThreshold is how long the connection may stay silent before
	// Healthy reports false. Zero disables the staleness check.
	StalenessThreshold time.Duration
	Reconnect          ReconnectPolicy
}

// Client owns one live subscription to one instrument on the upstream venue
// and exposes a pull-based interface yielding canonical trade records. Not
// safe for concurrent use; it is owned exclusively by the ingestion loop.
type Client struct {
	cfg  Config
	dial Dialer
	log  *zap.Logger

	mu      sync.Mutex
	conn    Conn
	pending [][]byte // data frames that arrived during the handshake

	state     atomic.Int32
	lastFrame atomic.Int64 // unix nanos of the last received frame
}

// Option customizes client construction.
type Option func(*Client)

// WithDialer substitutes the transport dialer. Used by tests.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dial = d }
}

// New connects to the venue and subscribes to the configured instrument.
// The returned client is in Subscribed state (or Streaming, if live data
// arrived while the handshake was still consuming control frames).
func New(ctx context.Context, cfg Config, log *zap.Logger, opts ...Option) (*Client, error) {
	if cfg.HandshakeFrameBudget <= 0 {
		cfg.HandshakeFrameBudget = 16
	}
	c := &Client{
		cfg:  cfg,
		dial: dialWebsocket,
		log:  log.Named("feed"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// connect dials the venue and runs the subscription handshake. It consumes
// and validates control frames until the subscription ack arrives; a data
// frame observed before the ack is kept for the next Poll rather than
// discarded.
func (c *Client) connect(ctx context.Context) error {
	c.setState(StateConnecting)
	metrics.FeedConnected.Set(0)

	conn, err := c.dial(ctx, c.cfg.URL)
	if err != nil {
		c.setState(StateDisconnected)
		return &ConnectionError{Op: "dial " + c.cfg.URL, Err: err}
	}

	c.log.Info("connection established", zap.String("url", c.cfg.URL))

	req := newSubscribeRequest(c.cfg.Instrument)
	if err := conn.WriteJSON(req); err != nil {
		_ = conn.Close()
		c.setState(StateDisconnected)
		return &ConnectionError{Op: "send subscribe request", Err: err}
	}
	c.log.Info("subscription request sent", zap.String("instrument", c.cfg.Instrument))

	acked := false
	for i := 0; i < c.cfg.HandshakeFrameBudget && !acked; i++ {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			c.setState(StateDisconnected)
			return &ConnectionError{Op: "read handshake frame", Err: err}
		}
		c.noteFrame()

		kind, env, cerr := classifyFrame(raw)
		metrics.FramesReceived.WithLabelValues(kind.String()).Inc()
		switch kind {
		case frameAck:
			if env.Success != nil && !*env.Success {
				_ = conn.Close()
				c.setState(StateDisconnected)
				return &ConnectionError{Op: "subscription rejected: " + env.Error}
			}
			acked = true
		case frameData:
			// Live data began before the ack was observed. Keep the frame so
			// Poll returns it instead of silently dropping a real trade.
			c.mu.Lock()
			c.pending = append(c.pending, raw)
			c.mu.Unlock()
			acked = true
		case frameHeartbeat, frameControl:
			if cerr != nil {
				_ = conn.Close()
				c.setState(StateDisconnected)
				return &ConnectionError{Op: "invalid handshake frame", Err: cerr}
			}
			c.log.Debug("handshake control frame consumed", zap.String("kind", kind.String()))
		}
	}
	if !acked {
		_ = conn.Close()
		c.setState(StateDisconnected)
		return &ConnectionError{Op: "no subscription ack within handshake budget"}
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.setState(StateSubscribed)
	metrics.FeedConnected.Set(1)
	c.log.Info("subscribed", zap.String("instrument", c.cfg.Instrument))
	return nil
}

// Poll blocks until exactly one inbound frame is consumed and returns the
// trade records it contained, preserving element order. Heartbeat and venue
// control frames yield an empty batch and no error. Malformed frames yield a
// ProtocolViolation; transport failures trigger the reconnect policy and are
// returned as ConnectionError once it is exhausted.
func (c *Client) Poll(ctx context.Context) ([]models.Trade, error) {
	raw, err := c.nextFrame(ctx)
	if err != nil {
		return nil, err
	}

	kind, env, cerr := classifyFrame(raw)
	metrics.FramesReceived.WithLabelValues(kind.String()).Inc()
	switch kind {
	case frameHeartbeat:
		c.log.Debug("heartbeat received")
		return nil, nil
	case frameAck, frameControl:
		if cerr != nil {
			metrics.ProtocolViolations.Inc()
			return nil, cerr
		}
		c.log.Debug("control frame ignored", zap.String("kind", kind.String()))
		return nil, nil
	}

	trades, err := decodeTrades(env)
	if err != nil {
		metrics.ProtocolViolations.Inc()
		return nil, err
	}
	c.setState(StateStreaming)
	metrics.PollBatchSize.Observe(float64(len(trades)))
	return trades, nil
}

// nextFrame returns the next raw frame, replaying frames stashed during the
// handshake first and reconnecting on transport failure.
func (c *Client) nextFrame(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	if len(c.pending) > 0 {
		raw := c.pending[0]
		c.pending = c.pending[1:]
		c.mu.Unlock()
		return raw, nil
	}
	conn := c.conn
	c.mu.Unlock()

	for {
		if conn == nil {
			return nil, &ConnectionError{Op: "poll on closed client"}
		}
		_, raw, err := conn.ReadMessage()
		if err == nil {
			c.noteFrame()
			return raw, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if rerr := c.reconnect(ctx, err); rerr != nil {
			return nil, rerr
		}
		c.mu.Lock()
		if len(c.pending) > 0 {
			raw := c.pending[0]
			c.pending = c.pending[1:]
			c.mu.Unlock()
			return raw, nil
		}
		conn = c.conn
		c.mu.Unlock()
	}
}

// reconnect re-establishes the connection and re-issues the identical
// subscription, with bounded exponential backoff. Exhausting the policy
// leaves the client Faulted.
func (c *Client) reconnect(ctx context.Context, cause error) error {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
	metrics.FeedConnected.Set(0)

	policy := c.cfg.Reconnect
	if policy.MaxAttempts <= 0 {
		c.setState(StateFaulted)
		return &ConnectionError{Op: "read frame", Err: cause}
	}

	c.log.Warn("feed connection lost, reconnecting", zap.Error(cause))

	backoff := policy.BaseBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	var lastErr error = cause
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		metrics.Reconnects.Inc()
		if err := c.connect(ctx); err != nil {
			lastErr = err
			c.log.Warn("reconnect attempt failed",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", policy.MaxAttempts),
				zap.Duration("backoff", backoff),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if policy.MaxBackoff > 0 && backoff > policy.MaxBackoff {
				backoff = policy.MaxBackoff
			}
			continue
		}
		c.log.Info("feed reconnected", zap.Int("attempt", attempt))
		return nil
	}

	c.setState(StateFaulted)
	return &ConnectionError{Op: "reconnect exhausted", Err: lastErr}
}

// Healthy reports whether the client believes the connection is usable:
// the state machine is in a connected state and, when a staleness threshold
// is configured, a frame has been received within it.
func (c *Client) Healthy() bool {
	switch c.State() {
	case StateSubscribed, StateStreaming:
	default:
		return false
	}
	if c.cfg.StalenessThreshold <= 0 {
		return true
	}
	last := c.lastFrame.Load()
	if last == 0 {
		return false
	}
	age := time.Since(time.Unix(0, last))
	metrics.LastFrameAge.Set(age.Seconds())
	return age <= c.cfg.StalenessThreshold
}

// State returns the current connection lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// LastFrameAt returns when the last frame was received, or the zero time if
// none has been.
func (c *Client) LastFrameAt() time.Time {
	last := c.lastFrame.Load()
	if last == 0 {
		return time.Time{}
	}
	return time.Unix(0, last)
}

// Close releases the underlying connection. The client is not usable after
// Close.
func (c *Client) Close() error {
	c.setState(StateDisconnected)
	metrics.FeedConnected.Set(0)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Client) noteFrame() {
	c.lastFrame.Store(time.Now().UnixNano())
}
