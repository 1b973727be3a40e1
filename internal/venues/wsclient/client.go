package wsclient

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/tidefeed/errs"
	"github.com/coachpo/tidefeed/internal/observability"
	"github.com/coachpo/tidefeed/internal/venues/shared"
)

// Session tuning defaults. Options fields override them individually.
const (
	defaultDialTimeout          = 15 * time.Second
	defaultWriteTimeout         = 5 * time.Second
	defaultPingInterval         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultAckTimeout           = 8 * time.Second
	defaultCloseTimeout         = 2 * time.Second
	defaultMaxReconnectInterval = 30 * time.Second
	defaultJitterMax            = 500 * time.Millisecond
	defaultReadLimit            = 2 * 1024 * 1024
	watchdogTick                = time.Second
)

// State names the connection lifecycle phase.
type State string

const (
	// StateIdle means no session and no pending connect.
	StateIdle State = "idle"
	// StateConnecting means a dial or reconnect is in progress.
	StateConnecting State = "connecting"
	// StateOpen means a live session exists.
	StateOpen State = "open"
	// StateClosing means Disconnect is tearing the client down.
	StateClosing State = "closing"
)

// Options tunes one client. Zero values select the defaults above;
// JitterMax < 0 disables reconnect jitter for deterministic tests.
type Options struct {
	DialTimeout          time.Duration
	WriteTimeout         time.Duration
	PingInterval         time.Duration
	IdleTimeout          time.Duration
	AckTimeout           time.Duration
	CloseTimeout         time.Duration
	MaxReconnectInterval time.Duration
	JitterMax            time.Duration
	ReadLimit            int64
	Clock                func() time.Time
}

func (o *Options) normalise() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = defaultIdleTimeout
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = defaultAckTimeout
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = defaultCloseTimeout
	}
	if o.MaxReconnectInterval <= 0 {
		o.MaxReconnectInterval = defaultMaxReconnectInterval
	}
	if o.JitterMax == 0 {
		o.JitterMax = defaultJitterMax
	}
	if o.ReadLimit == 0 {
		o.ReadLimit = defaultReadLimit
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Status is a point-in-time snapshot of the client.
type Status struct {
	State       State
	Epoch       uint64
	LastMsgTS   int64
	Desired     []string
	Acked       []string
	PendingAcks int
}

type connectFuture struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newConnectFuture() *connectFuture {
	return &connectFuture{done: make(chan struct{})}
}

func (f *connectFuture) settle(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

func (f *connectFuture) wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type onceReason struct {
	once sync.Once
	val  string
}

func (r *onceReason) set(v string) {
	r.once.Do(func() { r.val = v })
}

// Client drives one websocket stream. Connect is idempotent; every caller
// during the same attempt shares one outcome. Established sessions self-heal
// with bounded backoff until Disconnect.
type Client struct {
	adapter Adapter
	opts    Options
	subs    *shared.SubscriptionSet
	metrics *streamMetrics

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	future    *connectFuture
	runCancel context.CancelFunc
	runDone   chan struct{}

	writeMu sync.Mutex
	epoch   atomic.Uint64
	lastMsg atomic.Int64
}

// New constructs a client for the adapter. The client does nothing until
// Connect.
func New(adapter Adapter, opts Options) *Client {
	opts.normalise()
	return &Client{
		adapter: adapter,
		opts:    opts,
		subs:    shared.NewSubscriptionSet(),
		metrics: newStreamMetrics(string(adapter.Venue()), adapter.StreamID()),
		state:   StateIdle,
	}
}

// Connect establishes the stream session. Concurrent and repeated calls share
// a single dial; exactly one socket exists per client. The returned error is
// the outcome of the first dial attempt; once a session has been established
// the client reconnects on its own.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateOpen:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		f := c.future
		c.mu.Unlock()
		return f.wait(ctx)
	case StateClosing:
		c.mu.Unlock()
		return errs.New(string(c.adapter.Venue()), errs.CodeAbort,
			errs.WithMessage("connect while client is closing"))
	}

	f := newConnectFuture()
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.future = f
	c.runCancel = cancel
	c.runDone = done
	c.state = StateConnecting
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.run(runCtx, f, done)
	}()

	return f.wait(ctx)
}

// Disconnect stops the client. The session is closed gracefully; teardown is
// forced after CloseTimeout.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return nil
	}
	cancel := c.runCancel
	done := c.runDone
	conn := c.conn
	c.state = StateClosing
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}

	if done != nil {
		timer := time.NewTimer(c.opts.CloseTimeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			observability.Log().Warn("websocket teardown forced after close timeout",
				observability.Field{Key: "stream", Value: c.adapter.StreamID()})
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	if c.runDone == done {
		c.state = StateIdle
		c.conn = nil
		c.runCancel = nil
		c.runDone = nil
	}
	c.mu.Unlock()
	return nil
}

// Subscribe records the topics as desired and sends subscribe frames when a
// session is open. Topics subscribed while disconnected replay on the next
// session.
func (c *Client) Subscribe(ctx context.Context, topics ...string) error {
	added := c.subs.Add(topics...)
	if len(added) == 0 {
		return nil
	}
	c.metrics.adjustSubscriptions(ctx, len(added))

	c.mu.Lock()
	conn := c.conn
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open || conn == nil {
		return nil
	}
	return c.sendSubscribe(ctx, conn, added)
}

// IsAlive reports whether the session is open and has seen traffic within the
// idle window.
func (c *Client) IsAlive() bool {
	c.mu.Lock()
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open {
		return false
	}
	last := c.lastMsg.Load()
	return last > 0 && c.opts.Clock().UnixMilli()-last < c.opts.IdleTimeout.Milliseconds()
}

// Status returns a snapshot of the client state.
func (c *Client) Status() Status {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	return Status{
		State:       state,
		Epoch:       c.epoch.Load(),
		LastMsgTS:   c.lastMsg.Load(),
		Desired:     c.subs.Desired(),
		Acked:       c.subs.Acked(),
		PendingAcks: c.subs.PendingCount(),
	}
}

// Epoch returns the current session generation. It increases by one per
// successful dial.
func (c *Client) Epoch() uint64 {
	return c.epoch.Load()
}

func (c *Client) run(ctx context.Context, f *connectFuture, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		if c.runDone == done {
			c.state = StateIdle
			c.conn = nil
			c.runCancel = nil
			c.runDone = nil
		}
		c.mu.Unlock()
	}()

	bo := newSessionBackoff(c.opts.MaxReconnectInterval)
	first := true
	for {
		if err := ctx.Err(); err != nil {
			if first {
				f.settle(errs.New(string(c.adapter.Venue()), errs.CodeAbort,
					errs.WithMessage("connect aborted"), errs.WithCause(err)))
			}
			return
		}

		conn, err := c.dial(ctx)
		if err != nil {
			c.metrics.recordReconnect(ctx, "error")
			if first {
				f.settle(err)
				return
			}
			observability.Log().Warn("websocket redial failed",
				observability.Field{Key: "stream", Value: c.adapter.StreamID()},
				observability.Field{Key: "error", Value: err.Error()})
			if !sleepCtx(ctx, c.nextDelay(bo)) {
				return
			}
			continue
		}
		c.metrics.recordReconnect(ctx, "success")

		epoch := c.epoch.Add(1)
		c.mu.Lock()
		c.conn = conn
		c.state = StateOpen
		c.mu.Unlock()
		c.lastMsg.Store(c.opts.Clock().UnixMilli())
		bo.Reset()

		if first {
			f.settle(nil)
			first = false
		}

		c.adapter.OnConnected(ctx, epoch)

		if err := c.replay(ctx, conn); err != nil {
			observability.Log().Warn("subscription replay failed",
				observability.Field{Key: "stream", Value: c.adapter.StreamID()},
				observability.Field{Key: "error", Value: err.Error()})
		}

		reason := c.session(ctx, conn)

		_ = conn.Close(websocket.StatusNormalClosure, "")
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()

		if ctx.Err() != nil {
			c.adapter.OnDisconnected(context.Background(), reason, false)
			return
		}

		c.mu.Lock()
		c.state = StateConnecting
		c.mu.Unlock()
		c.adapter.OnDisconnected(ctx, reason, true)

		if !sleepCtx(ctx, c.nextDelay(bo)) {
			return
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.adapter.URL(), nil)
	if err != nil {
		return nil, errs.New(string(c.adapter.Venue()), errs.ClassifyTransport(err),
			errs.WithMessage(fmt.Sprintf("dial %s", c.adapter.URL())), errs.WithCause(err))
	}
	conn.SetReadLimit(c.opts.ReadLimit)
	return conn, nil
}

// session runs the read, keepalive, and watchdog loops until one of them
// ends, then reports why.
func (c *Client) session(ctx context.Context, conn *websocket.Conn) string {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var reason onceReason
	var wg conc.WaitGroup
	wg.Go(func() {
		reason.set(c.readLoop(sessCtx, conn))
		cancel()
	})
	wg.Go(func() {
		reason.set(c.pingLoop(sessCtx, conn))
		cancel()
	})
	wg.Go(func() {
		reason.set(c.watchdogLoop(sessCtx, conn))
		cancel()
	})
	wg.Wait()

	return reason.val
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) string {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return "session cancelled"
			}
			if status := websocket.CloseStatus(err); status != -1 {
				return fmt.Sprintf("remote closed with status %d", status)
			}
			return "read error: " + err.Error()
		}
		c.lastMsg.Store(c.opts.Clock().UnixMilli())
		if msgType != websocket.MessageText {
			continue
		}
		c.metrics.recordMessage(ctx, len(data))
		c.dispatch(ctx, data)
	}
}

func (c *Client) dispatch(ctx context.Context, data []byte) {
	inbound := c.adapter.HandleMessage(ctx, data)
	switch inbound.Kind {
	case InboundAck:
		if inbound.OK {
			if topics, ok := c.subs.Ack(inbound.ReqID); ok {
				observability.Log().Info("subscription acknowledged",
					observability.Field{Key: "stream", Value: c.adapter.StreamID()},
					observability.Field{Key: "topics", Value: topics})
			}
			return
		}
		if topics, ok := c.subs.Reject(inbound.ReqID); ok {
			c.metrics.adjustSubscriptions(ctx, -len(topics))
			observability.Log().Warn("subscription rejected by venue",
				observability.Field{Key: "stream", Value: c.adapter.StreamID()},
				observability.Field{Key: "topics", Value: topics},
				observability.Field{Key: "error", Value: inbound.ErrMsg})
		}
	case InboundData, InboundPong, InboundIgnore:
		// Data frames were already published by the adapter; parse noise
		// drops silently.
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) string {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "session cancelled"
		case <-ticker.C:
			start := time.Now()
			var err error
			if payload, ok := c.adapter.PingFrame(); ok {
				err = c.write(ctx, conn, payload)
			} else {
				pingCtx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
				err = conn.Ping(pingCtx)
				cancel()
			}
			result := "success"
			if err != nil {
				result = "error"
			}
			c.metrics.recordPing(ctx, time.Since(start), result)
			if err != nil {
				if ctx.Err() != nil {
					return "session cancelled"
				}
				return "keepalive failed: " + err.Error()
			}
		}
	}
}

// watchdogLoop closes the socket when either the venue went silent past the
// idle window or a subscribe ack stayed unanswered past the ack timeout. The
// run loop then reconnects.
func (c *Client) watchdogLoop(ctx context.Context, conn *websocket.Conn) string {
	tick := watchdogTick
	if half := c.opts.AckTimeout / 2; half < tick {
		tick = half
	}
	if quarter := c.opts.IdleTimeout / 4; quarter < tick {
		tick = quarter
	}
	if tick <= 0 {
		tick = watchdogTick
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "session cancelled"
		case <-ticker.C:
			now := c.opts.Clock()
			if expired := c.subs.ExpiredPending(now, c.opts.AckTimeout); len(expired) > 0 {
				observability.Log().Warn("subscribe ack timeout; closing socket",
					observability.Field{Key: "stream", Value: c.adapter.StreamID()},
					observability.Field{Key: "requests", Value: expired})
				_ = conn.Close(websocket.StatusGoingAway, "subscribe ack timeout")
				return "subscribe ack timeout"
			}
			if last := c.lastMsg.Load(); last > 0 && now.UnixMilli()-last >= c.opts.IdleTimeout.Milliseconds() {
				observability.Log().Warn("idle timeout; closing socket",
					observability.Field{Key: "stream", Value: c.adapter.StreamID()})
				_ = conn.Close(websocket.StatusGoingAway, "idle timeout")
				return "idle timeout"
			}
		}
	}
}

func (c *Client) replay(ctx context.Context, conn *websocket.Conn) error {
	topics := c.subs.ResetSession()
	if len(topics) == 0 {
		return nil
	}
	return c.sendSubscribe(ctx, conn, topics)
}

func (c *Client) sendSubscribe(ctx context.Context, conn *websocket.Conn, topics []string) error {
	frames, err := c.adapter.SubscribeFrames(topics)
	if err != nil {
		return err
	}
	for _, frame := range frames {
		c.subs.MarkPending(frame.ReqID, frame.Topics, c.opts.Clock())
		if err := c.write(ctx, conn, frame.Data); err != nil {
			return err
		}
		c.metrics.recordControl(ctx, "subscribe", len(frame.Topics))
	}
	return nil
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	writeCtx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return errs.New(string(c.adapter.Venue()), errs.ClassifyTransport(err),
			errs.WithMessage("websocket write"), errs.WithCause(err))
	}
	return nil
}

func newSessionBackoff(maxInterval time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = maxInterval
	return bo
}

func (c *Client) nextDelay(bo *backoff.ExponentialBackOff) time.Duration {
	delay := bo.NextBackOff()
	if delay == backoff.Stop || delay > c.opts.MaxReconnectInterval {
		delay = c.opts.MaxReconnectInterval
	}
	if c.opts.JitterMax > 0 {
		delay += time.Duration(rand.Int63n(int64(c.opts.JitterMax)))
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
