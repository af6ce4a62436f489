// Package livechan is the websocket live channel a session controller rides
// on. It reconnects on its own and surfaces decoded push envelopes; losing
// the channel is never fatal because the sync layer falls back to polling.
package livechan

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/yvesdamsh/damcash2/internal/obslog"
	"github.com/yvesdamsh/damcash2/internal/push"
)

// State tracks the channel lifecycle.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// HeaderProvider injects handshake headers (e.g. X-Player-ID).
type HeaderProvider func() map[string]string

// Channel is a self-healing websocket connection to one session's event
// stream. Envelopes arrive on Events; a slow consumer drops, never blocks.
type Channel struct {
	wsURL string

	conn   *websocket.Conn
	state  State
	stateM sync.RWMutex

	events chan push.Envelope

	maxReconnectAttempts int
	pingInterval         time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc

	headerProvider HeaderProvider
}

// New builds a channel for wsURL. maxReconnectAttempts <= 0 disables
// reconnection entirely.
func New(wsURL string, maxReconnectAttempts int) *Channel {
	return &Channel{
		wsURL:                wsURL,
		state:                StateDisconnected,
		maxReconnectAttempts: maxReconnectAttempts,
		pingInterval:         30 * time.Second,
		events:               make(chan push.Envelope, 64),
		stopCh:               make(chan struct{}),
	}
}

// SetHeaderProvider injects headers into the handshake. Call before Connect.
func (c *Channel) SetHeaderProvider(h HeaderProvider) {
	c.headerProvider = h
}

// Connect dials and starts the read and ping loops. Idempotent while
// connected or connecting.
func (c *Channel) Connect(ctx context.Context) error {
	c.stateM.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.stateM.Unlock()
		return nil
	}
	c.stateM.Unlock()

	c.rootCtx, c.rootCancel = context.WithCancel(context.Background())
	c.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.wsURL, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      c.buildHeaders(),
	})
	if err != nil {
		c.setState(StateFailed)
		c.scheduleReconnect()
		return err
	}

	c.conn = conn
	c.setState(StateConnected)

	c.wg.Add(2)
	go c.listen()
	go c.pingLoop()
	return nil
}

// Connected reports whether the channel is currently usable.
func (c *Channel) Connected() bool {
	c.stateM.RLock()
	defer c.stateM.RUnlock()
	return c.state == StateConnected
}

// Events is the stream of decoded envelopes. Closed on Close.
func (c *Channel) Events() <-chan push.Envelope {
	return c.events
}

// Send writes an envelope to the peer end of the channel.
func (c *Channel) Send(ctx context.Context, e push.Envelope) error {
	c.stateM.RLock()
	conn := c.conn
	c.stateM.RUnlock()
	if conn == nil {
		return context.Canceled
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(wctx, conn, e)
}

func (c *Channel) listen() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		if c.conn == nil {
			return
		}
		var env push.Envelope
		if err := wsjson.Read(c.rootCtx, c.conn, &env); err != nil {
			if c.isStopping() {
				return
			}
			c.setState(StateDisconnected)
			_ = c.closeConn(websocket.StatusGoingAway, "reconnect")
			c.scheduleReconnect()
			return
		}

		select {
		case c.events <- env:
		default:
			obslog.L().Warn("livechan_event_dropped", zap.String("type", env.Type))
		}
	}
}

func (c *Channel) pingLoop() {
	defer c.wg.Done()
	t := time.NewTicker(c.pingInterval)
	defer t.Stop()
	consecutivePingFailures := 0
	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C:
			if c.conn == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(c.rootCtx, 3*time.Second)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				consecutivePingFailures++
				if consecutivePingFailures >= 2 {
					if c.isStopping() {
						return
					}
					c.setState(StateDisconnected)
					_ = c.closeConn(websocket.StatusGoingAway, "ping failure")
					c.scheduleReconnect()
					consecutivePingFailures = 0
				}
				continue
			}
			consecutivePingFailures = 0
		}
	}
}

func (c *Channel) scheduleReconnect() {
	if c.maxReconnectAttempts <= 0 {
		return
	}
	c.setState(StateReconnecting)

	go func() {
		for attempt := 1; attempt <= c.maxReconnectAttempts; attempt++ {
			select {
			case <-c.stopCh:
				return
			case <-time.After(backoffDuration(attempt)):
			}

			dialCtx, cancel := context.WithTimeout(c.rootCtx, 10*time.Second)
			conn, _, err := websocket.Dial(dialCtx, c.wsURL, &websocket.DialOptions{
				CompressionMode: websocket.CompressionNoContextTakeover,
				HTTPHeader:      c.buildHeaders(),
			})
			cancel()
			if err != nil {
				continue
			}

			c.conn = conn
			c.setState(StateConnected)

			c.wg.Add(2)
			go c.listen()
			go c.pingLoop()
			return
		}
		c.setState(StateFailed)
	}()
}

func (c *Channel) setState(state State) {
	c.stateM.Lock()
	prev := c.state
	c.state = state
	c.stateM.Unlock()
	if prev != state {
		obslog.L().Debug("livechan_state",
			zap.String("from", string(prev)),
			zap.String("to", string(state)),
		)
	}
}

// Close stops the loops, closes the connection and the Events channel.
func (c *Channel) Close(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	_ = c.closeConn(websocket.StatusNormalClosure, "close")

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		if c.rootCancel != nil {
			c.rootCancel()
		}
		close(c.events)
		return nil
	}
}

func (c *Channel) closeConn(code websocket.StatusCode, reason string) error {
	if c.conn == nil {
		return nil
	}
	defer func() { c.conn = nil }()
	return c.conn.Close(code, reason)
}

func (c *Channel) isStopping() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

func (c *Channel) buildHeaders() http.Header {
	hdr := http.Header{}
	if c.headerProvider == nil {
		return hdr
	}
	for k, v := range c.headerProvider() {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		hdr.Set(k, v)
	}
	return hdr
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	base := 100 * time.Millisecond
	return time.Duration(1<<uint(attempt-1)) * base
}
