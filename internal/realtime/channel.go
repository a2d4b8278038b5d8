// Package realtime provides the shared WebSocket channel used by chat rooms.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/agentlink/internal/apierr"
	"github.com/ashureev/agentlink/internal/backend"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// State is the connection state of a Channel.
type State int

// Channel states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const readLimit = 1 << 20

// Options configures a Channel.
type Options struct {
	URL               string
	DialTimeout       time.Duration
	InactivityTimeout time.Duration
	Tokens            backend.TokenSource
	HTTPClient        *http.Client
	Logger            *slog.Logger
}

// Channel is one reference-counted WebSocket connection shared by all
// consumers. It never reconnects on its own.
type Channel struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	refs   int
	conn   *websocket.Conn
	cancel context.CancelFunc
	gen    uint64
	state  State
	err    error
	timer  *time.Timer

	writeMu sync.Mutex

	subMu sync.RWMutex
	subs  map[*subscriber]struct{}
}

type subscriber struct {
	ch chan Event
}

// New creates a disconnected Channel.
func New(opts Options) *Channel {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	return &Channel{
		opts:   opts,
		logger: logger,
		now:    time.Now,
		subs:   make(map[*subscriber]struct{}),
	}
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that moved the channel to StateFailed, if any.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Refs returns the number of active consumers.
func (c *Channel) Refs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs
}

// Connect registers a consumer and dials if no connection is open.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.refs++
	if c.conn != nil {
		c.mu.Unlock()
		c.logger.Debug("Realtime channel already connected", "refs", c.Refs())
		return nil
	}
	c.setStateLocked(StateConnecting, nil)
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	header := http.Header{}
	if c.opts.Tokens != nil {
		if token := c.opts.Tokens.Token(); token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	conn, _, err := websocket.Dial(dialCtx, c.opts.URL, &websocket.DialOptions{
		HTTPClient: c.opts.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		netErr := apierr.Network("realtime.Connect", fmt.Errorf("connection failed: %w", err))
		c.mu.Lock()
		c.refs = max(0, c.refs-1)
		c.setStateLocked(StateFailed, netErr)
		c.mu.Unlock()
		c.logger.Error("Realtime channel dial failed", "url", c.opts.URL, "error", err)
		return netErr
	}
	conn.SetReadLimit(readLimit)

	c.mu.Lock()
	if c.conn != nil {
		// Another consumer won the race.
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "duplicate connection")
		return nil
	}
	if c.refs == 0 {
		// Every consumer left while the dial was in progress.
		c.setStateLocked(StateDisconnected, nil)
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "no active consumers")
		c.logger.Debug("Realtime channel released during dial", "url", c.opts.URL)
		return nil
	}
	readCtx, readCancel := context.WithCancel(context.Background())
	c.gen++
	c.conn = conn
	c.cancel = readCancel
	c.setStateLocked(StateConnected, nil)
	c.resetTimerLocked()
	gen := c.gen
	c.mu.Unlock()

	c.logger.Info("Realtime channel connected", "url", c.opts.URL)
	go c.readLoop(readCtx, conn, gen)
	return nil
}

// Disconnect releases one consumer and closes the connection when none
// remain.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.refs = max(0, c.refs-1)
	if c.refs > 0 || c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.teardownLocked("no active consumers")
	c.mu.Unlock()
}

// ForceDisconnect closes the connection regardless of active consumers.
func (c *Channel) ForceDisconnect() {
	c.mu.Lock()
	c.refs = 0
	if c.conn == nil {
		c.stopTimerLocked()
		c.mu.Unlock()
		return
	}
	c.teardownLocked("forced")
	c.mu.Unlock()
}

func (c *Channel) teardownLocked(reason string) {
	c.stopTimerLocked()
	conn, cancel := c.conn, c.cancel
	c.conn, c.cancel = nil, nil
	c.gen++
	c.setStateLocked(StateDisconnected, nil)

	c.logger.Info("Realtime channel disconnecting", "reason", reason)
	go func() {
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, reason)
	}()
}

func (c *Channel) setStateLocked(s State, err error) {
	if c.state == s && err == nil && c.err == nil {
		return
	}
	c.state = s
	c.err = err
	c.publish(ConnectionChange{State: s, Err: err})
}

func (c *Channel) resetTimerLocked() {
	if c.opts.InactivityTimeout <= 0 {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	gen := c.gen
	c.timer = time.AfterFunc(c.opts.InactivityTimeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.gen != gen || c.conn == nil {
			return
		}
		c.refs = 0
		c.teardownLocked("inactivity")
	})
}

func (c *Channel) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Channel) touch() {
	c.mu.Lock()
	if c.conn != nil {
		c.resetTimerLocked()
	}
	c.mu.Unlock()
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		var env Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			c.handleReadError(gen, err)
			return
		}
		c.touch()

		ev, err := decode(env, c.now())
		if err != nil {
			c.logger.Warn("Dropping malformed realtime event", "event", env.Event, "error", err)
			continue
		}
		if ev == nil {
			c.logger.Debug("Ignoring unknown realtime event", "event", env.Event)
			continue
		}
		c.publish(ev)
	}
}

func (c *Channel) handleReadError(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		// Closed on purpose.
		return
	}

	c.stopTimerLocked()
	if c.cancel != nil {
		c.cancel()
	}
	c.conn, c.cancel = nil, nil
	c.gen++

	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		c.logger.Info("Realtime channel closed by server", "status", status)
		c.setStateLocked(StateDisconnected, nil)
		return
	}
	c.logger.Warn("Realtime channel dropped", "error", err)
	c.setStateLocked(StateFailed, apierr.Network("realtime.read", err))
}

// send writes one command frame. It fails with a network error when the
// channel is not connected.
func (c *Channel) send(ctx context.Context, event string, data any) error {
	op := "realtime." + event

	c.mu.Lock()
	conn := c.conn
	if conn != nil {
		c.resetTimerLocked()
	}
	c.mu.Unlock()
	if conn == nil {
		return apierr.Network(op, errors.New("not connected"))
	}

	env, err := NewEnvelope(event, data)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsjson.Write(ctx, conn, env); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return apierr.Network(op, err)
	}
	return nil
}

// JoinSession joins sessionID as agentID.
func (c *Channel) JoinSession(ctx context.Context, sessionID, agentID string) error {
	return c.send(ctx, CommandJoinSession, map[string]string{
		"sessionId":      sessionID,
		"agentAccountId": agentID,
	})
}

// SendOnBehalf posts text as agentID, optionally asking the other agent to
// respond.
func (c *Channel) SendOnBehalf(ctx context.Context, sessionID, agentID, text string, triggerAI bool) error {
	return c.send(ctx, CommandSendOnBehalf, map[string]any{
		"sessionId": sessionID,
		"agentId":   agentID,
		"message":   text,
		"triggerAI": triggerAI,
	})
}

// TriggerAI asks agentID to generate a response.
func (c *Channel) TriggerAI(ctx context.Context, sessionID, agentID string) error {
	return c.send(ctx, CommandTriggerAI, map[string]string{
		"sessionId":      sessionID,
		"agentAccountId": agentID,
	})
}

// EndSession asks the server to close sessionID.
func (c *Channel) EndSession(ctx context.Context, sessionID string) error {
	return c.send(ctx, CommandEndSession, map[string]string{"sessionId": sessionID})
}

// RequestStatus asks for a session-status event.
func (c *Channel) RequestStatus(ctx context.Context, sessionID string) error {
	return c.send(ctx, CommandSessionStatus, map[string]string{"sessionId": sessionID})
}

// StreamMessages asks the server to replay history from startIndex as
// message-stream events.
func (c *Channel) StreamMessages(ctx context.Context, sessionID string, startIndex, batchSize int) error {
	return c.send(ctx, CommandStreamMessages, map[string]any{
		"sessionId":  sessionID,
		"startIndex": startIndex,
		"batchSize":  batchSize,
	})
}

// Subscribe returns a channel receiving every event in arrival order and a
// function that cancels the subscription. Events are dropped for a
// subscriber whose buffer is full.
func (c *Channel) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{ch: make(chan Event, buffer)}

	c.subMu.Lock()
	c.subs[sub] = struct{}{}
	c.subMu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, sub)
			close(sub.ch)
			c.subMu.Unlock()
		})
	}
}

func (c *Channel) publish(ev Event) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for sub := range c.subs {
		select {
		case sub.ch <- ev:
		default:
			c.logger.Warn("Realtime subscriber full, dropping event", "event", ev.EventName())
		}
	}
}

// Stream filters a subscription down to one event type. The returned
// channel closes when events closes or ctx is done.
func Stream[T Event](ctx context.Context, events <-chan Event) <-chan T {
	out := make(chan T, cap(events))
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				v, ok := ev.(T)
				if !ok {
					continue
				}
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
