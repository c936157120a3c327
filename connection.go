package talentwire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ErrNotConnected means a channel command was issued without a live channel.
var ErrNotConnected = errors.New("talentwire: channel not connected")

// ConnState is the Connection Manager's lifecycle state.
type ConnState string

const (
	StateIdle         ConnState = "idle"
	StateConnecting   ConnState = "connecting"
	StateRegistered   ConnState = "registered"
	StateReconnecting ConnState = "reconnecting"
	StateClosed       ConnState = "closed"
)

// ConnConfig tunes the Connection Manager's timing. Zero values take the
// documented defaults.
type ConnConfig struct {
	// HeartbeatInterval is how often the presence self-check runs. Default 30s.
	HeartbeatInterval time.Duration

	// RegisterDelay is the delay before the defensive second register after a
	// connect. Default 2s.
	RegisterDelay time.Duration

	// ReconnectDelay is the fixed delay between reconnect attempts. Default 2s.
	ReconnectDelay time.Duration

	// MaxReconnectAttempts bounds automatic reconnection. Default 10.
	MaxReconnectAttempts int

	// Clock overrides the timer source. Default system clock.
	Clock Clock
}

func (c *ConnConfig) defaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.RegisterDelay == 0 {
		c.RegisterDelay = 2 * time.Second
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.Clock == nil {
		c.Clock = systemClock{}
	}
}

// ============================================================================
// Event dispatcher
// ============================================================================

// RawHandler is the generic event callback for events without a typed hook.
type RawHandler func(event string, payload json.RawMessage)

type dispatcher struct {
	mu             sync.RWMutex
	onRegistered   []func(RegisteredPayload)
	onPeerPresence []func(p PeerPresencePayload, online bool)
	onMessageNew   []func(MessageNewPayload)
	onMessageRead  []func(MessageReadPayload)
	onTyping       []func(TypingPayload)
	onJoined       []func(ConversationJoinedPayload)
	onState        []func(ConnState)
	generic        map[string][]RawHandler
	logger         *zap.Logger

	stateMu    sync.Mutex
	stateQueue []ConnState
	stateBusy  bool
}

func newDispatcher(logger *zap.Logger) *dispatcher {
	return &dispatcher{
		generic: make(map[string][]RawHandler),
		logger:  logger,
	}
}

// safeCall shields the read loop from panics in user callbacks.
func safeCall(f func()) {
	defer func() { _ = recover() }()
	f()
}

// dispatch validates the payload at the boundary and invokes handlers
// synchronously, preserving the channel's per-connection FIFO order.
func (d *dispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch env.Event {
	case EventRegistered:
		var p RegisteredPayload
		if len(env.Payload) > 0 && json.Unmarshal(env.Payload, &p) != nil {
			d.logger.Warn("malformed registered payload")
			return
		}
		for _, h := range d.onRegistered {
			safeCall(func() { h(p) })
		}
	case EventPeerOnline, EventPeerOffline:
		var p PeerPresencePayload
		if json.Unmarshal(env.Payload, &p) != nil || p.ID == "" {
			d.logger.Warn("malformed presence payload", zap.String("event", env.Event))
			return
		}
		online := env.Event == EventPeerOnline
		for _, h := range d.onPeerPresence {
			safeCall(func() { h(p, online) })
		}
	case EventMessageNew:
		var p MessageNewPayload
		if json.Unmarshal(env.Payload, &p) != nil || p.Message.Key() == "" {
			// A pushed message without an identity can never be deduplicated.
			d.logger.Warn("discarding malformed message:new payload")
			return
		}
		for _, h := range d.onMessageNew {
			safeCall(func() { h(p) })
		}
	case EventMessageRead:
		var p MessageReadPayload
		if json.Unmarshal(env.Payload, &p) != nil || p.ConversationID == "" {
			d.logger.Warn("malformed message:read payload")
			return
		}
		for _, h := range d.onMessageRead {
			safeCall(func() { h(p) })
		}
	case EventTyping:
		var p TypingPayload
		if json.Unmarshal(env.Payload, &p) != nil || p.ConversationID == "" {
			d.logger.Warn("malformed typing payload")
			return
		}
		for _, h := range d.onTyping {
			safeCall(func() { h(p) })
		}
	case EventConversationJoined:
		var p ConversationJoinedPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		for _, h := range d.onJoined {
			safeCall(func() { h(p) })
		}
	}

	for _, h := range d.generic[env.Event] {
		handler := h
		safeCall(func() { handler(env.Event, env.Payload) })
	}
}

// queueState hands a transition to a single drainer goroutine so listeners
// see transitions in the order they happened.
func (d *dispatcher) queueState(s ConnState) {
	d.stateMu.Lock()
	d.stateQueue = append(d.stateQueue, s)
	if d.stateBusy {
		d.stateMu.Unlock()
		return
	}
	d.stateBusy = true
	d.stateMu.Unlock()
	go d.drainStates()
}

func (d *dispatcher) drainStates() {
	for {
		d.stateMu.Lock()
		if len(d.stateQueue) == 0 {
			d.stateBusy = false
			d.stateMu.Unlock()
			return
		}
		s := d.stateQueue[0]
		d.stateQueue = d.stateQueue[1:]
		d.stateMu.Unlock()

		d.mu.RLock()
		handlers := append([]func(ConnState){}, d.onState...)
		d.mu.RUnlock()
		for _, h := range handlers {
			safeCall(func() { h(s) })
		}
	}
}

// ============================================================================
// Reconnector
// ============================================================================

// reconnector tracks bounded, fixed-delay reconnection attempts.
type reconnector struct {
	delay       time.Duration
	maxAttempts int
	attempt     int
}

func (r *reconnector) shouldRetry() bool {
	return r.attempt < r.maxAttempts
}

func (r *reconnector) next() time.Duration {
	r.attempt++
	return r.delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// Conn
// ============================================================================

// Conn owns the single push-channel connection for an actor session. It
// registers the actor, repairs silent presence desyncs through a heartbeat
// self-check, and reconnects with a bounded fixed-delay policy. All other
// components only attach listeners; none of them manage the connection.
type Conn struct {
	client *Client
	actor  Actor
	cfg    ConnConfig
	logger *zap.Logger

	dispatcher *dispatcher
	recon      *reconnector

	mu       sync.Mutex
	state    ConnState
	ws       *websocket.Conn
	cancelFn context.CancelFunc
	regTimer Timer
	closed   bool
}

// NewConn creates an unconnected Connection Manager for the given actor.
func NewConn(client *Client, actor Actor, cfg *ConnConfig) (*Conn, error) {
	if actor.Zero() {
		return nil, fmt.Errorf("talentwire: connection requires an actor identity")
	}
	var c ConnConfig
	if cfg != nil {
		c = *cfg
	}
	c.defaults()
	logger := client.logger.With(zap.String("actor", actor.String()))
	return &Conn{
		client:     client,
		actor:      actor,
		cfg:        c,
		logger:     logger,
		dispatcher: newDispatcher(logger),
		recon:      &reconnector{delay: c.ReconnectDelay, maxAttempts: c.MaxReconnectAttempts},
		state:      StateIdle,
	}, nil
}

// State returns the current lifecycle state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Actor returns the registered identity.
func (c *Conn) Actor() Actor {
	return c.actor
}

// OnRegistered registers a handler for the server's register acknowledgment.
func (c *Conn) OnRegistered(h func(RegisteredPayload)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onRegistered = append(c.dispatcher.onRegistered, h)
	c.dispatcher.mu.Unlock()
}

// OnPeerPresence registers a handler for peer:online / peer:offline events.
func (c *Conn) OnPeerPresence(h func(p PeerPresencePayload, online bool)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onPeerPresence = append(c.dispatcher.onPeerPresence, h)
	c.dispatcher.mu.Unlock()
}

// OnMessageNew registers a handler for pushed messages.
func (c *Conn) OnMessageNew(h func(MessageNewPayload)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onMessageNew = append(c.dispatcher.onMessageNew, h)
	c.dispatcher.mu.Unlock()
}

// OnMessageRead registers a handler for read receipts.
func (c *Conn) OnMessageRead(h func(MessageReadPayload)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onMessageRead = append(c.dispatcher.onMessageRead, h)
	c.dispatcher.mu.Unlock()
}

// OnTyping registers a handler for typing indicators.
func (c *Conn) OnTyping(h func(TypingPayload)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onTyping = append(c.dispatcher.onTyping, h)
	c.dispatcher.mu.Unlock()
}

// OnConversationJoined registers a handler for room-join confirmations.
func (c *Conn) OnConversationJoined(h func(ConversationJoinedPayload)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onJoined = append(c.dispatcher.onJoined, h)
	c.dispatcher.mu.Unlock()
}

// OnStateChange registers a handler for lifecycle transitions.
func (c *Conn) OnStateChange(h func(ConnState)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onState = append(c.dispatcher.onState, h)
	c.dispatcher.mu.Unlock()
}

// On registers a generic handler for an event without a typed hook.
func (c *Conn) On(event string, h RawHandler) {
	c.dispatcher.mu.Lock()
	c.dispatcher.generic[event] = append(c.dispatcher.generic[event], h)
	c.dispatcher.mu.Unlock()
}

// Connect dials the channel, registers the actor, and starts the read and
// heartbeat loops. Connect errors are retried by the reconnection policy;
// REST-based functionality keeps working in the meantime.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("talentwire: connection is closed")
	}
	if c.state == StateConnecting || c.state == StateRegistered || c.state == StateReconnecting {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		// The failure is reported, but recovery is automatic: the retry loop
		// takes over exactly as it would after a dropped connection.
		retryCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			cancel()
			return err
		}
		if c.cancelFn != nil {
			c.cancelFn()
		}
		c.cancelFn = cancel
		c.setStateLocked(StateReconnecting)
		c.mu.Unlock()
		go c.retryDial(retryCtx)
		return err
	}
	return nil
}

func (c *Conn) dial(ctx context.Context) error {
	ws, _, err := websocket.Dial(ctx, c.client.ChannelURL(), nil)
	if err != nil {
		return fmt.Errorf("channel dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		ws.Close(websocket.StatusNormalClosure, "closed during dial")
		return fmt.Errorf("talentwire: connection is closed")
	}
	if c.cancelFn != nil {
		// Stops the previous connection's loops before the new ones start.
		c.cancelFn()
	}
	c.ws = ws
	c.cancelFn = cancel
	c.mu.Unlock()
	c.recon.reset()

	c.register(connCtx)
	// A register emitted before the server finishes room setup can be lost;
	// one delayed re-register covers that window.
	c.mu.Lock()
	c.regTimer = c.cfg.Clock.AfterFunc(c.cfg.RegisterDelay, func() {
		c.register(connCtx)
	})
	c.mu.Unlock()

	go c.readLoop(connCtx, ws)
	go c.heartbeatLoop(connCtx)
	return nil
}

// register emits the register command. Failures are diagnostics only.
func (c *Conn) register(ctx context.Context) {
	err := c.sendEnvelope(ctx, cmdRegister, registerPayload{ID: c.actor.ID, Type: c.actor.Type})
	if err != nil {
		c.logger.Debug("register emit failed", zap.Error(err))
	}
}

// JoinConversation asks the server to add this session to a conversation room.
func (c *Conn) JoinConversation(ctx context.Context, conversationID string) error {
	return c.sendEnvelope(ctx, cmdConversationJoin, joinPayload{ConversationID: conversationID})
}

// SendTyping emits a typing indicator addressed to the counterpart.
func (c *Conn) SendTyping(ctx context.Context, conversationID string, to Actor) error {
	return c.sendEnvelope(ctx, cmdTyping, typingCommand{ConversationID: conversationID, To: to})
}

func (c *Conn) sendEnvelope(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	data, err := encodeEnvelope(event, payload)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

// Close tears the connection down for good: timers first, then the socket.
// Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.regTimer != nil {
		c.regTimer.Stop()
		c.regTimer = nil
	}
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	ws := c.ws
	c.ws = nil
	c.setStateLocked(StateClosed)
	c.mu.Unlock()

	if ws != nil {
		return ws.Close(websocket.StatusNormalClosure, "session closed")
	}
	return nil
}

// setStateLocked updates the state and queues the notification. Caller holds
// c.mu; delivery preserves transition order.
func (c *Conn) setStateLocked(s ConnState) {
	if c.state == s {
		return
	}
	c.state = s
	c.dispatcher.queueState(s)
}

// ============================================================================
// Loops
// ============================================================================

func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed || ctx.Err() != nil {
				return
			}
			c.logger.Debug("channel read failed", zap.Error(err))
			c.reconnect(ctx, ws)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			c.logger.Warn("dropping undecodable channel frame")
			continue
		}

		if env.Event == EventRegistered {
			c.mu.Lock()
			c.setStateLocked(StateRegistered)
			c.mu.Unlock()
		}

		c.dispatcher.dispatch(env)
	}
}

// reconnect discards the dead socket and hands over to the retry loop.
func (c *Conn) reconnect(ctx context.Context, old *websocket.Conn) {
	old.Close(websocket.StatusGoingAway, "reconnecting")

	c.mu.Lock()
	if c.regTimer != nil {
		c.regTimer.Stop()
		c.regTimer = nil
	}
	c.ws = nil
	c.setStateLocked(StateReconnecting)
	c.mu.Unlock()

	c.retryDial(ctx)
}

// retryDial redials with a fixed delay up to the configured bound, then
// leaves the session disconnected until the caller reconnects explicitly.
// It serves both a dropped connection and a failed initial dial.
func (c *Conn) retryDial(ctx context.Context) {
	for c.recon.shouldRetry() {
		delay := c.recon.next()
		if !c.sleep(ctx, delay) {
			return
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		if err := c.dial(ctx); err != nil {
			c.logger.Warn("reconnect attempt failed",
				zap.Int("attempt", c.recon.attempt), zap.Error(err))
			continue
		}
		return
	}

	c.logger.Warn("reconnect attempts exhausted, channel left disconnected")
	c.mu.Lock()
	c.setStateLocked(StateIdle)
	c.mu.Unlock()
}

// sleep waits on the injected clock. Returns false if ctx ended first.
func (c *Conn) sleep(ctx context.Context, d time.Duration) bool {
	fired := make(chan struct{})
	t := c.cfg.Clock.AfterFunc(d, func() { close(fired) })
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-fired:
		return true
	}
}

// heartbeatLoop self-checks the actor's presence against the backend. A
// mismatch means the server lost the registration (e.g. it restarted), so the
// register command is re-emitted. Peers are never polled here.
func (c *Conn) heartbeatLoop(ctx context.Context) {
	for {
		if !c.sleep(ctx, c.cfg.HeartbeatInterval) {
			return
		}

		c.mu.Lock()
		live := c.ws != nil && !c.closed
		c.mu.Unlock()
		if !live {
			return
		}

		snap, err := c.client.Presence().Get(ctx, c.actor.Type, c.actor.ID)
		if err != nil {
			c.logger.Debug("presence self-check failed", zap.Error(err))
			continue
		}
		if !snap.Online {
			c.logger.Info("presence desync detected, re-registering")
			c.register(ctx)
		}
	}
}
