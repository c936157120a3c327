package talentwire

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TypingConfig tunes the typing protocol's timing.
type TypingConfig struct {
	// DebounceDelay is the trailing debounce applied to local keystrokes
	// before a typing command is emitted. Default 300ms.
	DebounceDelay time.Duration

	// ExpiryDelay is how long a received indicator stays on without a fresh
	// event. There is no stop event in the protocol; expiry is the only clear
	// mechanism. Default 3s.
	ExpiryDelay time.Duration

	// Clock overrides the timer source. Default system clock.
	Clock Clock
}

func (c *TypingConfig) defaults() {
	if c.DebounceDelay == 0 {
		c.DebounceDelay = 300 * time.Millisecond
	}
	if c.ExpiryDelay == 0 {
		c.ExpiryDelay = 3 * time.Second
	}
	if c.Clock == nil {
		c.Clock = systemClock{}
	}
}

// TypingCoordinator debounces the local side's typing emission and expires the
// remote side's indicator. One coordinator serves one open conversation.
type TypingCoordinator struct {
	conn           *Conn
	conversationID string
	to             Actor
	cfg            TypingConfig
	logger         *zap.Logger
	send           func(ctx context.Context) error

	mu       sync.Mutex
	debounce Timer
	expiry   Timer
	typing   bool
	stopped  bool
	onChange []func(bool)
}

// NewTypingCoordinator creates a coordinator for one conversation, addressing
// emissions to the counterpart actor.
func NewTypingCoordinator(conn *Conn, conversationID string, to Actor, cfg *TypingConfig) *TypingCoordinator {
	var c TypingConfig
	if cfg != nil {
		c = *cfg
	}
	c.defaults()
	t := &TypingCoordinator{
		conn:           conn,
		conversationID: conversationID,
		to:             to,
		cfg:            c,
		logger:         conn.logger.With(zap.String("conversation", conversationID)),
	}
	t.send = func(ctx context.Context) error {
		return conn.SendTyping(ctx, conversationID, to)
	}
	return t
}

// OnChange registers a callback invoked when the received indicator flips.
func (t *TypingCoordinator) OnChange(h func(bool)) {
	t.mu.Lock()
	t.onChange = append(t.onChange, h)
	t.mu.Unlock()
}

// NotifyInput records a local keystroke. The typing command is emitted once
// the debounce window closes, bounding emission to roughly one event per
// window during continuous typing.
func (t *TypingCoordinator) NotifyInput() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if t.debounce != nil {
		t.debounce.Reset(t.cfg.DebounceDelay)
		return
	}
	t.debounce = t.cfg.Clock.AfterFunc(t.cfg.DebounceDelay, t.emit)
}

func (t *TypingCoordinator) emit() {
	t.mu.Lock()
	t.debounce = nil
	stopped := t.stopped
	t.mu.Unlock()
	if stopped {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := t.send(ctx); err != nil {
		t.logger.Debug("typing emit failed", zap.Error(err))
	}
}

// Receive applies a typing event. A fresh event resets the expiry window
// rather than stacking a second one.
func (t *TypingCoordinator) Receive(p TypingPayload) {
	if !SameID(p.ConversationID, t.conversationID) {
		return
	}
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	changed := !t.typing
	t.typing = true
	if t.expiry != nil {
		t.expiry.Reset(t.cfg.ExpiryDelay)
	} else {
		t.expiry = t.cfg.Clock.AfterFunc(t.cfg.ExpiryDelay, t.expire)
	}
	handlers := append([]func(bool){}, t.onChange...)
	t.mu.Unlock()

	if changed {
		for _, h := range handlers {
			safeCall(func() { h(true) })
		}
	}
}

func (t *TypingCoordinator) expire() {
	t.mu.Lock()
	t.expiry = nil
	changed := t.typing
	t.typing = false
	handlers := append([]func(bool){}, t.onChange...)
	t.mu.Unlock()

	if changed {
		for _, h := range handlers {
			safeCall(func() { h(false) })
		}
	}
}

// IsTyping reports whether the counterpart is currently typing.
func (t *TypingCoordinator) IsTyping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing
}

// Stop cancels both timers. Called when the conversation closes.
func (t *TypingCoordinator) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.debounce != nil {
		t.debounce.Stop()
		t.debounce = nil
	}
	if t.expiry != nil {
		t.expiry.Stop()
		t.expiry = nil
	}
	t.typing = false
}
