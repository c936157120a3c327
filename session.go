package talentwire

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrStaleConversation means a conversation load finished after another
// conversation was opened; its result was not applied to shared state.
var ErrStaleConversation = errors.New("talentwire: conversation no longer active")

// SessionConfig tunes a session's components.
type SessionConfig struct {
	Conn   *ConnConfig
	Typing *TypingConfig
}

// Session ties the engine together for one authenticated actor: the single
// channel connection, the presence roster, the inbox, and at most one open
// conversation. Create a new session when the actor changes and Close the old
// one first — a session never holds two live channels.
type Session struct {
	client   *Client
	actor    Actor
	cfg      SessionConfig
	logger   *zap.Logger
	conn     *Conn
	presence *PresenceTracker
	inbox    *Inbox

	mu         sync.Mutex
	active     *ConversationView
	generation int
	closed     bool
}

// NewSession builds an unconnected session for the given actor.
func NewSession(client *Client, actor Actor, cfg *SessionConfig) (*Session, error) {
	if actor.Zero() {
		return nil, fmt.Errorf("talentwire: session requires an actor identity")
	}
	var c SessionConfig
	if cfg != nil {
		c = *cfg
	}
	conn, err := NewConn(client, actor, c.Conn)
	if err != nil {
		return nil, err
	}

	s := &Session{
		client:   client,
		actor:    actor,
		cfg:      c,
		logger:   client.logger.With(zap.String("actor", actor.String())),
		conn:     conn,
		presence: NewPresenceTracker(actor.Type, client.logger),
		inbox:    NewInbox(client, actor.Type),
	}

	s.presence.Bind(conn)
	s.inbox.Bind(conn)
	conn.OnMessageNew(func(p MessageNewPayload) {
		if view := s.activeView(); view != nil {
			view.store.Receive(p)
		}
	})
	conn.OnMessageRead(func(p MessageReadPayload) {
		if view := s.activeView(); view != nil {
			view.store.ReceiveRead(p)
		}
	})
	conn.OnTyping(func(p TypingPayload) {
		if view := s.activeView(); view != nil {
			view.typing.Receive(p)
		}
	})
	return s, nil
}

// NewSessionFromToken derives the actor identity from the client's session
// token and builds a session for it.
func NewSessionFromToken(client *Client, token string, cfg *SessionConfig) (*Session, error) {
	actor, err := ActorFromToken(token)
	if err != nil {
		return nil, err
	}
	client.SetToken(token)
	return NewSession(client, actor, cfg)
}

// Actor returns the session's identity.
func (s *Session) Actor() Actor { return s.actor }

// Conn returns the Connection Manager.
func (s *Session) Conn() *Conn { return s.conn }

// Presence returns the counterpart presence tracker.
func (s *Session) Presence() *PresenceTracker { return s.presence }

// Inbox returns the conversation list synchronizer.
func (s *Session) Inbox() *Inbox { return s.inbox }

// Start loads the inbox, seeds presence from its snapshots, and connects the
// channel. A channel connect failure is logged and left to the reconnection
// policy: history and sending keep working over REST in a degraded,
// non-real-time mode.
func (s *Session) Start(ctx context.Context) error {
	conversations, err := s.inbox.Load(ctx)
	if err != nil {
		return err
	}
	s.presence.Seed(conversations)

	if err := s.conn.Connect(ctx); err != nil {
		s.logger.Warn("channel connect failed, continuing over REST", zap.Error(err))
	}
	return nil
}

// Refresh reloads the inbox and reseeds presence from its snapshots.
func (s *Session) Refresh(ctx context.Context) error {
	conversations, err := s.inbox.Load(ctx)
	if err != nil {
		return err
	}
	s.presence.Seed(conversations)
	return nil
}

func (s *Session) activeView() *ConversationView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// OpenConversation makes a conversation active: joins its room, loads its
// history, and marks it read. Opening another conversation does not cancel an
// in-flight load; a load that finishes late is applied only to its own view,
// never to shared state, and reports ErrStaleConversation.
func (s *Session) OpenConversation(ctx context.Context, conversationID string) (*ConversationView, error) {
	peer, err := s.peerActor(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	store := NewMessageStore(s.client, conversationID, s.actor.Type)
	typing := NewTypingCoordinator(s.conn, conversationID, peer, s.cfg.Typing)
	view := &ConversationView{session: s, store: store, typing: typing}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		typing.Stop()
		return nil, fmt.Errorf("talentwire: session is closed")
	}
	if prev := s.active; prev != nil {
		prev.typing.Stop()
	}
	s.generation++
	gen := s.generation
	s.active = view
	s.mu.Unlock()
	s.inbox.SetActive(conversationID)

	if err := s.conn.JoinConversation(ctx, conversationID); err != nil {
		s.logger.Debug("conversation join not sent", zap.Error(err))
	}

	if err := store.Load(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	stale := s.generation != gen
	s.mu.Unlock()
	if stale {
		return view, ErrStaleConversation
	}

	if err := view.MarkRead(ctx); err != nil {
		// Unread repair is cosmetic; the conversation is still usable.
		s.logger.Debug("mark read failed", zap.Error(err))
	}
	return view, nil
}

// peerActor resolves the counterpart of a conversation, preferring the inbox
// snapshot over a REST round trip.
func (s *Session) peerActor(ctx context.Context, conversationID string) (Actor, error) {
	for _, c := range s.inbox.Conversations() {
		if SameID(c.ID, conversationID) {
			peer := c.Peer(s.actor.Type)
			return Actor{ID: NormalizeID(peer.ID), Type: s.actor.Type.Counterpart()}, nil
		}
	}
	conv, err := s.client.Conversations().Get(ctx, conversationID)
	if err != nil {
		return Actor{}, err
	}
	peer := conv.Peer(s.actor.Type)
	return Actor{ID: NormalizeID(peer.ID), Type: s.actor.Type.Counterpart()}, nil
}

// CloseConversation deactivates the open conversation, if any.
func (s *Session) CloseConversation() {
	s.mu.Lock()
	if s.active != nil {
		s.active.typing.Stop()
		s.active = nil
		s.generation++
	}
	s.mu.Unlock()
	s.inbox.SetActive("")
}

// Close tears the session down: the open conversation's timers, then the
// channel. Must complete before a session for a new actor is started.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.active != nil {
		s.active.typing.Stop()
		s.active = nil
	}
	s.mu.Unlock()
	return s.conn.Close()
}

// ============================================================================
// ConversationView
// ============================================================================

// ConversationView is the open conversation: its message store plus its
// typing coordinator.
type ConversationView struct {
	session *Session
	store   *MessageStore
	typing  *TypingCoordinator
}

// ConversationID returns the conversation this view renders.
func (v *ConversationView) ConversationID() string {
	return v.store.ConversationID()
}

// Messages returns the current message list in display order.
func (v *ConversationView) Messages() []Message {
	return v.store.Messages()
}

// OnChange registers a callback for message list mutations.
func (v *ConversationView) OnChange(h func()) {
	v.store.OnChange(h)
}

// Send sends a message through the optimistic pipeline.
func (v *ConversationView) Send(ctx context.Context, text string, attachments ...Attachment) (*Message, error) {
	return v.store.Send(ctx, text, attachments...)
}

// NotifyInput records a local keystroke for the typing debounce.
func (v *ConversationView) NotifyInput() {
	v.typing.NotifyInput()
}

// PeerTyping reports whether the counterpart is typing.
func (v *ConversationView) PeerTyping() bool {
	return v.typing.IsTyping()
}

// OnTypingChange registers a callback for typing indicator flips.
func (v *ConversationView) OnTypingChange(h func(bool)) {
	v.typing.OnChange(h)
}

// MarkRead marks the conversation read on the backend, stamps local messages,
// and zeroes the inbox's unread counter for this side.
func (v *ConversationView) MarkRead(ctx context.Context) error {
	if err := v.store.MarkRead(ctx); err != nil {
		return err
	}
	v.session.inbox.ApplyRead(v.store.ConversationID())
	return nil
}
