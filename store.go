package talentwire

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ============================================================================
// Reducers
//
// Identity-based upsert is the correctness mechanism for the message list.
// The channel is FIFO per connection but not ordered relative to concurrent
// REST responses, so the same logical message can arrive twice (push echo and
// REST confirmation) in either order. Keying every mutation by message
// identity makes the result independent of arrival order; sorting by
// timestamp would only mask duplicate deliveries.
// ============================================================================

// mergeMessage overlays incoming on existing, keeping local-only fields the
// server copy does not carry.
func mergeMessage(existing, incoming Message) Message {
	merged := incoming
	if merged.TempID == "" {
		merged.TempID = existing.TempID
	}
	if merged.Text == "" {
		merged.Text = existing.Text
	}
	if len(merged.Attachments) == 0 {
		merged.Attachments = existing.Attachments
	}
	if merged.CreatedAt.IsZero() {
		merged.CreatedAt = existing.CreatedAt
	}
	if merged.ReadAt == nil {
		merged.ReadAt = existing.ReadAt
	}
	if merged.SenderType == "" {
		merged.SenderType = existing.SenderType
	}
	return merged
}

// upsertMessage inserts incoming or merges it into the entry sharing its
// identity. Messages without an identity are discarded. Append order is
// preserved; the list is never re-sorted.
func upsertMessage(list []Message, incoming Message) []Message {
	key := incoming.Key()
	if key == "" {
		return list
	}
	for i, m := range list {
		if SameID(m.Key(), key) {
			out := append([]Message{}, list...)
			out[i] = mergeMessage(m, incoming)
			return out
		}
	}
	return append(append([]Message{}, list...), incoming)
}

// resolveTemp replaces the optimistic entry carrying tempID with the
// server-confirmed message, in place. Once resolved the temp id never
// reappears: the confirmed entry carries only the durable id.
func resolveTemp(list []Message, tempID string, confirmed Message) []Message {
	confirmed.TempID = ""
	out := make([]Message, len(list))
	for i, m := range list {
		if m.Key() == tempID {
			out[i] = confirmed
		} else {
			out[i] = m
		}
	}
	return out
}

// removeMessage drops the entry with the given identity.
func removeMessage(list []Message, key string) []Message {
	out := list[:0:0]
	for _, m := range list {
		if SameID(m.Key(), key) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// dedupeMessages drops any identity seen twice, keeping the first occurrence.
// With a correct upsert this never fires; it is a safety net against upstream
// bugs, not the primary mechanism.
func dedupeMessages(list []Message) []Message {
	seen := make(map[string]bool, len(list))
	out := list[:0:0]
	for _, m := range list {
		key := NormalizeID(m.Key())
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, m)
	}
	return out
}

// stampRead sets readAt on every message that lacks one. The local time is an
// optimistic stand-in; a materially different server value is not corrected.
func stampRead(list []Message, at time.Time) []Message {
	out := make([]Message, len(list))
	for i, m := range list {
		if m.ReadAt == nil {
			t := at
			m.ReadAt = &t
		}
		out[i] = m
	}
	return out
}

// ============================================================================
// SendError
// ============================================================================

// SendError reports a failed send. The optimistic entry has already been
// rolled back; Text carries the composed text so callers can offer it back to
// the user instead of losing it.
type SendError struct {
	Text string
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed: %v", e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// ============================================================================
// MessageStore
// ============================================================================

// MessageStore holds the ordered message list of one open conversation and
// resolves identity between optimistic local entries and server-confirmed
// ones. It is driven from two directions: REST calls (load, send, mark-read)
// and channel push events.
type MessageStore struct {
	client         *Client
	conversationID string
	side           ActorType
	clock          Clock
	logger         *zap.Logger

	mu       sync.Mutex
	messages []Message
	lastTemp int64
	onChange []func()
}

// NewMessageStore creates a store for one conversation. side is the local
// actor's type and becomes the senderType of outgoing messages.
func NewMessageStore(client *Client, conversationID string, side ActorType) *MessageStore {
	return &MessageStore{
		client:         client,
		conversationID: conversationID,
		side:           side,
		clock:          systemClock{},
		logger:         client.logger.With(zap.String("conversation", conversationID)),
	}
}

// ConversationID returns the conversation this store belongs to.
func (s *MessageStore) ConversationID() string { return s.conversationID }

// OnChange registers a callback invoked after every mutation of the list.
func (s *MessageStore) OnChange(h func()) {
	s.mu.Lock()
	s.onChange = append(s.onChange, h)
	s.mu.Unlock()
}

func (s *MessageStore) notify() {
	s.mu.Lock()
	handlers := append([]func(){}, s.onChange...)
	s.mu.Unlock()
	for _, h := range handlers {
		safeCall(h)
	}
}

// Messages returns the current list in display order, deduplicated.
func (s *MessageStore) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return dedupeMessages(s.messages)
}

// Load fetches the latest history page and replaces the list.
func (s *MessageStore) Load(ctx context.Context) error {
	page, err := s.client.Messages().History(ctx, s.conversationID, "", 0)
	if err != nil {
		return fmt.Errorf("load conversation %s: %w", s.conversationID, err)
	}
	s.mu.Lock()
	s.messages = dedupeMessages(page.Messages)
	s.mu.Unlock()
	s.notify()
	return nil
}

// LoadMore fetches the page behind the given cursor and prepends it.
func (s *MessageStore) LoadMore(ctx context.Context, cursor string, limit int) (*MessagePage, error) {
	page, err := s.client.Messages().History(ctx, s.conversationID, cursor, limit)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.messages = dedupeMessages(append(append([]Message{}, page.Messages...), s.messages...))
	s.mu.Unlock()
	s.notify()
	return page, nil
}

// nextTempID returns a monotonically increasing local identifier. Two sends
// within the same millisecond must not collide.
func (s *MessageStore) nextTempID() string {
	now := s.clock.Now().UnixMilli()
	if now <= s.lastTemp {
		now = s.lastTemp + 1
	}
	s.lastTemp = now
	return "local-" + strconv.FormatInt(now, 10)
}

// Send inserts an optimistic entry, issues the REST send, and reconciles the
// confirmation into the same position. On failure the optimistic entry is
// rolled back and the returned *SendError carries the composed text.
func (s *MessageStore) Send(ctx context.Context, text string, attachments ...Attachment) (*Message, error) {
	s.mu.Lock()
	tempID := s.nextTempID()
	optimistic := Message{
		TempID:         tempID,
		ConversationID: ID(s.conversationID),
		SenderType:     s.side,
		Text:           text,
		Attachments:    attachments,
		CreatedAt:      s.clock.Now(),
	}
	s.messages = upsertMessage(s.messages, optimistic)
	s.mu.Unlock()
	s.notify()

	result, err := s.client.Messages().Send(ctx, s.conversationID, SendOptions{
		Text:           text,
		Attachments:    attachments,
		IdempotencyKey: uuid.NewString(),
	})
	if err != nil {
		s.mu.Lock()
		s.messages = removeMessage(s.messages, tempID)
		s.mu.Unlock()
		s.notify()
		s.logger.Warn("send rolled back", zap.Error(err))
		return nil, &SendError{Text: text, Err: err}
	}

	confirmed := result.Message
	s.mu.Lock()
	// Replace the temp entry in place, then upsert the confirmed copy again:
	// if a push echo inserted the durable id first, the upsert merges into
	// that entry and the dedupe drops the remnant.
	s.messages = resolveTemp(s.messages, tempID, confirmed)
	s.messages = upsertMessage(s.messages, confirmed)
	s.messages = dedupeMessages(s.messages)
	s.mu.Unlock()
	s.notify()
	return &confirmed, nil
}

// Receive applies a pushed message. Events for other conversations are
// ignored; ids are compared in normalized string form because they arrive
// differently typed from different code paths.
func (s *MessageStore) Receive(p MessageNewPayload) {
	if !SameID(p.ConversationID, s.conversationID) {
		return
	}
	if p.Message.Key() == "" {
		s.logger.Warn("discarding pushed message without identity")
		return
	}
	s.mu.Lock()
	s.messages = upsertMessage(s.messages, p.Message)
	s.mu.Unlock()
	s.notify()
}

// MarkRead tells the backend the conversation was read, then optimistically
// stamps readAt on every unstamped message.
func (s *MessageStore) MarkRead(ctx context.Context) error {
	if err := s.client.Conversations().MarkRead(ctx, s.conversationID); err != nil {
		return fmt.Errorf("mark read %s: %w", s.conversationID, err)
	}
	s.applyReadStamp()
	return nil
}

// ReceiveRead applies a message:read push event, stamping the same way the
// local mark-read path does.
func (s *MessageStore) ReceiveRead(p MessageReadPayload) {
	if !SameID(p.ConversationID, s.conversationID) {
		return
	}
	s.applyReadStamp()
}

func (s *MessageStore) applyReadStamp() {
	s.mu.Lock()
	s.messages = stampRead(s.messages, s.clock.Now())
	s.mu.Unlock()
	s.notify()
}
