package talentwire

import (
	"context"
	"fmt"
	"sync"
)

// previewPlaceholder is shown when a message carries neither text nor
// attachments.
const previewPlaceholder = "New message"

// messagePreview derives a one-line preview from a message: its text, else
// the first attachment's name, else a generic placeholder.
func messagePreview(m Message) string {
	if m.Text != "" {
		return m.Text
	}
	if len(m.Attachments) > 0 && m.Attachments[0].Name != "" {
		return m.Attachments[0].Name
	}
	return previewPlaceholder
}

// promoteConversation applies a message:new event to a conversation list
// snapshot: the conversation moves to the front, its preview and timestamp
// update, and the given side's unread counter increments unless the
// conversation is the active one (already being read). An event for an
// unknown conversation is a no-op — the list may not be loaded yet, or the
// conversation belongs to another actor.
//
// This is a pure reducer: no I/O, input list untouched.
func promoteConversation(list []Conversation, ev MessageNewPayload, activeID string, side ActorType) []Conversation {
	idx := -1
	for i, c := range list {
		if SameID(c.ID, ev.ConversationID) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return list
	}

	updated := list[idx]
	updated.LastMessagePreview = messagePreview(ev.Message)
	if !ev.Message.CreatedAt.IsZero() {
		updated.LastMessageAt = ev.Message.CreatedAt
	}
	if !SameID(ev.ConversationID, activeID) {
		if side == ActorCompany {
			updated.UnreadCompany++
		} else {
			updated.UnreadUser++
		}
	}

	out := make([]Conversation, 0, len(list))
	out = append(out, updated)
	for i, c := range list {
		if i != idx {
			out = append(out, c)
		}
	}
	return out
}

// clearUnread zeroes the given side's unread counter for one conversation.
func clearUnread(list []Conversation, conversationID string, side ActorType) []Conversation {
	out := append([]Conversation{}, list...)
	for i, c := range out {
		if !SameID(c.ID, conversationID) {
			continue
		}
		if side == ActorCompany {
			out[i].UnreadCompany = 0
		} else {
			out[i].UnreadUser = 0
		}
	}
	return out
}

// Inbox keeps the conversation list ordered and its preview/unread metadata
// current. It reacts to the same push events as the open conversation's
// MessageStore, but at collection granularity; the two handlers are
// independent and neither depends on the other's result.
type Inbox struct {
	client *Client
	side   ActorType

	mu            sync.RWMutex
	conversations []Conversation
	activeID      string
	onChange      []func()
}

// NewInbox creates an empty inbox for the given local side.
func NewInbox(client *Client, side ActorType) *Inbox {
	return &Inbox{client: client, side: side}
}

// Bind attaches the inbox to a connection's message events.
func (in *Inbox) Bind(conn *Conn) {
	conn.OnMessageNew(in.ApplyMessage)
}

// OnChange registers a callback invoked after every snapshot mutation.
func (in *Inbox) OnChange(h func()) {
	in.mu.Lock()
	in.onChange = append(in.onChange, h)
	in.mu.Unlock()
}

func (in *Inbox) notify() {
	in.mu.RLock()
	handlers := append([]func(){}, in.onChange...)
	in.mu.RUnlock()
	for _, h := range handlers {
		safeCall(h)
	}
}

// Load fetches the conversation list from the backend.
func (in *Inbox) Load(ctx context.Context) ([]Conversation, error) {
	result, err := in.client.Conversations().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}
	in.mu.Lock()
	in.conversations = result.Conversations
	in.mu.Unlock()
	in.notify()
	return result.Conversations, nil
}

// Conversations returns a copy of the current snapshot, most recently active
// first.
func (in *Inbox) Conversations() []Conversation {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return append([]Conversation{}, in.conversations...)
}

// SetActive records which conversation is open; its unread counter is left
// alone when messages arrive for it. Empty means none.
func (in *Inbox) SetActive(conversationID string) {
	in.mu.Lock()
	in.activeID = conversationID
	in.mu.Unlock()
}

// ApplyMessage reorders and updates the snapshot for a pushed message,
// whichever conversation it belongs to.
func (in *Inbox) ApplyMessage(ev MessageNewPayload) {
	in.mu.Lock()
	in.conversations = promoteConversation(in.conversations, ev, in.activeID, in.side)
	in.mu.Unlock()
	in.notify()
}

// ApplyRead zeroes the local side's unread counter after a mark-read.
func (in *Inbox) ApplyRead(conversationID string) {
	in.mu.Lock()
	in.conversations = clearUnread(in.conversations, conversationID, in.side)
	in.mu.Unlock()
	in.notify()
}

// TotalUnread sums the local side's unread counters, for badge rendering.
func (in *Inbox) TotalUnread() int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	total := 0
	for _, c := range in.conversations {
		total += c.Unread(in.side)
	}
	return total
}
