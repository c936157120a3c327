package talentwire

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ============================================================================
// Identity
// ============================================================================

// ActorType distinguishes the two account kinds on the platform.
type ActorType string

const (
	ActorUser    ActorType = "user"
	ActorCompany ActorType = "company"
)

// Counterpart returns the opposite actor type.
func (t ActorType) Counterpart() ActorType {
	if t == ActorUser {
		return ActorCompany
	}
	return ActorUser
}

func (t ActorType) valid() bool {
	return t == ActorUser || t == ActorCompany
}

// Actor identifies an account on the platform. ID is always the authoritative
// account identifier, never a profile-document identifier — profile records can
// reference the owning account by a different field, and registering or looking
// up presence with the wrong one silently desyncs socket rooms.
type Actor struct {
	ID   string    `json:"id"`
	Type ActorType `json:"type"`
}

func (a Actor) String() string {
	return string(a.Type) + ":" + a.ID
}

// Zero reports whether the actor carries no identity (logged out).
func (a Actor) Zero() bool {
	return a.ID == "" || a.Type == ""
}

// sessionClaims is the subset of token claims the engine cares about.
// accountId takes precedence over sub: profile-scoped tokens set sub to the
// profile document id.
type sessionClaims struct {
	AccountID string `json:"accountId"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

// ActorFromToken extracts the actor identity from a session token without
// verifying the signature — verification is the backend's job; the client only
// needs the identity for registration and presence lookups.
func ActorFromToken(token string) (Actor, error) {
	parser := jwt.NewParser()
	var claims sessionClaims
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return Actor{}, fmt.Errorf("parse session token: %w", err)
	}
	id := claims.AccountID
	if id == "" {
		id = claims.Subject
	}
	actor := Actor{ID: id, Type: ActorType(claims.Role)}
	if actor.ID == "" || !actor.Type.valid() {
		return Actor{}, fmt.Errorf("session token missing account identity")
	}
	return actor, nil
}

// ============================================================================
// Flexible IDs
// ============================================================================

// ID is an entity identifier that tolerates the backend emitting either a JSON
// string or a number for the same field depending on code path. All
// comparisons inside the engine go through the normalized string form.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*id = ""
		return nil
	}
	if len(s) >= 2 && s[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*id = ID(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id is neither string nor number: %s", s)
	}
	*id = ID(n.String())
	return nil
}

// NormalizeID coerces any id-shaped value to its canonical string form.
func NormalizeID(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case ID:
		return string(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case json.Number:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// SameID compares two id-shaped values after normalization.
func SameID(a, b any) bool {
	na, nb := NormalizeID(a), NormalizeID(b)
	return na != "" && na == nb
}

// ============================================================================
// Conversations
// ============================================================================

// Participant is one side of a conversation as embedded in list snapshots.
type Participant struct {
	ID     ID     `json:"id"`
	Name   string `json:"name,omitempty"`
	Online bool   `json:"online"`
}

// Conversation is a two-party thread between a user and a company. The engine
// mutates preview, timestamp and unread metadata; lifecycle (creation,
// deletion) belongs to the backend.
type Conversation struct {
	ID                 ID          `json:"id"`
	User               Participant `json:"user"`
	Company            Participant `json:"company"`
	LastMessageAt      time.Time   `json:"lastMessageAt"`
	LastMessagePreview string      `json:"lastMessagePreview,omitempty"`
	UnreadUser         int         `json:"unreadUser"`
	UnreadCompany      int         `json:"unreadCompany"`
}

// Unread returns the unread counter for the given side.
func (c Conversation) Unread(side ActorType) int {
	if side == ActorCompany {
		return c.UnreadCompany
	}
	return c.UnreadUser
}

// Peer returns the participant opposite the given side.
func (c Conversation) Peer(side ActorType) Participant {
	if side == ActorUser {
		return c.Company
	}
	return c.User
}

// ============================================================================
// Messages
// ============================================================================

// Attachment describes a file attached to a message.
type Attachment struct {
	Name     string `json:"name"`
	URL      string `json:"url,omitempty"`
	Size     int64  `json:"size,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Message is a single conversation entry. Exactly one of ID and TempID is
// meaningful at a time: optimistic local messages carry a TempID until the
// backend confirms a durable ID.
type Message struct {
	ID             ID           `json:"_id,omitempty"`
	TempID         string       `json:"tempId,omitempty"`
	ConversationID ID           `json:"conversationId"`
	SenderType     ActorType    `json:"senderType"`
	Text           string       `json:"text,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	ReadAt         *time.Time   `json:"readAt,omitempty"`
}

// Key returns the message's identity: the durable id when confirmed, the temp
// id otherwise. Empty means the message is malformed and must be discarded.
func (m Message) Key() string {
	if m.ID != "" {
		return string(m.ID)
	}
	return m.TempID
}

// Pending reports whether the message is still an unconfirmed optimistic send.
func (m Message) Pending() bool {
	return m.ID == "" && m.TempID != ""
}

// ============================================================================
// Push channel wire format
// ============================================================================

// Channel event names, server to client.
const (
	EventRegistered         = "registered"
	EventPeerOnline         = "peer:online"
	EventPeerOffline        = "peer:offline"
	EventMessageNew         = "message:new"
	EventMessageRead        = "message:read"
	EventTyping             = "typing"
	EventConversationJoined = "conversation:joined"
)

// Channel commands, client to server.
const (
	cmdRegister         = "register"
	cmdConversationJoin = "conversation:join"
	cmdTyping           = "typing"
)

// Envelope is the wire format for all channel traffic in both directions.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RegisteredPayload acknowledges a register command. Informational only;
// absence is not fatal.
type RegisteredPayload struct {
	Room string `json:"room,omitempty"`
}

// PeerPresencePayload carries a peer:online / peer:offline transition.
type PeerPresencePayload struct {
	Type ActorType `json:"type"`
	ID   ID        `json:"id"`
}

// MessageNewPayload carries a pushed message. The server echoes sends to every
// room member including the sender, so the payload can describe a message the
// local store already holds.
type MessageNewPayload struct {
	ConversationID ID      `json:"conversationId"`
	Message        Message `json:"message"`
}

// MessageReadPayload signals that the counterpart marked the conversation read.
type MessageReadPayload struct {
	ConversationID ID `json:"conversationId"`
}

// TypingPayload signals that the counterpart is typing. There is no explicit
// stop event; receivers expire the indicator after a quiet period.
type TypingPayload struct {
	ConversationID ID `json:"conversationId"`
}

// ConversationJoinedPayload confirms a room join. Diagnostic only.
type ConversationJoinedPayload struct {
	ConversationID ID     `json:"conversationId"`
	Room           string `json:"room,omitempty"`
}

type registerPayload struct {
	ID   string    `json:"id"`
	Type ActorType `json:"type"`
}

type joinPayload struct {
	ConversationID string `json:"conversationId"`
}

type typingCommand struct {
	ConversationID string `json:"conversationId"`
	To             Actor  `json:"to"`
}

func encodeEnvelope(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Payload: raw})
}

// ============================================================================
// REST result types
// ============================================================================

// APIError is an error body returned by the backend.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ConversationList is the response of the conversation list endpoint.
type ConversationList struct {
	Conversations []Conversation `json:"conversations"`
}

// MessagePage is one page of a conversation's history, newest cursor last.
type MessagePage struct {
	Messages   []Message `json:"messages"`
	NextCursor string    `json:"nextCursor,omitempty"`
	HasMore    bool      `json:"hasMore"`
}

// SendResult is the response of a successful message send.
type SendResult struct {
	Message Message `json:"message"`
}

// PresenceSnapshot is the response of the per-actor presence endpoint.
type PresenceSnapshot struct {
	Type   ActorType `json:"type"`
	ID     ID        `json:"id"`
	Online bool      `json:"online"`
}

// UploadResult is the response of a successful attachment upload.
type UploadResult struct {
	Attachment Attachment `json:"attachment"`
}
