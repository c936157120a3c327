package talentwire

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Reducers
// ============================================================================

func TestUpsertMessageIdempotent(t *testing.T) {
	m := Message{ID: "m1", Text: "hello"}
	list := upsertMessage(nil, m)
	list = upsertMessage(list, m)
	list = upsertMessage(list, m)
	require.Len(t, list, 1)
	assert.Equal(t, "hello", list[0].Text)
}

func TestUpsertMessageDiscardsNoIdentity(t *testing.T) {
	list := upsertMessage(nil, Message{Text: "ghost"})
	assert.Empty(t, list)
}

func TestUpsertMessagePreservesPosition(t *testing.T) {
	list := []Message{{ID: "m1"}, {ID: "m2"}, {ID: "m3"}}
	out := upsertMessage(list, Message{ID: "m2", Text: "edited"})
	require.Len(t, out, 3)
	assert.Equal(t, ID("m2"), out[1].ID)
	assert.Equal(t, "edited", out[1].Text)
}

func TestUpsertMessageMatchesNumericID(t *testing.T) {
	var pushed Message
	require.NoError(t, json.Unmarshal([]byte(`{"_id":42,"text":"from push"}`), &pushed))
	list := []Message{{ID: "42", Text: "from rest"}}
	out := upsertMessage(list, pushed)
	require.Len(t, out, 1)
	assert.Equal(t, "from push", out[0].Text)
}

func TestMergeMessageKeepsLocalFields(t *testing.T) {
	now := time.Now()
	existing := Message{TempID: "local-1", Text: "hello", CreatedAt: now, SenderType: ActorUser}
	incoming := Message{ID: "m1"}
	merged := mergeMessage(existing, incoming)
	assert.Equal(t, ID("m1"), merged.ID)
	assert.Equal(t, "hello", merged.Text)
	assert.Equal(t, now, merged.CreatedAt)
	assert.Equal(t, ActorUser, merged.SenderType)
}

func TestResolveTemp(t *testing.T) {
	list := []Message{{ID: "m0"}, {TempID: "local-1", Text: "hi"}}
	out := resolveTemp(list, "local-1", Message{ID: "m1", TempID: "local-1", Text: "hi"})
	require.Len(t, out, 2)
	assert.Equal(t, ID("m1"), out[1].ID)
	assert.Empty(t, out[1].TempID, "temp id must not survive confirmation")
}

func TestRemoveMessage(t *testing.T) {
	list := []Message{{ID: "m1"}, {TempID: "local-1"}, {ID: "m2"}}
	out := removeMessage(list, "local-1")
	require.Len(t, out, 2)
	assert.Equal(t, ID("m1"), out[0].ID)
	assert.Equal(t, ID("m2"), out[1].ID)
}

func TestDedupeMessagesKeepsFirst(t *testing.T) {
	list := []Message{
		{ID: "m1", Text: "first"},
		{ID: "m2"},
		{ID: "m1", Text: "second"},
	}
	out := dedupeMessages(list)
	require.Len(t, out, 2)
	assert.Equal(t, "first", out[0].Text)
}

func TestStampRead(t *testing.T) {
	already := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	list := []Message{{ID: "m1"}, {ID: "m2", ReadAt: &already}}
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	out := stampRead(list, at)
	require.NotNil(t, out[0].ReadAt)
	assert.Equal(t, at, *out[0].ReadAt)
	assert.Equal(t, already, *out[1].ReadAt, "existing stamp must not move")
}

// ============================================================================
// MessageStore
// ============================================================================

type storeBackend struct {
	t  *testing.T
	mu sync.Mutex

	sendStatus  int
	sendMessage Message
	history     []Message
	markReads   int

	// beforeSendReply runs inside the send handler, before the response is
	// written. Used to simulate a push echo racing the REST confirmation.
	beforeSendReply func()
}

func (b *storeBackend) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/read"):
			b.markReads++
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/messages"):
			var opts SendOptions
			if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
				b.t.Errorf("decode send body: %v", err)
			}
			if opts.IdempotencyKey == "" {
				b.t.Error("send request carried no idempotency key")
			}
			if b.beforeSendReply != nil {
				b.beforeSendReply()
			}
			if b.sendStatus != 0 {
				w.WriteHeader(b.sendStatus)
				return
			}
			msg := b.sendMessage
			msg.Text = opts.Text
			json.NewEncoder(w).Encode(SendResult{Message: msg})
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/messages"):
			json.NewEncoder(w).Encode(MessagePage{Messages: b.history})
		default:
			http.NotFound(w, r)
		}
	})
}

func newStoreFixture(t *testing.T, backend *storeBackend) (*MessageStore, func()) {
	t.Helper()
	srv := httptest.NewServer(backend.handler())
	client := NewClient("test-token", WithBaseURL(srv.URL), WithoutBreaker())
	store := NewMessageStore(client, "c1", ActorUser)
	return store, srv.Close
}

func TestStoreSendConfirms(t *testing.T) {
	backend := &storeBackend{t: t, sendMessage: Message{ID: "m1", ConversationID: "c1", SenderType: ActorUser}}
	store, done := newStoreFixture(t, backend)
	defer done()

	var snapshots [][]Message
	store.OnChange(func() {
		snapshots = append(snapshots, store.Messages())
	})

	msg, err := store.Send(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, ID("m1"), msg.ID)

	// The optimistic snapshot must have shown a single pending local entry.
	require.NotEmpty(t, snapshots)
	first := snapshots[0]
	require.Len(t, first, 1)
	assert.True(t, first[0].Pending())
	assert.True(t, strings.HasPrefix(first[0].Key(), "local-"))
	assert.Equal(t, "hello", first[0].Text)

	final := store.Messages()
	require.Len(t, final, 1)
	assert.Equal(t, ID("m1"), final[0].ID)
	assert.Empty(t, final[0].TempID)
	assert.Equal(t, "hello", final[0].Text)
}

func TestStoreSendEchoBeforeConfirm(t *testing.T) {
	backend := &storeBackend{t: t, sendMessage: Message{ID: "m1", ConversationID: "c1", SenderType: ActorUser}}
	store, done := newStoreFixture(t, backend)
	defer done()

	// The push echo lands while the REST confirmation is still in flight.
	backend.beforeSendReply = func() {
		store.Receive(MessageNewPayload{
			ConversationID: "c1",
			Message:        Message{ID: "m1", ConversationID: "c1", Text: "hello", SenderType: ActorUser},
		})
	}

	_, err := store.Send(context.Background(), "hello")
	require.NoError(t, err)

	final := store.Messages()
	require.Len(t, final, 1, "echo plus confirmation must collapse to one entry")
	assert.Equal(t, ID("m1"), final[0].ID)
	assert.Equal(t, "hello", final[0].Text)
}

func TestStoreSendRollback(t *testing.T) {
	backend := &storeBackend{t: t, sendStatus: http.StatusInternalServerError}
	store, done := newStoreFixture(t, backend)
	defer done()

	_, err := store.Send(context.Background(), "doomed")
	require.Error(t, err)

	var sendErr *SendError
	require.True(t, errors.As(err, &sendErr))
	assert.Equal(t, "doomed", sendErr.Text, "composed text must survive the failure")
	assert.Empty(t, store.Messages(), "optimistic entry must be rolled back")
}

func TestStoreSendDistinctTempIDs(t *testing.T) {
	store := &MessageStore{conversationID: "c1", side: ActorUser, clock: newFakeClock()}
	a := store.nextTempID()
	b := store.nextTempID()
	assert.NotEqual(t, a, b, "two sends in the same millisecond must not collide")
}

func TestStoreReceiveIgnoresOtherConversation(t *testing.T) {
	backend := &storeBackend{t: t}
	store, done := newStoreFixture(t, backend)
	defer done()

	store.Receive(MessageNewPayload{ConversationID: "c2", Message: Message{ID: "m9"}})
	assert.Empty(t, store.Messages())

	store.Receive(MessageNewPayload{ConversationID: "c1", Message: Message{ID: "m1"}})
	assert.Len(t, store.Messages(), 1)
}

func TestStoreReceiveDiscardsNoIdentity(t *testing.T) {
	backend := &storeBackend{t: t}
	store, done := newStoreFixture(t, backend)
	defer done()

	store.Receive(MessageNewPayload{ConversationID: "c1", Message: Message{Text: "ghost"}})
	assert.Empty(t, store.Messages())
}

func TestStoreDuplicatePushDelivery(t *testing.T) {
	backend := &storeBackend{t: t}
	store, done := newStoreFixture(t, backend)
	defer done()

	p := MessageNewPayload{ConversationID: "c1", Message: Message{ID: "m1", Text: "once"}}
	store.Receive(p)
	store.Receive(p)
	assert.Len(t, store.Messages(), 1)
}

func TestStoreLoadReplacesList(t *testing.T) {
	backend := &storeBackend{t: t, history: []Message{{ID: "m1"}, {ID: "m2"}}}
	store, done := newStoreFixture(t, backend)
	defer done()

	store.Receive(MessageNewPayload{ConversationID: "c1", Message: Message{ID: "stale"}})
	require.NoError(t, store.Load(context.Background()))

	msgs := store.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, ID("m1"), msgs[0].ID)
}

func TestStoreMarkReadStamps(t *testing.T) {
	backend := &storeBackend{t: t}
	store, done := newStoreFixture(t, backend)
	defer done()

	store.Receive(MessageNewPayload{ConversationID: "c1", Message: Message{ID: "m1"}})
	require.NoError(t, store.MarkRead(context.Background()))
	require.NotNil(t, store.Messages()[0].ReadAt)
	assert.Equal(t, 1, backend.markReads)
}

func TestStoreReceiveRead(t *testing.T) {
	backend := &storeBackend{t: t}
	store, done := newStoreFixture(t, backend)
	defer done()

	store.Receive(MessageNewPayload{ConversationID: "c1", Message: Message{ID: "m1"}})
	store.ReceiveRead(MessageReadPayload{ConversationID: "c2"})
	assert.Nil(t, store.Messages()[0].ReadAt, "read receipt for another conversation applied")

	store.ReceiveRead(MessageReadPayload{ConversationID: "c1"})
	assert.NotNil(t, store.Messages()[0].ReadAt)
}
