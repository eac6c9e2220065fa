package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"driftmail/backend/internal/domain"
	"driftmail/backend/internal/ingest"
	"driftmail/backend/internal/storage/memory"
)

func newTestHub(t *testing.T) (*Hub, *memory.Store, chan ingest.Event, context.CancelFunc) {
	t.Helper()

	store := memory.NewStore()
	events := make(chan ingest.Event, 8)
	hub := NewHub(store, []string{"*"}, 16, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx, events)
	t.Cleanup(cancel)

	return hub, store, events, cancel
}

func newTestClient(hub *Hub) *Client {
	return &Client{
		ID:       uuid.NewString(),
		send:     make(chan []byte, 16),
		hub:      hub,
		sessions: make(map[string]bool),
		log:      zap.NewNop(),
	}
}

func registerClient(t *testing.T, hub *Hub, client *Client) {
	t.Helper()
	hub.register <- client
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		_, ok := hub.clients[client.ID]
		return ok
	}, time.Second, 5*time.Millisecond)
}

func seedActiveInbox(t *testing.T, store *memory.Store, username string) *domain.Inbox {
	t.Helper()
	inbox := &domain.Inbox{
		ID:        uuid.NewString(),
		SessionID: uuid.NewString(),
		Username:  username,
		Domain:    "drift.example",
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}
	require.NoError(t, store.SaveInbox(inbox))
	return inbox
}

func testEvent(inbox *domain.Inbox, subject string) ingest.Event {
	return ingest.Event{
		SessionID: inbox.SessionID,
		InboxID:   inbox.ID,
		Message: &domain.Message{
			ID:          uuid.NewString(),
			InboxID:     inbox.ID,
			FromAddress: "sender@example.com",
			ToAddress:   inbox.Address(),
			Subject:     subject,
			TextBody:    "body",
			ReceivedAt:  time.Now().UTC(),
		},
	}
}

func receiveMessage(t *testing.T, client *Client) *Message {
	t.Helper()
	select {
	case data := <-client.send:
		var msg Message
		require.NoError(t, json.Unmarshal(data, &msg))
		return &msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestHubSubscribeDeliversEvent(t *testing.T) {
	hub, store, events, _ := newTestHub(t)
	inbox := seedActiveInbox(t, store, "alice")

	client := newTestClient(hub)
	registerClient(t, hub, client)

	client.subscribe(inbox.SessionID)
	confirmation := receiveMessage(t, client)
	assert.Equal(t, MessageTypeSubscribed, confirmation.Type)

	events <- testEvent(inbox, "hello")

	push := receiveMessage(t, client)
	assert.Equal(t, MessageTypeNewEmail, push.Type)
	assert.Equal(t, inbox.SessionID, push.SessionID)

	var data NewEmailData
	require.NoError(t, json.Unmarshal(push.Data, &data))
	assert.Equal(t, "hello", data.Subject)
	assert.Equal(t, "sender@example.com", data.From)
	assert.True(t, data.HasText)
}

func TestHubSubscribeInvalidSessionRejected(t *testing.T) {
	hub, _, _, _ := newTestHub(t)

	client := newTestClient(hub)
	registerClient(t, hub, client)

	client.subscribe("no-such-session")
	msg := receiveMessage(t, client)
	assert.Equal(t, MessageTypeError, msg.Type)
	assert.Zero(t, hub.SubscriberCount("no-such-session"))
}

func TestHubDeliversOnlyToMatchingSession(t *testing.T) {
	hub, store, events, _ := newTestHub(t)
	first := seedActiveInbox(t, store, "alice")
	second := seedActiveInbox(t, store, "bob")

	subscriber := newTestClient(hub)
	registerClient(t, hub, subscriber)
	subscriber.subscribe(first.SessionID)
	receiveMessage(t, subscriber) // subscribed

	bystander := newTestClient(hub)
	registerClient(t, hub, bystander)
	bystander.subscribe(second.SessionID)
	receiveMessage(t, bystander) // subscribed

	events <- testEvent(first, "for alice")

	push := receiveMessage(t, subscriber)
	assert.Equal(t, MessageTypeNewEmail, push.Type)

	select {
	case data := <-bystander.send:
		t.Fatalf("bystander should receive nothing, got %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubMulticastToAllSubscribers(t *testing.T) {
	hub, store, events, _ := newTestHub(t)
	inbox := seedActiveInbox(t, store, "alice")

	clients := make([]*Client, 3)
	for i := range clients {
		clients[i] = newTestClient(hub)
		registerClient(t, hub, clients[i])
		clients[i].subscribe(inbox.SessionID)
		receiveMessage(t, clients[i]) // subscribed
	}
	assert.Equal(t, 3, hub.SubscriberCount(inbox.SessionID))

	events <- testEvent(inbox, "broadcast")

	for _, client := range clients {
		push := receiveMessage(t, client)
		assert.Equal(t, MessageTypeNewEmail, push.Type)
	}
}

func TestHubUnsubscribePrunesEmptySet(t *testing.T) {
	hub, store, _, _ := newTestHub(t)
	inbox := seedActiveInbox(t, store, "alice")

	client := newTestClient(hub)
	registerClient(t, hub, client)
	client.subscribe(inbox.SessionID)
	receiveMessage(t, client)

	client.unsubscribe(inbox.SessionID)
	receiveMessage(t, client)

	assert.Zero(t, hub.SubscriberCount(inbox.SessionID))
	hub.mu.RLock()
	_, exists := hub.sessions[inbox.SessionID]
	hub.mu.RUnlock()
	assert.False(t, exists)
}

func TestHubUnregisterCleansSubscriptions(t *testing.T) {
	hub, store, _, _ := newTestHub(t)
	inbox := seedActiveInbox(t, store, "alice")

	client := newTestClient(hub)
	registerClient(t, hub, client)
	client.subscribe(inbox.SessionID)
	receiveMessage(t, client)

	hub.unregister <- client
	require.Eventually(t, func() bool {
		return hub.SubscriberCount(inbox.SessionID) == 0
	}, time.Second, 5*time.Millisecond)
}
