package service

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"driftmail/backend/internal/domain"
	"driftmail/backend/internal/storage/memory"
)

func newTestMessageService(t *testing.T) (*MessageService, *InboxService, *memory.Store) {
	t.Helper()
	inboxes, store := newTestService(t)
	return NewMessageService(inboxes, store, zap.NewNop()), inboxes, store
}

func seedMessage(t *testing.T, store *memory.Store, inboxID, subject string, receivedAt time.Time) *domain.Message {
	t.Helper()
	message := &domain.Message{
		ID:          uuid.NewString(),
		InboxID:     inboxID,
		DedupKey:    uuid.NewString(),
		FromAddress: "sender@example.com",
		Subject:     subject,
		TextBody:    "body",
		ReceivedAt:  receivedAt,
	}
	inserted, err := store.InsertMessage(message)
	require.NoError(t, err)
	require.True(t, inserted)
	return message
}

func TestMessageServiceList(t *testing.T) {
	svc, inboxes, store := newTestMessageService(t)

	inbox, err := inboxes.Create(CreateInboxInput{Username: "alice", Domain: "drift.example"})
	require.NoError(t, err)

	now := time.Now().UTC()
	seedMessage(t, store, inbox.ID, "older", now.Add(-time.Minute))
	seedMessage(t, store, inbox.ID, "newer", now)

	messages, err := svc.List(inbox.SessionID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "newer", messages[0].Subject)
	assert.Equal(t, "older", messages[1].Subject)

	t.Run("无效会话拒绝", func(t *testing.T) {
		_, err := svc.List("no-such-session")
		assert.ErrorIs(t, err, ErrInboxNotFound)
	})
}

func TestMessageServiceGetMarksRead(t *testing.T) {
	svc, inboxes, store := newTestMessageService(t)

	inbox, err := inboxes.Create(CreateInboxInput{Username: "alice", Domain: "drift.example"})
	require.NoError(t, err)
	seeded := seedMessage(t, store, inbox.ID, "hello", time.Now().UTC())

	message, err := svc.Get(inbox.SessionID, seeded.ID)
	require.NoError(t, err)
	assert.True(t, message.IsRead)

	again, err := svc.Get(inbox.SessionID, seeded.ID)
	require.NoError(t, err)
	assert.True(t, again.IsRead)
}

func TestMessageServiceScoping(t *testing.T) {
	svc, inboxes, store := newTestMessageService(t)

	first, err := inboxes.Create(CreateInboxInput{Username: "alice", Domain: "drift.example"})
	require.NoError(t, err)
	second, err := inboxes.Create(CreateInboxInput{Username: "bob", Domain: "drift.example"})
	require.NoError(t, err)

	seeded := seedMessage(t, store, first.ID, "private", time.Now().UTC())

	// 别人的会话拿不到这封邮件
	_, err = svc.Get(second.SessionID, seeded.ID)
	assert.ErrorIs(t, err, ErrMessageNotFound)

	err = svc.Delete(second.SessionID, seeded.ID)
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestMessageServiceDelete(t *testing.T) {
	svc, inboxes, store := newTestMessageService(t)

	inbox, err := inboxes.Create(CreateInboxInput{Username: "alice", Domain: "drift.example"})
	require.NoError(t, err)
	seeded := seedMessage(t, store, inbox.ID, "to delete", time.Now().UTC())

	require.NoError(t, svc.Delete(inbox.SessionID, seeded.ID))

	_, err = svc.Get(inbox.SessionID, seeded.ID)
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestMessageServiceGetAttachment(t *testing.T) {
	svc, inboxes, store := newTestMessageService(t)

	inbox, err := inboxes.Create(CreateInboxInput{Username: "alice", Domain: "drift.example"})
	require.NoError(t, err)
	seeded := seedMessage(t, store, inbox.ID, "with attachment", time.Now().UTC())

	attachment := &domain.Attachment{
		ID:          uuid.NewString(),
		MessageID:   seeded.ID,
		Filename:    "report.pdf",
		ContentType: "application/pdf",
		Size:        4,
		Content:     []byte("data"),
	}
	require.NoError(t, store.SaveAttachment(attachment))

	fetched, err := svc.GetAttachment(inbox.SessionID, attachment.ID)
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", fetched.Filename)
	assert.Equal(t, []byte("data"), fetched.Content)

	t.Run("别的会话拿不到附件", func(t *testing.T) {
		other, err := inboxes.Create(CreateInboxInput{Username: "bob", Domain: "drift.example"})
		require.NoError(t, err)

		_, err = svc.GetAttachment(other.SessionID, attachment.ID)
		assert.ErrorIs(t, err, ErrAttachmentNotFound)
	})
}
