package memory

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"driftmail/backend/internal/domain"
	"driftmail/backend/internal/storage"
)

func newTestInbox(username, domainName string, expiresAt time.Time) *domain.Inbox {
	return &domain.Inbox{
		ID:        uuid.NewString(),
		SessionID: uuid.NewString(),
		Username:  username,
		Domain:    domainName,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
	}
}

func TestMemoryStore_DomainOperations(t *testing.T) {
	store := NewStore()

	d := &domain.ManagedDomain{ID: uuid.NewString(), Name: "temp.dev", IsActive: true}
	require.NoError(t, store.SaveDomain(d))

	got, err := store.GetActiveDomain("temp.dev")
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)

	// 大小写不敏感
	got, err = store.GetActiveDomain("TEMP.DEV")
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)

	// 停用后不再可见
	d.IsActive = false
	require.NoError(t, store.SaveDomain(d))
	_, err = store.GetActiveDomain("temp.dev")
	assert.ErrorIs(t, err, storage.ErrDomainNotFound)
}

func TestMemoryStore_DeleteAccountClearsDomainReference(t *testing.T) {
	store := NewStore()

	account := &domain.BackingAccount{ID: uuid.NewString(), Email: "buffer@gmail.com", IsActive: true}
	require.NoError(t, store.SaveAccount(account))

	d := &domain.ManagedDomain{ID: uuid.NewString(), Name: "temp.dev", IsActive: true, AccountID: &account.ID}
	require.NoError(t, store.SaveDomain(d))

	require.NoError(t, store.DeleteAccount(account.ID))

	// 域名仍在，但引用被清空
	got, err := store.GetActiveDomain("temp.dev")
	require.NoError(t, err)
	assert.Nil(t, got.AccountID)
}

func TestMemoryStore_InboxActivePredicate(t *testing.T) {
	store := NewStore()

	active := newTestInbox("alice", "temp.dev", time.Now().Add(20*time.Minute))
	expired := newTestInbox("bob", "temp.dev", time.Now().Add(-time.Minute))
	held := newTestInbox("carol", "temp.dev", time.Now().Add(-time.Hour))
	held.IsHeld = true

	require.NoError(t, store.SaveInbox(active))
	require.NoError(t, store.SaveInbox(expired))
	require.NoError(t, store.SaveInbox(held))

	_, err := store.GetInboxBySession(active.SessionID)
	assert.NoError(t, err)

	// 过期收件箱对会话查询不可见
	_, err = store.GetInboxBySession(expired.SessionID)
	assert.ErrorIs(t, err, storage.ErrInboxNotFound)

	// hold 豁免过期
	_, err = store.GetInboxBySession(held.SessionID)
	assert.NoError(t, err)

	_, err = store.FindActiveInbox("ALICE", "TEMP.DEV")
	assert.NoError(t, err)
	_, err = store.FindActiveInbox("bob", "temp.dev")
	assert.ErrorIs(t, err, storage.ErrInboxNotFound)
}

func TestMemoryStore_RotateSession(t *testing.T) {
	store := NewStore()

	inbox := newTestInbox("alice", "temp.dev", time.Now().Add(20*time.Minute))
	require.NoError(t, store.SaveInbox(inbox))

	oldSession := inbox.SessionID
	newSession := uuid.NewString()
	require.NoError(t, store.RotateSession(inbox.ID, newSession))

	// 旧 SessionID 立即失效
	_, err := store.GetInboxBySession(oldSession)
	assert.ErrorIs(t, err, storage.ErrInboxNotFound)

	got, err := store.GetInboxBySession(newSession)
	require.NoError(t, err)
	assert.Equal(t, inbox.ID, got.ID)
}

func TestMemoryStore_InsertMessageDedup(t *testing.T) {
	store := NewStore()

	inbox := newTestInbox("alice", "temp.dev", time.Now().Add(20*time.Minute))
	require.NoError(t, store.SaveInbox(inbox))

	msg := &domain.Message{
		ID:         uuid.NewString(),
		InboxID:    inbox.ID,
		DedupKey:   "<abc@mail.example>",
		ReceivedAt: time.Now(),
	}
	inserted, err := store.InsertMessage(msg)
	require.NoError(t, err)
	assert.True(t, inserted)

	// 相同 DedupKey 的二次写入是静默 no-op
	dup := &domain.Message{
		ID:         uuid.NewString(),
		InboxID:    inbox.ID,
		DedupKey:   "<abc@mail.example>",
		ReceivedAt: time.Now(),
	}
	inserted, err = store.InsertMessage(dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	msgs, err := store.ListMessages(inbox.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestMemoryStore_CascadeDelete(t *testing.T) {
	store := NewStore()

	inbox := newTestInbox("alice", "temp.dev", time.Now().Add(20*time.Minute))
	require.NoError(t, store.SaveInbox(inbox))

	msg := &domain.Message{
		ID:         uuid.NewString(),
		InboxID:    inbox.ID,
		DedupKey:   uuid.NewString(),
		ReceivedAt: time.Now(),
	}
	_, err := store.InsertMessage(msg)
	require.NoError(t, err)

	att := &domain.Attachment{
		ID:          uuid.NewString(),
		MessageID:   msg.ID,
		Filename:    "report.pdf",
		ContentType: "application/pdf",
		Size:        3,
		Content:     []byte{1, 2, 3},
	}
	require.NoError(t, store.SaveAttachment(att))

	require.NoError(t, store.DeleteInbox(inbox.ID))

	// 邮件与附件全部随收件箱删除
	_, err = store.GetMessage(inbox.ID, msg.ID)
	assert.ErrorIs(t, err, storage.ErrMessageNotFound)
	_, err = store.GetAttachment(inbox.ID, att.ID)
	assert.ErrorIs(t, err, storage.ErrAttachmentNotFound)

	// DedupKey 释放后允许重新写入
	inserted, err := store.InsertMessage(&domain.Message{
		ID:         uuid.NewString(),
		InboxID:    inbox.ID,
		DedupKey:   msg.DedupKey,
		ReceivedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestMemoryStore_DeleteExpiredInboxesSkipsHeld(t *testing.T) {
	store := NewStore()

	expired := newTestInbox("bob", "temp.dev", time.Now().Add(-time.Minute))
	held := newTestInbox("carol", "temp.dev", time.Now().Add(-24*time.Hour))
	held.IsHeld = true
	active := newTestInbox("alice", "temp.dev", time.Now().Add(20*time.Minute))

	require.NoError(t, store.SaveInbox(expired))
	require.NoError(t, store.SaveInbox(held))
	require.NoError(t, store.SaveInbox(active))

	count, err := store.DeleteExpiredInboxes(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// hold 状态的收件箱永不被清理
	_, err = store.GetInboxBySession(held.SessionID)
	assert.NoError(t, err)
	_, err = store.GetInboxBySession(active.SessionID)
	assert.NoError(t, err)
}

func TestMemoryStore_DeleteOrphanMessages(t *testing.T) {
	store := NewStore()

	msg := &domain.Message{
		ID:         uuid.NewString(),
		InboxID:    "no-such-inbox",
		DedupKey:   uuid.NewString(),
		ReceivedAt: time.Now(),
	}
	_, err := store.InsertMessage(msg)
	require.NoError(t, err)

	count, err := store.DeleteOrphanMessages()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMemoryStore_MessageOrderingAndRead(t *testing.T) {
	store := NewStore()

	inbox := newTestInbox("alice", "temp.dev", time.Now().Add(20*time.Minute))
	require.NoError(t, store.SaveInbox(inbox))

	older := &domain.Message{
		ID:         uuid.NewString(),
		InboxID:    inbox.ID,
		DedupKey:   uuid.NewString(),
		Subject:    "first",
		ReceivedAt: time.Now().Add(-time.Minute),
	}
	newer := &domain.Message{
		ID:         uuid.NewString(),
		InboxID:    inbox.ID,
		DedupKey:   uuid.NewString(),
		Subject:    "second",
		ReceivedAt: time.Now(),
	}
	_, err := store.InsertMessage(older)
	require.NoError(t, err)
	_, err = store.InsertMessage(newer)
	require.NoError(t, err)

	msgs, err := store.ListMessages(inbox.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	// received_at 倒序
	assert.Equal(t, "second", msgs[0].Subject)

	require.NoError(t, store.MarkMessageRead(older.ID))
	got, err := store.GetMessage(inbox.ID, older.ID)
	require.NoError(t, err)
	assert.True(t, got.IsRead)
}
