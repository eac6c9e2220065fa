package janitor

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"driftmail/backend/internal/domain"
	"driftmail/backend/internal/storage"
	"driftmail/backend/internal/storage/memory"
)

func seedInbox(t *testing.T, store *memory.Store, username string, expiresAt time.Time, held bool) *domain.Inbox {
	t.Helper()
	inbox := &domain.Inbox{
		ID:        uuid.NewString(),
		SessionID: uuid.NewString(),
		Username:  username,
		Domain:    "drift.example",
		IsHeld:    held,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: expiresAt,
	}
	require.NoError(t, store.SaveInbox(inbox))
	return inbox
}

func seedMessage(t *testing.T, store *memory.Store, inboxID string) *domain.Message {
	t.Helper()
	message := &domain.Message{
		ID:         uuid.NewString(),
		InboxID:    inboxID,
		DedupKey:   uuid.NewString(),
		Subject:    "x",
		ReceivedAt: time.Now().UTC(),
	}
	inserted, err := store.InsertMessage(message)
	require.NoError(t, err)
	require.True(t, inserted)
	return message
}

func TestSweepDeletesExpiredNotHeld(t *testing.T) {
	store := memory.NewStore()
	now := time.Now().UTC()

	expired := seedInbox(t, store, "expired", now.Add(-time.Minute), false)
	held := seedInbox(t, store, "held", now.Add(-time.Hour), true)
	active := seedInbox(t, store, "active", now.Add(time.Hour), false)
	seedMessage(t, store, expired.ID)

	j := New(store, zap.NewNop())
	j.Sweep()

	// 过期未保护的收件箱连同邮件被删除
	_, err := store.GetInboxBySession(expired.SessionID)
	assert.ErrorIs(t, err, storage.ErrInboxNotFound)

	// 保护中的收件箱不论过期时间多久都不删除
	heldList, err := store.ListHeldInboxes()
	require.NoError(t, err)
	require.Len(t, heldList, 1)
	assert.Equal(t, held.ID, heldList[0].ID)

	_, err = store.GetInboxBySession(active.SessionID)
	assert.NoError(t, err)
}

func TestSweepRepeatedRunsAreIdempotent(t *testing.T) {
	store := memory.NewStore()
	seedInbox(t, store, "expired", time.Now().UTC().Add(-time.Minute), false)

	j := New(store, zap.NewNop())
	j.Sweep()
	j.Sweep()
	j.Sweep()
}

func TestSweepContinuesAfterStorageFault(t *testing.T) {
	store := &faultyStore{Store: memory.NewStore(), failExpired: true}
	j := New(store, zap.NewNop())

	// 故障轮不 panic，后续轮次正常
	j.Sweep()
	store.failExpired = false
	j.Sweep()
}

func TestCompactStorage(t *testing.T) {
	store := &faultyStore{Store: memory.NewStore(), failCompact: true}
	j := New(store, zap.NewNop())

	// 压缩失败只记录，不中断
	j.CompactStorage()

	store.failCompact = false
	j.CompactStorage()
}

func TestStartStop(t *testing.T) {
	j := New(memory.NewStore(), zap.NewNop())
	require.NoError(t, j.Start())
	j.Stop()
}

type faultyStore struct {
	*memory.Store
	failExpired bool
	failCompact bool
}

func (s *faultyStore) DeleteExpiredInboxes(now time.Time) (int, error) {
	if s.failExpired {
		return 0, errors.New("storage fault")
	}
	return s.Store.DeleteExpiredInboxes(now)
}

func (s *faultyStore) Compact() error {
	if s.failCompact {
		return errors.New("compaction fault")
	}
	return s.Store.Compact()
}
