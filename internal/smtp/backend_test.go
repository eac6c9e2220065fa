package smtp

import (
	"strings"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"driftmail/backend/internal/domain"
	"driftmail/backend/internal/ingest"
	"driftmail/backend/internal/storage/memory"
)

func newTestBackend(t *testing.T) (*Backend, *memory.Store, chan ingest.Event) {
	t.Helper()

	store := memory.NewStore()
	require.NoError(t, store.SaveDomain(&domain.ManagedDomain{
		ID:       uuid.NewString(),
		Name:     "drift.example",
		IsActive: true,
	}))

	events := make(chan ingest.Event, 8)
	router := ingest.NewRouter(store)
	pipeline := ingest.NewPipeline(store, router, nil, events, zap.NewNop())
	return NewBackend(router, pipeline, nil, zap.NewNop()), store, events
}

func seedInbox(t *testing.T, store *memory.Store, username string) *domain.Inbox {
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

func newSession(t *testing.T, backend *Backend) *session {
	t.Helper()
	sess, err := backend.NewSession(nil)
	require.NoError(t, err)
	return sess.(*session)
}

func rawEmail(messageID string) string {
	return "From: sender@example.com\r\n" +
		"To: bob@drift.example\r\n" +
		"Subject: Hello\r\n" +
		"Message-ID: " + messageID + "\r\n" +
		"\r\n" +
		"Hi there\r\n"
}

func TestSessionRcpt(t *testing.T) {
	backend, store, _ := newTestBackend(t)
	seedInbox(t, store, "bob")

	t.Run("托管域名下的活跃收件箱接受", func(t *testing.T) {
		sess := newSession(t, backend)
		require.NoError(t, sess.Mail("sender@example.com", nil))
		assert.NoError(t, sess.Rcpt("<Bob@Drift.Example>", nil))
	})

	t.Run("非托管域名550拒绝", func(t *testing.T) {
		sess := newSession(t, backend)
		err := sess.Rcpt("bob@other.example", nil)
		var smtpErr *gosmtp.SMTPError
		require.ErrorAs(t, err, &smtpErr)
		assert.Equal(t, 550, smtpErr.Code)
		assert.Contains(t, smtpErr.Message, "not managed")
	})

	t.Run("无匹配收件箱550拒绝", func(t *testing.T) {
		sess := newSession(t, backend)
		err := sess.Rcpt("nobody@drift.example", nil)
		var smtpErr *gosmtp.SMTPError
		require.ErrorAs(t, err, &smtpErr)
		assert.Equal(t, 550, smtpErr.Code)
	})

	t.Run("畸形地址501拒绝", func(t *testing.T) {
		sess := newSession(t, backend)
		err := sess.Rcpt("not-an-address", nil)
		var smtpErr *gosmtp.SMTPError
		require.ErrorAs(t, err, &smtpErr)
		assert.Equal(t, 501, smtpErr.Code)
	})
}

func TestSessionData(t *testing.T) {
	backend, store, events := newTestBackend(t)
	inbox := seedInbox(t, store, "bob")

	t.Run("完整接收并持久化", func(t *testing.T) {
		sess := newSession(t, backend)
		require.NoError(t, sess.Mail("sender@example.com", nil))
		require.NoError(t, sess.Rcpt("bob@drift.example", nil))
		require.NoError(t, sess.Data(strings.NewReader(rawEmail("<m1@example.com>"))))

		messages, err := store.ListMessages(inbox.ID)
		require.NoError(t, err)
		require.Len(t, messages, 1)
		assert.Equal(t, "Hello", messages[0].Subject)

		select {
		case event := <-events:
			assert.Equal(t, inbox.SessionID, event.SessionID)
		default:
			t.Fatal("expected a persisted event")
		}
	})

	t.Run("重复投递静默去重", func(t *testing.T) {
		sess := newSession(t, backend)
		require.NoError(t, sess.Mail("sender@example.com", nil))
		require.NoError(t, sess.Rcpt("bob@drift.example", nil))
		require.NoError(t, sess.Data(strings.NewReader(rawEmail("<m1@example.com>"))))

		messages, err := store.ListMessages(inbox.ID)
		require.NoError(t, err)
		assert.Len(t, messages, 1)
	})

	t.Run("解析失败451临时错误", func(t *testing.T) {
		sess := newSession(t, backend)
		require.NoError(t, sess.Mail("sender@example.com", nil))
		require.NoError(t, sess.Rcpt("bob@drift.example", nil))

		err := sess.Data(strings.NewReader("totally not an email"))
		var smtpErr *gosmtp.SMTPError
		require.ErrorAs(t, err, &smtpErr)
		assert.Equal(t, 451, smtpErr.Code)
	})

	t.Run("正文期间过期的收件箱丢弃不报错", func(t *testing.T) {
		other := seedInbox(t, store, "carol")
		sess := newSession(t, backend)
		require.NoError(t, sess.Mail("sender@example.com", nil))
		require.NoError(t, sess.Rcpt("carol@drift.example", nil))

		// RCPT 之后、DATA 之前收件箱过期
		other.ExpiresAt = time.Now().UTC().Add(-time.Minute)
		require.NoError(t, store.SaveInbox(other))

		require.NoError(t, sess.Data(strings.NewReader(rawEmail("<m2@example.com>"))))

		messages, err := store.ListMessages(other.ID)
		require.NoError(t, err)
		assert.Empty(t, messages)
	})
}

func TestSessionReset(t *testing.T) {
	backend, store, _ := newTestBackend(t)
	seedInbox(t, store, "bob")

	sess := newSession(t, backend)
	require.NoError(t, sess.Mail("sender@example.com", nil))
	require.NoError(t, sess.Rcpt("bob@drift.example", nil))

	sess.Reset()
	assert.Empty(t, sess.fromAddress)
	assert.Empty(t, sess.recipients)
}

func TestConnectionLimiter(t *testing.T) {
	limiter := NewConnectionLimiter(2, 100)

	assert.True(t, limiter.Acquire())
	assert.True(t, limiter.Acquire())
	assert.False(t, limiter.Acquire())
	assert.Equal(t, 2, limiter.Current())

	limiter.Release()
	assert.True(t, limiter.Acquire())
}

func TestBackendSessionLimit(t *testing.T) {
	backend, _, _ := newTestBackend(t)
	backend.limiter = NewConnectionLimiter(1, 100)

	first, err := backend.NewSession(nil)
	require.NoError(t, err)

	_, err = backend.NewSession(nil)
	var smtpErr *gosmtp.SMTPError
	require.ErrorAs(t, err, &smtpErr)
	assert.Equal(t, 421, smtpErr.Code)

	require.NoError(t, first.(*session).Logout())
	_, err = backend.NewSession(nil)
	assert.NoError(t, err)
}
