package harvester

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"driftmail/backend/internal/config"
	"driftmail/backend/internal/domain"
	"driftmail/backend/internal/ingest"
	"driftmail/backend/internal/storage/memory"
)

func testHarvesterConfig() config.HarvesterConfig {
	return config.HarvesterConfig{
		PollInterval:   time.Second,
		ReconnectDelay: 10 * time.Millisecond,
		AuthTimeout:    time.Second,
		Mailbox:        "INBOX",
		SeenCacheSize:  64,
	}
}

func testAccount() *domain.BackingAccount {
	return &domain.BackingAccount{
		ID:       uuid.NewString(),
		Email:    "upstream@provider.example",
		Password: "secret",
		IMAPHost: "imap.provider.example",
		IMAPPort: 993,
		IsActive: true,
	}
}

func newHarvesterFixture(t *testing.T, client *fakeClient) (*Harvester, *memory.Store, *domain.Inbox) {
	t.Helper()

	store := memory.NewStore()
	require.NoError(t, store.SaveDomain(&domain.ManagedDomain{
		ID:       uuid.NewString(),
		Name:     "drift.example",
		IsActive: true,
	}))

	inbox := &domain.Inbox{
		ID:        uuid.NewString(),
		SessionID: uuid.NewString(),
		Username:  "bob",
		Domain:    "drift.example",
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}
	require.NoError(t, store.SaveInbox(inbox))

	pipeline := ingest.NewPipeline(store, ingest.NewRouter(store), nil, nil, zap.NewNop())
	factory := func(*domain.BackingAccount) (Client, error) { return client, nil }
	h := New(testAccount(), testHarvesterConfig(), pipeline, factory, zap.NewNop())
	return h, store, inbox
}

func rawEmail(messageID string) []byte {
	return []byte("From: sender@example.com\r\n" +
		"To: bob@drift.example\r\n" +
		"Subject: Harvested\r\n" +
		"Message-ID: " + messageID + "\r\n" +
		"\r\n" +
		"body\r\n")
}

func TestHarvesterPollStoresMessages(t *testing.T) {
	client := &fakeClient{
		uids: []imap.UID{11, 12},
		bodies: map[imap.UID][]byte{
			11: rawEmail("<a@example.com>"),
			12: rawEmail("<b@example.com>"),
		},
	}
	h, store, inbox := newHarvesterFixture(t, client)

	require.NoError(t, h.Poll(context.Background()))
	assert.Equal(t, StateConnected, h.State())

	messages, err := store.ListMessages(inbox.ID)
	require.NoError(t, err)
	assert.Len(t, messages, 2)

	// 上游统一标记已读
	assert.Equal(t, 1, client.storeCalls)
	assert.ElementsMatch(t, []imap.UID{11, 12}, client.storeUIDs)
}

func TestHarvesterSeenCacheSkipsRefetch(t *testing.T) {
	client := &fakeClient{
		uids:   []imap.UID{11},
		bodies: map[imap.UID][]byte{11: rawEmail("<a@example.com>")},
	}
	h, store, inbox := newHarvesterFixture(t, client)

	require.NoError(t, h.Poll(context.Background()))
	require.Equal(t, 1, client.fetchCalls)

	// 同一 UID 再次出现在未读集合中时不再拉取正文
	require.NoError(t, h.Poll(context.Background()))
	assert.Equal(t, 1, client.fetchCalls)

	messages, err := store.ListMessages(inbox.ID)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

func TestHarvesterUnparsableDroppedAndMarkedSeen(t *testing.T) {
	client := &fakeClient{
		uids:   []imap.UID{11},
		bodies: map[imap.UID][]byte{11: []byte("garbage")},
	}
	h, store, inbox := newHarvesterFixture(t, client)

	require.NoError(t, h.Poll(context.Background()))

	messages, err := store.ListMessages(inbox.ID)
	require.NoError(t, err)
	assert.Empty(t, messages)
	assert.Equal(t, 1, client.storeCalls)
}

func TestHarvesterEmptyMailbox(t *testing.T) {
	client := &fakeClient{}
	h, _, _ := newHarvesterFixture(t, client)

	require.NoError(t, h.Poll(context.Background()))
	assert.Zero(t, client.fetchCalls)
	assert.Zero(t, client.storeCalls)
}

func TestHarvesterConnectFailure(t *testing.T) {
	h, _, _ := newHarvesterFixture(t, &fakeClient{})
	h.newClient = func(*domain.BackingAccount) (Client, error) {
		return nil, errors.New("connection refused")
	}

	err := h.Poll(context.Background())
	require.ErrorContains(t, err, "dial")
	assert.Equal(t, StateDisconnected, h.State())
}

func TestHarvesterAuthFailure(t *testing.T) {
	client := &fakeClient{loginErr: errors.New("bad credentials")}
	h, _, _ := newHarvesterFixture(t, client)

	err := h.Poll(context.Background())
	require.ErrorContains(t, err, "auth")
	assert.Equal(t, StateDisconnected, h.State())
	assert.True(t, client.closed.Load())
}

func TestHarvesterSelectFailureLeavesDisconnectable(t *testing.T) {
	client := &fakeClient{selectErr: errors.New("mailbox gone")}
	h, _, _ := newHarvesterFixture(t, client)

	err := h.Poll(context.Background())
	require.ErrorContains(t, err, "select")

	h.Disconnect()
	assert.Equal(t, StateDisconnected, h.State())
	assert.True(t, client.closed.Load())
}

func TestHarvesterAuthTimeoutClosesLateClient(t *testing.T) {
	client := &fakeClient{}
	h, _, _ := newHarvesterFixture(t, client)
	h.cfg.AuthTimeout = 20 * time.Millisecond

	release := make(chan struct{})
	h.newClient = func(*domain.BackingAccount) (Client, error) {
		<-release
		return client, nil
	}

	err := h.Connect(context.Background())
	require.ErrorContains(t, err, "auth timeout")
	assert.Equal(t, StateDisconnected, h.State())
	assert.Nil(t, h.client)

	// 超时后才完成的登录不能留下悬挂连接
	close(release)
	assert.Eventually(t, func() bool { return client.closed.Load() },
		time.Second, 5*time.Millisecond)
}

func TestHarvesterMarkSeenRetriedAfterStoreFailure(t *testing.T) {
	client := &fakeClient{
		uids:     []imap.UID{11},
		bodies:   map[imap.UID][]byte{11: rawEmail("<a@example.com>")},
		storeErr: errors.New("STORE rejected"),
	}
	h, store, inbox := newHarvesterFixture(t, client)

	err := h.Poll(context.Background())
	require.ErrorContains(t, err, "mark seen")

	messages, err := store.ListMessages(inbox.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	// 正文已入库且进入缓存：下一轮不再拉取，但必须补发已读标记
	client.storeErr = nil
	require.NoError(t, h.Poll(context.Background()))
	assert.Equal(t, 1, client.fetchCalls)
	assert.Equal(t, 2, client.storeCalls)
	assert.Contains(t, client.storeUIDs, imap.UID(11))
}

func TestHarvesterSingleFlightTick(t *testing.T) {
	client := &fakeClient{}
	h, _, _ := newHarvesterFixture(t, client)

	h.polling.Store(true)
	assert.True(t, h.tick(context.Background()))
	assert.Zero(t, client.selectCalls)

	h.polling.Store(false)
	assert.True(t, h.tick(context.Background()))
	assert.Equal(t, 1, client.selectCalls)
}

type fakeClient struct {
	uids   []imap.UID
	bodies map[imap.UID][]byte

	loginErr  error
	selectErr error
	searchErr error
	fetchErr  error
	storeErr  error

	selectCalls int
	fetchCalls  int
	storeCalls  int
	storeUIDs   []imap.UID
	closed      atomic.Bool
}

func (c *fakeClient) Login(_, _ string) CommandWaiter { return &fakeCommand{err: c.loginErr} }
func (c *fakeClient) Logout() CommandWaiter           { return &fakeCommand{} }
func (c *fakeClient) Close() error                    { c.closed.Store(true); return nil }

func (c *fakeClient) Select(_ string, _ *imap.SelectOptions) SelectWaiter {
	c.selectCalls++
	return &fakeSelect{err: c.selectErr}
}

func (c *fakeClient) UIDSearch(_ *imap.SearchCriteria, _ *imap.SearchOptions) SearchWaiter {
	data := &imap.SearchData{All: imap.UIDSetNum(c.uids...)}
	return &fakeSearch{err: c.searchErr, data: data}
}

func (c *fakeClient) Fetch(numSet imap.NumSet, _ *imap.FetchOptions) FetchWaiter {
	c.fetchCalls++
	var bufs []*imapclient.FetchMessageBuffer
	if c.fetchErr == nil {
		uidSet, _ := numSet.(imap.UIDSet)
		for _, uid := range c.uids {
			if !uidSet.Contains(uid) {
				continue
			}
			bufs = append(bufs, &imapclient.FetchMessageBuffer{
				SeqNum: uint32(uid),
				UID:    uid,
				BodySection: []imapclient.FetchBodySectionBuffer{{
					Section: &imap.FetchItemBodySection{},
					Bytes:   append([]byte(nil), c.bodies[uid]...),
				}},
			})
		}
	}
	return &fakeFetch{err: c.fetchErr, bufs: bufs}
}

func (c *fakeClient) Store(numSet imap.NumSet, store *imap.StoreFlags, _ *imap.StoreOptions) FetchWaiter {
	c.storeCalls++
	if store != nil {
		if uidSet, ok := numSet.(imap.UIDSet); ok {
			for _, uid := range c.uids {
				if uidSet.Contains(uid) {
					c.storeUIDs = append(c.storeUIDs, uid)
				}
			}
		}
	}
	return &fakeFetch{err: c.storeErr}
}

type fakeCommand struct{ err error }

func (c *fakeCommand) Wait() error { return c.err }

type fakeSelect struct{ err error }

func (s *fakeSelect) Wait() (*imap.SelectData, error) { return nil, s.err }

type fakeSearch struct {
	err  error
	data *imap.SearchData
}

func (s *fakeSearch) Wait() (*imap.SearchData, error) { return s.data, s.err }

type fakeFetch struct {
	err  error
	bufs []*imapclient.FetchMessageBuffer
}

func (f *fakeFetch) Collect() ([]*imapclient.FetchMessageBuffer, error) { return f.bufs, f.err }
func (f *fakeFetch) Close() error                                       { return f.err }
