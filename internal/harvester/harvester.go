package harvester

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/emersion/go-imap/v2"
	"go.uber.org/zap"

	"driftmail/backend/internal/config"
	"driftmail/backend/internal/domain"
	"driftmail/backend/internal/ingest"
	"driftmail/backend/internal/monitoring"
)

// 连接状态
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
)

// Harvester 周期性地从上游邮箱账号拉取未读邮件并送入入库管道。
//
// 每个上游账号对应一个独立实例，连接在轮询周期间复用。
// 任何连接性故障都将实例标记为断开、关闭连接，并在固定延迟后
// 重试，绝不让进程崩溃。上游邮箱仅作为中转缓冲使用，
// 已处理的邮件会被标记为已读。
type Harvester struct {
	account   *domain.BackingAccount
	cfg       config.HarvesterConfig
	pipeline  *ingest.Pipeline
	seen      *ingest.SeenCache
	newClient ClientFactory
	log       *zap.Logger

	client  Client
	state   atomic.Value // string
	polling atomic.Bool
}

// New 创建指定上游账号的采集器。
func New(account *domain.BackingAccount, cfg config.HarvesterConfig, pipeline *ingest.Pipeline, factory ClientFactory, log *zap.Logger) *Harvester {
	h := &Harvester{
		account:   account,
		cfg:       cfg,
		pipeline:  pipeline,
		seen:      ingest.NewSeenCache(cfg.SeenCacheSize),
		newClient: factory,
		log: log.With(
			zap.String("component", "harvester"),
			zap.String("account", account.Email)),
	}
	h.setState(StateDisconnected)
	return h
}

// State 返回当前连接状态。
func (h *Harvester) State() string {
	return h.state.Load().(string)
}

// Connected 返回采集器是否处于已连接状态。
func (h *Harvester) Connected() bool {
	return h.State() == StateConnected
}

// Run 以固定间隔轮询直到 ctx 取消。
//
// 上一轮还在进行时跳过本次 tick（单飞保护，防止对同一上游
// 账号的重叠轮询）。连接性故障后暂停一个固定重连延迟再继续。
func (h *Harvester) Run(ctx context.Context) {
	h.log.Info("Harvester starting",
		zap.Duration("poll_interval", h.cfg.PollInterval))

	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()
	defer h.Disconnect()

	// 启动即做一次拉取，不等第一个 tick
	h.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			h.log.Info("Harvester stopping")
			return
		case <-ticker.C:
			if !h.tick(ctx) {
				// 连接性故障：固定延迟后再恢复轮询
				select {
				case <-ctx.Done():
					h.log.Info("Harvester stopping")
					return
				case <-time.After(h.cfg.ReconnectDelay):
				}
			}
		}
	}
}

// tick 执行一轮拉取，返回是否应继续正常轮询节奏。
func (h *Harvester) tick(ctx context.Context) bool {
	if !h.polling.CompareAndSwap(false, true) {
		h.log.Warn("Previous poll still running, skipping tick")
		return true
	}
	defer h.polling.Store(false)

	if err := h.Poll(ctx); err != nil {
		if ctx.Err() != nil {
			return true
		}
		monitoring.HarvesterErrors.WithLabelValues(h.account.Email).Inc()
		h.log.Error("Poll failed, scheduling reconnect",
			zap.Duration("reconnect_delay", h.cfg.ReconnectDelay),
			zap.Error(err))
		h.Disconnect()
		return false
	}

	monitoring.HarvesterPolls.WithLabelValues(h.account.Email).Inc()
	return true
}

// Poll 执行一次 连接（如未连接）→ 搜索未读 → 拉取 → 标记已读 的循环。
func (h *Harvester) Poll(ctx context.Context) error {
	if h.client == nil {
		if err := h.Connect(ctx); err != nil {
			return err
		}
	}

	if _, err := h.client.Select(h.cfg.Mailbox, nil).Wait(); err != nil {
		return fmt.Errorf("select %s: %w", h.cfg.Mailbox, err)
	}

	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}
	searchData, err := h.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return fmt.Errorf("search unseen: %w", err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil
	}

	// 缓存命中的 UID 不再拉取正文；存储层唯一约束仍是最终裁决
	pending := make([]imap.UID, 0, len(uids))
	for _, uid := range uids {
		if !h.seen.Contains(h.uidKey(uid)) {
			pending = append(pending, uid)
		}
	}
	if len(pending) > 0 {
		uidSet := imap.UIDSetNum(pending...)
		fetchOpts := &imap.FetchOptions{
			UID:         true,
			BodySection: []*imap.FetchItemBodySection{{}},
		}
		buffers, err := h.client.Fetch(uidSet, fetchOpts).Collect()
		if err != nil {
			return fmt.Errorf("fetch: %w", err)
		}

		h.log.Debug("Fetched unseen messages", zap.Int("count", len(buffers)))

		for _, buf := range buffers {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			body := buf.FindBodySection(&imap.FetchItemBodySection{})
			if body == nil {
				continue
			}

			h.process(ctx, body)
			h.seen.Add(h.uidKey(buf.UID))
		}
	}

	// 统一标记已读，覆盖全部未读 UID：即使解析失败也不再重复拉取。
	// 缓存命中的 UID 也要补标，上一轮 STORE 失败时它们仍是未读状态
	storeFlags := &imap.StoreFlags{
		Op:    imap.StoreFlagsAdd,
		Flags: []imap.Flag{imap.FlagSeen},
	}
	if err := h.client.Store(imap.UIDSetNum(uids...), storeFlags, nil).Close(); err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}

	return nil
}

// process 解析并投递单封邮件。解析和存储故障只记录，
// 不中断本轮其余邮件的处理，也不触发重连。
func (h *Harvester) process(ctx context.Context, raw []byte) {
	parsed, err := ingest.ParseEmail(raw)
	if err != nil {
		monitoring.EmailParseFailures.Inc()
		h.log.Warn("Dropping unparsable email", zap.Error(err))
		return
	}

	if len(parsed.To) == 0 {
		h.log.Info("Dropping email without recipients",
			zap.String("from", parsed.From),
			zap.String("subject", parsed.Subject))
		return
	}

	if _, err := h.pipeline.Deliver(ctx, parsed, parsed.To, "imap"); err != nil {
		h.log.Error("Failed to persist harvested email",
			zap.String("from", parsed.From),
			zap.Error(err))
	}
}

// Connect 建立连接并在有限时间内完成认证。
//
// 超时按连接性故障处理，触发固定延迟重连策略。
func (h *Harvester) Connect(ctx context.Context) error {
	h.setState(StateConnecting)

	type result struct {
		client Client
		err    error
	}
	done := make(chan result, 1)

	go func() {
		client, err := h.newClient(h.account)
		if err != nil {
			done <- result{err: fmt.Errorf("dial: %w", err)}
			return
		}
		if err := client.Login(h.account.Email, h.account.Password).Wait(); err != nil {
			_ = client.Close()
			done <- result{err: fmt.Errorf("auth: %w", err)}
			return
		}
		done <- result{client: client}
	}()

	// 放弃等待后，迟到成功的拨号/登录仍会送回连接，必须收下并关闭
	abandon := func() {
		go func() {
			if res := <-done; res.client != nil {
				_ = res.client.Close()
			}
		}()
	}

	select {
	case <-ctx.Done():
		h.setState(StateDisconnected)
		abandon()
		return ctx.Err()
	case <-time.After(h.cfg.AuthTimeout):
		h.setState(StateDisconnected)
		abandon()
		return fmt.Errorf("auth timeout after %s", h.cfg.AuthTimeout)
	case res := <-done:
		if res.err != nil {
			h.setState(StateDisconnected)
			return res.err
		}
		h.client = res.client
		h.setState(StateConnected)
		h.log.Info("Connected to backing mailbox")
		return nil
	}
}

// Disconnect 关闭当前连接并标记为断开。
func (h *Harvester) Disconnect() {
	if h.client != nil {
		_ = h.client.Close()
		h.client = nil
	}
	h.setState(StateDisconnected)
}

func (h *Harvester) setState(state string) {
	h.state.Store(state)
	if state == StateConnected {
		monitoring.HarvesterConnected.WithLabelValues(h.account.Email).Set(1)
	} else {
		monitoring.HarvesterConnected.WithLabelValues(h.account.Email).Set(0)
	}
}

// uidKey 生成账号限定的 UID 缓存键。
func (h *Harvester) uidKey(uid imap.UID) string {
	return fmt.Sprintf("%s:%d", h.account.Email, uid)
}
