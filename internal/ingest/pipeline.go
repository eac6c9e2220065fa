package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"driftmail/backend/internal/domain"
	"driftmail/backend/internal/monitoring"
	"driftmail/backend/internal/storage"
	redisstore "driftmail/backend/internal/storage/redis"
)

// Pipeline 是邮件入库的统一路径。
//
// SMTP 接收端和 IMAP 采集器都经由它完成 路由 → 去重 → 持久化 → 事件发出，
// 保证两个来源的邮件走完全相同的语义。
type Pipeline struct {
	store  storage.Store
	router *Router
	// dedup 可选的跨实例去重缓存；为 nil 时只依赖存储层唯一约束
	dedup  *redisstore.DedupCache
	events chan<- Event
	log    *zap.Logger
}

// NewPipeline 创建入库管道。dedup 和 events 都可以为 nil。
func NewPipeline(store storage.Store, router *Router, dedup *redisstore.DedupCache, events chan<- Event, log *zap.Logger) *Pipeline {
	return &Pipeline{
		store:  store,
		router: router,
		dedup:  dedup,
		events: events,
		log:    log,
	}
}

// DeliverResult 汇总一次投递各收件人的处理结果。
type DeliverResult struct {
	Stored     int
	Duplicates int
	Unroutable int
}

// Deliver 将解析后的邮件投递给显式给出的收件人列表。
//
// 每个收件人独立路由和去重：同一封邮件可以进入多个收件箱，
// 去重键按收件箱隔离。无法路由的收件人记录日志后丢弃，
// 不影响其他收件人的投递。只有存储错误会中断整批投递。
func (p *Pipeline) Deliver(ctx context.Context, parsed *ParsedEmail, recipients []string, source string) (*DeliverResult, error) {
	monitoring.EmailsReceived.WithLabelValues(source).Inc()

	baseKey := parsed.DedupKey()
	result := &DeliverResult{}

	for _, recipient := range recipients {
		inbox, err := p.router.Route(recipient)
		if err != nil {
			if errors.Is(err, ErrUnroutable) {
				monitoring.EmailsUnroutable.Inc()
				p.log.Info("Dropping unroutable email",
					zap.String("recipient", recipient),
					zap.String("from", parsed.From),
					zap.String("source", source))
				result.Unroutable++
				continue
			}
			return result, err
		}

		stored, err := p.storeForInbox(ctx, parsed, inbox, baseKey, recipient)
		if err != nil {
			return result, err
		}
		if stored {
			result.Stored++
		} else {
			result.Duplicates++
		}
	}

	return result, nil
}

// storeForInbox 将邮件写入单个收件箱，返回是否实际插入。
func (p *Pipeline) storeForInbox(ctx context.Context, parsed *ParsedEmail, inbox *domain.Inbox, baseKey, recipient string) (bool, error) {
	// 去重键按收件箱隔离，同一封邮件投往多个收件箱互不影响
	dedupKey := fmt.Sprintf("%s:%s", inbox.ID, baseKey)

	if p.dedup != nil && p.dedup.Seen(ctx, dedupKey) {
		monitoring.EmailsDeduplicated.Inc()
		p.log.Debug("Duplicate email dropped by cache",
			zap.String("inbox_id", inbox.ID),
			zap.String("dedup_key", dedupKey))
		return false, nil
	}

	message := &domain.Message{
		ID:          uuid.NewString(),
		InboxID:     inbox.ID,
		DedupKey:    dedupKey,
		FromAddress: parsed.From,
		ToAddress:   recipient,
		Subject:     parsed.Subject,
		TextBody:    parsed.Text,
		HTMLBody:    parsed.HTML,
		ReceivedAt:  time.Now().UTC(),
	}

	inserted, err := p.store.InsertMessage(message)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	if !inserted {
		// 唯一约束是最终裁决，缓存未命中时仍可能撞上重复
		monitoring.EmailsDeduplicated.Inc()
		p.log.Debug("Duplicate email dropped by storage",
			zap.String("inbox_id", inbox.ID),
			zap.String("dedup_key", dedupKey))
		return false, nil
	}

	for _, attachment := range parsed.Attachments {
		stored := &domain.Attachment{
			ID:          uuid.NewString(),
			MessageID:   message.ID,
			Filename:    attachment.Filename,
			ContentType: attachment.ContentType,
			Size:        attachment.Size,
			Content:     attachment.Content,
		}
		if err := p.store.SaveAttachment(stored); err != nil {
			// 邮件行已落库且去重键已占用，附件失败只记录不回滚
			p.log.Error("Failed to save attachment",
				zap.String("message_id", message.ID),
				zap.String("filename", attachment.Filename),
				zap.Error(err))
			continue
		}
		message.AttachmentCount++
	}

	monitoring.EmailsStored.Inc()
	p.log.Info("Email stored",
		zap.String("inbox_id", inbox.ID),
		zap.String("message_id", message.ID),
		zap.String("from", parsed.From),
		zap.String("to", recipient),
		zap.String("subject", parsed.Subject))

	p.emit(Event{
		SessionID: inbox.SessionID,
		InboxID:   inbox.ID,
		Message:   message,
	})

	return true, nil
}

// emit 非阻塞地发出持久化事件，通道满时丢弃并记录。
func (p *Pipeline) emit(event Event) {
	if p.events == nil {
		return
	}
	select {
	case p.events <- event:
	default:
		p.log.Warn("Realtime event channel full, dropping event",
			zap.String("inbox_id", event.InboxID),
			zap.String("message_id", event.Message.ID))
	}
}
