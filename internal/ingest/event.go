package ingest

import "driftmail/backend/internal/domain"

// Event 表示一封邮件已持久化的事件，供实时推送消费。
//
// 事件在存储写入成功后才发出，去重丢弃的邮件不产生事件。
type Event struct {
	// SessionID 目标收件箱当前的会话标识
	SessionID string
	// InboxID 目标收件箱 ID
	InboxID string
	// Message 已持久化的邮件（含附件元数据，不含附件内容）
	Message *domain.Message
}
