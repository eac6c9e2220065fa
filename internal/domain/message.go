package domain

import "time"

// Message 表示收件箱内的一封邮件。
//
// DedupKey 全局唯一，来源于传输层 Message-ID（缺失时生成随机值）。
// 同一 DedupKey 的二次写入是静默 no-op，这是 at-least-once
// 投递下幂等持久化的最终裁决点。
type Message struct {
	ID          string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	InboxID     string    `json:"inboxId" gorm:"type:varchar(36);index;not null"`
	DedupKey    string    `json:"-" gorm:"type:varchar(512);uniqueIndex"`
	FromAddress string    `json:"fromAddress" gorm:"type:varchar(255)"`
	ToAddress   string    `json:"toAddress" gorm:"type:varchar(255)"`
	Subject     string    `json:"subject" gorm:"type:varchar(500)"`
	TextBody    string    `json:"textBody,omitempty"`
	HTMLBody    string    `json:"htmlBody,omitempty"`
	ReceivedAt  time.Time `json:"receivedAt" gorm:"index"`
	IsRead      bool      `json:"isRead" gorm:"default:false"`

	// 附件列表（按需加载，不随消息行一起查询）
	Attachments []*Attachment `json:"attachments,omitempty" gorm:"-"`
	// 列表接口返回的附件数量
	AttachmentCount int `json:"attachmentCount" gorm:"-"`
}
