package storage

import (
	"errors"
	"time"

	"driftmail/backend/internal/domain"
)

var (
	// ErrInboxNotFound 收件箱不存在或已过期
	ErrInboxNotFound = errors.New("inbox not found")
	// ErrMessageNotFound 邮件不存在
	ErrMessageNotFound = errors.New("message not found")
	// ErrAttachmentNotFound 附件不存在
	ErrAttachmentNotFound = errors.New("attachment not found")
	// ErrDomainNotFound 域名不存在或未激活
	ErrDomainNotFound = errors.New("domain not found")
	// ErrAccountNotFound 上游邮箱账号不存在
	ErrAccountNotFound = errors.New("backing account not found")
)

// DomainRepository 定义托管域名数据存取操作。
type DomainRepository interface {
	SaveDomain(d *domain.ManagedDomain) error
	GetActiveDomain(name string) (*domain.ManagedDomain, error)
	ListActiveDomains() ([]*domain.ManagedDomain, error)
	DeleteDomain(id string) error
}

// AccountRepository 定义上游邮箱账号数据存取操作。
//
// DeleteAccount 只清空引用该账号的域名上的 AccountID，不删除域名。
type AccountRepository interface {
	SaveAccount(a *domain.BackingAccount) error
	ListActiveAccounts() ([]*domain.BackingAccount, error)
	DeleteAccount(id string) error
}

// InboxRepository 定义收件箱数据存取操作。
//
// 所有按 SessionID 的查询都隐含 active-or-held 谓词
// （expires_at > now OR is_held），过期未保护的行对正常查询不可见。
type InboxRepository interface {
	SaveInbox(inbox *domain.Inbox) error
	// GetInboxBySession 按 SessionID 查找满足 active-or-held 谓词的收件箱。
	GetInboxBySession(sessionID string) (*domain.Inbox, error)
	// FindActiveInbox 按 (username, domain) 查找满足 active-or-held 谓词的收件箱。
	FindActiveInbox(username, domainName string) (*domain.Inbox, error)
	// UpdateExpiry 重置过期时间；收件箱必须满足 active-or-held 谓词。
	UpdateExpiry(sessionID string, expiresAt time.Time) error
	// SetHold 更新保护标记并同步写入防御性的过期时间。
	SetHold(sessionID string, held bool, expiresAt time.Time) error
	// RotateSession 将旧 SessionID 替换为新值，旧值立即失效。
	RotateSession(inboxID, newSessionID string) error
	ListHeldInboxes() ([]*domain.Inbox, error)
	// DeleteInbox 删除收件箱并级联删除其邮件与附件。
	DeleteInbox(id string) error
	// DeleteExpiredInboxes 删除所有过期且未保护的收件箱（级联），返回删除数量。
	DeleteExpiredInboxes(now time.Time) (int, error)
}

// MessageRepository 定义邮件数据存取操作。
type MessageRepository interface {
	// InsertMessage 以 insert-or-ignore 语义写入邮件，
	// DedupKey 冲突时返回 inserted=false 且不报错。
	InsertMessage(message *domain.Message) (inserted bool, err error)
	// SaveAttachment 持久化附件；调用前提是所属 Message 行已存在。
	SaveAttachment(attachment *domain.Attachment) error
	// ListMessages 按 received_at 倒序返回收件箱的邮件（含附件数量，不含附件内容）。
	ListMessages(inboxID string) ([]domain.Message, error)
	GetMessage(inboxID, messageID string) (*domain.Message, error)
	MarkMessageRead(messageID string) error
	DeleteMessage(inboxID, messageID string) error
	ListAttachments(messageID string) ([]*domain.Attachment, error)
	// GetAttachment 按收件箱 + 附件 ID 获取附件（含内容），
	// 附件必须经由该收件箱的邮件可达。
	GetAttachment(inboxID, attachmentID string) (*domain.Attachment, error)
	// DeleteOrphanMessages 删除收件箱已不存在的邮件行（级联缺口的防御性清理）。
	DeleteOrphanMessages() (int, error)
}

// Store 定义完整的存储接口。
type Store interface {
	DomainRepository
	AccountRepository
	InboxRepository
	MessageRepository

	// Compact 执行存储压缩（VACUUM / OPTIMIZE TABLE 等价物）。
	Compact() error
	Close() error
	Health() error
}
