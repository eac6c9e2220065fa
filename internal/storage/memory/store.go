package memory

import (
	"sort"
	"strings"
	"sync"
	"time"

	"driftmail/backend/internal/domain"
	"driftmail/backend/internal/storage"
)

// Store 使用内存保存收件箱与邮件数据，主要用于开发验证和测试。
//
// 每个导出方法在单次加锁内完成，与 SQL 存储的单语句原子性对齐。
type Store struct {
	mu          sync.RWMutex
	domains     map[string]*domain.ManagedDomain  // domainID -> domain
	byName      map[string]string                 // name -> domainID
	accounts    map[string]*domain.BackingAccount // accountID -> account
	inboxes     map[string]*domain.Inbox          // inboxID -> inbox
	bySession   map[string]string                 // sessionID -> inboxID
	messages    map[string]*domain.Message        // messageID -> message
	byDedupKey  map[string]string                 // dedupKey -> messageID
	attachments map[string]*domain.Attachment     // attachmentID -> attachment
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		domains:     make(map[string]*domain.ManagedDomain),
		byName:      make(map[string]string),
		accounts:    make(map[string]*domain.BackingAccount),
		inboxes:     make(map[string]*domain.Inbox),
		bySession:   make(map[string]string),
		messages:    make(map[string]*domain.Message),
		byDedupKey:  make(map[string]string),
		attachments: make(map[string]*domain.Attachment),
	}
}

// ========== DomainRepository ==========

// SaveDomain 保存托管域名。
func (s *Store) SaveDomain(d *domain.ManagedDomain) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *d
	s.domains[cp.ID] = &cp
	s.byName[strings.ToLower(cp.Name)] = cp.ID
	return nil
}

// GetActiveDomain 按名称查找激活的托管域名。
func (s *Store) GetActiveDomain(name string) (*domain.ManagedDomain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byName[strings.ToLower(name)]
	if !ok {
		return nil, storage.ErrDomainNotFound
	}
	d := s.domains[id]
	if d == nil || !d.IsActive {
		return nil, storage.ErrDomainNotFound
	}
	cp := *d
	return &cp, nil
}

// ListActiveDomains 返回全部激活域名，按名称排序。
func (s *Store) ListActiveDomains() ([]*domain.ManagedDomain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.ManagedDomain, 0, len(s.domains))
	for _, d := range s.domains {
		if d.IsActive {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DeleteDomain 删除托管域名。
func (s *Store) DeleteDomain(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.domains[id]
	if !ok {
		return storage.ErrDomainNotFound
	}
	delete(s.byName, strings.ToLower(d.Name))
	delete(s.domains, id)
	return nil
}

// ========== AccountRepository ==========

// SaveAccount 保存上游邮箱账号。
func (s *Store) SaveAccount(a *domain.BackingAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *a
	s.accounts[cp.ID] = &cp
	return nil
}

// ListActiveAccounts 返回全部激活的上游邮箱账号。
func (s *Store) ListActiveAccounts() ([]*domain.BackingAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.BackingAccount, 0, len(s.accounts))
	for _, a := range s.accounts {
		if a.IsActive {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

// DeleteAccount 删除上游邮箱账号，并清空引用它的域名上的 AccountID。
func (s *Store) DeleteAccount(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[id]; !ok {
		return storage.ErrAccountNotFound
	}
	delete(s.accounts, id)
	for _, d := range s.domains {
		if d.AccountID != nil && *d.AccountID == id {
			d.AccountID = nil
		}
	}
	return nil
}

// ========== InboxRepository ==========

// SaveInbox 保存收件箱。
func (s *Store) SaveInbox(inbox *domain.Inbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *inbox
	s.inboxes[cp.ID] = &cp
	s.bySession[cp.SessionID] = cp.ID
	return nil
}

// GetInboxBySession 按 SessionID 查找满足 active-or-held 谓词的收件箱。
func (s *Store) GetInboxBySession(sessionID string) (*domain.Inbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.bySession[sessionID]
	if !ok {
		return nil, storage.ErrInboxNotFound
	}
	inbox := s.inboxes[id]
	if inbox == nil || !inbox.ActiveAt(time.Now()) {
		return nil, storage.ErrInboxNotFound
	}
	cp := *inbox
	return &cp, nil
}

// FindActiveInbox 按 (username, domain) 查找满足 active-or-held 谓词的收件箱。
func (s *Store) FindActiveInbox(username, domainName string) (*domain.Inbox, error) {
	username = strings.ToLower(username)
	domainName = strings.ToLower(domainName)

	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	for _, inbox := range s.inboxes {
		if strings.ToLower(inbox.Username) == username &&
			strings.ToLower(inbox.Domain) == domainName &&
			inbox.ActiveAt(now) {
			cp := *inbox
			return &cp, nil
		}
	}
	return nil, storage.ErrInboxNotFound
}

// UpdateExpiry 重置收件箱的过期时间。
func (s *Store) UpdateExpiry(sessionID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inbox := s.activeBySessionLocked(sessionID)
	if inbox == nil {
		return storage.ErrInboxNotFound
	}
	inbox.ExpiresAt = expiresAt
	return nil
}

// SetHold 更新收件箱的保护标记与过期时间。
func (s *Store) SetHold(sessionID string, held bool, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.bySession[sessionID]
	if !ok {
		return storage.ErrInboxNotFound
	}
	inbox := s.inboxes[id]
	if inbox == nil {
		return storage.ErrInboxNotFound
	}
	inbox.IsHeld = held
	inbox.ExpiresAt = expiresAt
	return nil
}

// RotateSession 将收件箱的 SessionID 替换为新值。
func (s *Store) RotateSession(inboxID, newSessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inbox, ok := s.inboxes[inboxID]
	if !ok {
		return storage.ErrInboxNotFound
	}
	delete(s.bySession, inbox.SessionID)
	inbox.SessionID = newSessionID
	s.bySession[newSessionID] = inboxID
	return nil
}

// ListHeldInboxes 返回全部处于保护状态的收件箱，按创建时间倒序。
func (s *Store) ListHeldInboxes() ([]*domain.Inbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Inbox, 0)
	for _, inbox := range s.inboxes {
		if inbox.IsHeld {
			cp := *inbox
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// DeleteInbox 删除收件箱并级联删除其邮件与附件。
func (s *Store) DeleteInbox(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.inboxes[id]; !ok {
		return storage.ErrInboxNotFound
	}
	s.deleteInboxLocked(id)
	return nil
}

// DeleteExpiredInboxes 删除所有过期且未保护的收件箱，返回删除数量。
func (s *Store) DeleteExpiredInboxes(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, inbox := range s.inboxes {
		if !inbox.IsHeld && !inbox.ExpiresAt.After(now) {
			s.deleteInboxLocked(id)
			deleted++
		}
	}
	return deleted, nil
}

// ========== MessageRepository ==========

// InsertMessage 以 insert-or-ignore 语义写入邮件。
func (s *Store) InsertMessage(message *domain.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byDedupKey[message.DedupKey]; exists {
		return false, nil
	}
	cp := *message
	cp.Attachments = nil
	s.messages[cp.ID] = &cp
	s.byDedupKey[cp.DedupKey] = cp.ID
	return true, nil
}

// SaveAttachment 持久化附件。
func (s *Store) SaveAttachment(attachment *domain.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[attachment.MessageID]; !ok {
		return storage.ErrMessageNotFound
	}
	cp := *attachment
	s.attachments[cp.ID] = &cp
	return nil
}

// ListMessages 按 received_at 倒序返回收件箱的邮件概要。
func (s *Store) ListMessages(inboxID string) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Message, 0)
	for _, m := range s.messages {
		if m.InboxID != inboxID {
			continue
		}
		cp := *m
		cp.AttachmentCount = s.countAttachmentsLocked(m.ID)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	return out, nil
}

// GetMessage 获取单封邮件详情（含附件元数据，不含附件内容）。
func (s *Store) GetMessage(inboxID, messageID string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[messageID]
	if !ok || m.InboxID != inboxID {
		return nil, storage.ErrMessageNotFound
	}
	cp := *m
	cp.Attachments = s.listAttachmentsLocked(messageID, false)
	cp.AttachmentCount = len(cp.Attachments)
	return &cp, nil
}

// MarkMessageRead 将邮件标记为已读。
func (s *Store) MarkMessageRead(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return storage.ErrMessageNotFound
	}
	m.IsRead = true
	return nil
}

// DeleteMessage 删除邮件并级联删除其附件。
func (s *Store) DeleteMessage(inboxID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok || m.InboxID != inboxID {
		return storage.ErrMessageNotFound
	}
	s.deleteMessageLocked(messageID)
	return nil
}

// ListAttachments 返回邮件的附件（含内容）。
func (s *Store) ListAttachments(messageID string) ([]*domain.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listAttachmentsLocked(messageID, true), nil
}

// GetAttachment 按收件箱 + 附件 ID 获取附件。
func (s *Store) GetAttachment(inboxID, attachmentID string) (*domain.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	att, ok := s.attachments[attachmentID]
	if !ok {
		return nil, storage.ErrAttachmentNotFound
	}
	m, ok := s.messages[att.MessageID]
	if !ok || m.InboxID != inboxID {
		return nil, storage.ErrAttachmentNotFound
	}
	cp := *att
	return &cp, nil
}

// DeleteOrphanMessages 删除收件箱已不存在的邮件行。
func (s *Store) DeleteOrphanMessages() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, m := range s.messages {
		if _, ok := s.inboxes[m.InboxID]; !ok {
			s.deleteMessageLocked(id)
			deleted++
		}
	}
	return deleted, nil
}

// ========== 工具方法 ==========

// Compact 内存存储无需压缩。
func (s *Store) Compact() error { return nil }

// Close 关闭存储。
func (s *Store) Close() error { return nil }

// Health 健康检查。
func (s *Store) Health() error { return nil }

func (s *Store) activeBySessionLocked(sessionID string) *domain.Inbox {
	id, ok := s.bySession[sessionID]
	if !ok {
		return nil
	}
	inbox := s.inboxes[id]
	if inbox == nil || !inbox.ActiveAt(time.Now()) {
		return nil
	}
	return inbox
}

func (s *Store) deleteInboxLocked(id string) {
	inbox := s.inboxes[id]
	if inbox == nil {
		return
	}
	for msgID, m := range s.messages {
		if m.InboxID == id {
			s.deleteMessageLocked(msgID)
		}
	}
	delete(s.bySession, inbox.SessionID)
	delete(s.inboxes, id)
}

func (s *Store) deleteMessageLocked(messageID string) {
	m := s.messages[messageID]
	if m == nil {
		return
	}
	for attID, att := range s.attachments {
		if att.MessageID == messageID {
			delete(s.attachments, attID)
		}
	}
	delete(s.byDedupKey, m.DedupKey)
	delete(s.messages, messageID)
}

func (s *Store) countAttachmentsLocked(messageID string) int {
	count := 0
	for _, att := range s.attachments {
		if att.MessageID == messageID {
			count++
		}
	}
	return count
}

func (s *Store) listAttachmentsLocked(messageID string, withContent bool) []*domain.Attachment {
	out := make([]*domain.Attachment, 0)
	for _, att := range s.attachments {
		if att.MessageID != messageID {
			continue
		}
		cp := *att
		if !withContent {
			cp.Content = nil
		}
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out
}
