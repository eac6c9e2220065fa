package service

import (
	"errors"

	"go.uber.org/zap"

	"driftmail/backend/internal/domain"
	"driftmail/backend/internal/storage"
)

var (
	// ErrMessageNotFound 邮件不存在或不属于该收件箱
	ErrMessageNotFound = errors.New("message not found")
	// ErrAttachmentNotFound 附件不存在或不属于该收件箱
	ErrAttachmentNotFound = errors.New("attachment not found")
)

// MessageService 封装邮件读取相关业务操作。
//
// 所有操作以 SessionID 为访问凭证，邮件和附件必须
// 经由该会话对应的收件箱可达。
type MessageService struct {
	inboxes *InboxService
	store   storage.Store
	log     *zap.Logger
}

// NewMessageService 创建邮件业务服务。
func NewMessageService(inboxes *InboxService, store storage.Store, log *zap.Logger) *MessageService {
	return &MessageService{
		inboxes: inboxes,
		store:   store,
		log:     log,
	}
}

// List 返回收件箱的全部邮件，按接收时间倒序。
//
// 返回的邮件包含附件数量，不包含附件内容。
func (s *MessageService) List(sessionID string) ([]domain.Message, error) {
	inbox, err := s.inboxes.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return s.store.ListMessages(inbox.ID)
}

// Get 获取单封邮件（含附件元数据）并标记为已读。
func (s *MessageService) Get(sessionID, messageID string) (*domain.Message, error) {
	inbox, err := s.inboxes.Get(sessionID)
	if err != nil {
		return nil, err
	}

	message, err := s.store.GetMessage(inbox.ID, messageID)
	if err != nil {
		if errors.Is(err, storage.ErrMessageNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}

	if !message.IsRead {
		if err := s.store.MarkMessageRead(message.ID); err != nil {
			// 已读标记失败不影响读取本身
			s.log.Warn("Failed to mark message read",
				zap.String("message_id", message.ID),
				zap.Error(err))
		} else {
			message.IsRead = true
		}
	}

	return message, nil
}

// Delete 删除收件箱中的单封邮件及其附件。
func (s *MessageService) Delete(sessionID, messageID string) error {
	inbox, err := s.inboxes.Get(sessionID)
	if err != nil {
		return err
	}

	if err := s.store.DeleteMessage(inbox.ID, messageID); err != nil {
		if errors.Is(err, storage.ErrMessageNotFound) {
			return ErrMessageNotFound
		}
		return err
	}

	s.log.Debug("Message deleted",
		zap.String("inbox_id", inbox.ID),
		zap.String("message_id", messageID))

	return nil
}

// GetAttachment 获取附件内容，附件必须经由该会话的收件箱可达。
func (s *MessageService) GetAttachment(sessionID, attachmentID string) (*domain.Attachment, error) {
	inbox, err := s.inboxes.Get(sessionID)
	if err != nil {
		return nil, err
	}

	attachment, err := s.store.GetAttachment(inbox.ID, attachmentID)
	if err != nil {
		if errors.Is(err, storage.ErrAttachmentNotFound) {
			return nil, ErrAttachmentNotFound
		}
		return nil, err
	}

	return attachment, nil
}
