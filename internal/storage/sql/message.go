package sql

import (
	"database/sql"
	"errors"

	"driftmail/backend/internal/domain"
	"driftmail/backend/internal/storage"
)

// ========== Message Repository ==========

// InsertMessage 以 insert-or-ignore 语义写入邮件。
//
// DedupKey 上的唯一约束是幂等持久化的最终裁决点：
// 冲突时 RowsAffected 为 0，返回 inserted=false 且不报错。
func (s *Store) InsertMessage(message *domain.Message) (bool, error) {
	var query string
	if s.driverName == "postgres" {
		query = `
			INSERT INTO messages (id, inbox_id, dedup_key, from_address, to_address, subject, text_body, html_body, received_at, is_read)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (dedup_key) DO NOTHING
		`
	} else {
		query = `
			INSERT IGNORE INTO messages (id, inbox_id, dedup_key, from_address, to_address, subject, text_body, html_body, received_at, is_read)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
	}
	result, err := s.db.Exec(s.rebind(query),
		message.ID,
		message.InboxID,
		message.DedupKey,
		message.FromAddress,
		message.ToAddress,
		message.Subject,
		message.TextBody,
		message.HTMLBody,
		message.ReceivedAt,
		message.IsRead,
	)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// SaveAttachment 持久化附件
func (s *Store) SaveAttachment(attachment *domain.Attachment) error {
	query := `
		INSERT INTO attachments (id, message_id, filename, content_type, size, content)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(s.rebind(query),
		attachment.ID,
		attachment.MessageID,
		attachment.Filename,
		attachment.ContentType,
		attachment.Size,
		attachment.Content,
	)
	return err
}

// ListMessages 按 received_at 倒序返回收件箱的邮件概要
func (s *Store) ListMessages(inboxID string) ([]domain.Message, error) {
	query := `
		SELECT m.id, m.inbox_id, m.dedup_key, m.from_address, m.to_address, m.subject,
			m.received_at, m.is_read,
			(SELECT COUNT(*) FROM attachments a WHERE a.message_id = m.id) AS attachment_count
		FROM messages m
		WHERE m.inbox_id = ?
		ORDER BY m.received_at DESC
	`
	rows, err := s.db.Query(s.rebind(query), inboxID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]domain.Message, 0)
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(
			&m.ID,
			&m.InboxID,
			&m.DedupKey,
			&m.FromAddress,
			&m.ToAddress,
			&m.Subject,
			&m.ReceivedAt,
			&m.IsRead,
			&m.AttachmentCount,
		); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// GetMessage 获取单封邮件详情（含附件元数据，不含附件内容）
func (s *Store) GetMessage(inboxID, messageID string) (*domain.Message, error) {
	query := `
		SELECT id, inbox_id, dedup_key, from_address, to_address, subject,
			text_body, html_body, received_at, is_read
		FROM messages
		WHERE id = ? AND inbox_id = ?
	`
	var m domain.Message
	err := s.db.QueryRow(s.rebind(query), messageID, inboxID).Scan(
		&m.ID,
		&m.InboxID,
		&m.DedupKey,
		&m.FromAddress,
		&m.ToAddress,
		&m.Subject,
		&m.TextBody,
		&m.HTMLBody,
		&m.ReceivedAt,
		&m.IsRead,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}

	attQuery := `
		SELECT id, message_id, filename, content_type, size
		FROM attachments
		WHERE message_id = ?
		ORDER BY filename
	`
	rows, err := s.db.Query(s.rebind(attQuery), messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var att domain.Attachment
		if err := rows.Scan(&att.ID, &att.MessageID, &att.Filename, &att.ContentType, &att.Size); err != nil {
			return nil, err
		}
		m.Attachments = append(m.Attachments, &att)
	}
	m.AttachmentCount = len(m.Attachments)
	return &m, rows.Err()
}

// MarkMessageRead 将邮件标记为已读
func (s *Store) MarkMessageRead(messageID string) error {
	result, err := s.db.Exec(s.rebind(`UPDATE messages SET is_read = TRUE WHERE id = ?`), messageID)
	if err != nil {
		return err
	}
	return requireAffected(result, storage.ErrMessageNotFound)
}

// DeleteMessage 删除邮件并级联删除其附件
func (s *Store) DeleteMessage(inboxID, messageID string) error {
	delAtt := `
		DELETE FROM attachments WHERE message_id IN (
			SELECT id FROM messages WHERE id = ? AND inbox_id = ?
		)
	`
	if _, err := s.db.Exec(s.rebind(delAtt), messageID, inboxID); err != nil {
		return err
	}
	result, err := s.db.Exec(
		s.rebind(`DELETE FROM messages WHERE id = ? AND inbox_id = ?`),
		messageID, inboxID,
	)
	if err != nil {
		return err
	}
	return requireAffected(result, storage.ErrMessageNotFound)
}

// ListAttachments 返回邮件的附件（含内容）
func (s *Store) ListAttachments(messageID string) ([]*domain.Attachment, error) {
	query := `
		SELECT id, message_id, filename, content_type, size, content
		FROM attachments
		WHERE message_id = ?
		ORDER BY filename
	`
	rows, err := s.db.Query(s.rebind(query), messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attachments := make([]*domain.Attachment, 0)
	for rows.Next() {
		var att domain.Attachment
		if err := rows.Scan(&att.ID, &att.MessageID, &att.Filename, &att.ContentType, &att.Size, &att.Content); err != nil {
			return nil, err
		}
		attachments = append(attachments, &att)
	}
	return attachments, rows.Err()
}

// GetAttachment 按收件箱 + 附件 ID 获取附件（含内容）
func (s *Store) GetAttachment(inboxID, attachmentID string) (*domain.Attachment, error) {
	query := `
		SELECT a.id, a.message_id, a.filename, a.content_type, a.size, a.content
		FROM attachments a
		JOIN messages m ON a.message_id = m.id
		WHERE a.id = ? AND m.inbox_id = ?
	`
	var att domain.Attachment
	err := s.db.QueryRow(s.rebind(query), attachmentID, inboxID).Scan(
		&att.ID,
		&att.MessageID,
		&att.Filename,
		&att.ContentType,
		&att.Size,
		&att.Content,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrAttachmentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &att, nil
}

// DeleteOrphanMessages 删除收件箱已不存在的邮件行（级联缺口的防御性清理）
func (s *Store) DeleteOrphanMessages() (int, error) {
	delAtt := `
		DELETE FROM attachments WHERE message_id IN (
			SELECT id FROM messages WHERE inbox_id NOT IN (SELECT id FROM inboxes)
		)
	`
	if _, err := s.db.Exec(delAtt); err != nil {
		return 0, err
	}
	result, err := s.db.Exec(`DELETE FROM messages WHERE inbox_id NOT IN (SELECT id FROM inboxes)`)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	return int(affected), err
}
