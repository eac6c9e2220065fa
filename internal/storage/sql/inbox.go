package sql

import (
	"database/sql"
	"errors"
	"time"

	"driftmail/backend/internal/domain"
	"driftmail/backend/internal/storage"
)

// ========== Inbox Repository ==========

const inboxColumns = `id, session_id, username, domain, pin_hash, is_held, created_at, expires_at`

func scanInbox(row interface{ Scan(...any) error }) (*domain.Inbox, error) {
	var inbox domain.Inbox
	err := row.Scan(
		&inbox.ID,
		&inbox.SessionID,
		&inbox.Username,
		&inbox.Domain,
		&inbox.PINHash,
		&inbox.IsHeld,
		&inbox.CreatedAt,
		&inbox.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrInboxNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inbox, nil
}

// SaveInbox 保存收件箱
func (s *Store) SaveInbox(inbox *domain.Inbox) error {
	query := `
		INSERT INTO inboxes (id, session_id, username, domain, pin_hash, is_held, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(s.rebind(query),
		inbox.ID,
		inbox.SessionID,
		inbox.Username,
		inbox.Domain,
		inbox.PINHash,
		inbox.IsHeld,
		inbox.CreatedAt,
		inbox.ExpiresAt,
	)
	return err
}

// GetInboxBySession 按 SessionID 查找满足 active-or-held 谓词的收件箱
func (s *Store) GetInboxBySession(sessionID string) (*domain.Inbox, error) {
	query := `
		SELECT ` + inboxColumns + `
		FROM inboxes
		WHERE session_id = ? AND (expires_at > ? OR is_held = TRUE)
	`
	return scanInbox(s.db.QueryRow(s.rebind(query), sessionID, time.Now().UTC()))
}

// FindActiveInbox 按 (username, domain) 查找满足 active-or-held 谓词的收件箱
func (s *Store) FindActiveInbox(username, domainName string) (*domain.Inbox, error) {
	query := `
		SELECT ` + inboxColumns + `
		FROM inboxes
		WHERE LOWER(username) = LOWER(?) AND LOWER(domain) = LOWER(?)
			AND (expires_at > ? OR is_held = TRUE)
	`
	return scanInbox(s.db.QueryRow(s.rebind(query), username, domainName, time.Now().UTC()))
}

// UpdateExpiry 重置收件箱的过期时间
func (s *Store) UpdateExpiry(sessionID string, expiresAt time.Time) error {
	query := `
		UPDATE inboxes SET expires_at = ?
		WHERE session_id = ? AND (expires_at > ? OR is_held = TRUE)
	`
	result, err := s.db.Exec(s.rebind(query), expiresAt, sessionID, time.Now().UTC())
	if err != nil {
		return err
	}
	return requireAffected(result, storage.ErrInboxNotFound)
}

// SetHold 更新收件箱的保护标记与过期时间。
//
// hold/unhold 对过期收件箱没有意义，但查找条件不带 active 谓词：
// 状态检查由业务层完成（需要区分"不存在"与"状态不符"）。
func (s *Store) SetHold(sessionID string, held bool, expiresAt time.Time) error {
	query := `UPDATE inboxes SET is_held = ?, expires_at = ? WHERE session_id = ?`
	result, err := s.db.Exec(s.rebind(query), held, expiresAt, sessionID)
	if err != nil {
		return err
	}
	return requireAffected(result, storage.ErrInboxNotFound)
}

// RotateSession 将收件箱的 SessionID 替换为新值
func (s *Store) RotateSession(inboxID, newSessionID string) error {
	query := `UPDATE inboxes SET session_id = ? WHERE id = ?`
	result, err := s.db.Exec(s.rebind(query), newSessionID, inboxID)
	if err != nil {
		return err
	}
	return requireAffected(result, storage.ErrInboxNotFound)
}

// ListHeldInboxes 获取全部处于保护状态的收件箱
func (s *Store) ListHeldInboxes() ([]*domain.Inbox, error) {
	query := `
		SELECT ` + inboxColumns + `
		FROM inboxes
		WHERE is_held = TRUE
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	inboxes := make([]*domain.Inbox, 0)
	for rows.Next() {
		inbox, err := scanInbox(rows)
		if err != nil {
			return nil, err
		}
		inboxes = append(inboxes, inbox)
	}
	return inboxes, rows.Err()
}

// DeleteInbox 删除收件箱并级联删除其邮件与附件
func (s *Store) DeleteInbox(id string) error {
	if err := s.deleteMessagesOfInboxes(s.rebind(`SELECT id FROM inboxes WHERE id = ?`), id); err != nil {
		return err
	}
	result, err := s.db.Exec(s.rebind(`DELETE FROM inboxes WHERE id = ?`), id)
	if err != nil {
		return err
	}
	return requireAffected(result, storage.ErrInboxNotFound)
}

// DeleteExpiredInboxes 删除所有过期且未保护的收件箱，返回删除数量
func (s *Store) DeleteExpiredInboxes(now time.Time) (int, error) {
	sub := s.rebind(`SELECT id FROM inboxes WHERE expires_at <= ? AND is_held = FALSE`)
	if err := s.deleteMessagesOfInboxes(sub, now.UTC()); err != nil {
		return 0, err
	}

	result, err := s.db.Exec(
		s.rebind(`DELETE FROM inboxes WHERE expires_at <= ? AND is_held = FALSE`),
		now.UTC(),
	)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	return int(affected), err
}

// deleteMessagesOfInboxes 级联删除子查询命中的收件箱的邮件与附件。
// 参数复用同一子查询，附件先于邮件删除。
func (s *Store) deleteMessagesOfInboxes(inboxSubquery string, args ...any) error {
	attQuery := `
		DELETE FROM attachments WHERE message_id IN (
			SELECT id FROM messages WHERE inbox_id IN (` + inboxSubquery + `)
		)
	`
	if _, err := s.db.Exec(attQuery, args...); err != nil {
		return err
	}
	msgQuery := `DELETE FROM messages WHERE inbox_id IN (` + inboxSubquery + `)`
	_, err := s.db.Exec(msgQuery, args...)
	return err
}

func requireAffected(result sql.Result, notFound error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return notFound
	}
	return nil
}
