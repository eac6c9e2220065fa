package sql

import (
	"database/sql"
	"errors"

	"driftmail/backend/internal/domain"
	"driftmail/backend/internal/storage"
)

// ========== Domain Repository ==========

// SaveDomain 保存托管域名
func (s *Store) SaveDomain(d *domain.ManagedDomain) error {
	var query string
	if s.driverName == "postgres" {
		query = `
			INSERT INTO managed_domains (id, name, is_active, account_id, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				is_active = EXCLUDED.is_active,
				account_id = EXCLUDED.account_id
		`
	} else {
		query = `
			INSERT INTO managed_domains (id, name, is_active, account_id, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				name = VALUES(name),
				is_active = VALUES(is_active),
				account_id = VALUES(account_id)
		`
	}
	_, err := s.db.Exec(s.rebind(query),
		d.ID,
		d.Name,
		d.IsActive,
		d.AccountID,
		d.CreatedAt,
	)
	return err
}

// GetActiveDomain 按名称获取激活的托管域名
func (s *Store) GetActiveDomain(name string) (*domain.ManagedDomain, error) {
	query := `
		SELECT id, name, is_active, account_id, created_at
		FROM managed_domains
		WHERE LOWER(name) = LOWER(?) AND is_active = TRUE
	`
	var d domain.ManagedDomain
	err := s.db.QueryRow(s.rebind(query), name).Scan(
		&d.ID,
		&d.Name,
		&d.IsActive,
		&d.AccountID,
		&d.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrDomainNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListActiveDomains 获取所有激活的托管域名
func (s *Store) ListActiveDomains() ([]*domain.ManagedDomain, error) {
	query := `
		SELECT id, name, is_active, account_id, created_at
		FROM managed_domains
		WHERE is_active = TRUE
		ORDER BY name
	`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	domains := make([]*domain.ManagedDomain, 0)
	for rows.Next() {
		var d domain.ManagedDomain
		if err := rows.Scan(&d.ID, &d.Name, &d.IsActive, &d.AccountID, &d.CreatedAt); err != nil {
			return nil, err
		}
		domains = append(domains, &d)
	}
	return domains, rows.Err()
}

// DeleteDomain 删除托管域名
func (s *Store) DeleteDomain(id string) error {
	result, err := s.db.Exec(s.rebind(`DELETE FROM managed_domains WHERE id = ?`), id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return storage.ErrDomainNotFound
	}
	return nil
}

// ========== Account Repository ==========

// SaveAccount 保存上游邮箱账号
func (s *Store) SaveAccount(a *domain.BackingAccount) error {
	var query string
	if s.driverName == "postgres" {
		query = `
			INSERT INTO backing_accounts (id, email, password, imap_host, imap_port, is_active, description, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				email = EXCLUDED.email,
				password = EXCLUDED.password,
				imap_host = EXCLUDED.imap_host,
				imap_port = EXCLUDED.imap_port,
				is_active = EXCLUDED.is_active,
				description = EXCLUDED.description
		`
	} else {
		query = `
			INSERT INTO backing_accounts (id, email, password, imap_host, imap_port, is_active, description, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				email = VALUES(email),
				password = VALUES(password),
				imap_host = VALUES(imap_host),
				imap_port = VALUES(imap_port),
				is_active = VALUES(is_active),
				description = VALUES(description)
		`
	}
	_, err := s.db.Exec(s.rebind(query),
		a.ID,
		a.Email,
		a.Password,
		a.IMAPHost,
		a.IMAPPort,
		a.IsActive,
		a.Description,
		a.CreatedAt,
	)
	return err
}

// ListActiveAccounts 获取所有激活的上游邮箱账号
func (s *Store) ListActiveAccounts() ([]*domain.BackingAccount, error) {
	query := `
		SELECT id, email, password, imap_host, imap_port, is_active, description, created_at
		FROM backing_accounts
		WHERE is_active = TRUE
		ORDER BY email
	`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := make([]*domain.BackingAccount, 0)
	for rows.Next() {
		var a domain.BackingAccount
		if err := rows.Scan(&a.ID, &a.Email, &a.Password, &a.IMAPHost, &a.IMAPPort, &a.IsActive, &a.Description, &a.CreatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, &a)
	}
	return accounts, rows.Err()
}

// DeleteAccount 删除上游邮箱账号，并清空引用它的域名上的 account_id。
//
// 引用清理与删除各自是单条语句；先清引用再删账号，
// 中途失败也不会留下悬空引用。
func (s *Store) DeleteAccount(id string) error {
	if _, err := s.db.Exec(s.rebind(`UPDATE managed_domains SET account_id = NULL WHERE account_id = ?`), id); err != nil {
		return err
	}
	result, err := s.db.Exec(s.rebind(`DELETE FROM backing_accounts WHERE id = ?`), id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return storage.ErrAccountNotFound
	}
	return nil
}
