package domain

import "time"

// Inbox 表示一个一次性收件箱。
//
// SessionID 是不可猜测的持有者凭证（bearer capability），
// 持有它即等同于对收件箱拥有读写权限。PIN 仅以单向哈希存储，
// 用于 reclaim（换发新 SessionID），不用于日常访问。
type Inbox struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	SessionID string    `json:"sessionId" gorm:"type:varchar(36);uniqueIndex"`
	Username  string    `json:"username" gorm:"type:varchar(255);index:idx_inboxes_username_domain"`
	Domain    string    `json:"domain" gorm:"type:varchar(255);index:idx_inboxes_username_domain"`
	PINHash   string    `json:"-" gorm:"type:varchar(255)"`
	IsHeld    bool      `json:"isHeld" gorm:"default:false;index"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt" gorm:"index"`
}

// Address 返回收件箱的外部邮件地址。
func (i *Inbox) Address() string {
	return i.Username + "@" + i.Domain
}

// ActiveAt 判断收件箱在给定时刻是否视为活跃。
//
// is_held 为 true 时完全豁免过期检查；expires_at 仅在未保护时有效。
func (i *Inbox) ActiveAt(now time.Time) bool {
	return i.IsHeld || i.ExpiresAt.After(now)
}

// HasPIN 返回收件箱是否设置了 PIN。
func (i *Inbox) HasPIN() bool {
	return i.PINHash != ""
}
