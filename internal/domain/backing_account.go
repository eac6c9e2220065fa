package domain

import "time"

// BackingAccount 表示轮询采集器使用的上游邮箱账号。
//
// 该账号仅作为邮件中转缓冲，采集器会修改其上游"已读"标记。
// 删除账号时只清空引用它的 ManagedDomain.AccountID，不级联删除域名。
type BackingAccount struct {
	ID          string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Email       string    `json:"email" gorm:"type:varchar(255);uniqueIndex"`
	Password    string    `json:"-" gorm:"type:varchar(255)"`
	IMAPHost    string    `json:"imapHost" gorm:"type:varchar(255)"`
	IMAPPort    int       `json:"imapPort" gorm:"default:993"`
	IsActive    bool      `json:"isActive" gorm:"default:true"`
	Description string    `json:"description" gorm:"type:varchar(500)"`
	CreatedAt   time.Time `json:"createdAt"`
}
