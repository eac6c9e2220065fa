package domain

import "time"

// ManagedDomain 表示系统托管的邮件域名。
//
// 域名必须处于激活状态才允许创建收件箱或接收邮件，
// 且每次使用时重新查询，绝不跨请求缓存。
type ManagedDomain struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Name      string    `json:"name" gorm:"type:varchar(255);uniqueIndex"`
	IsActive  bool      `json:"isActive" gorm:"default:true"`
	AccountID *string   `json:"accountId,omitempty" gorm:"type:varchar(36);index"`
	CreatedAt time.Time `json:"createdAt"`
}
