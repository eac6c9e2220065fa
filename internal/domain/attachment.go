package domain

// Attachment 表示邮件附件，始终归属于唯一一封 Message，并随之级联删除。
type Attachment struct {
	ID          string `json:"id" gorm:"primaryKey;type:varchar(36)"`
	MessageID   string `json:"messageId" gorm:"type:varchar(36);index;not null"`
	Filename    string `json:"filename" gorm:"type:varchar(255)"`
	ContentType string `json:"contentType" gorm:"type:varchar(100)"`
	Size        int64  `json:"size"`
	// 列类型交给方言决定（MySQL longblob / PostgreSQL bytea），
	// 显式 blob 在 PostgreSQL 不存在，在 MySQL 上限仅 64KiB
	Content []byte `json:"-"`
}
