package smtp

import (
	"time"

	gosmtp "github.com/emersion/go-smtp"

	"driftmail/backend/internal/config"
)

// NewServer 构建监听配置就绪的 SMTP 服务器。
//
// 不要求 TLS，认证可选；超出 MaxMessageBytes 的正文
// 由协议层直接拒绝。
func NewServer(cfg config.SMTPConfig, backend *Backend) *gosmtp.Server {
	server := gosmtp.NewServer(backend)
	server.Addr = cfg.BindAddr
	server.Domain = cfg.Domain
	server.ReadTimeout = 60 * time.Second
	server.WriteTimeout = 60 * time.Second
	server.MaxMessageBytes = cfg.MaxMessageBytes
	server.MaxRecipients = cfg.MaxRecipients
	server.AllowInsecureAuth = true
	return server
}
