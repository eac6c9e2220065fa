package smtp

import (
	"context"
	"io"
	"strings"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"driftmail/backend/internal/ingest"
	"driftmail/backend/internal/monitoring"
)

// Backend 实现 go-smtp 的 Backend 接口。
//
// 这是一个只接收邮件的 SMTP 服务器（Receiving-Only SMTP Server）：
// - 只接收发送到托管域名下活跃收件箱的邮件
// - RCPT 阶段快速失败：非托管域名或无匹配收件箱一律 550 拒绝，
//   避免无谓的正文传输，并让上游客户端逐收件人处理
// - 不支持对外发送邮件，不会成为开放中继
// - 认证步骤可选，匿名连接直接放行
type Backend struct {
	router   *ingest.Router
	pipeline *ingest.Pipeline
	limiter  *ConnectionLimiter
	log      *zap.Logger
}

// NewBackend 创建 SMTP Backend。limiter 可以为 nil。
func NewBackend(router *ingest.Router, pipeline *ingest.Pipeline, limiter *ConnectionLimiter, log *zap.Logger) *Backend {
	return &Backend{
		router:   router,
		pipeline: pipeline,
		limiter:  limiter,
		log:      log,
	}
}

// NewSession 创建新的 SMTP 会话。
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	if b.limiter != nil && !b.limiter.Acquire() {
		return nil, &gosmtp.SMTPError{
			Code:         421,
			EnhancedCode: gosmtp.EnhancedCode{4, 7, 0},
			Message:      "too many connections, try again later",
		}
	}
	return &session{backend: b}, nil
}

type session struct {
	backend     *Backend
	fromAddress string
	recipients  []string
	released    bool
}

// Mail 处理 MAIL 命令。
func (s *session) Mail(from string, opts *gosmtp.MailOptions) error {
	s.fromAddress = normalizeAddress(from)
	return nil
}

// Rcpt 处理 RCPT 命令。
//
// 在接受正文之前逐收件人校验：域名必须是活跃的托管域名，
// 且存在满足活跃谓词的收件箱。任一不满足立即 550 拒绝。
// 收件箱可能在正文传输期间过期，投递时还会按当前状态重查。
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	addr := normalizeAddress(to)

	parts := strings.Split(addr, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return &gosmtp.SMTPError{
			Code:         501,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
			Message:      "invalid recipient address",
		}
	}

	if !s.backend.router.DomainManaged(parts[1]) {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
			Message:      "relay access denied - domain not managed by this server",
		}
	}

	if _, err := s.backend.router.Route(addr); err != nil {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
			Message:      "recipient inbox not found or expired",
		}
	}

	s.recipients = append(s.recipients, addr)
	return nil
}

// Data 处理邮件内容。
//
// 解析失败或存储故障以 451 临时错误回报给发送方，只影响
// 本次传输；正文接收后收件箱已过期的情况记录日志后丢弃。
func (s *session) Data(r io.Reader) error {
	rawBytes, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	parsed, err := ingest.ParseEmail(rawBytes)
	if err != nil {
		monitoring.EmailParseFailures.Inc()
		s.backend.log.Warn("Rejecting unparsable email",
			zap.String("from", s.fromAddress),
			zap.Error(err))
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      "message could not be processed",
		}
	}
	if parsed.From == "" {
		parsed.From = s.fromAddress
	}

	if _, err := s.backend.pipeline.Deliver(context.Background(), parsed, s.recipients, "smtp"); err != nil {
		s.backend.log.Error("Failed to persist inbound email",
			zap.String("from", s.fromAddress),
			zap.Error(err))
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      "temporary storage failure",
		}
	}

	return nil
}

// AuthPlain 处理 PLAIN 认证（此处允许匿名）。
func (s *session) AuthPlain(username, password string) error {
	return nil
}

// Reset 重置状态。
func (s *session) Reset() {
	s.fromAddress = ""
	s.recipients = nil
}

// Logout 会话结束。
func (s *session) Logout() error {
	if s.backend.limiter != nil && !s.released {
		s.backend.limiter.Release()
		s.released = true
	}
	return nil
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.Trim(addr, "<>")
	return strings.ToLower(addr)
}
