package httptransport

import (
	"driftmail/backend/internal/domain"
	"driftmail/backend/internal/service"
)

// 错误消息映射表（业务错误 -> 中文消息）
var errorMessages = map[error]string{
	// 参数校验错误
	domain.ErrInvalidUsername: "用户名格式无效",
	domain.ErrInvalidPIN:      "PIN 必须为 4-8 位数字",
	domain.ErrInvalidDomain:   "域名格式无效",
	domain.ErrInvalidAddress:  "邮件地址格式无效",

	// 收件箱生命周期错误
	service.ErrDomainNotActive:      "域名不在托管列表中",
	service.ErrAddressTaken:         "该地址已被占用",
	service.ErrAddressTakenWithPIN:  "该地址已被占用，可通过 PIN 重新认领",
	service.ErrInboxNotFound:        "收件箱不存在或已过期",
	service.ErrPINNotSet:            "该收件箱未设置 PIN",
	service.ErrPINMismatch:          "PIN 校验失败",
	service.ErrAlreadyHeld:          "收件箱已处于保护状态",
	service.ErrNotHeld:              "收件箱未处于保护状态",
	service.ErrHoldPasswordMismatch: "保护口令错误",
	service.ErrHoldDisabled:         "保护功能未启用",

	// 邮件错误
	service.ErrMessageNotFound:    "邮件不存在",
	service.ErrAttachmentNotFound: "附件不存在",
}

// GetErrorMessage 获取错误的中文消息
func GetErrorMessage(err error) string {
	if msg, ok := errorMessages[err]; ok {
		return msg
	}
	return err.Error()
}

// 通用错误消息
const (
	// 请求相关
	MsgInvalidRequest = "请求参数格式错误"

	// 收件箱相关
	MsgInboxCreateFailed = "创建收件箱失败"
	MsgInboxNotFound     = "收件箱不存在或已过期"
	MsgInboxDeleteFailed = "删除收件箱失败"
	MsgInboxExtendFailed = "续期失败"
	MsgInboxHoldFailed   = "更新保护状态失败"
	MsgReclaimFailed     = "重新认领失败"
	MsgCheckFailed       = "查询地址可用性失败"
	MsgHeldListFailed    = "获取保护列表失败"

	// 邮件相关
	MsgMessageNotFound   = "邮件不存在"
	MsgMessageListFailed = "获取邮件列表失败"
	MsgMessageGetFailed  = "获取邮件详情失败"
	MsgMessageDelFailed  = "删除邮件失败"

	// 附件相关
	MsgAttachmentNotFound = "附件不存在"

	// 域名相关
	MsgDomainListFailed = "获取域名列表失败"

	// 服务器错误
	MsgInternalError = "服务器内部错误，请稍后重试"
)
