package domain

import (
	"errors"
	"regexp"
	"strings"
)

// 验证相关的错误定义
var (
	ErrInvalidUsername = errors.New("invalid username format")
	ErrInvalidPIN      = errors.New("pin must be 4-8 digits")
	ErrInvalidDomain   = errors.New("invalid domain format")
	ErrInvalidAddress  = errors.New("invalid email address")
)

// 验证常量
const (
	// 用户名长度限制（即邮箱本地部分）
	MinUsernameLength = 3
	MaxUsernameLength = 30

	// 域名最大长度（RFC 5322）
	MaxDomainLength = 253
)

// 正则表达式
var (
	// 用户名：首尾必须为字母或数字，中间允许 . _ -
	usernameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{1,28}[a-z0-9]$`)

	// PIN：4-8 位数字
	pinRegex = regexp.MustCompile(`^\d{4,8}$`)

	// 域名验证（支持子域名）
	domainRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]{0,61}[a-zA-Z0-9]?(\.[a-zA-Z0-9][a-zA-Z0-9-]{0,61}[a-zA-Z0-9]?)*$`)
)

// NormalizeUsername 规范化用户名（小写、去空白）。
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// ValidateUsername 验证收件箱用户名。
func ValidateUsername(username string) error {
	if len(username) < MinUsernameLength || len(username) > MaxUsernameLength {
		return ErrInvalidUsername
	}
	if !usernameRegex.MatchString(username) {
		return ErrInvalidUsername
	}
	// 不允许连续的特殊字符
	for _, seq := range []string{"..", ".-", "-.", "--", "__", "_.", "._"} {
		if strings.Contains(username, seq) {
			return ErrInvalidUsername
		}
	}
	return nil
}

// ValidatePIN 验证 PIN 格式。空 PIN 视为未设置，不报错。
func ValidatePIN(pin string) error {
	if pin == "" {
		return nil
	}
	if !pinRegex.MatchString(pin) {
		return ErrInvalidPIN
	}
	return nil
}

// ValidateDomain 验证域名格式。
func ValidateDomain(name string) error {
	if name == "" || len(name) > MaxDomainLength {
		return ErrInvalidDomain
	}
	if !domainRegex.MatchString(name) {
		return ErrInvalidDomain
	}
	labels := strings.Split(name, ".")
	for _, label := range labels {
		if len(label) > 63 {
			return ErrInvalidDomain
		}
	}
	return nil
}

// SplitAddress 将邮件地址拆分为本地部分和域名，均转为小写。
func SplitAddress(address string) (local, domainName string, err error) {
	address = strings.ToLower(strings.TrimSpace(strings.Trim(address, "<>")))
	parts := strings.Split(address, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrInvalidAddress
	}
	return parts[0], parts[1], nil
}
