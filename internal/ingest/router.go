package ingest

import (
	"errors"
	"fmt"

	"driftmail/backend/internal/domain"
	"driftmail/backend/internal/storage"
)

// ErrUnroutable 收件地址无法路由到任何活跃收件箱
var ErrUnroutable = errors.New("no active inbox for recipient")

// Router 将收件地址解析为活跃收件箱。
//
// 路由规则：域名必须是已激活的托管域名，且 (username, domain)
// 对应一个满足 active-or-held 谓词的收件箱。两个条件任一不满足
// 都返回 ErrUnroutable。
type Router struct {
	store storage.Store
}

// NewRouter 创建路由器。
func NewRouter(store storage.Store) *Router {
	return &Router{store: store}
}

// Route 解析收件地址并返回目标收件箱。
func (r *Router) Route(address string) (*domain.Inbox, error) {
	username, domainName, err := domain.SplitAddress(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnroutable, address)
	}

	if _, err := r.store.GetActiveDomain(domainName); err != nil {
		if errors.Is(err, storage.ErrDomainNotFound) {
			return nil, fmt.Errorf("%w: domain %s not managed", ErrUnroutable, domainName)
		}
		return nil, fmt.Errorf("resolve domain: %w", err)
	}

	inbox, err := r.store.FindActiveInbox(username, domainName)
	if err != nil {
		if errors.Is(err, storage.ErrInboxNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnroutable, address)
		}
		return nil, fmt.Errorf("resolve inbox: %w", err)
	}

	return inbox, nil
}

// DomainManaged 检查域名是否为已激活的托管域名。
//
// SMTP 接收端在 RCPT 阶段用它做快速失败判断。
func (r *Router) DomainManaged(domainName string) bool {
	_, err := r.store.GetActiveDomain(domainName)
	return err == nil
}
