package harvester

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"driftmail/backend/internal/domain"
)

// Client 抽象采集器依赖的 IMAP 操作，便于用假实现测试。
type Client interface {
	Login(username, password string) CommandWaiter
	Logout() CommandWaiter
	Close() error
	Select(mailbox string, options *imap.SelectOptions) SelectWaiter
	UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) SearchWaiter
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) FetchWaiter
	Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) FetchWaiter
}

type CommandWaiter interface{ Wait() error }

type SelectWaiter interface {
	Wait() (*imap.SelectData, error)
}

type SearchWaiter interface {
	Wait() (*imap.SearchData, error)
}

type FetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
	Close() error
}

// ClientFactory 按账号建立 IMAP 连接。
type ClientFactory func(account *domain.BackingAccount) (Client, error)

// NewClientFactory 返回生产用的连接工厂。
//
// useTLS 为 true 时走 IMAPS，dialTimeout 约束 socket 建立时间。
func NewClientFactory(useTLS bool, dialTimeout time.Duration) ClientFactory {
	return func(account *domain.BackingAccount) (Client, error) {
		if account.IMAPHost == "" {
			return nil, errors.New("backing account missing imap host")
		}
		port := account.IMAPPort
		if port == 0 {
			if useTLS {
				port = 993
			} else {
				port = 143
			}
		}

		opts := &imapclient.Options{Dialer: &net.Dialer{Timeout: dialTimeout}}
		addr := fmt.Sprintf("%s:%d", account.IMAPHost, port)

		var client *imapclient.Client
		var err error
		if useTLS {
			client, err = imapclient.DialTLS(addr, opts)
		} else {
			client, err = imapclient.DialInsecure(addr, opts)
		}
		if err != nil {
			return nil, err
		}
		return &clientWrapper{Client: client}, nil
	}
}

type clientWrapper struct{ *imapclient.Client }

func (w *clientWrapper) Login(username, password string) CommandWaiter {
	return w.Client.Login(username, password)
}

func (w *clientWrapper) Logout() CommandWaiter { return w.Client.Logout() }

func (w *clientWrapper) Select(mailbox string, options *imap.SelectOptions) SelectWaiter {
	return w.Client.Select(mailbox, options)
}

func (w *clientWrapper) UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) SearchWaiter {
	return w.Client.UIDSearch(criteria, options)
}

func (w *clientWrapper) Fetch(numSet imap.NumSet, options *imap.FetchOptions) FetchWaiter {
	return w.Client.Fetch(numSet, options)
}

func (w *clientWrapper) Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) FetchWaiter {
	return w.Client.Store(numSet, store, options)
}
