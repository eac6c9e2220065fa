package health

import (
	"context"
	"errors"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"driftmail/backend/internal/storage"
	redisstore "driftmail/backend/internal/storage/redis"
)

// ErrHarvesterDisconnected 采集器未连接上游服务器
var ErrHarvesterDisconnected = errors.New("harvester disconnected")

// HealthChecker 健康检查器。
//
// liveness 反映进程自身状态，readiness 反映对外提供服务的能力：
// 存储不可用时 readiness 失败；采集器断线只降 readiness，
// SMTP 接收和 API 仍可工作。
type HealthChecker struct {
	health healthcheck.Handler
	store  storage.Store
	logger *zap.Logger
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(store storage.Store, logger *zap.Logger) *HealthChecker {
	hc := &HealthChecker{
		health: healthcheck.NewHandler(),
		store:  store,
		logger: logger,
	}

	hc.health.AddLivenessCheck("goroutine-count", healthcheck.GoroutineCountCheck(2000))
	hc.health.AddReadinessCheck("storage", func() error {
		return hc.store.Health()
	})

	return hc
}

// AddRedisCheck 注册去重缓存的 readiness 检查。
func (hc *HealthChecker) AddRedisCheck(client *redisstore.Client) {
	hc.health.AddReadinessCheck("redis", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return client.Ping(ctx)
	})
}

// AddHarvesterCheck 注册单个采集器的 readiness 检查。
func (hc *HealthChecker) AddHarvesterCheck(account string, connected func() bool) {
	hc.health.AddReadinessCheck("harvester:"+account, func() error {
		if !connected() {
			return ErrHarvesterDisconnected
		}
		return nil
	})
}

// Handler 返回健康检查处理器
func (hc *HealthChecker) Handler() healthcheck.Handler {
	return hc.health
}
