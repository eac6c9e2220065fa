package janitor

import (
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"driftmail/backend/internal/monitoring"
	"driftmail/backend/internal/storage"
)

// Janitor 周期性清理过期数据。
//
// 每分钟一次删除所有过期且未保护的收件箱（级联删除其邮件与附件）
// 以及收件箱已不存在的孤儿邮件；每小时整点执行一次存储压缩。
// 单轮失败只记录日志，不影响后续轮次，也不让进程崩溃。
type Janitor struct {
	store storage.Store
	cron  *cron.Cron
	log   *zap.Logger
}

// New 创建清理任务。
func New(store storage.Store, log *zap.Logger) *Janitor {
	return &Janitor{
		store: store,
		cron:  cron.New(),
		log:   log.With(zap.String("component", "janitor")),
	}
}

// Start 注册并启动定时任务。
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc("* * * * *", j.Sweep); err != nil {
		return err
	}
	if _, err := j.cron.AddFunc("0 * * * *", j.CompactStorage); err != nil {
		return err
	}

	j.cron.Start()
	j.log.Info("Janitor started")
	return nil
}

// Stop 停止定时任务，等待进行中的轮次完成。
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
	j.log.Info("Janitor stopped")
}

// Sweep 执行一轮过期收件箱与孤儿邮件清理。
func (j *Janitor) Sweep() {
	started := time.Now()

	deleted, err := j.store.DeleteExpiredInboxes(time.Now().UTC())
	if err != nil {
		j.log.Error("Failed to delete expired inboxes", zap.Error(err))
	} else if deleted > 0 {
		monitoring.JanitorInboxesDeleted.Add(float64(deleted))
		j.log.Info("Deleted expired inboxes", zap.Int("count", deleted))
	}

	// 级联缺口的防御性清理
	orphans, err := j.store.DeleteOrphanMessages()
	if err != nil {
		j.log.Error("Failed to delete orphan messages", zap.Error(err))
	} else if orphans > 0 {
		monitoring.JanitorOrphansDeleted.Add(float64(orphans))
		j.log.Info("Deleted orphan messages", zap.Int("count", orphans))
	}

	monitoring.JanitorSweepDuration.Observe(time.Since(started).Seconds())
}

// CompactStorage 执行存储压缩。
func (j *Janitor) CompactStorage() {
	if err := j.store.Compact(); err != nil {
		j.log.Error("Storage compaction failed", zap.Error(err))
		return
	}
	j.log.Debug("Storage compaction completed")
}
