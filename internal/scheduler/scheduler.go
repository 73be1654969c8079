package scheduler

import (
	"context"
	"fmt"

	"stockdeck/internal/logger"
	"stockdeck/internal/pipeline"

	"github.com/robfig/cron/v3"
)

// Scheduler 定时任务:周期刷新当前上下文 + 快照落盘。
type Scheduler struct {
	cron *cron.Cron
	pipe *pipeline.Pipeline
	ctx  context.Context
}

func NewScheduler(ctx context.Context, pipe *pipeline.Pipeline) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds()),
		pipe: pipe,
		ctx:  ctx,
	}
}

// Register 挂上两个任务:refreshSpec 驱动刷新,flushSpec 驱动落盘。
func (s *Scheduler) Register(refreshSpec, flushSpec string) error {
	if _, err := s.cron.AddFunc(refreshSpec, s.refreshTask); err != nil {
		return fmt.Errorf("register refresh task: %w", err)
	}
	if _, err := s.cron.AddFunc(flushSpec, s.flushTask); err != nil {
		return fmt.Errorf("register flush task: %w", err)
	}
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	logger.Infof("[scheduler] started")
}

// Stop 停止排班,已在跑的任务自行收尾。
func (s *Scheduler) Stop() {
	s.cron.Stop()
	logger.Infof("[scheduler] stopped")
}

// refreshTask 重跑当前上下文的基础加载。没有上下文或正在加载就跳过。
func (s *Scheduler) refreshTask() {
	st := s.pipe.Status()
	if st.Key.AssetID == "" || st.Loading {
		return
	}
	logger.Debugf("[scheduler] refreshing %s", st.Key.String())
	s.pipe.Refresh()
}

func (s *Scheduler) flushTask() {
	if err := s.pipe.FlushSnapshot(s.ctx); err != nil {
		logger.Warnf("[scheduler] snapshot flush failed: %v", err)
	}
}
