package sync

import (
	"github.com/pkg/errors"
	cronv3 "github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler periodically pulls idle accounts
type Scheduler struct {
	ctrl *Controller
	log  *zap.Logger
	cron *cronv3.Cron
}

func NewScheduler(ctrl *Controller, log *zap.Logger) *Scheduler {
	return &Scheduler{ctrl: ctrl, log: log.Named("scheduler")}
}

// Start registers the refresh job with the given cron spec, e.g. "@every 5m"
func (s *Scheduler) Start(spec string) error {
	if spec == "" {
		s.log.Info("Periodic refresh disabled")
		return nil
	}

	cl := cronLogger{s.log.Sugar()}
	c := cronv3.New(cronv3.WithChain(
		cronv3.SkipIfStillRunning(cl),
		cronv3.Recover(cl),
	))
	if _, err := c.AddFunc(spec, s.ctrl.SyncIdle); err != nil {
		return errors.Wrapf(err, "invalid refresh schedule %q", spec)
	}
	c.Start()
	s.cron = c

	s.log.Info("Registered periodic refresh", zap.String("schedule", spec))
	return nil
}

// Stop waits for a running refresh tick to return
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
