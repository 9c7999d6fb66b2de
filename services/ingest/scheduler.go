package ingest

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler runs scrapes on cron expressions. It is a thin wrapper so
// the service never talks to the cron library directly.
type Scheduler struct {
	cron *cron.Cron
}

func NewScheduler() *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithLogger(cronLogger{})),
	}
}

func (s *Scheduler) Add(spec string, callback func()) error {
	_, err := s.cron.AddFunc(spec, callback)
	return err
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling. The returned context is done once every job
// still in flight has finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	args := append([]any{"err", err}, keysAndValues...)
	slog.Error("cron: "+msg, args...)
}
