package balance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"ussd-airtime-bot/logging"
)

// Scheduler runs UpdateAll on a cron schedule.
type Scheduler struct {
	cron    *cron.Cron
	updater *Updater
	timeout time.Duration
	log     *zap.Logger
}

func NewScheduler(u *Updater, schedule string, timeout time.Duration, log *zap.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:    cron.New(),
		updater: u,
		timeout: timeout,
		log:     logging.OrNop(log).Named("balance"),
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("balance schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	reports, err := s.updater.UpdateAll(ctx)
	if err != nil {
		s.log.Error("scheduled balance update failed", zap.Error(err))
		return
	}
	s.log.Info("scheduled balance update done", zap.Int("sims", len(reports)))
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop waits for a running update to finish.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }
