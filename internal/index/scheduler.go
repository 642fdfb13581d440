package index

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweeper runs Sweep on a cron schedule
type Sweeper struct {
	cron    *cron.Cron
	builder *Builder
	timeout time.Duration
	logger  *zap.Logger
}

// NewSweeper schedules b.Sweep according to a standard cron expression or descriptor
// such as "@every 30m". Each run is bounded by timeout when positive.
func NewSweeper(b *Builder, schedule string, timeout time.Duration, logger *zap.Logger) (*Sweeper, error) {
	cronLogger := cronLogger{logger.Sugar()}
	s := &Sweeper{
		cron:    cron.New(cron.WithLogger(cronLogger), cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		builder: b,
		timeout: timeout,
		logger:  logger,
	}

	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins running sweeps in the background
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("index sweeper started")
}

// Stop halts the schedule and waits for a running sweep to finish or ctx to expire
func (s *Sweeper) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.logger.Warn("index sweep still running at shutdown")
	}
}

func (s *Sweeper) run() {
	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	rebuilt, err := s.builder.Sweep(ctx)
	if err != nil {
		s.logger.Error("index sweep failed", zap.Error(err))
	}
	if len(rebuilt) > 0 {
		s.logger.Info("index sweep rebuilt owners", zap.Int64s("owners", rebuilt))
	}
}

// cronLogger adapts zap to cron's logger interface
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
