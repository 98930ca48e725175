package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"loyaltycore/internal/metrics"
	"loyaltycore/internal/model"
	"loyaltycore/internal/service"
)

// Task names, also used as lock names and metric labels.
const (
	TaskBirthday        = "birthday.check"
	TaskAnalyze         = "promotions.analyze"
	TaskDateBased       = "date_based.check"
	TaskAccumulation    = "accumulation.check"
	TaskPurchaseSync    = "purchases.sync"
	TaskPushScheduled   = "push.process_scheduled"
	TaskPromotionExpiry = "promotions.expire"
	TaskIntentRedeliver = "intents.redeliver"
)

const (
	defaultTaskTimeout  = 10 * time.Minute
	lockReleaseHeadroom = time.Minute
)

type PromotionSweeper interface {
	Sweep(ctx context.Context, promoType string) (service.SweepReport, error)
	ExpirePromotions(ctx context.Context) (int64, error)
}

type LoyaltyTask interface {
	EvaluateAll(ctx context.Context) (int, error)
}

type PurchaseSyncTask interface {
	SyncFromLedger(ctx context.Context) (int, error)
}

type PushTask interface {
	ProcessDue(ctx context.Context) (int, error)
}

type IntentTask interface {
	RedeliverPending(ctx context.Context) (int, error)
}

// Locker grants a cluster-wide single-flight lock per task.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

// Specs are six-field cron expressions (with seconds).
type Specs struct {
	Birthday        string
	Analyze         string
	DateBased       string
	Accumulation    string
	PurchaseSync    string
	PushScheduled   string
	PromotionExpiry string
	IntentRedeliver string
}

type Deps struct {
	Promotions PromotionSweeper
	Loyalty    LoyaltyTask
	Purchases  PurchaseSyncTask
	Pushes     PushTask
	Intents    IntentTask
	Locker     Locker
}

// Scheduler fires the periodic tasks. Each firing runs under a lock so
// overlapping ticks, on this instance or another, are skipped.
type Scheduler struct {
	cron    *cron.Cron
	locker  Locker
	timeout time.Duration
	tasks   map[string]func(ctx context.Context) error
	logger  *zap.Logger
}

func NewScheduler(specs Specs, deps Deps, loc *time.Location, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}

	s := &Scheduler{
		cron:    cron.New(cron.WithSeconds(), cron.WithLocation(loc)),
		locker:  deps.Locker,
		timeout: defaultTaskTimeout,
		tasks:   make(map[string]func(ctx context.Context) error),
		logger:  logger.Named("scheduler"),
	}

	if p := deps.Promotions; p != nil {
		s.add(specs.Birthday, TaskBirthday, s.sweep(p, model.PromotionBirthday))
		s.add(specs.DateBased, TaskDateBased, s.sweep(p, model.PromotionDateBased))
		s.add(specs.Accumulation, TaskAccumulation, s.sweep(p, model.PromotionAccumulation))
		s.add(specs.PromotionExpiry, TaskPromotionExpiry, func(ctx context.Context) error {
			n, err := p.ExpirePromotions(ctx)
			if n > 0 {
				s.logger.Info("promotions expired", zap.Int64("count", n))
			}
			return err
		})
	}
	if deps.Loyalty != nil {
		s.add(specs.Analyze, TaskAnalyze, counted(s.logger, TaskAnalyze, deps.Loyalty.EvaluateAll))
	}
	if deps.Purchases != nil {
		s.add(specs.PurchaseSync, TaskPurchaseSync, counted(s.logger, TaskPurchaseSync, deps.Purchases.SyncFromLedger))
	}
	if deps.Pushes != nil {
		s.add(specs.PushScheduled, TaskPushScheduled, counted(s.logger, TaskPushScheduled, deps.Pushes.ProcessDue))
	}
	if deps.Intents != nil {
		s.add(specs.IntentRedeliver, TaskIntentRedeliver, counted(s.logger, TaskIntentRedeliver, deps.Intents.RedeliverPending))
	}

	return s
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("tasks", len(s.tasks)))
}

// Stop waits up to timeout for running tasks to finish.
func (s *Scheduler) Stop(timeout time.Duration) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(timeout):
		s.logger.Warn("scheduler stop timed out")
	}
}

// Run executes a registered task once, under the same lock as a cron firing.
// ran is false when another run held the lock.
func (s *Scheduler) Run(ctx context.Context, name string) (ran bool, err error) {
	fn, ok := s.tasks[name]
	if !ok {
		return false, fmt.Errorf("unknown task %q", name)
	}

	if s.locker != nil {
		release, acquired, err := s.locker.TryLock(ctx, "task:"+name, s.timeout+lockReleaseHeadroom)
		if err != nil {
			return false, err
		}
		if !acquired {
			return false, nil
		}
		defer release()
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return true, fn(ctx)
}

// Tasks lists registered task names.
func (s *Scheduler) Tasks() []string {
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	return names
}

func (s *Scheduler) add(spec, name string, fn func(ctx context.Context) error) {
	if spec == "" || fn == nil {
		return
	}
	s.tasks[name] = fn

	if _, err := s.cron.AddFunc(spec, func() {
		defer recoverJobPanic(name, s.logger)
		start := time.Now()

		ran, err := s.Run(context.Background(), name)
		outcome := "ok"
		switch {
		case err != nil:
			outcome = "error"
			s.logger.Error("scheduler job failed", zap.String("job", name), zap.Error(err))
		case !ran:
			outcome = "skipped"
		}
		metrics.ObserveSchedulerRun(name, outcome, time.Since(start))
		s.logger.Debug("scheduler job finished",
			zap.String("job", name),
			zap.String("outcome", outcome),
			zap.Duration("cost", time.Since(start)),
		)
	}); err != nil {
		delete(s.tasks, name)
		s.logger.Error("register scheduler job failed",
			zap.String("job", name),
			zap.String("spec", spec),
			zap.Error(err),
		)
	}
}

func (s *Scheduler) sweep(p PromotionSweeper, promoType string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		report, err := p.Sweep(ctx, promoType)
		if err != nil {
			return err
		}
		if report.Failed > 0 {
			s.logger.Warn("sweep finished with failures",
				zap.String("type", promoType),
				zap.Int("promotions", report.Promotions),
				zap.Int("failed", report.Failed),
			)
		}
		return nil
	}
}

func counted(logger *zap.Logger, name string, fn func(ctx context.Context) (int, error)) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		n, err := fn(ctx)
		if n > 0 {
			logger.Info("scheduler job processed items", zap.String("job", name), zap.Int("count", n))
		}
		return err
	}
}

func recoverJobPanic(jobName string, logger *zap.Logger) {
	if recovered := recover(); recovered != nil {
		metrics.ObserveSchedulerRun(jobName, "panic", 0)
		logger.Error("scheduler job panic recovered",
			zap.String("job", jobName),
			zap.Any("panic", recovered),
		)
	}
}
