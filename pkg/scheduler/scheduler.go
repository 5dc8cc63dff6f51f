// Package scheduler periodically drains each tenant's unprocessed signal instances.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/dispatch/pkg/metrics"
	"github.com/Ramsey-B/dispatch/pkg/models"
	"github.com/Ramsey-B/dispatch/pkg/pipeline"
	"github.com/Ramsey-B/dispatch/pkg/redis"
	"github.com/Ramsey-B/dispatch/pkg/tracing"
)

// ErrSchedulerAlreadyRunning is returned when Start is called twice
var ErrSchedulerAlreadyRunning = errors.New("scheduler already running")

const (
	DefaultBatchSize         = 50
	DefaultLoopDelay         = 60 * time.Second
	DefaultMaxProcessingTime = 300 * time.Second
	DefaultFetchLimit        = 500
	DefaultLockTTL           = 10 * time.Minute

	lockKeyPrefix = "scheduler:tenant:"
)

type Config struct {
	BatchSize         int
	LoopDelay         time.Duration
	MaxProcessingTime time.Duration
	FetchLimit        int
	LockTTL           time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:         DefaultBatchSize,
		LoopDelay:         DefaultLoopDelay,
		MaxProcessingTime: DefaultMaxProcessingTime,
		FetchLimit:        DefaultFetchLimit,
		LockTTL:           DefaultLockTTL,
	}
}

type Tenants interface {
	Organizations(ctx context.Context) ([]models.Organization, error)
	InTenant(ctx context.Context, slug string, fn func(ctx context.Context) error) error
}

type InstanceLister interface {
	ListUnprocessedIDs(ctx context.Context, limit int) ([]uuid.UUID, error)
}

type Processor interface {
	Process(ctx context.Context, org string, instanceID uuid.UUID) (*pipeline.Outcome, error)
}

type Lock interface {
	Extend(ctx context.Context) error
	Release(ctx context.Context) error
}

// Locker serializes tenant passes across replicas
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

type redisLocker struct {
	locker *redis.Locker
}

// NewRedisLocker adapts a redis locker
func NewRedisLocker(locker *redis.Locker) Locker {
	return redisLocker{locker: locker}
}

func (r redisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	lock, err := r.locker.Acquire(ctx, key, ttl)
	if err != nil {
		return nil, err
	}
	return lock, nil
}

// Scheduler runs a pass over every tenant, then sleeps for LoopDelay
type Scheduler struct {
	tenants   Tenants
	instances InstanceLister
	processor Processor
	locker    Locker
	config    Config
	logger    ectologger.Logger
	now       func() time.Time

	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	mu       sync.Mutex
}

// NewScheduler builds a scheduler; a nil locker disables cross-replica locking
func NewScheduler(tenants Tenants, instances InstanceLister, processor Processor, locker Locker, config Config, logger ectologger.Logger) *Scheduler {
	defaults := DefaultConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.LoopDelay <= 0 {
		config.LoopDelay = defaults.LoopDelay
	}
	if config.MaxProcessingTime <= 0 {
		config.MaxProcessingTime = defaults.MaxProcessingTime
	}
	if config.FetchLimit <= 0 {
		config.FetchLimit = defaults.FetchLimit
	}
	if config.LockTTL <= 0 {
		config.LockTTL = defaults.LockTTL
	}

	return &Scheduler{
		tenants:   tenants,
		instances: instances,
		processor: processor,
		locker:    locker,
		config:    config,
		logger:    logger,
		now:       time.Now,
		stopCh:    make(chan struct{}),
		stoppedC:  make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSchedulerAlreadyRunning
	}
	s.running = true

	s.logger.WithContext(ctx).Infof("Starting scheduler: batch_size=%d loop_delay=%s max_processing_time=%s",
		s.config.BatchSize, s.config.LoopDelay, s.config.MaxProcessingTime)

	go s.loop(ctx)
	return nil
}

// Stop signals the loop and waits until the batch in flight has finished
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)

	select {
	case <-s.stoppedC:
		s.logger.WithContext(ctx).Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.WithContext(ctx).Warn("Scheduler shutdown timed out")
		return ctx.Err()
	}
}

func (s *Scheduler) stopping() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.stoppedC)

	for {
		s.RunOnce(ctx)

		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(s.config.LoopDelay):
		}
	}
}

// RunOnce makes one pass over a snapshot of the organizations
func (s *Scheduler) RunOnce(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "scheduler.Scheduler.RunOnce")
	defer span.End()

	start := s.now()
	defer func() {
		metrics.SchedulerPassDuration.Observe(s.now().Sub(start).Seconds())
	}()

	orgs, err := s.tenants.Organizations(ctx)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to list organizations")
		return
	}

	for _, org := range orgs {
		if s.stopping() || ctx.Err() != nil {
			return
		}
		if s.now().Sub(start) > s.config.MaxProcessingTime {
			s.logger.WithContext(ctx).Warnf("Scheduler pass exceeded %s, deferring remaining organizations", s.config.MaxProcessingTime)
			return
		}
		s.runTenant(ctx, org.Slug, start)
	}
}

func (s *Scheduler) runTenant(ctx context.Context, org string, start time.Time) {
	log := s.logger.WithContext(ctx).WithField("tenant", org)

	if s.locker != nil {
		lock, err := s.locker.Acquire(ctx, lockKeyPrefix+org, s.config.LockTTL)
		if errors.Is(err, redis.ErrLockNotAcquired) {
			log.Debug("Tenant is being processed by another replica")
			return
		}
		if err != nil {
			log.WithError(err).Error("Failed to acquire tenant lock")
			return
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				log.WithError(err).Warn("Failed to release tenant lock")
			}
		}()
		s.processTenant(ctx, log, org, start, lock)
		return
	}

	s.processTenant(ctx, log, org, start, nil)
}

func (s *Scheduler) processTenant(ctx context.Context, log ectologger.Logger, org string, start time.Time, lock Lock) {
	var ids []uuid.UUID
	err := s.tenants.InTenant(ctx, org, func(ctx context.Context) error {
		var err error
		ids, err = s.instances.ListUnprocessedIDs(ctx, s.config.FetchLimit)
		return err
	})
	if err != nil {
		log.WithError(err).Error("Failed to list unprocessed signal instances")
		return
	}
	metrics.SchedulerPendingInstances.WithLabelValues(org).Set(float64(len(ids)))
	if len(ids) == 0 {
		return
	}

	log.Infof("Processing %d unprocessed signal instances", len(ids))

	processed, failed := 0, 0
	for batchStart := 0; batchStart < len(ids); batchStart += s.config.BatchSize {
		if s.stopping() || ctx.Err() != nil {
			break
		}
		if s.now().Sub(start) > s.config.MaxProcessingTime {
			log.Warnf("Scheduler pass exceeded %s, leaving %d instances for the next pass", s.config.MaxProcessingTime, len(ids)-processed)
			break
		}

		batchEnd := min(batchStart+s.config.BatchSize, len(ids))
		for _, id := range ids[batchStart:batchEnd] {
			// the runner logs the cause; the instance stays in the backlog for the next pass
			if _, err := s.processor.Process(ctx, org, id); err != nil {
				failed++
				metrics.SchedulerInstanceFailuresTotal.WithLabelValues(org).Inc()
			}
			processed++
		}

		if lock != nil {
			if err := lock.Extend(ctx); err != nil {
				log.WithError(err).Warn("Lost tenant lock, stopping tenant pass")
				break
			}
		}
	}

	if failed > 0 {
		log.Warnf("%d of %d signal instances failed and stay in the backlog", failed, processed)
	}
}
