// Package app wires the dispatch components from configuration.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/slack-go/slack"

	"github.com/Ramsey-B/dispatch/config"
	"github.com/Ramsey-B/dispatch/internal/repositories/cases"
	engagementrepo "github.com/Ramsey-B/dispatch/internal/repositories/engagement"
	"github.com/Ramsey-B/dispatch/internal/repositories/entity"
	"github.com/Ramsey-B/dispatch/internal/repositories/organization"
	"github.com/Ramsey-B/dispatch/internal/repositories/project"
	"github.com/Ramsey-B/dispatch/internal/repositories/signal"
	"github.com/Ramsey-B/dispatch/internal/repositories/signalinstance"
	"github.com/Ramsey-B/dispatch/pkg/attacher"
	"github.com/Ramsey-B/dispatch/pkg/conversation"
	"github.com/Ramsey-B/dispatch/pkg/database"
	"github.com/Ramsey-B/dispatch/pkg/engagement"
	"github.com/Ramsey-B/dispatch/pkg/extractor"
	"github.com/Ramsey-B/dispatch/pkg/filter"
	"github.com/Ramsey-B/dispatch/pkg/health"
	"github.com/Ramsey-B/dispatch/pkg/ingest"
	"github.com/Ramsey-B/dispatch/pkg/kafka"
	"github.com/Ramsey-B/dispatch/pkg/mfa"
	"github.com/Ramsey-B/dispatch/pkg/oncall"
	"github.com/Ramsey-B/dispatch/pkg/pipeline"
	"github.com/Ramsey-B/dispatch/pkg/redis"
	"github.com/Ramsey-B/dispatch/pkg/scheduler"
	"github.com/Ramsey-B/dispatch/pkg/startup"
	"github.com/Ramsey-B/dispatch/pkg/tenant"
	"github.com/Ramsey-B/dispatch/pkg/throttle"
	"github.com/Ramsey-B/dispatch/pkg/transport"
)

// Version is stamped at build time
var Version = "dev"

type App struct {
	Config  config.Config
	Logger  ectologger.Logger
	Startup *startup.Startup
	Health  *health.Checker

	DB          database.DB
	Redis       *redis.Client
	Producer    *kafka.Producer
	DeadLetters *redis.DeadLetters

	Tenants    *tenant.Router
	Ingestor   *ingest.Ingestor
	Runner     *pipeline.Runner
	Responder  *engagement.Responder
	Challenger *mfa.Challenger
	Scheduler  *scheduler.Scheduler
	Consumers  []*transport.Consumer

	queues []transport.Queue
}

type Options struct {
	// Scheduler starts the backlog scheduler with the app
	Scheduler bool
	// Consumers builds a transport consumer per configured queue
	Consumers bool
}

func New(cfg config.Config, logger ectologger.Logger) *App {
	return &App{
		Config:  cfg,
		Logger:  logger,
		Startup: startup.NewStartup(logger, cfg.StartupMaxAttempts),
		Health:  health.NewChecker(Version),
	}
}

// Start connects the backing services with retry, then builds the pipeline
func (a *App) Start(ctx context.Context, opts Options) error {
	cfg := a.Config

	a.Startup.Add(startup.Func{
		Name: "database",
		StartFunc: func(ctx context.Context) error {
			db, err := database.Open(ctx, database.Config{
				DSN:             cfg.DatabaseDSN(),
				MaxOpenConns:    cfg.DatabaseMaxOpenConns,
				MaxIdleConns:    cfg.DatabaseMaxIdleConns,
				ConnMaxLifetime: cfg.DatabaseConnMaxLifetime,
			}, a.Logger)
			if err != nil {
				return err
			}
			a.DB = db
			a.Health.Add("database", health.PingFunc(db.PingContext))
			return nil
		},
		StopFunc: func(context.Context) error {
			return a.DB.Close()
		},
	})

	a.Startup.Add(startup.Func{
		Name: "redis",
		StartFunc: func(ctx context.Context) error {
			client, err := redis.NewClient(redis.Config{
				Host:     cfg.RedisHost,
				Port:     cfg.RedisPort,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			}, a.Logger)
			if err != nil {
				return err
			}
			a.Redis = client
			a.DeadLetters = redis.NewDeadLetters(client, redis.DefaultDeadLetterStream, a.Logger)
			a.Health.Add("redis", client)
			return nil
		},
		StopFunc: func(context.Context) error {
			return a.Redis.Close()
		},
	})

	a.Startup.Add(startup.Func{
		Name: "kafka",
		StartFunc: func(context.Context) error {
			a.Producer = kafka.NewProducer(kafka.ProducerConfig{
				Brokers:       cfg.KafkaBrokers,
				CaseTopic:     cfg.KafkaCaseEventsTopic,
				WorkflowTopic: cfg.KafkaWorkflowRunsTopic,
				BatchSize:     cfg.KafkaBatchSize,
				BatchTimeout:  time.Duration(cfg.KafkaBatchTimeout) * time.Millisecond,
				RequiredAcks:  cfg.KafkaRequiredAcks,
				Compression:   cfg.KafkaCompression,
			}, a.Logger)
			return nil
		},
		StopFunc: func(context.Context) error {
			return a.Producer.Close()
		},
	})

	a.Startup.Add(startup.Func{
		Name:  "pipeline",
		After: []string{"database", "redis", "kafka"},
		StartFunc: func(context.Context) error {
			return a.build()
		},
	})

	if opts.Consumers {
		a.Startup.Add(startup.Func{
			Name:  "transport",
			After: []string{"pipeline"},
			StartFunc: func(ctx context.Context) error {
				return a.buildConsumers(ctx)
			},
			StopFunc: func(context.Context) error {
				for _, q := range a.queues {
					if err := q.Close(); err != nil {
						a.Logger.WithError(err).Warn("Failed to close transport queue")
					}
				}
				return nil
			},
		})
	}

	if opts.Scheduler && cfg.SchedulerEnabled {
		a.Startup.Add(startup.Func{
			Name:  "scheduler",
			After: []string{"pipeline"},
			StartFunc: func(ctx context.Context) error {
				// stopped through Stop so the batch in flight can finish
				return a.Scheduler.Start(context.WithoutCancel(ctx))
			},
			StopFunc: func(ctx context.Context) error {
				return a.Scheduler.Stop(ctx)
			},
		})
	}

	if err := a.Startup.Start(ctx); err != nil {
		return err
	}
	a.Health.SetReady(true)
	return nil
}

// Stop tears the dependencies down in reverse start order
func (a *App) Stop(ctx context.Context) error {
	a.Health.SetReady(false)
	return a.Startup.Stop(ctx)
}

func (a *App) build() error {
	cfg := a.Config

	oncallEmails, err := cfg.OncallServiceEmails()
	if err != nil {
		return err
	}

	organizations := organization.NewRepository(a.DB, a.Logger)
	projects := project.NewRepository(a.DB, a.Logger)
	signals := signal.NewRepository(a.DB, a.Logger)
	instances := signalinstance.NewRepository(a.DB, a.Logger)
	entities := entity.NewRepository(a.DB, a.Logger)
	caseRepo := cases.NewRepository(a.DB, a.Logger)
	engagements := engagementrepo.NewRepository(a.DB, a.Logger)

	a.Tenants = tenant.NewRouter(a.DB, organizations, a.Logger)
	a.Ingestor = ingest.NewIngestor(a.Tenants, projects, signals, instances, caseRepo, a.Logger)

	sink := conversation.NewSlackSink(slack.New(cfg.SlackToken), cfg.SlackDefaultChannel, a.Logger)

	a.Challenger, err = mfa.NewChallenger(a.Redis, mfa.Config{
		Secret:       []byte(cfg.MFASecret),
		BaseURL:      cfg.MFABaseURL,
		Timeout:      cfg.MFATimeout,
		PollInterval: cfg.MFAPollInterval,
	}, a.Logger)
	if err != nil {
		return err
	}

	driver := engagement.NewDriver(a.Tenants, sink, engagements, instances, a.Logger)
	a.Responder = engagement.NewResponder(a.Tenants, sink, a.Challenger, engagements, instances, caseRepo, a.Logger)

	a.Runner = pipeline.NewRunner(pipeline.Dependencies{
		Tenants:     a.Tenants,
		Instances:   instances,
		Signals:     signals,
		EntityTypes: entities,
		Cases:       caseRepo,
		Extractor:   extractor.NewExtractor(entities, a.Logger),
		Filters:     filter.NewEngine(instances, a.Logger),
		Attacher:    attacher.NewAttacher(caseRepo, instances, oncall.NewStaticResolver(oncallEmails), a.Logger),
		Updater:     sink,
		Throttle:    throttle.New(cfg.DedupNotifySize, cfg.DedupNotifyTTL, cfg.DedupNotifyMinGap),
		Resources:   a.Producer,
		Workflows:   a.Producer,
		Engager:     driver,
	}, a.Logger)

	a.Scheduler = scheduler.NewScheduler(a.Tenants, instances, a.Runner,
		scheduler.NewRedisLocker(redis.NewLocker(a.Redis, "")),
		scheduler.Config{
			BatchSize:         cfg.SchedulerBatchSize,
			LoopDelay:         cfg.SchedulerLoopDelay,
			MaxProcessingTime: cfg.SchedulerMaxProcessingTime,
			FetchLimit:        cfg.SchedulerFetchLimit,
			LockTTL:           cfg.SchedulerLockTTL,
		}, a.Logger)

	return nil
}

func (a *App) buildConsumers(ctx context.Context) error {
	cfg := a.Config

	queues, err := cfg.Queues()
	if err != nil {
		return err
	}

	host, _ := os.Hostname()
	for _, qc := range queues {
		var queue transport.Queue
		switch cfg.TransportDriver {
		case "redis":
			stream := redis.NewStreamQueue(a.Redis, qc.Name, qc.Owner, host, cfg.TransportVisibilityTimeout, a.Logger)
			if err := stream.EnsureGroup(ctx); err != nil {
				return fmt.Errorf("failed to create consumer group for %s: %w", qc.Name, err)
			}
			queue = stream
		default:
			queue = kafka.NewQueue(kafka.QueueConfig{
				Brokers:           cfg.KafkaBrokers,
				Topic:             qc.Name,
				ConsumerGroup:     qc.Owner,
				VisibilityTimeout: cfg.TransportVisibilityTimeout,
				MaxPending:        cfg.TransportMaxPending,
			}, a.Logger)
		}

		a.queues = append(a.queues, queue)
		a.Consumers = append(a.Consumers, transport.NewConsumer(queue, a.Ingestor, a.DeadLetters, qc, cfg.TransportWait, a.Logger))
	}
	return nil
}
