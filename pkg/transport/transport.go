// Package transport drains signal queues into the ingestor.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/dispatch/config"
	pipelineerrors "github.com/Ramsey-B/dispatch/pkg/errors"
	"github.com/Ramsey-B/dispatch/pkg/metrics"
	"github.com/Ramsey-B/dispatch/pkg/models"
	"github.com/Ramsey-B/dispatch/pkg/tracing"
)

const (
	DefaultBatchSize = 10
	DefaultWait      = 20 * time.Second
	errorBackoff     = time.Second
)

// Delivery is one received envelope. Receipt is whatever the backend needs to delete it.
type Delivery struct {
	ID      string
	Body    []byte
	Receipt any
}

// Queue is an at-least-once message queue. Deliveries that are not deleted are
// redelivered after the backend's visibility timeout.
type Queue interface {
	Receive(ctx context.Context, max int, wait time.Duration) ([]Delivery, error)
	Delete(ctx context.Context, deliveries []Delivery) error
	Close() error
}

type Ingestor interface {
	Ingest(ctx context.Context, org string, payload *models.SignalPayload) (*models.SignalInstance, error)
}

// DeadLetters keeps a copy of envelopes that are deleted without being ingested
type DeadLetters interface {
	Add(ctx context.Context, queue string, delivery Delivery, reason error) error
}

// Consumer drains one tenant-project queue
type Consumer struct {
	queue       Queue
	ingestor    Ingestor
	deadLetters DeadLetters
	cfg         config.QueueConfig
	wait        time.Duration
	logger      ectologger.Logger
}

func NewConsumer(queue Queue, ingestor Ingestor, deadLetters DeadLetters, cfg config.QueueConfig, wait time.Duration, logger ectologger.Logger) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if wait <= 0 {
		wait = DefaultWait
	}
	return &Consumer{
		queue:       queue,
		ingestor:    ingestor,
		deadLetters: deadLetters,
		cfg:         cfg,
		wait:        wait,
		logger:      logger,
	}
}

// Run processes batches until ctx is cancelled. Batch errors are logged and the loop continues.
func (c *Consumer) Run(ctx context.Context) error {
	log := c.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant": c.cfg.Organization,
		"queue":  c.cfg.Name,
	})
	log.Info("Transport consumer started")

	for {
		if ctx.Err() != nil {
			log.Info("Transport consumer stopped")
			return nil
		}

		if _, err := c.ProcessBatch(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				continue
			}
			log.WithError(err).Error("Failed to process signal batch")
			select {
			case <-ctx.Done():
			case <-time.After(errorBackoff):
			}
		}
	}
}

// ProcessBatch receives one batch, ingests each envelope and deletes the ones that
// were stored or can never be stored. It returns the number of deleted deliveries.
func (c *Consumer) ProcessBatch(ctx context.Context) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "transport.Consumer.ProcessBatch")
	defer span.End()

	deliveries, err := c.queue.Receive(ctx, c.cfg.BatchSize, c.wait)
	if err != nil {
		return 0, err
	}
	if len(deliveries) == 0 {
		return 0, nil
	}
	metrics.TransportMessagesReceived.WithLabelValues(c.cfg.Name).Add(float64(len(deliveries)))

	deletable := make([]Delivery, 0, len(deliveries))
	for _, d := range deliveries {
		if c.handle(ctx, d) {
			deletable = append(deletable, d)
		}
	}

	if len(deletable) == 0 {
		return 0, nil
	}
	if err := c.queue.Delete(ctx, deletable); err != nil {
		return 0, err
	}
	metrics.TransportMessagesDeleted.WithLabelValues(c.cfg.Name).Add(float64(len(deletable)))

	return len(deletable), nil
}

// handle ingests one delivery and reports whether it should be deleted
func (c *Consumer) handle(ctx context.Context, d Delivery) bool {
	log := c.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant":      c.cfg.Organization,
		"queue":       c.cfg.Name,
		"delivery_id": d.ID,
	})

	envelope, payload, err := models.DecodeEnvelope(d.Body)
	if err != nil {
		metrics.TransportDecodeFailures.WithLabelValues(c.cfg.Name).Inc()
		log.WithError(err).Warn("Failed to decode signal envelope, leaving it on the queue")
		return false
	}
	if envelope.MessageID != "" {
		log = log.WithField("message_id", envelope.MessageID)
	}

	// queues are bound to a project, so payloads may omit it
	if payload.Project == nil || payload.Project.Name == "" {
		payload.Project = &models.NamedRef{Name: c.cfg.Project}
	}

	instance, err := c.ingestor.Ingest(ctx, c.cfg.Organization, payload)
	if err == nil {
		log.WithField("signal_instance_id", instance.ID).Debug("Ingested signal envelope")
		return true
	}

	kind, _ := pipelineerrors.KindOf(err)
	if !kind.Unrecoverable() {
		log.WithError(err).Error("Failed to ingest signal envelope, leaving it for redelivery")
		return false
	}

	log.WithError(err).Warn("Dropping signal envelope that can never be ingested")
	if c.deadLetters != nil {
		if dlErr := c.deadLetters.Add(ctx, c.cfg.Name, d, err); dlErr != nil {
			log.WithError(dlErr).Error("Failed to dead-letter signal envelope")
		}
	}
	return true
}
