package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	"github.com/Ramsey-B/dispatch/pkg/models"
	"github.com/Ramsey-B/dispatch/pkg/tracing"
)

const (
	EventCaseCreated = "case.created"
	EventWorkflowRun = "workflow.run"
)

type ProducerConfig struct {
	Brokers       []string
	CaseTopic     string
	WorkflowTopic string
	BatchSize     int
	BatchTimeout  time.Duration
	RequiredAcks  int
	Compression   string
}

// Producer publishes the events downstream case tooling consumes
type Producer struct {
	writer        *kafka.Writer
	caseTopic     string
	workflowTopic string
	logger        ectologger.Logger
}

func NewProducer(cfg ProducerConfig, logger ectologger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:            compression(cfg.Compression),
		AllowAutoTopicCreation: true,
	}

	return &Producer{
		writer:        writer,
		caseTopic:     cfg.CaseTopic,
		workflowTopic: cfg.WorkflowTopic,
		logger:        logger,
	}
}

func compression(name string) kafka.Compression {
	switch name {
	case "gzip":
		return kafka.Gzip
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	case "none":
		return 0
	}
	return kafka.Snappy
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// CaseEvent asks the case resource service to create a case's conversation,
// ticket and document resources
type CaseEvent struct {
	EventType    string       `json:"event_type"`
	Organization string       `json:"organization"`
	Case         *models.Case `json:"case"`
	Timestamp    time.Time    `json:"timestamp"`
}

type WorkflowRunEvent struct {
	EventType    string             `json:"event_type"`
	Organization string             `json:"organization"`
	Run          models.WorkflowRun `json:"run"`
	Timestamp    time.Time          `json:"timestamp"`
}

// CreateAll publishes case.created keyed by case id
func (p *Producer) CreateAll(ctx context.Context, org string, c *models.Case) error {
	ctx, span := tracing.StartSpan(ctx, "kafka.Producer.CreateAll")
	defer span.End()

	event := CaseEvent{
		EventType:    EventCaseCreated,
		Organization: org,
		Case:         c,
		Timestamp:    time.Now().UTC(),
	}
	return p.publish(ctx, p.caseTopic, c.ID.String(), EventCaseCreated, org, event)
}

// RunWorkflow publishes workflow.run keyed by case id so runs for one case stay ordered
func (p *Producer) RunWorkflow(ctx context.Context, org string, run models.WorkflowRun) error {
	ctx, span := tracing.StartSpan(ctx, "kafka.Producer.RunWorkflow")
	defer span.End()

	event := WorkflowRunEvent{
		EventType:    EventWorkflowRun,
		Organization: org,
		Run:          run,
		Timestamp:    time.Now().UTC(),
	}
	return p.publish(ctx, p.workflowTopic, run.CaseID.String(), EventWorkflowRun, org, event)
}

func (p *Producer) publish(ctx context.Context, topic, key, eventType, org string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}

	headers := []kafka.Header{
		{Key: "event_type", Value: []byte(eventType)},
		{Key: "organization", Value: []byte(org)},
	}
	if traceparent := tracing.GetTraceParent(ctx); traceparent != "" {
		headers = append(headers, kafka.Header{Key: "traceparent", Value: []byte(traceparent)})
	}

	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   data,
		Headers: headers,
	}); err != nil {
		p.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish %s to Kafka topic %s", eventType, topic)
		return err
	}

	p.logger.WithContext(ctx).Debugf("Published %s to %s: key=%s", eventType, topic, key)
	return nil
}
