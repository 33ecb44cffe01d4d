// Package sqs publishes outbox entries to an SQS queue as an alternative
// to Redpanda.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// API is the subset of the SQS client the publisher needs
type API interface {
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// NewClient builds an SQS client from the default AWS config chain.
// AWS_ENDPOINT_URL points it at a local emulator.
func NewClient(ctx context.Context) (*sqs.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return sqs.New(sqs.Options{
		Region:       cfg.Region,
		Credentials:  cfg.Credentials,
		HTTPClient:   cfg.HTTPClient,
		BaseEndpoint: cfg.BaseEndpoint,
	}), nil
}

// Publisher sends outbox entries to one queue. The Redpanda topic name is
// carried as a message attribute; FIFO queues group messages by key.
type Publisher struct {
	client    API
	queueName string
	fifo      bool
	logger    *zap.Logger
	tracer    trace.Tracer

	mu       sync.Mutex
	queueURL string
}

// NewPublisher creates a publisher for queueName. Queue names ending in
// ".fifo" get MessageGroupId set to the partition key.
func NewPublisher(client API, queueName string, logger *zap.Logger) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("sqs client is required")
	}
	if queueName == "" {
		return nil, errors.New("queue name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		client:    client,
		queueName: queueName,
		fifo:      len(queueName) > 5 && queueName[len(queueName)-5:] == ".fifo",
		logger:    logger,
		tracer:    otel.Tracer("sqs-publisher"),
	}, nil
}

// Publish sends one message. It satisfies the outbox publisher contract.
func (p *Publisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	ctx, span := p.tracer.Start(ctx, "sqs_send",
		trace.WithAttributes(
			attribute.String("queue", p.queueName),
			attribute.String("topic", topic),
			attribute.String("key", key),
		))
	defer span.End()

	url, err := p.resolveURL(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}

	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(url),
		MessageBody: aws.String(string(value)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"topic":        {DataType: aws.String("String"), StringValue: aws.String(topic)},
			"partitionKey": {DataType: aws.String("String"), StringValue: aws.String(key)},
			"contentType":  {DataType: aws.String("String"), StringValue: aws.String("application/json")},
		},
	}
	if p.fifo {
		in.MessageGroupId = aws.String(key)
	}

	out, err := p.client.SendMessage(ctx, in)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("send to %s: %w", p.queueName, err)
	}
	p.logger.Debug("message sent",
		zap.String("queue", p.queueName),
		zap.String("message_id", aws.ToString(out.MessageId)))
	return nil
}

// resolveURL looks the queue up once and caches the result
func (p *Publisher) resolveURL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queueURL != "" {
		return p.queueURL, nil
	}
	resp, err := p.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(p.queueName)})
	if err != nil {
		return "", fmt.Errorf("get queue url for %s: %w", p.queueName, err)
	}
	p.queueURL = aws.ToString(resp.QueueUrl)
	return p.queueURL, nil
}
