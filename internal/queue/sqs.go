package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// sqsAPI is the subset of the SQS client the queue client needs
type sqsAPI interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSConfig selects the region and an optional endpoint override (LocalStack)
type SQSConfig struct {
	Region      string
	Endpoint    string
	WaitSeconds int32
}

// SQSClient dispatches work and consumes results over Amazon SQS. Queue
// names are resolved to URLs once and cached.
type SQSClient struct {
	api         sqsAPI
	waitSeconds int32

	mu   sync.Mutex
	urls map[string]string
}

// NewSQSClient loads the default AWS credential chain
func NewSQSClient(ctx context.Context, cfg SQSConfig) (*SQSClient, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newSQSClient(client, cfg.WaitSeconds), nil
}

func newSQSClient(api sqsAPI, waitSeconds int32) *SQSClient {
	if waitSeconds <= 0 || waitSeconds > 20 {
		waitSeconds = 20
	}
	return &SQSClient{
		api:         api,
		waitSeconds: waitSeconds,
		urls:        make(map[string]string),
	}
}

func (c *SQSClient) queueURL(ctx context.Context, queueName string) (string, error) {
	c.mu.Lock()
	url, ok := c.urls[queueName]
	c.mu.Unlock()
	if ok {
		return url, nil
	}

	out, err := c.api.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(queueName)})
	if err != nil {
		return "", fmt.Errorf("failed to resolve SQS queue %s: %w", queueName, err)
	}
	url = aws.ToString(out.QueueUrl)

	c.mu.Lock()
	c.urls[queueName] = url
	c.mu.Unlock()
	return url, nil
}

// SendMessage sends msg to the queue named queueName
func (c *SQSClient) SendMessage(ctx context.Context, queueName string, msg WorkMessage) error {
	if queueName == "" {
		return fmt.Errorf("no queue for job %s", msg.JobID)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	url, err := c.queueURL(ctx, queueName)
	if err != nil {
		return err
	}

	if _, err := c.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(url),
		MessageBody: aws.String(string(body)),
	}); err != nil {
		return fmt.Errorf("failed to send to SQS: %w", err)
	}
	return nil
}

type sqsMessage struct {
	body          []byte
	receiptHandle string
	queueURL      string
}

func (m *sqsMessage) Body() []byte { return m.body }

// DeliveryTag is always 0; SQS acknowledges by receipt handle
func (m *sqsMessage) DeliveryTag() uint64 { return 0 }

// Receive long-polls queueName until one message arrives or ctx ends
func (c *SQSClient) Receive(ctx context.Context, queueName string) (QueueMessage, error) {
	url, err := c.queueURL(ctx, queueName)
	if err != nil {
		return nil, err
	}

	for {
		out, err := c.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(url),
			MaxNumberOfMessages: 1,
			WaitTimeSeconds:     c.waitSeconds,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to receive from SQS: %w", err)
		}
		if len(out.Messages) > 0 {
			m := out.Messages[0]
			return &sqsMessage{
				body:          []byte(aws.ToString(m.Body)),
				receiptHandle: aws.ToString(m.ReceiptHandle),
				queueURL:      url,
			}, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// Ack deletes msg from its queue
func (c *SQSClient) Ack(ctx context.Context, msg QueueMessage) error {
	m, ok := msg.(*sqsMessage)
	if !ok {
		return fmt.Errorf("invalid message type: expected *sqsMessage")
	}
	if _, err := c.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(m.queueURL),
		ReceiptHandle: aws.String(m.receiptHandle),
	}); err != nil {
		return fmt.Errorf("failed to delete SQS message: %w", err)
	}
	return nil
}

// Close is a no-op; the SDK client holds no connection state
func (c *SQSClient) Close() error {
	return nil
}
