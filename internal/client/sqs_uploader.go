package client

import (
	"context"
	"encoding/json"
	"fmt"

	"Mansoor88-6/consent-analytics-agent/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"
)

// SQSAPI is the subset of the SQS client the uploader needs
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSUploader delivers each batch as a single SQS message
type SQSUploader struct {
	client   SQSAPI
	queueURL string
	logger   *zap.Logger
}

// NewSQSUploader creates an uploader for an existing SQS client
func NewSQSUploader(client SQSAPI, queueURL string, logger *zap.Logger) *SQSUploader {
	return &SQSUploader{client: client, queueURL: queueURL, logger: logger}
}

// NewSQSUploaderFromEnv loads AWS credentials from the default chain
func NewSQSUploaderFromEnv(ctx context.Context, region, queueURL string, logger *zap.Logger) (*SQSUploader, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return NewSQSUploader(sqs.NewFromConfig(awsCfg), queueURL, logger), nil
}

// Send publishes the batch body to the queue
func (u *SQSUploader) Send(ctx context.Context, batch models.UploadRequest) error {
	if len(batch.Events) == 0 {
		return fmt.Errorf("cannot send empty batch")
	}

	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}

	out, err := u.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(u.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		u.logger.Error("Failed to publish batch to SQS",
			zap.Error(err),
			zap.Int("event_count", len(batch.Events)),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	u.logger.Debug("Batch published to SQS",
		zap.Int("event_count", len(batch.Events)),
		zap.String("message_id", aws.ToString(out.MessageId)),
	)
	return nil
}
