// Package sqspub publishes envelopes to AWS SQS. Destinations are queue
// URLs; an empty destination falls back to the configured default queue.
package sqspub

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog/log"

	"go.relaykit.dev/messaging"
	"go.relaykit.dev/serializer"
)

// SQSClientAPI is the slice of the SQS client the publisher uses.
type SQSClientAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Config holds publisher settings.
type Config struct {
	// Region for the AWS config.
	Region string
	// QueueURL is the default destination.
	QueueURL string
	// Endpoint overrides the SQS endpoint, for localstack testing.
	Endpoint string
}

// Publisher sends serialized envelopes to SQS queues.
type Publisher struct {
	client SQSClientAPI
	codec  serializer.Serializer
	config Config
}

// New creates a publisher with the default AWS credential chain.
func New(ctx context.Context, codec serializer.Serializer, cfg Config) (*Publisher, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClient(client, codec, cfg), nil
}

// NewWithClient wires an existing client; tests pass a fake.
func NewWithClient(client SQSClientAPI, codec serializer.Serializer, cfg Config) *Publisher {
	if codec == nil {
		codec = serializer.JSON{}
	}
	return &Publisher{client: client, codec: codec, config: cfg}
}

func (p *Publisher) Publish(ctx context.Context, destination string, msg *messaging.Envelope) error {
	queueURL := destination
	if queueURL == "" {
		queueURL = p.config.QueueURL
	}
	if queueURL == "" {
		return messaging.NewError(messaging.ErrKindConfiguration, messaging.CodeBadConfig,
			"no SQS queue URL configured", nil)
	}

	payload, err := p.codec.Marshal(msg)
	if err != nil {
		return messaging.NewError(messaging.ErrKindConfiguration, messaging.CodeBadConfig,
			"failed to serialize message", err)
	}

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(payload)),
	})
	if err != nil {
		if messaging.IsCancellation(err) {
			return err
		}
		return messaging.NewError(messaging.ErrKindTransient, messaging.CodeStoreUnavailable,
			"SQS send failed", err)
	}

	log.Debug().
		Str("messageId", msg.ID).
		Str("queueUrl", queueURL).
		Msg("Message published to SQS")
	return nil
}
