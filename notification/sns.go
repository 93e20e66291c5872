package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// snsAPI defines the SNS operations used by SNSNotifier.
// This interface enables testing with mock implementations.
type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSNotifier publishes messages to an AWS SNS topic.
// It implements the Notifier interface for AWS-native notification delivery.
//
// Messages are published as JSON with MessageAttributes "event_type",
// "priority", and "audience" for subscription filtering. Subscribers can
// filter by any of them (e.g., only critical admin broadcasts).
type SNSNotifier struct {
	client   snsAPI
	topicARN string
}

// NewSNSNotifier creates a new SNSNotifier using the provided AWS configuration.
// The topicARN specifies the SNS topic to publish messages to.
func NewSNSNotifier(cfg aws.Config, topicARN string) *SNSNotifier {
	return &SNSNotifier{
		client:   sns.NewFromConfig(cfg),
		topicARN: topicARN,
	}
}

// newSNSNotifierWithClient creates an SNSNotifier with a custom client.
// This is primarily used for testing with mock clients.
func newSNSNotifierWithClient(client snsAPI, topicARN string) *SNSNotifier {
	return &SNSNotifier{
		client:   client,
		topicARN: topicARN,
	}
}

// Notify publishes the message to the configured SNS topic.
// The message is serialized as JSON with filtering attributes.
func (n *SNSNotifier) Notify(ctx context.Context, msg *Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	_, err = n.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.Type.String()),
			},
			"priority": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.Priority.String()),
			},
			"audience": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.Audience.String()),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("sns publish: %w", err)
	}

	return nil
}
