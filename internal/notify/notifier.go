package notify

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// Notifier publishes a terminal deployment outcome to an external
// channel. Delivery is best-effort; the orchestrator logs failures and
// moves on.
type Notifier interface {
	Publish(ctx context.Context, subject, message string) error
}

// SNSNotifier publishes to an SNS topic.
type SNSNotifier struct {
	topicARN string
	region   string
}

// NewSNSNotifier creates a notifier for a topic ARN.
func NewSNSNotifier(topicARN, region string) *SNSNotifier {
	return &SNSNotifier{topicARN: topicARN, region: region}
}

func (n *SNSNotifier) Publish(ctx context.Context, subject, message string) error {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(n.region))
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	_, err = sns.NewFromConfig(cfg).Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.topicARN),
		Subject:  aws.String(subject),
		Message:  aws.String(message),
	})
	if err != nil {
		return fmt.Errorf("sns publish: %w", err)
	}
	return nil
}

// NopNotifier discards messages. Used when no channel is configured.
type NopNotifier struct{}

func (NopNotifier) Publish(ctx context.Context, subject, message string) error {
	return nil
}
