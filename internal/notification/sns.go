package notification

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// SNSPublisher is the subset of the SNS client used here.
type SNSPublisher interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSNotifier publishes to a topic that approvers subscribe to.
type SNSNotifier struct {
	client   SNSPublisher
	topicARN string
}

// NewSNSNotifier creates an SNS notifier.
func NewSNSNotifier(client SNSPublisher, topicARN string) *SNSNotifier {
	return &SNSNotifier{client: client, topicARN: topicARN}
}

// Name implements Notifier.
func (s *SNSNotifier) Name() string { return ChannelSNS }

// Notify implements Notifier. Metadata is sent as string message attributes
// so subscriptions can filter on them.
func (s *SNSNotifier) Notify(ctx context.Context, msg Message) error {
	subject := msg.Subject
	// SNS rejects subjects over 100 characters
	if len(subject) > 100 {
		subject = subject[:100]
	}

	attrs := map[string]snstypes.MessageAttributeValue{
		"priority": {DataType: aws.String("String"), StringValue: aws.String(string(msg.Priority))},
	}
	keys := make([]string, 0, len(msg.Metadata))
	for k := range msg.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if msg.Metadata[k] == "" {
			continue
		}
		attrs[k] = snstypes.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(msg.Metadata[k])}
	}

	if _, err := s.client.Publish(ctx, &sns.PublishInput{
		TopicArn:          aws.String(s.topicARN),
		Subject:           aws.String(subject),
		Message:           aws.String(msg.Body),
		MessageAttributes: attrs,
	}); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", s.topicARN, err)
	}
	return nil
}
