package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSSender is the subset of the SQS client used here.
type SQSSender interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSNotifier queues the message as JSON for a ticketing or chat bridge.
type SQSNotifier struct {
	client   SQSSender
	queueURL string
}

// NewSQSNotifier creates an SQS notifier.
func NewSQSNotifier(client SQSSender, queueURL string) *SQSNotifier {
	return &SQSNotifier{client: client, queueURL: queueURL}
}

// Name implements Notifier.
func (s *SQSNotifier) Name() string { return ChannelSQS }

// Notify implements Notifier. On FIFO queues the job id groups and
// deduplicates messages.
func (s *SQSNotifier) Notify(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"priority": {DataType: aws.String("String"), StringValue: aws.String(string(msg.Priority))},
		},
	}
	if jobID := msg.Metadata["job_id"]; jobID != "" && isFIFO(s.queueURL) {
		in.MessageGroupId = aws.String(jobID)
		in.MessageDeduplicationId = aws.String(jobID)
	}

	if _, err := s.client.SendMessage(ctx, in); err != nil {
		return fmt.Errorf("failed to send to %s: %w", s.queueURL, err)
	}
	return nil
}

func isFIFO(queueURL string) bool {
	return len(queueURL) > 5 && queueURL[len(queueURL)-5:] == ".fifo"
}
