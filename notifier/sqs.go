package notifier

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSAPI defines the SQS operations the ticket channel needs
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSChannel enqueues alerts on a ticketing queue
type SQSChannel struct {
	name     string
	queueURL string
	client   SQSAPI
}

// NewSQSChannel creates a queue-backed channel
func NewSQSChannel(name, queueURL string, client SQSAPI) *SQSChannel {
	return &SQSChannel{name: name, queueURL: queueURL, client: client}
}

// Name returns the channel name
func (s *SQSChannel) Name() string {
	return s.name
}

// Send enqueues the rendered text with routing metadata as message
// attributes
func (s *SQSChannel) Send(ctx context.Context, msg Message) error {
	_, err := s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(msg.Text),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"finding_id": stringAttribute(msg.FindingID),
			"category":   stringAttribute(msg.Category),
			"severity":   stringAttribute(msg.Severity.String()),
			"status":     stringAttribute(string(msg.Status)),
		},
	})
	if err != nil {
		return fmt.Errorf("send to queue %s: %w", s.name, err)
	}
	return nil
}

// SQS rejects empty attribute values
func stringAttribute(value string) sqstypes.MessageAttributeValue {
	if value == "" {
		value = "unknown"
	}
	return sqstypes.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(value),
	}
}
