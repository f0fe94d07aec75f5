// Package notification delivers approval requests to human approvers over
// one or more channels.
package notification

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog"

	"github.com/catherinevee/remediator/internal/shared/config"
)

// Priority mirrors the remediation risk level in notifications.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Message is one human-readable notification.
type Message struct {
	Subject  string            `json:"subject"`
	Body     string            `json:"body"`
	Priority Priority          `json:"priority"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Notifier delivers a message over one channel. Each call is independent and
// may fail without affecting other channels.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, msg Message) error
}

// Clients carries the AWS clients for the cloud channels. Either may be nil
// when its channel is disabled.
type Clients struct {
	SNS SNSPublisher
	SQS SQSSender
}

// Build creates the notifiers enabled in cfg. Channels limits the result to
// the named channels; an empty list enables everything configured. The log
// channel is always available.
func Build(cfg config.NotificationSettings, channels []string, clients Clients, log zerolog.Logger) ([]Notifier, error) {
	wanted := func(name string) bool {
		if len(channels) == 0 {
			return true
		}
		for _, c := range channels {
			if c == name {
				return true
			}
		}
		return false
	}

	var out []Notifier
	if wanted(ChannelLog) {
		out = append(out, NewLogNotifier(log))
	}

	if cfg.Email.Enabled && wanted(ChannelEmail) {
		email, err := NewEmailNotifier(EmailConfig{
			SMTPHost:     cfg.Email.SMTPHost,
			SMTPPort:     cfg.Email.SMTPPort,
			SMTPUsername: cfg.Email.Username,
			SMTPPassword: cfg.Email.Password,
			FromEmail:    cfg.Email.From,
			To:           cfg.Email.To,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, email)
	}

	if wanted(ChannelWebhook) {
		for _, url := range cfg.Webhooks {
			out = append(out, NewWebhookNotifier(url, nil))
		}
	}

	if cfg.SNS.Enabled && wanted(ChannelSNS) {
		if clients.SNS == nil {
			return nil, fmt.Errorf("sns channel enabled but no client configured")
		}
		out = append(out, NewSNSNotifier(clients.SNS, cfg.SNS.TopicARN))
	}

	if cfg.SQS.Enabled && wanted(ChannelSQS) {
		if clients.SQS == nil {
			return nil, fmt.Errorf("sqs channel enabled but no client configured")
		}
		out = append(out, NewSQSNotifier(clients.SQS, cfg.SQS.QueueURL))
	}

	return out, nil
}

// Channel names
const (
	ChannelLog     = "log"
	ChannelEmail   = "email"
	ChannelWebhook = "webhook"
	ChannelSNS     = "sns"
	ChannelSQS     = "sqs"
)

var (
	_ SNSPublisher = (*sns.Client)(nil)
	_ SQSSender    = (*sqs.Client)(nil)
)
