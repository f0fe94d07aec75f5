package notification

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/catherinevee/remediator/internal/shared/logger"
)

// LogNotifier writes approval requests to the log. It keeps requests visible
// when no external channel is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a log notifier.
func NewLogNotifier(l zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Component(l, "notification")}
}

// Name implements Notifier.
func (l *LogNotifier) Name() string { return ChannelLog }

// Notify implements Notifier.
func (l *LogNotifier) Notify(ctx context.Context, msg Message) error {
	log := logger.WithTrace(ctx, l.logger)
	event := log.Warn().
		Str("subject", msg.Subject).
		Str("priority", string(msg.Priority))
	for k, v := range msg.Metadata {
		event = event.Str(k, v)
	}
	event.Msg(msg.Body)
	return nil
}
