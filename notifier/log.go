package notifier

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/yairfalse/vigil/types"
)

// LogChannel writes alerts as structured log lines
type LogChannel struct {
	name   string
	logger zerolog.Logger
}

// NewLogChannel creates a log channel
func NewLogChannel(name string, logger zerolog.Logger) *LogChannel {
	return &LogChannel{name: name, logger: logger}
}

// Name returns the channel name
func (l *LogChannel) Name() string {
	return l.name
}

// Send logs msg at a level matching its severity
func (l *LogChannel) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	level := zerolog.InfoLevel
	if msg.Severity.AtLeast(types.SeverityHigh) {
		level = zerolog.WarnLevel
	}
	l.logger.WithLevel(level).
		Str("finding_id", msg.FindingID).
		Str("category", msg.Category).
		Str("severity", msg.Severity.String()).
		Str("status", string(msg.Status)).
		Str("alert", msg.Text).
		Msg(msg.Title)
	return nil
}
