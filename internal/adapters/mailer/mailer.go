// Package mailer provides the default ReplySender used when no outbound
// email provider is configured. Replies are logged instead of sent.
package mailer

import (
	"context"
	"log/slog"

	"github.com/mxtoai/mailengine/internal/core"
)

// LogSender writes replies to the log instead of delivering them.
type LogSender struct {
	logger *slog.Logger
}

var _ core.ReplySender = (*LogSender)(nil)

// NewLogSender constructs a LogSender.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger.With("component", "mailer")}
}

// SendReply logs the reply and reports success.
func (s *LogSender) SendReply(ctx context.Context, reply core.Reply) error {
	s.logger.InfoContext(ctx, "outbound reply",
		"to", reply.To,
		"subject", reply.Subject,
		"body_bytes", len(reply.Body),
	)
	return nil
}
