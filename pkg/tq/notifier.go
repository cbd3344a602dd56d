package tq

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/tqfleet/gateway/pkg/monitor"
)

// LogNotifier satisfies monitor.Notifier by writing alerts to the gateway's
// structured log. Telegram/SMTP delivery is an external collaborator (see
// Non-goals) and is expected to tail this log or wrap LogNotifier with its
// own implementation of monitor.Notifier.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(ctx context.Context, message string) error {
	n.log.Warn().Str("component", "notifier").Msg(message)
	return nil
}

var _ monitor.Notifier = (*LogNotifier)(nil)
