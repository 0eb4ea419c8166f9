package mail

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ConsoleTransport writes messages to the log instead of delivering them. Intended for development.
type ConsoleTransport struct {
	from     string
	fromName string
	log      *zap.Logger
}

func NewConsoleTransport(from, fromName string, log *zap.Logger) *ConsoleTransport {
	if log == nil {
		log = zap.NewNop()
	}
	return &ConsoleTransport{from: from, fromName: fromName, log: log}
}

func (t *ConsoleTransport) Name() string { return ProviderConsole }

func (t *ConsoleTransport) Send(_ context.Context, msg Message) (Result, error) {
	env, err := prepare(msg, t.from, t.fromName)
	if err != nil {
		return Result{}, err
	}

	id := uuid.NewString()
	t.log.Info("email (console transport)",
		zap.String("message_id", id),
		zap.String("from", FormatAddress(env.from, env.fromName)),
		zap.Strings("to", env.recipients),
		zap.String("subject", msg.Subject),
		zap.String("text", msg.Text),
		zap.Int("html_bytes", len(msg.HTML)),
	)
	return Result{Provider: ProviderConsole, MessageID: id}, nil
}
