package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/nadmax/deferd/internal/config"
	"github.com/nadmax/deferd/internal/decision"
	"github.com/nadmax/deferd/internal/task"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"
)

const SendNotificationTask = "send-notification"

// MailSender is satisfied by *sendgrid.Client.
type MailSender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

type Notifier struct {
	sender MailSender
	from   *mail.Email
	logger *zap.Logger
}

// NewNotifier builds a notifier backed by the SendGrid API.
func NewNotifier(cfg config.NotifyConfig, logger *zap.Logger) *Notifier {
	return NewNotifierWithSender(sendgrid.NewSendClient(cfg.SendGridAPIKey), cfg, logger)
}

func NewNotifierWithSender(sender MailSender, cfg config.NotifyConfig, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		sender: sender,
		from:   mail.NewEmail(cfg.FromName, cfg.FromAddress),
		logger: logger.Named("send-notification"),
	}
}

func (n *Notifier) Handle(ctx context.Context, t *task.Task, _ decision.Constraints) (map[string]any, error) {
	to, ok := t.Payload["to"].(string)
	if !ok || to == "" {
		return nil, errors.New("missing 'to' field")
	}

	subject, ok := t.Payload["subject"].(string)
	if !ok {
		return nil, errors.New("missing 'subject' field")
	}

	body, ok := t.Payload["body"].(string)
	if !ok {
		return nil, errors.New("missing 'body' field")
	}

	if n.from.Address == "" {
		return nil, errors.New("sender address is not configured")
	}

	email := mail.NewSingleEmail(n.from, subject, mail.NewEmail("", to), body, body)
	response, err := n.sender.SendWithContext(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to send email: %w", err)
	}
	if response.StatusCode >= 400 {
		return nil, fmt.Errorf("sendgrid error: status %d", response.StatusCode)
	}

	n.logger.Info("notification sent", zap.String("task_id", t.ID), zap.String("to", to), zap.Int("status", response.StatusCode))
	return map[string]any{
		"to":     to,
		"status": response.StatusCode,
	}, nil
}
