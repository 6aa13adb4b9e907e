package email

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"mailqueue/internal/config"
	"mailqueue/internal/models"
)

// Sender delivers one message. A returned error wrapped with Permanent will
// not be retried; any other error is treated as transient.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) error

func (f SenderFunc) Send(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// Message is the content handed to a Sender.
type Message struct {
	ID         string           `json:"id"`
	Recipients []string         `json:"recipients"`
	Subject    string           `json:"subject"`
	Body       string           `json:"body"`
	HTMLBody   string           `json:"html_body,omitempty"`
	TemplateID string           `json:"template_id,omitempty"`
	Variables  models.Variables `json:"variables,omitempty"`
}

func MessageFromJob(job *models.EmailJob) Message {
	return Message{
		ID:         job.ID,
		Recipients: job.Recipients,
		Subject:    job.Subject,
		Body:       job.Body,
		HTMLBody:   job.HTMLBody,
		TemplateID: job.TemplateID,
		Variables:  job.Variables,
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// New builds the sender selected by SENDER_BACKEND. The returned close func
// releases transport resources and is never nil.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Sender, func() error, error) {
	noop := func() error { return nil }

	switch strings.ToLower(cfg.SenderBackend) {
	case "smtp":
		return &SMTPSender{
			Host:        cfg.SMTPHost,
			Port:        cfg.SMTPPort,
			User:        cfg.SMTPUser,
			Password:    cfg.SMTPPassword,
			From:        cfg.SMTPFrom,
			TemplateDir: cfg.TemplateDir,
		}, noop, nil

	case "sqs":
		s, err := NewSQSSender(ctx, cfg.SQSQueueURL)
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil

	case "kafka":
		s, err := NewKafkaSender(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil

	case "log":
		return &LogSender{Log: logger}, noop, nil
	}

	return nil, noop, fmt.Errorf("unknown sender backend %q", cfg.SenderBackend)
}

// LogSender only records the message. Useful for local runs.
type LogSender struct {
	Log *zap.Logger
}

func (s *LogSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.Log.Info("email delivered to log",
		zap.String("job_id", msg.ID),
		zap.Strings("to", msg.Recipients),
		zap.String("subject", msg.Subject),
		zap.String("template_id", msg.TemplateID),
	)
	return nil
}
