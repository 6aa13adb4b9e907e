package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/mail"
	"net/textproto"
	"path/filepath"

	"gopkg.in/gomail.v2"
)

type SMTPSender struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string

	// TemplateDir holds html templates addressed by Message.TemplateID.
	TemplateDir string
}

// Send renders the template (if any) and sends the email. gomail has no
// context support, so the dial runs in its own goroutine and ctx only bounds
// how long we wait for it.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	m, err := s.build(msg)
	if err != nil {
		return err
	}

	d := gomail.NewDialer(s.Host, s.Port, s.User, s.Password)

	done := make(chan error, 1)
	go func() {
		done <- d.DialAndSend(m)
	}()

	select {
	case err := <-done:
		if err != nil {
			return classifySMTPError(err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SMTPSender) build(msg Message) (*gomail.Message, error) {
	for _, r := range msg.Recipients {
		if _, err := mail.ParseAddress(r); err != nil {
			return nil, Permanent(fmt.Errorf("invalid recipient %q: %w", r, err))
		}
	}

	html, err := s.render(msg)
	if err != nil {
		return nil, err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.From)
	m.SetHeader("To", msg.Recipients...)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Body)
	if html != "" {
		m.AddAlternative("text/html", html)
	}

	return m, nil
}

// render returns the html part: the rendered template when TemplateID is set,
// otherwise the stored html body.
func (s *SMTPSender) render(msg Message) (string, error) {
	if msg.TemplateID == "" {
		return msg.HTMLBody, nil
	}

	// Build template path safely
	templatePath := filepath.Join(s.TemplateDir, filepath.Base(msg.TemplateID))

	tmpl, err := template.ParseFiles(templatePath)
	if err != nil {
		return "", Permanent(fmt.Errorf("template parse error: %w", err))
	}

	var body bytes.Buffer
	if err := tmpl.Execute(&body, msg.Variables); err != nil {
		return "", Permanent(fmt.Errorf("template execution error: %w", err))
	}

	return body.String(), nil
}

// classifySMTPError treats 5xx replies as permanent; everything else
// (dial failures, 4xx) is worth another try.
func classifySMTPError(err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && tpErr.Code >= 500 {
		return Permanent(fmt.Errorf("smtp send error: %w", err))
	}
	return fmt.Errorf("smtp send error: %w", err)
}
