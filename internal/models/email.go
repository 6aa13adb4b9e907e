package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type EmailStatus string

const (
	StatusPending EmailStatus = "pending"
	StatusSending EmailStatus = "sending"
	StatusSent    EmailStatus = "sent"
	StatusFailed  EmailStatus = "failed"
)

// DefaultMaxAttempts bounds Attempts when the caller does not configure it.
const DefaultMaxAttempts = 3

// Terminal reports whether no further transition is allowed from s.
func (s EmailStatus) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

func (s EmailStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSending, StatusSent, StatusFailed:
		return true
	}
	return false
}

// EmailJob is one message to deliver and its lifecycle state.
type EmailJob struct {
	ID         string    `json:"id"`
	Recipients []string  `json:"recipients"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	HTMLBody   string    `json:"html_body,omitempty"`
	TemplateID string    `json:"template_id,omitempty"`
	Variables  Variables `json:"variables,omitempty"`

	Status        EmailStatus `json:"status"`
	Attempts      int         `json:"attempts"`
	MaxAttempts   int         `json:"max_attempts"`
	LastError     string      `json:"last_error,omitempty"`
	NextAttemptAt time.Time   `json:"next_attempt_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Durable is false for jobs the store does not (or no longer reliably) hold.
	Durable bool `json:"-"`
}

// Due reports whether the job may be picked up at now.
func (j *EmailJob) Due(now time.Time) bool {
	return !j.NextAttemptAt.After(now)
}

// Content is what a caller hands to the queue.
type Content struct {
	Recipients []string  `json:"recipients"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	HTMLBody   string    `json:"html_body,omitempty"`
	TemplateID string    `json:"template_id,omitempty"`
	Variables  Variables `json:"variables,omitempty"`
}

var (
	ErrNoRecipients = errors.New("at least one recipient is required")
	ErrNoSubject    = errors.New("subject is required")
	ErrNoBody       = errors.New("body is required")
)

func (c Content) Validate() error {
	if len(c.Recipients) == 0 {
		return ErrNoRecipients
	}
	for i, r := range c.Recipients {
		if strings.TrimSpace(r) == "" {
			return fmt.Errorf("recipient %d is empty: %w", i, ErrNoRecipients)
		}
	}
	if strings.TrimSpace(c.Subject) == "" {
		return ErrNoSubject
	}
	if c.Body == "" {
		return ErrNoBody
	}
	return c.Variables.Validate()
}

// NewJob builds a pending job from validated content.
func NewJob(id string, c Content, maxAttempts int, now time.Time) *EmailJob {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	recipients := make([]string, len(c.Recipients))
	for i, r := range c.Recipients {
		recipients[i] = strings.TrimSpace(r)
	}
	return &EmailJob{
		ID:            id,
		Recipients:    recipients,
		Subject:       c.Subject,
		Body:          c.Body,
		HTMLBody:      c.HTMLBody,
		TemplateID:    c.TemplateID,
		Variables:     c.Variables,
		Status:        StatusPending,
		MaxAttempts:   maxAttempts,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
