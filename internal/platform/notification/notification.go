// Package notification renders appointment notifications from templates and
// delivers them asynchronously through a Publisher.
package notification

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Message
// ---------------------------------------------------------------------------

// Message is a rendered notification ready for a transport.
type Message struct {
	ID            string            `json:"id"`
	Event         string            `json:"event"`
	RecipientKind string            `json:"recipient_kind"`
	RecipientID   string            `json:"recipient_id"`
	Subject       string            `json:"subject"`
	Body          string            `json:"body"`
	Data          map[string]string `json:"data,omitempty"`
	DeliverAt     *time.Time        `json:"deliver_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Publisher hands a message to a delivery transport.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// LogPublisher writes messages to the log instead of a broker.
type LogPublisher struct {
	log zerolog.Logger
}

func NewLogPublisher(log zerolog.Logger) *LogPublisher {
	return &LogPublisher{log: log.With().Str("component", "notification").Logger()}
}

func (p *LogPublisher) Publish(_ context.Context, msg Message) error {
	ev := p.log.Info().
		Str("event", msg.Event).
		Str("recipient_kind", msg.RecipientKind).
		Str("recipient_id", msg.RecipientID).
		Str("subject", msg.Subject)
	if msg.DeliverAt != nil {
		ev = ev.Time("deliver_at", *msg.DeliverAt)
	}
	ev.Msg(msg.Body)
	return nil
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// Template defines a reusable notification template.
type Template struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with one template per
// appointment event pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      "booking_confirmation",
			Name:    "Booking Confirmation",
			Subject: "Appointment {{reference}} received",
			Body:    "Your {{department}} appointment on {{date}} at {{time}} has been booked and is awaiting confirmation.",
		},
		{
			ID:      "appointment_confirmed",
			Name:    "Appointment Confirmed",
			Subject: "Appointment {{reference}} confirmed",
			Body:    "Your {{department}} appointment on {{date}} at {{time}} is confirmed.",
		},
		{
			ID:      "appointment_reminder",
			Name:    "Appointment Reminder",
			Subject: "Reminder: appointment {{reference}} in {{lead}}",
			Body:    "This is a reminder of your {{department}} appointment on {{date}} at {{time}}.",
		},
		{
			ID:      "appointment_rescheduled",
			Name:    "Appointment Rescheduled",
			Subject: "Appointment {{reference}} rescheduled",
			Body:    "Your appointment has been moved to {{date}} at {{time}}. Reason: {{reason}}",
		},
		{
			ID:      "appointment_cancelled",
			Name:    "Appointment Cancelled",
			Subject: "Appointment {{reference}} cancelled",
			Body:    "The appointment on {{date}} at {{time}} has been cancelled. Reason: {{reason}}",
		},
		{
			ID:      "practitioner_unassigned",
			Name:    "Practitioner Unassigned",
			Subject: "Appointment {{reference}} needs a new practitioner",
			Body:    "The practitioner withdrew from your appointment on {{date}} at {{time}}. It will be reassigned.",
		},
		{
			ID:      "appointment_referred",
			Name:    "Appointment Referred",
			Subject: "Appointment {{reference}} referred",
			Body:    "You have been referred. Reason: {{reason}}",
		},
		{
			ID:      "referral_received",
			Name:    "Referral Received",
			Subject: "New referral {{reference}}",
			Body:    "A patient has been referred to you for {{date}} at {{time}}. Reason: {{reason}}",
		},
		{
			ID:      "appointment_rejected",
			Name:    "Appointment Rejected",
			Subject: "Appointment {{reference}} rejected",
			Body:    "Your appointment request for {{date}} at {{time}} was rejected. Reason: {{reason}}",
		},
		{
			ID:      "appointment_no_show",
			Name:    "Missed Appointment",
			Subject: "Missed appointment {{reference}}",
			Body:    "You were marked as not attending your appointment on {{date}} at {{time}}.",
		},
		{
			ID:      "appointment_completed",
			Name:    "Appointment Completed",
			Subject: "Appointment {{reference}} completed",
			Body:    "Your {{department}} appointment on {{date}} has been completed.",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}
