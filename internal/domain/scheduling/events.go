package scheduling

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType names a lifecycle event handed to the Notifier.
type EventType string

const (
	EventBookingConfirmation    EventType = "booking_confirmation"
	EventConfirmed              EventType = "appointment_confirmed"
	EventReminder               EventType = "appointment_reminder"
	EventRescheduled            EventType = "appointment_rescheduled"
	EventCancelled              EventType = "appointment_cancelled"
	EventPractitionerUnassigned EventType = "practitioner_unassigned"
	EventReferred               EventType = "appointment_referred"
	EventReferralReceived       EventType = "referral_received"
	EventRejected               EventType = "appointment_rejected"
	EventNoShow                 EventType = "appointment_no_show"
	EventCompleted              EventType = "appointment_completed"
)

// RecipientKind says who an event is addressed to.
type RecipientKind string

const (
	RecipientPatient      RecipientKind = "patient"
	RecipientPractitioner RecipientKind = "practitioner"
)

type Recipient struct {
	Kind RecipientKind `json:"kind"`
	ID   uuid.UUID     `json:"id"`
}

// Event is a notification request produced after a successful transition.
// DeliverAt is the instant a reminder was scheduled for and zero otherwise.
type Event struct {
	Type        EventType    `json:"type"`
	Appointment *Appointment `json:"appointment"`
	Recipient   Recipient    `json:"recipient"`
	DeliverAt   time.Time    `json:"deliver_at,omitempty"`
	Lead        string       `json:"lead,omitempty"`
}

// ReminderLeads are the offsets before start at which reminders are sent.
var ReminderLeads = []time.Duration{7 * 24 * time.Hour, 2 * 24 * time.Hour, 24 * time.Hour, 2 * time.Hour}

// Reminder is a scheduled reminder for a confirmed appointment. Undelivered
// reminders are dropped whenever the appointment leaves confirmed.
type Reminder struct {
	ID            uuid.UUID `db:"id" json:"id"`
	AppointmentID uuid.UUID `db:"appointment_id" json:"appointment_id"`
	DeliverAt     time.Time `db:"deliver_at" json:"deliver_at"`
	Lead          string    `db:"lead" json:"lead"`
}

// Reminders returns the reminder schedule for a, skipping instants not after now.
func Reminders(a *Appointment, now time.Time) []Reminder {
	var out []Reminder
	for _, lead := range ReminderLeads {
		at := a.StartTime.Add(-lead)
		if !at.After(now) {
			continue
		}
		out = append(out, Reminder{
			ID:            uuid.New(),
			AppointmentID: a.ID,
			DeliverAt:     at,
			Lead:          formatLead(lead),
		})
	}
	return out
}

func reminderEvent(a *Appointment, r Reminder) Event {
	ev := patientEvent(EventReminder, a)
	ev.DeliverAt = r.DeliverAt
	ev.Lead = r.Lead
	return ev
}

func formatLead(d time.Duration) string {
	if d >= 24*time.Hour && d%(24*time.Hour) == 0 {
		days := int(d / (24 * time.Hour))
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
	return fmt.Sprintf("%d hours", int(d/time.Hour))
}

func patientEvent(t EventType, a *Appointment) Event {
	return Event{Type: t, Appointment: a, Recipient: Recipient{Kind: RecipientPatient, ID: a.PatientID}}
}

func practitionerEvent(t EventType, a *Appointment, practitionerID uuid.UUID) Event {
	return Event{Type: t, Appointment: a, Recipient: Recipient{Kind: RecipientPractitioner, ID: practitionerID}}
}

// UUIDReferences generates APT-YYYYMMDD-XXXXXXXX references from random UUIDs.
type UUIDReferences struct{}

func (UUIDReferences) NewReference(at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return "APT-" + at.Format("20060102") + "-" + suffix
}
