package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type PractitionerRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Practitioner, error)
	// ListByDepartment returns active, on-duty practitioners of a hospital department.
	ListByDepartment(ctx context.Context, hospitalID, departmentID uuid.UUID) ([]*Practitioner, error)
	// FirstActiveInDepartment finds the first active practitioner in the department
	// with the given name at a hospital, ordered by id.
	FirstActiveInDepartment(ctx context.Context, hospitalID uuid.UUID, departmentName string) (*Practitioner, error)
}

type DepartmentRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Department, error)
}

type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	Update(ctx context.Context, a *Appointment) error
	// ListForPractitioner returns the practitioner's appointments starting in [from, to)
	// whose status is one of statuses.
	ListForPractitioner(ctx context.Context, practitionerID uuid.UUID, from, to time.Time, statuses []Status) ([]*Appointment, error)
	CountForPractitioner(ctx context.Context, practitionerID uuid.UUID, from, to time.Time, statuses []Status) (int, error)
	CountForPatientDepartment(ctx context.Context, patientID, departmentID uuid.UUID, from, to time.Time, statuses []Status) (int, error)
	FindReferral(ctx context.Context, referredFromID uuid.UUID) (*Appointment, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error)
	ListByPractitioner(ctx context.Context, practitionerID uuid.UUID, limit, offset int) ([]*Appointment, int, error)
}

// HistoryQuery answers questions about past appointments.
type HistoryQuery interface {
	// PractitionerTotals returns completed and total past appointments of a practitioner.
	PractitionerTotals(ctx context.Context, practitionerID uuid.UUID) (completed, total int, err error)
	// CompletedVisits counts completed appointments between a patient and a practitioner.
	CompletedVisits(ctx context.Context, patientID, practitionerID uuid.UUID) (int, error)
}

// PatientDirectory is the registration and medical-profile lookup.
type PatientDirectory interface {
	GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
	IsRegisteredWithHospital(ctx context.Context, patientID, hospitalID uuid.UUID) (bool, error)
	GetMedicalProfile(ctx context.Context, patientID uuid.UUID) (*MedicalProfile, error)
}

// ReminderStore keeps scheduled reminders until they are due.
type ReminderStore interface {
	// Replace drops the undelivered reminders of an appointment and stores rs.
	Replace(ctx context.Context, appointmentID uuid.UUID, rs []Reminder) error
	// ClaimDue marks up to limit reminders due at now as sent and returns them.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Reminder, error)
}

// Locker serializes booking decisions on a set of keys. fn runs inside a single
// transaction that is committed only when fn returns nil. A nested call takes
// its locks inside the enclosing transaction.
type Locker interface {
	WithLocks(ctx context.Context, keys []string, fn func(ctx context.Context) error) error
}

// ScoreCache is a read-through cache for recomputable numeric values.
type ScoreCache interface {
	GetOrLoad(ctx context.Context, key string, ttl time.Duration, load func(ctx context.Context) (float64, error)) (float64, error)
	Invalidate(ctx context.Context, key string) error
}

// ReferenceGenerator produces human-readable appointment identifiers.
type ReferenceGenerator interface {
	NewReference(at time.Time) string
}

// Notifier receives lifecycle events. Emit must not block.
type Notifier interface {
	Emit(ctx context.Context, ev Event)
}
