package scheduling

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PractitionerStatus is the duty status of a practitioner.
type PractitionerStatus string

const (
	PractitionerOnDuty  PractitionerStatus = "on_duty"
	PractitionerOffDuty PractitionerStatus = "off_duty"
	PractitionerOnLeave PractitionerStatus = "on_leave"
)

// TimeOfDay is a wall-clock time expressed in minutes after midnight.
type TimeOfDay int

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	if h < 0 || h > 24 || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	return TimeOfDay(h*60 + m), nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

func (t TimeOfDay) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	v, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// On returns the instant at this time of day on the calendar date of d.
func (t TimeOfDay) On(d time.Time) time.Time {
	y, mo, day := d.Date()
	return time.Date(y, mo, day, int(t)/60, int(t)%60, 0, 0, d.Location())
}

func timeOfDayOf(t time.Time) TimeOfDay {
	return TimeOfDay(t.Hour()*60 + t.Minute())
}

// Department maps to the department table.
type Department struct {
	ID         uuid.UUID `db:"id" json:"id"`
	HospitalID uuid.UUID `db:"hospital_id" json:"hospital_id"`
	Name       string    `db:"name" json:"name"`
}

// Practitioner maps to the practitioner table joined with its department name.
type Practitioner struct {
	ID                    uuid.UUID          `db:"id" json:"id"`
	Name                  string             `db:"name" json:"name"`
	HospitalID            uuid.UUID          `db:"hospital_id" json:"hospital_id"`
	DepartmentID          uuid.UUID          `db:"department_id" json:"department_id"`
	DepartmentName        string             `db:"department_name" json:"department_name"`
	Specialization        string             `db:"specialization" json:"specialization"`
	LicenseExpiry         *time.Time         `db:"license_expiry" json:"license_expiry,omitempty"`
	WorkingDays           []time.Weekday     `db:"working_days" json:"working_days"`
	ShiftStart            TimeOfDay          `db:"shift_start" json:"shift_start"`
	ShiftEnd              TimeOfDay          `db:"shift_end" json:"shift_end"`
	MaxDailyAppointments  int                `db:"max_daily_appointments" json:"max_daily_appointments"`
	VisitMinutes          int                `db:"visit_minutes" json:"visit_minutes"`
	Languages             []string           `db:"languages" json:"languages"`
	ExpertiseCodes        []string           `db:"expertise_codes" json:"expertise_codes"`
	PrimaryExpertiseCodes []string           `db:"primary_expertise_codes" json:"primary_expertise_codes"`
	ChronicCare           bool               `db:"chronic_care" json:"chronic_care"`
	ComplexCaseRating     float64            `db:"complex_case_rating" json:"complex_case_rating"`
	ContinuityRating      float64            `db:"continuity_rating" json:"continuity_rating"`
	YearsExperience       int                `db:"years_experience" json:"years_experience"`
	Active                bool               `db:"active" json:"active"`
	Verified              bool               `db:"verified" json:"verified"`
	Status                PractitionerStatus `db:"status" json:"status"`
}

// CanPractice reports whether the practitioner may be matched at instant now.
func (p *Practitioner) CanPractice(now time.Time) bool {
	if !p.Active || !p.Verified || p.Status != PractitionerOnDuty {
		return false
	}
	if p.LicenseExpiry != nil && !p.LicenseExpiry.After(now) {
		return false
	}
	return true
}

func (p *Practitioner) WorksOn(day time.Weekday) bool {
	for _, d := range p.WorkingDays {
		if d == day {
			return true
		}
	}
	return false
}

// WithinHours reports whether t's time of day falls in [ShiftStart, ShiftEnd).
func (p *Practitioner) WithinHours(t time.Time) bool {
	tod := timeOfDayOf(t)
	return tod >= p.ShiftStart && tod < p.ShiftEnd
}

// VisitDuration is the default visit length, 30 minutes when unset.
func (p *Practitioner) VisitDuration() time.Duration {
	if p.VisitMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(p.VisitMinutes) * time.Minute
}

// Languages is the normalized language preference of a patient.
type Languages struct {
	Preferred string   `json:"preferred"`
	Custom    string   `json:"custom,omitempty"`
	Secondary []string `json:"secondary,omitempty"`
}

// LanguageOther marks a preferred language given as free text in Custom.
const LanguageOther = "other"

// EffectivePreferred resolves "other" to the custom language.
func (l Languages) EffectivePreferred() string {
	if strings.EqualFold(l.Preferred, LanguageOther) {
		return normalizeLanguage(l.Custom)
	}
	return normalizeLanguage(l.Preferred)
}

func normalizeLanguage(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Patient maps to the patient table.
type Patient struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	Name        string     `db:"name" json:"name"`
	DateOfBirth *time.Time `db:"date_of_birth" json:"date_of_birth,omitempty"`
	Gender      *string    `db:"gender" json:"gender,omitempty"`
	Email       *string    `db:"email" json:"email,omitempty"`
	Phone       *string    `db:"phone" json:"phone,omitempty"`
	Languages   Languages  `json:"languages"`
}

// Diagnosis is an active diagnosis on a medical profile.
type Diagnosis struct {
	Code     string `db:"code" json:"code"`
	Chronic  bool   `db:"chronic" json:"chronic"`
	Severity int    `db:"severity" json:"severity"`
}

// ComplexityScores are pre-normalized 0-1 aggregates of a medical profile.
type ComplexityScores struct {
	Comorbidity     float64 `json:"comorbidity"`
	Severity        float64 `json:"severity"`
	Medication      float64 `json:"medication"`
	CarePlan        float64 `json:"care_plan"`
	Hospitalization float64 `json:"hospitalization"`
}

// Composite is the mean of the five scores.
func (c ComplexityScores) Composite() float64 {
	return (clamp01(c.Comorbidity) + clamp01(c.Severity) + clamp01(c.Medication) +
		clamp01(c.CarePlan) + clamp01(c.Hospitalization)) / 5
}

// MedicalProfile is the clinical summary used for scoring.
type MedicalProfile struct {
	PatientID             uuid.UUID        `json:"patient_id"`
	Diagnoses             []Diagnosis      `json:"diagnoses"`
	ActiveTreatments      int              `json:"active_treatments"`
	PriorHospitalizations int              `json:"prior_hospitalizations"`
	CarePlanComplexity    float64          `json:"care_plan_complexity"`
	History               string           `json:"history,omitempty"`
	Complexity            ComplexityScores `json:"complexity"`
}

// AppointmentType classifies the visit.
type AppointmentType string

const (
	TypeFirstVisit   AppointmentType = "first_visit"
	TypeFollowUp     AppointmentType = "follow_up"
	TypeConsultation AppointmentType = "consultation"
	TypeProcedure    AppointmentType = "procedure"
	TypeTest         AppointmentType = "test"
	TypeVaccination  AppointmentType = "vaccination"
	TypeTherapy      AppointmentType = "therapy"
)

var validAppointmentTypes = map[AppointmentType]bool{
	TypeFirstVisit: true, TypeFollowUp: true, TypeConsultation: true,
	TypeProcedure: true, TypeTest: true, TypeVaccination: true, TypeTherapy: true,
}

// Priority of a booking request.
type Priority string

const (
	PriorityNormal    Priority = "normal"
	PriorityUrgent    Priority = "urgent"
	PriorityEmergency Priority = "emergency"
)

var validPriorities = map[Priority]bool{
	PriorityNormal: true, PriorityUrgent: true, PriorityEmergency: true,
}

// Appointment maps to the appointment table.
type Appointment struct {
	ID                   uuid.UUID       `db:"id" json:"id"`
	Reference            string          `db:"reference" json:"reference"`
	PatientID            uuid.UUID       `db:"patient_id" json:"patient_id"`
	HospitalID           uuid.UUID       `db:"hospital_id" json:"hospital_id"`
	DepartmentID         uuid.UUID       `db:"department_id" json:"department_id"`
	PractitionerID       *uuid.UUID      `db:"practitioner_id" json:"practitioner_id,omitempty"`
	StartTime            time.Time       `db:"start_time" json:"start_time"`
	DurationMinutes      int             `db:"duration_minutes" json:"duration_minutes"`
	Type                 AppointmentType `db:"appointment_type" json:"type"`
	Priority             Priority        `db:"priority" json:"priority"`
	Status               Status          `db:"status" json:"status"`
	ChiefComplaint       *string         `db:"chief_complaint" json:"chief_complaint,omitempty"`
	Symptoms             *string         `db:"symptoms" json:"symptoms,omitempty"`
	MedicalHistory       *string         `db:"medical_history" json:"medical_history,omitempty"`
	Allergies            *string         `db:"allergies" json:"allergies,omitempty"`
	Medications          *string         `db:"medications" json:"medications,omitempty"`
	Notes                *string         `db:"notes" json:"notes,omitempty"`
	CancellationReason   *string         `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	ReferredFromID       *uuid.UUID      `db:"referred_from_id" json:"referred_from_id,omitempty"`
	ReferralHospitalID   *uuid.UUID      `db:"referral_hospital_id" json:"referral_hospital_id,omitempty"`
	ReferralDepartmentID *uuid.UUID      `db:"referral_department_id" json:"referral_department_id,omitempty"`
	ReferralReason       *string         `db:"referral_reason" json:"referral_reason,omitempty"`
	ApprovedBy           *uuid.UUID      `db:"approved_by" json:"approved_by,omitempty"`
	ApprovedAt           *time.Time      `db:"approved_at" json:"approved_at,omitempty"`
	CancelledAt          *time.Time      `db:"cancelled_at" json:"cancelled_at,omitempty"`
	CompletedAt          *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	VersionID            int             `db:"version_id" json:"version_id"`
	CreatedAt            time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time       `db:"updated_at" json:"updated_at"`
}

// Duration is the length of the appointment's slot.
func (a *Appointment) Duration() time.Duration { return minutes(a.DurationMinutes) }

func minutes(n int) time.Duration { return time.Duration(n) * time.Minute }

// EndTime is the exclusive end of the appointment's slot.
func (a *Appointment) EndTime() time.Time {
	return a.StartTime.Add(a.Duration())
}

// Overlaps reports whether the slot [start, end) intersects this appointment's slot.
func (a *Appointment) Overlaps(start, end time.Time) bool {
	return a.StartTime.Before(end) && start.Before(a.EndTime())
}

func (a *Appointment) IsEmergency() bool { return a.Priority == PriorityEmergency }

func (a *Appointment) AssignedTo(id uuid.UUID) bool {
	return a.PractitionerID != nil && *a.PractitionerID == id
}

func (a *Appointment) appendNote(note string) {
	if a.Notes == nil || *a.Notes == "" {
		a.Notes = &note
		return
	}
	joined := *a.Notes + "\n" + note
	a.Notes = &joined
}

// clone returns a copy safe to hand to asynchronous consumers.
func (a *Appointment) clone() *Appointment {
	c := *a
	return &c
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func strPtr(s string) *string { return &s }

func strVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
