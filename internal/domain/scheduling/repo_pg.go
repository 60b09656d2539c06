package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iamgolden55/basebackend-sub001/internal/platform/db"
)

func connFor(ctx context.Context, pool *pgxpool.Pool) db.Querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

// notFound maps pgx.ErrNoRows onto ErrNotFound.
func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

// =========== Department Repository ===========

type departmentRepoPG struct{ pool *pgxpool.Pool }

func NewDepartmentRepoPG(pool *pgxpool.Pool) DepartmentRepository {
	return &departmentRepoPG{pool: pool}
}

func (r *departmentRepoPG) conn(ctx context.Context) db.Querier { return connFor(ctx, r.pool) }

func (r *departmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Department, error) {
	var d Department
	err := r.conn(ctx).QueryRow(ctx, `SELECT id, hospital_id, name FROM department WHERE id = $1`, id).
		Scan(&d.ID, &d.HospitalID, &d.Name)
	if err != nil {
		return nil, notFound(err, "department "+id.String())
	}
	return &d, nil
}

// =========== Practitioner Repository ===========

type practitionerRepoPG struct{ pool *pgxpool.Pool }

func NewPractitionerRepoPG(pool *pgxpool.Pool) PractitionerRepository {
	return &practitionerRepoPG{pool: pool}
}

func (r *practitionerRepoPG) conn(ctx context.Context) db.Querier { return connFor(ctx, r.pool) }

const practCols = `p.id, p.name, p.hospital_id, p.department_id, d.name, p.specialization,
	p.license_expiry, p.working_days,
	(EXTRACT(EPOCH FROM p.shift_start) / 60)::int, (EXTRACT(EPOCH FROM p.shift_end) / 60)::int,
	p.max_daily_appointments, p.visit_minutes, p.languages, p.expertise_codes,
	p.primary_expertise_codes, p.chronic_care, p.complex_case_rating, p.continuity_rating,
	p.years_experience, p.active, p.verified, p.status`

const practFrom = ` FROM practitioner p JOIN department d ON d.id = p.department_id`

func (r *practitionerRepoPG) scanPractitioner(row pgx.Row) (*Practitioner, error) {
	var (
		p          Practitioner
		days       []int32
		start, end int
	)
	err := row.Scan(&p.ID, &p.Name, &p.HospitalID, &p.DepartmentID, &p.DepartmentName, &p.Specialization,
		&p.LicenseExpiry, &days, &start, &end,
		&p.MaxDailyAppointments, &p.VisitMinutes, &p.Languages, &p.ExpertiseCodes,
		&p.PrimaryExpertiseCodes, &p.ChronicCare, &p.ComplexCaseRating, &p.ContinuityRating,
		&p.YearsExperience, &p.Active, &p.Verified, &p.Status)
	if err != nil {
		return nil, err
	}
	p.WorkingDays = make([]time.Weekday, 0, len(days))
	for _, d := range days {
		p.WorkingDays = append(p.WorkingDays, time.Weekday(d%7))
	}
	p.ShiftStart, p.ShiftEnd = TimeOfDay(start), TimeOfDay(end)
	return &p, nil
}

func (r *practitionerRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Practitioner, error) {
	p, err := r.scanPractitioner(r.conn(ctx).QueryRow(ctx, `SELECT `+practCols+practFrom+` WHERE p.id = $1`, id))
	if err != nil {
		return nil, notFound(err, "practitioner "+id.String())
	}
	return p, nil
}

func (r *practitionerRepoPG) ListByDepartment(ctx context.Context, hospitalID, departmentID uuid.UUID) ([]*Practitioner, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+practCols+practFrom+`
		WHERE p.hospital_id = $1 AND p.department_id = $2 AND p.active AND p.status = $3
		ORDER BY p.id`, hospitalID, departmentID, string(PractitionerOnDuty))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Practitioner
	for rows.Next() {
		p, err := r.scanPractitioner(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (r *practitionerRepoPG) FirstActiveInDepartment(ctx context.Context, hospitalID uuid.UUID, departmentName string) (*Practitioner, error) {
	p, err := r.scanPractitioner(r.conn(ctx).QueryRow(ctx, `SELECT `+practCols+practFrom+`
		WHERE p.hospital_id = $1 AND lower(d.name) = lower($2) AND p.active
		ORDER BY p.id LIMIT 1`, hospitalID, departmentName))
	if err != nil {
		return nil, notFound(err, "practitioner in "+departmentName)
	}
	return p, nil
}

// =========== Patient Directory ===========

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewPatientDirectoryPG(pool *pgxpool.Pool) PatientDirectory {
	return &patientRepoPG{pool: pool}
}

func (r *patientRepoPG) conn(ctx context.Context) db.Querier { return connFor(ctx, r.pool) }

func (r *patientRepoPG) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	var p Patient
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, name, date_of_birth, gender, email, phone,
			preferred_language, custom_language, secondary_languages
		FROM patient WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.DateOfBirth, &p.Gender, &p.Email, &p.Phone,
			&p.Languages.Preferred, &p.Languages.Custom, &p.Languages.Secondary)
	if err != nil {
		return nil, notFound(err, "patient "+id.String())
	}
	return &p, nil
}

func (r *patientRepoPG) IsRegisteredWithHospital(ctx context.Context, patientID, hospitalID uuid.UUID) (bool, error) {
	var ok bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM patient_registration
			WHERE patient_id = $1 AND hospital_id = $2 AND status = 'approved'
		)`, patientID, hospitalID).Scan(&ok)
	return ok, err
}

func (r *patientRepoPG) GetMedicalProfile(ctx context.Context, patientID uuid.UUID) (*MedicalProfile, error) {
	mp := MedicalProfile{PatientID: patientID}
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT history, active_treatments, prior_hospitalizations, care_plan_complexity,
			comorbidity_score, severity_score, medication_score, care_plan_score, hospitalization_score
		FROM medical_profile WHERE patient_id = $1`, patientID).
		Scan(&mp.History, &mp.ActiveTreatments, &mp.PriorHospitalizations, &mp.CarePlanComplexity,
			&mp.Complexity.Comorbidity, &mp.Complexity.Severity, &mp.Complexity.Medication,
			&mp.Complexity.CarePlan, &mp.Complexity.Hospitalization)
	if err != nil {
		return nil, notFound(err, "medical profile of "+patientID.String())
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT code, chronic, severity FROM diagnosis
		WHERE patient_id = $1 AND active ORDER BY created_at`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var d Diagnosis
		if err := rows.Scan(&d.Code, &d.Chronic, &d.Severity); err != nil {
			return nil, err
		}
		mp.Diagnoses = append(mp.Diagnoses, d)
	}
	return &mp, rows.Err()
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ pool *pgxpool.Pool }

// AppointmentStore is the Postgres appointment repository; it also answers
// history queries.
type AppointmentStore interface {
	AppointmentRepository
	HistoryQuery
}

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentStore {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) db.Querier { return connFor(ctx, r.pool) }

const apptCols = `id, reference, patient_id, hospital_id, department_id, practitioner_id,
	start_time, duration_minutes, appointment_type, priority, status,
	chief_complaint, symptoms, medical_history, allergies, medications, notes,
	cancellation_reason, referred_from_id, referral_hospital_id, referral_department_id,
	referral_reason, approved_by, approved_at, cancelled_at, completed_at,
	version_id, created_at, updated_at`

func (r *appointmentRepoPG) scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.Reference, &a.PatientID, &a.HospitalID, &a.DepartmentID, &a.PractitionerID,
		&a.StartTime, &a.DurationMinutes, &a.Type, &a.Priority, &a.Status,
		&a.ChiefComplaint, &a.Symptoms, &a.MedicalHistory, &a.Allergies, &a.Medications, &a.Notes,
		&a.CancellationReason, &a.ReferredFromID, &a.ReferralHospitalID, &a.ReferralDepartmentID,
		&a.ReferralReason, &a.ApprovedBy, &a.ApprovedAt, &a.CancelledAt, &a.CompletedAt,
		&a.VersionID, &a.CreatedAt, &a.UpdatedAt)
	return &a, err
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.VersionID = 1
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO appointment (id, reference, patient_id, hospital_id, department_id, practitioner_id,
			start_time, duration_minutes, appointment_type, priority, status,
			chief_complaint, symptoms, medical_history, allergies, medications, notes,
			cancellation_reason, referred_from_id, referral_hospital_id, referral_department_id,
			referral_reason, approved_by, approved_at, cancelled_at, completed_at,
			version_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,
			$21,$22,$23,$24,$25,$26,$27,$28,$29)`,
		a.ID, a.Reference, a.PatientID, a.HospitalID, a.DepartmentID, a.PractitionerID,
		a.StartTime, a.DurationMinutes, string(a.Type), string(a.Priority), string(a.Status),
		a.ChiefComplaint, a.Symptoms, a.MedicalHistory, a.Allergies, a.Medications, a.Notes,
		a.CancellationReason, a.ReferredFromID, a.ReferralHospitalID, a.ReferralDepartmentID,
		a.ReferralReason, a.ApprovedBy, a.ApprovedAt, a.CancelledAt, a.CompletedAt,
		a.VersionID, a.CreatedAt, a.UpdatedAt)
	return err
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := r.scanAppointment(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointment WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "appointment "+id.String())
	}
	return a, nil
}

func (r *appointmentRepoPG) Update(ctx context.Context, a *Appointment) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE appointment SET hospital_id=$2, department_id=$3, practitioner_id=$4,
			start_time=$5, duration_minutes=$6, status=$7, notes=$8, cancellation_reason=$9,
			referral_hospital_id=$10, referral_department_id=$11, referral_reason=$12,
			approved_by=$13, approved_at=$14, cancelled_at=$15, completed_at=$16,
			version_id = version_id + 1, updated_at=$17
		WHERE id = $1
		RETURNING version_id`,
		a.ID, a.HospitalID, a.DepartmentID, a.PractitionerID,
		a.StartTime, a.DurationMinutes, string(a.Status), a.Notes, a.CancellationReason,
		a.ReferralHospitalID, a.ReferralDepartmentID, a.ReferralReason,
		a.ApprovedBy, a.ApprovedAt, a.CancelledAt, a.CompletedAt, a.UpdatedAt).Scan(&a.VersionID)
	if err != nil {
		return notFound(err, "appointment "+a.ID.String())
	}
	return nil
}

func (r *appointmentRepoPG) ListForPractitioner(ctx context.Context, practitionerID uuid.UUID, from, to time.Time, statuses []Status) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+apptCols+` FROM appointment
		WHERE practitioner_id = $1 AND start_time >= $2 AND start_time < $3 AND status = ANY($4)
		ORDER BY start_time`, practitionerID, from, to, statusStrings(statuses))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collect(rows)
}

func (r *appointmentRepoPG) CountForPractitioner(ctx context.Context, practitionerID uuid.UUID, from, to time.Time, statuses []Status) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointment
		WHERE practitioner_id = $1 AND start_time >= $2 AND start_time < $3 AND status = ANY($4)`,
		practitionerID, from, to, statusStrings(statuses)).Scan(&n)
	return n, err
}

func (r *appointmentRepoPG) CountForPatientDepartment(ctx context.Context, patientID, departmentID uuid.UUID, from, to time.Time, statuses []Status) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointment
		WHERE patient_id = $1 AND department_id = $2 AND start_time >= $3 AND start_time < $4 AND status = ANY($5)`,
		patientID, departmentID, from, to, statusStrings(statuses)).Scan(&n)
	return n, err
}

func (r *appointmentRepoPG) FindReferral(ctx context.Context, referredFromID uuid.UUID) (*Appointment, error) {
	a, err := r.scanAppointment(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointment
		WHERE referred_from_id = $1 ORDER BY created_at LIMIT 1`, referredFromID))
	if err != nil {
		return nil, notFound(err, "referral of "+referredFromID.String())
	}
	return a, nil
}

func (r *appointmentRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return r.page(ctx, `patient_id = $1`, patientID, limit, offset)
}

func (r *appointmentRepoPG) ListByPractitioner(ctx context.Context, practitionerID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return r.page(ctx, `practitioner_id = $1`, practitionerID, limit, offset)
}

func (r *appointmentRepoPG) page(ctx context.Context, where string, id uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointment WHERE `+where, id).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+apptCols+` FROM appointment WHERE `+where+`
		ORDER BY start_time DESC LIMIT $2 OFFSET $3`, id, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items, err := r.collect(rows)
	return items, total, err
}

func (r *appointmentRepoPG) collect(rows pgx.Rows) ([]*Appointment, error) {
	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *appointmentRepoPG) PractitionerTotals(ctx context.Context, practitionerID uuid.UUID) (int, int, error) {
	var completed, total int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = 'completed'), COUNT(*)
		FROM appointment WHERE practitioner_id = $1 AND start_time < NOW()`, practitionerID).
		Scan(&completed, &total)
	return completed, total, err
}

func (r *appointmentRepoPG) CompletedVisits(ctx context.Context, patientID, practitionerID uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM appointment
		WHERE patient_id = $1 AND practitioner_id = $2 AND status = 'completed'`, patientID, practitionerID).
		Scan(&n)
	return n, err
}

// =========== Reminder Store ===========

type reminderStorePG struct{ pool *pgxpool.Pool }

func NewReminderStorePG(pool *pgxpool.Pool) ReminderStore {
	return &reminderStorePG{pool: pool}
}

func (r *reminderStorePG) conn(ctx context.Context) db.Querier { return connFor(ctx, r.pool) }

func (r *reminderStorePG) Replace(ctx context.Context, appointmentID uuid.UUID, rs []Reminder) error {
	q := r.conn(ctx)
	if _, err := q.Exec(ctx, `DELETE FROM appointment_reminder WHERE appointment_id = $1 AND sent_at IS NULL`, appointmentID); err != nil {
		return fmt.Errorf("drop reminders: %w", err)
	}
	for _, rem := range rs {
		_, err := q.Exec(ctx, `
			INSERT INTO appointment_reminder (id, appointment_id, deliver_at, lead)
			VALUES ($1, $2, $3, $4)`, rem.ID, appointmentID, rem.DeliverAt, rem.Lead)
		if err != nil {
			return fmt.Errorf("insert reminder: %w", err)
		}
	}
	return nil
}

func (r *reminderStorePG) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Reminder, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		UPDATE appointment_reminder SET sent_at = $1
		WHERE id IN (
			SELECT id FROM appointment_reminder
			WHERE sent_at IS NULL AND deliver_at <= $1
			ORDER BY deliver_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED)
		RETURNING id, appointment_id, deliver_at, lead`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Reminder
	for rows.Next() {
		var rem Reminder
		if err := rows.Scan(&rem.ID, &rem.AppointmentID, &rem.DeliverAt, &rem.Lead); err != nil {
			return nil, err
		}
		out = append(out, rem)
	}
	return out, rows.Err()
}
