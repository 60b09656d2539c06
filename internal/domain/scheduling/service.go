package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/iamgolden55/basebackend-sub001/internal/platform/metrics"
)

const (
	DefaultVisitMinutes = 30
	// referralDefaultStart is the start time of intra-hospital referrals on the next day.
	referralDefaultStart = TimeOfDay(9 * 60)
)

// Deps are the collaborators of the lifecycle service.
type Deps struct {
	Appointments  AppointmentRepository
	Practitioners PractitionerRepository
	Departments   DepartmentRepository
	Patients      PatientDirectory
	Availability  *AvailabilityChecker
	Engine        *Engine
	Locker        Locker
	Notifier      Notifier
	References    ReferenceGenerator
	// Reminders persists reminder schedules. Without it no reminders are sent.
	Reminders     ReminderStore
	// Scorer, when set, has its cached success rates dropped as outcomes change.
	Scorer        *Scorer
	Location      *time.Location
	Logger        zerolog.Logger
}

// Service drives the appointment state machine.
type Service struct {
	appts         AppointmentRepository
	practitioners PractitionerRepository
	departments   DepartmentRepository
	patients      PatientDirectory
	avail         *AvailabilityChecker
	engine        *Engine
	locker        Locker
	notifier      Notifier
	refs          ReferenceGenerator
	reminders     ReminderStore
	scorer        *Scorer
	loc           *time.Location
	log           zerolog.Logger
	now           func() time.Time
}

func NewService(d Deps) *Service {
	loc := d.Location
	if loc == nil {
		loc = time.UTC
	}
	refs := d.References
	if refs == nil {
		refs = UUIDReferences{}
	}
	return &Service{
		appts:         d.Appointments,
		practitioners: d.Practitioners,
		departments:   d.Departments,
		patients:      d.Patients,
		avail:         d.Availability,
		engine:        d.Engine,
		locker:        d.Locker,
		notifier:      d.Notifier,
		refs:          refs,
		reminders:     d.Reminders,
		scorer:        d.Scorer,
		loc:           loc,
		log:           d.Logger.With().Str("component", "appointments").Logger(),
		now:           time.Now,
	}
}

// -- Create / Book --

// Create validates a booking and persists it as pending. A pre-assigned
// practitioner must be free and under the daily cap unless the booking is an
// emergency.
func (s *Service) Create(ctx context.Context, a *Appointment) error {
	if err := s.normalizeNew(a); err != nil {
		return err
	}
	now := s.now()
	if !a.StartTime.After(now) {
		return validationErr(RuleStartInPast, "appointment start %s is not in the future", a.StartTime.Format(time.RFC3339))
	}
	emergency := a.IsEmergency()
	if !emergency {
		ok, err := s.patients.IsRegisteredWithHospital(ctx, a.PatientID, a.HospitalID)
		if err != nil {
			return fmt.Errorf("check registration: %w", err)
		}
		if !ok {
			return validationErr(RulePatientNotRegistered, "patient is not registered with hospital %s", a.HospitalID)
		}
	}
	dept, err := s.departments.GetByID(ctx, a.DepartmentID)
	if err != nil {
		return err
	}
	if dept.HospitalID != a.HospitalID {
		return validationErr(RuleRequiredField, "department %s does not belong to hospital %s", dept.ID, a.HospitalID)
	}

	var practitioner *Practitioner
	if a.PractitionerID != nil {
		practitioner, err = s.practitioners.GetByID(ctx, *a.PractitionerID)
		if err != nil {
			return err
		}
		if practitioner.HospitalID != a.HospitalID {
			return validationErr(RuleRequiredField, "practitioner does not work at hospital %s", a.HospitalID)
		}
		if a.DurationMinutes <= 0 {
			a.DurationMinutes = int(practitioner.VisitDuration() / time.Minute)
		}
	}
	if a.DurationMinutes <= 0 {
		a.DurationMinutes = DefaultVisitMinutes
	}

	keys := []string{s.patientDeptKey(a.PatientID, a.DepartmentID, a.StartTime)}
	if practitioner != nil {
		keys = append(keys, s.practitionerKey(practitioner.ID, a.StartTime))
	}
	err = s.locker.WithLocks(ctx, keys, func(ctx context.Context) error {
		if !emergency {
			from, to := dayBounds(a.StartTime, s.loc)
			n, err := s.appts.CountForPatientDepartment(ctx, a.PatientID, a.DepartmentID, from, to, ActiveStatuses)
			if err != nil {
				return fmt.Errorf("count patient bookings: %w", err)
			}
			if n > 0 {
				return validationErr(RuleDuplicateDepartment, "patient already has an appointment in this department on %s", dateKey(a.StartTime, s.loc))
			}
		}
		if practitioner != nil {
			if err := s.ensureBookable(ctx, practitioner, a.StartTime, a.Duration(), emergency, nil, true); err != nil {
				return err
			}
		}
		a.ID = uuid.New()
		a.Reference = s.refs.NewReference(now)
		a.Status = StatusPending
		a.CreatedAt = now
		a.UpdatedAt = now
		if err := s.appts.Create(ctx, a); err != nil {
			return fmt.Errorf("create appointment: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.afterTransition(ctx, "", a, nil, []Event{patientEvent(EventBookingConfirmation, a)})
	return nil
}

// Book runs the assignment engine for an unassigned request and creates the
// appointment with the best candidate that can still take it. When nobody
// qualifies the appointment is created unassigned.
func (s *Service) Book(ctx context.Context, a *Appointment) (*Ranking, error) {
	if a.PractitionerID != nil {
		return nil, s.Create(ctx, a)
	}
	if err := s.normalizeNew(a); err != nil {
		return nil, err
	}
	ranking, err := s.engine.Rank(ctx, AssignmentRequest{
		PatientID:    a.PatientID,
		HospitalID:   a.HospitalID,
		DepartmentID: a.DepartmentID,
		At:           a.StartTime,
		Type:         a.Type,
		Priority:     a.Priority,

		DurationMinutes: a.DurationMinutes,
	})
	if err != nil {
		return nil, err
	}
	requestedDuration := a.DurationMinutes
	for _, c := range ranking.Candidates {
		id := c.Practitioner.ID
		a.PractitionerID = &id
		a.DurationMinutes = requestedDuration
		err := s.Create(ctx, a)
		if err == nil {
			return ranking, nil
		}
		if !errors.Is(err, ErrUnavailable) {
			return ranking, err
		}
		s.log.Debug().Str("practitioner_id", id.String()).Str("rule", RuleOf(err)).
			Msg("candidate taken before booking, trying next")
	}
	a.PractitionerID = nil
	a.DurationMinutes = requestedDuration
	return ranking, s.Create(ctx, a)
}

func (s *Service) normalizeNew(a *Appointment) error {
	if a.PatientID == uuid.Nil {
		return validationErr(RuleRequiredField, "patient_id is required")
	}
	if a.HospitalID == uuid.Nil {
		return validationErr(RuleRequiredField, "hospital_id is required")
	}
	if a.DepartmentID == uuid.Nil {
		return validationErr(RuleRequiredField, "department_id is required")
	}
	if a.StartTime.IsZero() {
		return validationErr(RuleRequiredField, "start_time is required")
	}
	if a.Type == "" {
		a.Type = TypeFirstVisit
	}
	if !validAppointmentTypes[a.Type] {
		return validationErr(RuleRequiredField, "invalid appointment type: %s", a.Type)
	}
	if a.Priority == "" {
		a.Priority = PriorityNormal
	}
	if !validPriorities[a.Priority] {
		return validationErr(RuleRequiredField, "invalid priority: %s", a.Priority)
	}
	return nil
}

// ensureBookable checks that p can take a visit of the given length at
// instant at. The daily cap is only checked when checkCapacity is set.
func (s *Service) ensureBookable(ctx context.Context, p *Practitioner, at time.Time, duration time.Duration, emergency bool, excluding *uuid.UUID, checkCapacity bool) error {
	av, err := s.avail.CheckSlot(ctx, p, at, duration, emergency, excluding)
	if err != nil {
		return err
	}
	if !av.Available {
		if emergency {
			return unavailableErr(RulePractitionerIneligible, "practitioner %s cannot practice", p.ID)
		}
		return unavailableErr(RulePractitionerBusy, "practitioner %s is not available: %s", p.ID, av.Reason)
	}
	if emergency || !checkCapacity {
		return nil
	}
	ok, err := s.avail.CanAcceptMore(ctx, p, at)
	if err != nil {
		return err
	}
	if !ok {
		return unavailableErr(RuleDailyCapacity, "practitioner %s reached %d appointments on %s", p.ID, p.MaxDailyAppointments, dateKey(at, s.loc))
	}
	return nil
}

// -- Transitions --

// Approve confirms a pending appointment. A practitioner approving an
// unassigned appointment takes it over after an availability check.
func (s *Service) Approve(ctx context.Context, id uuid.UUID, actor Actor) (*Appointment, error) {
	return s.mutate(ctx, id, actor, func(ctx context.Context, a *Appointment) ([]Event, error) {
		if a.Status != StatusPending {
			return nil, &TransitionError{From: a.Status, To: StatusConfirmed}
		}
		if err := canDecide(actor, a); err != nil {
			return nil, err
		}
		if a.PractitionerID == nil {
			pa, ok := actor.(PractitionerActor)
			if !ok {
				return nil, validationErr(RuleRequiredField, "appointment %s has no assigned practitioner", a.Reference)
			}
			if err := s.adopt(ctx, a, pa.ID); err != nil {
				return nil, err
			}
		}
		now := s.now()
		a.Status = StatusConfirmed
		approver := actor.ActorID()
		a.ApprovedBy = &approver
		a.ApprovedAt = &now
		return []Event{patientEvent(EventConfirmed, a)}, nil
	})
}

// adopt assigns practitionerID to an unassigned appointment.
func (s *Service) adopt(ctx context.Context, a *Appointment, practitionerID uuid.UUID) error {
	p, err := s.practitioners.GetByID(ctx, practitionerID)
	if err != nil {
		return err
	}
	if p.HospitalID != a.HospitalID {
		return permissionErr(RuleAssignedPractitioner, "practitioner does not work at hospital %s", a.HospitalID)
	}
	err = s.locker.WithLocks(ctx, []string{s.practitionerKey(p.ID, a.StartTime)}, func(ctx context.Context) error {
		return s.ensureBookable(ctx, p, a.StartTime, a.Duration(), a.IsEmergency(), &a.ID, true)
	})
	if err != nil {
		return err
	}
	a.PractitionerID = &p.ID
	return nil
}

// Reject declines a pending appointment with a reason.
func (s *Service) Reject(ctx context.Context, id uuid.UUID, actor Actor, reason string) (*Appointment, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, validationErr(RuleRequiredField, "rejection reason is required")
	}
	return s.mutate(ctx, id, actor, func(ctx context.Context, a *Appointment) ([]Event, error) {
		if a.Status != StatusPending {
			return nil, &TransitionError{From: a.Status, To: StatusRejected}
		}
		if err := canDecide(actor, a); err != nil {
			return nil, err
		}
		a.Status = StatusRejected
		a.CancellationReason = strPtr(reason)
		return []Event{patientEvent(EventRejected, a)}, nil
	})
}

// Start moves a confirmed appointment into consultation.
func (s *Service) Start(ctx context.Context, id uuid.UUID, actor Actor) (*Appointment, error) {
	return s.mutate(ctx, id, actor, func(ctx context.Context, a *Appointment) ([]Event, error) {
		if err := checkTransition(a, StatusInProgress); err != nil {
			return nil, err
		}
		if err := requireAssigned(actor, a); err != nil {
			return nil, err
		}
		a.Status = StatusInProgress
		return nil, nil
	})
}

// Complete closes a consultation.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, actor Actor) (*Appointment, error) {
	return s.mutate(ctx, id, actor, func(ctx context.Context, a *Appointment) ([]Event, error) {
		if err := checkTransition(a, StatusCompleted); err != nil {
			return nil, err
		}
		if err := requireAssigned(actor, a); err != nil {
			return nil, err
		}
		now := s.now()
		a.Status = StatusCompleted
		a.CompletedAt = &now
		return []Event{patientEvent(EventCompleted, a)}, nil
	})
}

// MarkNoShow records that the patient did not attend a confirmed appointment.
func (s *Service) MarkNoShow(ctx context.Context, id uuid.UUID, actor Actor) (*Appointment, error) {
	return s.mutate(ctx, id, actor, func(ctx context.Context, a *Appointment) ([]Event, error) {
		if err := checkTransition(a, StatusNoShow); err != nil {
			return nil, err
		}
		if err := canManage(actor, a); err != nil {
			return nil, err
		}
		a.Status = StatusNoShow
		return []Event{patientEvent(EventNoShow, a)}, nil
	})
}

// Cancel withdraws a pending or confirmed appointment. When the assigned
// practitioner cancels, the appointment goes back to pending without a
// practitioner so it can be matched again.
// The withdrawal also clears the approval stamp, so approved_by is set once
// per assignment rather than once per appointment.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, actor Actor, reason string) (*Appointment, error) {
	return s.mutate(ctx, id, actor, func(ctx context.Context, a *Appointment) ([]Event, error) {
		if a.Status != StatusPending && a.Status != StatusConfirmed {
			return nil, &TransitionError{From: a.Status, To: StatusCancelled}
		}
		switch act := actor.(type) {
		case PractitionerActor:
			if !a.AssignedTo(act.ID) {
				return nil, permissionErr(RuleCancelPermission, "only the assigned practitioner can withdraw from appointment %s", a.Reference)
			}
			note := fmt.Sprintf("Practitioner %s withdrew on %s", act.ID, s.now().Format(time.RFC3339))
			if r := strings.TrimSpace(reason); r != "" {
				note += ": " + r
			}
			a.appendNote(note)
			a.Status = StatusPending
			a.PractitionerID = nil
			// The next practitioner to approve records their own stamp.
			a.ApprovedBy = nil
			a.ApprovedAt = nil
			return []Event{patientEvent(EventPractitionerUnassigned, a)}, nil
		case PatientActor:
			if act.ID != a.PatientID {
				return nil, permissionErr(RuleNotParticipant, "patients can only cancel their own appointments")
			}
		case StaffActor:
			if !act.HasPermission(PermManageAppointments) {
				return nil, permissionErr(RuleCancelPermission, "staff member lacks %s", PermManageAppointments)
			}
		default:
			return nil, permissionErr(RuleCancelPermission, "unknown actor")
		}
		if strings.TrimSpace(reason) == "" {
			return nil, validationErr(RuleRequiredField, "cancellation reason is required")
		}
		now := s.now()
		a.Status = StatusCancelled
		a.CancellationReason = strPtr(reason)
		a.CancelledAt = &now
		events := []Event{patientEvent(EventCancelled, a)}
		if a.PractitionerID != nil {
			events = append(events, practitionerEvent(EventCancelled, a, *a.PractitionerID))
		}
		return events, nil
	})
}

// RescheduleRequest moves an appointment to a new start time.
type RescheduleRequest struct {
	StartTime time.Time `json:"start_time" validate:"required"`
	Reason    string    `json:"reason"`
}

// Reschedule moves a pending or confirmed appointment and leaves it in
// rescheduled until ConfirmReschedule is called.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, actor Actor, req RescheduleRequest) (*Appointment, error) {
	return s.mutate(ctx, id, actor, func(ctx context.Context, a *Appointment) ([]Event, error) {
		if a.Status != StatusPending && a.Status != StatusConfirmed {
			return nil, &TransitionError{From: a.Status, To: StatusRescheduled}
		}
		switch act := actor.(type) {
		case PatientActor:
			if act.ID != a.PatientID {
				return nil, permissionErr(RuleNotParticipant, "patients can only reschedule their own appointments")
			}
		case PractitionerActor:
			if a.PractitionerID != nil && !a.AssignedTo(act.ID) {
				return nil, permissionErr(RuleAssignedPractitioner, "only the assigned practitioner can reschedule appointment %s", a.Reference)
			}
		}
		if req.StartTime.IsZero() {
			return nil, validationErr(RuleRequiredField, "start_time is required")
		}
		if !req.StartTime.After(s.now()) {
			return nil, validationErr(RuleStartInPast, "new start %s is not in the future", req.StartTime.Format(time.RFC3339))
		}
		if err := s.revalidateSlot(ctx, a, req.StartTime); err != nil {
			return nil, err
		}
		note := fmt.Sprintf("Rescheduled from %s to %s", a.StartTime.In(s.loc).Format(time.RFC3339), req.StartTime.In(s.loc).Format(time.RFC3339))
		if r := strings.TrimSpace(req.Reason); r != "" {
			note += ": " + r
		}
		a.appendNote(note)
		a.StartTime = req.StartTime
		a.Status = StatusRescheduled
		return []Event{patientEvent(EventRescheduled, a)}, nil
	})
}

// revalidateSlot applies the booking guards to a at a new start time.
func (s *Service) revalidateSlot(ctx context.Context, a *Appointment, start time.Time) error {
	sameDay := dateKey(start, s.loc) == dateKey(a.StartTime, s.loc)
	var keys []string
	if !sameDay {
		keys = append(keys, s.patientDeptKey(a.PatientID, a.DepartmentID, start))
	}
	var p *Practitioner
	if a.PractitionerID != nil {
		var err error
		if p, err = s.practitioners.GetByID(ctx, *a.PractitionerID); err != nil {
			return err
		}
		keys = append(keys, s.practitionerKey(p.ID, start))
	}
	if len(keys) == 0 {
		return nil
	}
	return s.locker.WithLocks(ctx, keys, func(ctx context.Context) error {
		if !sameDay && !a.IsEmergency() {
			from, to := dayBounds(start, s.loc)
			n, err := s.appts.CountForPatientDepartment(ctx, a.PatientID, a.DepartmentID, from, to, ActiveStatuses)
			if err != nil {
				return fmt.Errorf("count patient bookings: %w", err)
			}
			if n > 0 {
				return validationErr(RuleDuplicateDepartment, "patient already has an appointment in this department on %s", dateKey(start, s.loc))
			}
		}
		if p == nil {
			return nil
		}
		return s.ensureBookable(ctx, p, start, a.Duration(), a.IsEmergency(), &a.ID, !sameDay)
	})
}

// ConfirmReschedule returns a rescheduled appointment to confirmed after
// checking the new slot is still free.
func (s *Service) ConfirmReschedule(ctx context.Context, id uuid.UUID, actor Actor) (*Appointment, error) {
	return s.mutate(ctx, id, actor, func(ctx context.Context, a *Appointment) ([]Event, error) {
		if a.Status != StatusRescheduled {
			return nil, &TransitionError{From: a.Status, To: StatusConfirmed}
		}
		if err := canDecide(actor, a); err != nil {
			return nil, err
		}
		if a.PractitionerID == nil {
			pa, ok := actor.(PractitionerActor)
			if !ok {
				return nil, validationErr(RuleRequiredField, "appointment %s has no assigned practitioner", a.Reference)
			}
			if err := s.adopt(ctx, a, pa.ID); err != nil {
				return nil, err
			}
		} else {
			p, err := s.practitioners.GetByID(ctx, *a.PractitionerID)
			if err != nil {
				return nil, err
			}
			err = s.locker.WithLocks(ctx, []string{s.practitionerKey(p.ID, a.StartTime)}, func(ctx context.Context) error {
				return s.ensureBookable(ctx, p, a.StartTime, a.Duration(), a.IsEmergency(), &a.ID, false)
			})
			if err != nil {
				return nil, err
			}
		}
		now := s.now()
		a.Status = StatusConfirmed
		if a.ApprovedAt == nil {
			approver := actor.ActorID()
			a.ApprovedBy = &approver
			a.ApprovedAt = &now
		}
		return []Event{patientEvent(EventConfirmed, a)}, nil
	})
}

// -- Referral --

// ReferRequest names the referral target. At least one of HospitalID and
// DepartmentID is required.
type ReferRequest struct {
	HospitalID   *uuid.UUID `json:"hospital_id"`
	DepartmentID *uuid.UUID `json:"department_id"`
	Reason       string     `json:"reason"`
}

// Referral is the outcome of Refer: the source appointment and its child.
type Referral struct {
	Source   *Appointment `json:"source"`
	Referral *Appointment `json:"referral"`
}

// Refer redirects an appointment to another department or hospital and
// creates exactly one pending child appointment. Referring an appointment that
// is already referred updates the target and re-points the pending child.
func (s *Service) Refer(ctx context.Context, id uuid.UUID, actor Actor, req ReferRequest) (*Referral, error) {
	switch actor.(type) {
	case PractitionerActor, StaffActor:
	default:
		if !actor.HasPermission(PermReferPatients) {
			return nil, permissionErr(RuleReferralPermission, "actor is not allowed to refer patients")
		}
	}
	if req.HospitalID == nil && req.DepartmentID == nil {
		return nil, validationErr(RuleReferralTarget, "referral requires a target hospital or department")
	}

	var child *Appointment
	src, err := s.mutate(ctx, id, actor, func(ctx context.Context, a *Appointment) ([]Event, error) {
		if a.Status == StatusReferred {
			existing, err := s.appts.FindReferral(ctx, a.ID)
			if err != nil {
				return nil, err
			}
			if existing.Status != StatusPending {
				return nil, validationErr(RuleReferralAlreadyActed, "referral %s is already %s", existing.Reference, existing.Status)
			}
			previous := existing.PractitionerID
			s.recordReferralTarget(a, req)
			if err := s.placeReferral(ctx, a, existing, req); err != nil {
				return nil, err
			}
			existing.UpdatedAt = s.now()
			if err := s.appts.Update(ctx, existing); err != nil {
				return nil, fmt.Errorf("update referral: %w", err)
			}
			child = existing
			if existing.PractitionerID != nil && (previous == nil || *previous != *existing.PractitionerID) {
				return []Event{practitionerEvent(EventReferralReceived, existing, *existing.PractitionerID)}, nil
			}
			return nil, nil
		}

		if err := checkTransition(a, StatusReferred); err != nil {
			return nil, err
		}
		now := s.now()
		c := &Appointment{
			ID:             uuid.New(),
			Reference:      s.refs.NewReference(now),
			PatientID:      a.PatientID,
			Type:           TypeConsultation,
			Priority:       a.Priority,
			Status:         StatusPending,
			ChiefComplaint: a.ChiefComplaint,
			Symptoms:       a.Symptoms,
			MedicalHistory: a.MedicalHistory,
			Allergies:      a.Allergies,
			Medications:    a.Medications,
			ReferredFromID: &a.ID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		s.recordReferralTarget(a, req)
		if err := s.placeReferral(ctx, a, c, req); err != nil {
			return nil, err
		}
		if err := s.appts.Create(ctx, c); err != nil {
			return nil, fmt.Errorf("create referral: %w", err)
		}
		a.Status = StatusReferred
		child = c
		events := []Event{patientEvent(EventReferred, a)}
		if c.PractitionerID != nil {
			events = append(events, practitionerEvent(EventReferralReceived, c, *c.PractitionerID))
		}
		return events, nil
	})
	if err != nil {
		return nil, err
	}
	return &Referral{Source: src, Referral: child}, nil
}

func (s *Service) recordReferralTarget(a *Appointment, req ReferRequest) {
	a.ReferralHospitalID = req.HospitalID
	a.ReferralDepartmentID = req.DepartmentID
	if r := strings.TrimSpace(req.Reason); r != "" {
		a.ReferralReason = strPtr(r)
	}
}

// placeReferral sets the child's hospital, department, practitioner and start.
// Inter-hospital referrals go to the first active practitioner of the
// same-named department at the target hospital, next day at opening time.
// Intra-hospital referrals stay unassigned, next day at 09:00.
func (s *Service) placeReferral(ctx context.Context, src, child *Appointment, req ReferRequest) error {
	tomorrow := s.now().In(s.loc).AddDate(0, 0, 1)
	child.ReferralReason = src.ReferralReason

	if req.HospitalID != nil && *req.HospitalID != src.HospitalID {
		var deptName string
		if req.DepartmentID != nil {
			d, err := s.departments.GetByID(ctx, *req.DepartmentID)
			if err != nil {
				return err
			}
			deptName = d.Name
		} else {
			d, err := s.departments.GetByID(ctx, src.DepartmentID)
			if err != nil {
				return err
			}
			deptName = d.Name
		}
		p, err := s.practitioners.FirstActiveInDepartment(ctx, *req.HospitalID, deptName)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return notFoundErr(RuleNoPractitioner, "no active practitioner in %s at hospital %s", deptName, *req.HospitalID)
			}
			return err
		}
		child.HospitalID = *req.HospitalID
		child.DepartmentID = p.DepartmentID
		child.PractitionerID = &p.ID
		child.StartTime = p.ShiftStart.On(tomorrow)
		child.DurationMinutes = int(p.VisitDuration() / time.Minute)
		return nil
	}

	deptID := src.DepartmentID
	if req.DepartmentID != nil {
		d, err := s.departments.GetByID(ctx, *req.DepartmentID)
		if err != nil {
			return err
		}
		if d.HospitalID != src.HospitalID {
			return validationErr(RuleReferralTarget, "department %s is not part of hospital %s", d.ID, src.HospitalID)
		}
		deptID = d.ID
	}
	child.HospitalID = src.HospitalID
	child.DepartmentID = deptID
	child.PractitionerID = nil
	child.StartTime = referralDefaultStart.On(tomorrow)
	child.DurationMinutes = DefaultVisitMinutes
	return nil
}

// -- Queries --

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.appts.GetByID(ctx, id)
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return s.appts.ListByPatient(ctx, patientID, limit, offset)
}

func (s *Service) ListByPractitioner(ctx context.Context, practitionerID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return s.appts.ListByPractitioner(ctx, practitionerID, limit, offset)
}

// Rank explains the assignment decision for a hypothetical booking.
func (s *Service) Rank(ctx context.Context, req AssignmentRequest) (*Ranking, error) {
	return s.engine.Rank(ctx, req)
}

// PractitionerAvailability reports whether a practitioner is free at an instant
// and whether the daily cap still has room.
func (s *Service) PractitionerAvailability(ctx context.Context, practitionerID uuid.UUID, at time.Time, emergency bool) (Availability, bool, error) {
	p, err := s.practitioners.GetByID(ctx, practitionerID)
	if err != nil {
		return Availability{}, false, err
	}
	av, err := s.avail.Check(ctx, p, at, emergency, nil)
	if err != nil {
		return Availability{}, false, err
	}
	more, err := s.avail.CanAcceptMore(ctx, p, at)
	if err != nil {
		return Availability{}, false, err
	}
	return av, more, nil
}

// -- helpers --

// mutate loads an appointment under its lock, applies fn and persists the
// result in one transaction. Events are emitted only after commit.
func (s *Service) mutate(ctx context.Context, id uuid.UUID, actor Actor, fn func(ctx context.Context, a *Appointment) ([]Event, error)) (*Appointment, error) {
	if actor == nil {
		return nil, validationErr(RuleRequiredField, "actor is required")
	}
	var (
		out    *Appointment
		from   Status
		events []Event
	)
	err := s.locker.WithLocks(ctx, []string{appointmentKey(id)}, func(ctx context.Context) error {
		a, err := s.appts.GetByID(ctx, id)
		if err != nil {
			return err
		}
		from = a.Status
		evs, err := fn(ctx, a)
		if err != nil {
			return err
		}
		a.UpdatedAt = s.now()
		if err := s.appts.Update(ctx, a); err != nil {
			return fmt.Errorf("update appointment: %w", err)
		}
		if err := s.syncReminders(ctx, from, a); err != nil {
			return err
		}
		out, events = a, evs
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.afterTransition(ctx, from, out, actor, events)
	return out, nil
}

func (s *Service) afterTransition(ctx context.Context, from Status, a *Appointment, actor Actor, events []Event) {
	if from != a.Status {
		metrics.RecordTransition(string(from), string(a.Status))
	}
	ev := s.log.Info().
		Str("reference", a.Reference).
		Str("appointment_id", a.ID.String()).
		Str("from", string(from)).
		Str("to", string(a.Status))
	if actor != nil {
		ev = ev.Str("actor_kind", ActorKind(actor)).Str("actor_id", actor.ActorID().String())
	}
	ev.Msg("appointment transition")
	if s.scorer != nil && from != a.Status && a.Status.IsTerminal() && a.PractitionerID != nil {
		if err := s.scorer.ForgetSuccessRate(ctx, *a.PractitionerID); err != nil {
			s.log.Warn().Err(err).Str("practitioner_id", a.PractitionerID.String()).Msg("drop cached success rate")
		}
	}
	s.emit(ctx, events)
}

// syncReminders schedules reminders when a enters confirmed and discards the
// unsent ones when it leaves confirmed.
func (s *Service) syncReminders(ctx context.Context, from Status, a *Appointment) error {
	if s.reminders == nil {
		return nil
	}
	var err error
	switch {
	case a.Status == StatusConfirmed && from != StatusConfirmed:
		err = s.reminders.Replace(ctx, a.ID, Reminders(a, s.now()))
	case from == StatusConfirmed && a.Status != StatusConfirmed:
		err = s.reminders.Replace(ctx, a.ID, nil)
	}
	if err != nil {
		return fmt.Errorf("schedule reminders: %w", err)
	}
	return nil
}

// DeliverDueReminders claims up to limit reminders that are due and emits
// them. Reminders whose appointment is no longer confirmed or has already
// started are consumed without a notification.
func (s *Service) DeliverDueReminders(ctx context.Context, limit int) (int, error) {
	if s.reminders == nil {
		return 0, nil
	}
	var events []Event
	err := s.locker.WithLocks(ctx, nil, func(ctx context.Context) error {
		now := s.now()
		due, err := s.reminders.ClaimDue(ctx, now, limit)
		if err != nil {
			return fmt.Errorf("claim reminders: %w", err)
		}
		for _, r := range due {
			a, err := s.appts.GetByID(ctx, r.AppointmentID)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if a.Status != StatusConfirmed || !a.StartTime.After(now) {
				s.log.Debug().Str("reference", a.Reference).Str("status", string(a.Status)).Msg("stale reminder skipped")
				continue
			}
			events = append(events, reminderEvent(a, r))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.emit(ctx, events)
	return len(events), nil
}

// RunReminders polls for due reminders every interval until ctx is done.
func (s *Service) RunReminders(ctx context.Context, interval time.Duration, batch int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				n, err := s.DeliverDueReminders(ctx, batch)
				if err != nil {
					s.log.Error().Err(err).Msg("deliver reminders")
					break
				}
				if n < batch {
					break
				}
			}
		}
	}
}

func (s *Service) emit(ctx context.Context, events []Event) {
	if s.notifier == nil {
		return
	}
	for _, ev := range events {
		ev.Appointment = ev.Appointment.clone()
		s.notifier.Emit(ctx, ev)
	}
}

func checkTransition(a *Appointment, to Status) error {
	if !a.Status.CanTransitionTo(to) {
		return &TransitionError{From: a.Status, To: to}
	}
	return nil
}

// canDecide reports whether actor may approve, reject or re-confirm a.
// Practitioners may decide on their own or unassigned appointments; staff need
// the approval permission.
func canDecide(actor Actor, a *Appointment) error {
	switch act := actor.(type) {
	case PractitionerActor:
		if a.PractitionerID == nil || a.AssignedTo(act.ID) {
			return nil
		}
		return permissionErr(RuleAssignedPractitioner, "appointment %s is assigned to another practitioner", a.Reference)
	case StaffActor:
		if act.HasPermission(PermApproveAppointments) {
			return nil
		}
		return permissionErr(RuleApprovalPermission, "staff member lacks %s", PermApproveAppointments)
	default:
		return permissionErr(RuleApprovalPermission, "%s cannot approve appointments", ActorKind(actor))
	}
}

// canManage lets the assigned practitioner or staff holding the manage
// permission act on a.
func canManage(actor Actor, a *Appointment) error {
	if st, ok := actor.(StaffActor); ok {
		if st.HasPermission(PermManageAppointments) {
			return nil
		}
		return permissionErr(RuleManagePermission, "staff member lacks %s", PermManageAppointments)
	}
	return requireAssigned(actor, a)
}

func requireAssigned(actor Actor, a *Appointment) error {
	if pa, ok := actor.(PractitionerActor); ok && a.AssignedTo(pa.ID) {
		return nil
	}
	return permissionErr(RuleAssignedPractitioner, "only the assigned practitioner can act on appointment %s", a.Reference)
}

func appointmentKey(id uuid.UUID) string { return "appointment:" + id.String() }

func (s *Service) practitionerKey(id uuid.UUID, at time.Time) string {
	return "practitioner:" + id.String() + ":" + dateKey(at, s.loc)
}

func (s *Service) patientDeptKey(patientID, departmentID uuid.UUID, at time.Time) string {
	return "patient-dept:" + patientID.String() + ":" + departmentID.String() + ":" + dateKey(at, s.loc)
}
