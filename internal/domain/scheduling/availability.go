package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// maxVisitLookback bounds how far before an instant an overlapping visit may start.
const maxVisitLookback = 24 * time.Hour

// AvailabilityChecker decides whether a practitioner can take a visit at an instant.
// Weekday and hour checks are evaluated in loc.
type AvailabilityChecker struct {
	appts AppointmentRepository
	loc   *time.Location
	now   func() time.Time
}

func NewAvailabilityChecker(appts AppointmentRepository, loc *time.Location) *AvailabilityChecker {
	if loc == nil {
		loc = time.UTC
	}
	return &AvailabilityChecker{appts: appts, loc: loc, now: time.Now}
}

// Availability is the outcome of a check together with the reason for a refusal.
type Availability struct {
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

// IsAvailable reports whether p can see a patient at instant at. Emergencies only
// require the practitioner to be eligible to practice. excluding names an
// appointment to ignore when looking for slot conflicts.
func (c *AvailabilityChecker) IsAvailable(ctx context.Context, p *Practitioner, at time.Time, emergency bool, excluding *uuid.UUID) (bool, error) {
	a, err := c.Check(ctx, p, at, emergency, excluding)
	return a.Available, err
}

// Check is IsAvailable with the reason for a negative answer. The visit is
// assumed to last the practitioner's default duration.
func (c *AvailabilityChecker) Check(ctx context.Context, p *Practitioner, at time.Time, emergency bool, excluding *uuid.UUID) (Availability, error) {
	return c.CheckSlot(ctx, p, at, 0, emergency, excluding)
}

// CheckSlot checks the slot [at, at+duration). A non-positive duration means
// the practitioner's default visit length.
func (c *AvailabilityChecker) CheckSlot(ctx context.Context, p *Practitioner, at time.Time, duration time.Duration, emergency bool, excluding *uuid.UUID) (Availability, error) {
	if !p.CanPractice(c.now()) {
		return Availability{Reason: "practitioner cannot practice"}, nil
	}
	if emergency {
		return Availability{Available: true}, nil
	}
	local := at.In(c.loc)
	if !p.WorksOn(local.Weekday()) {
		return Availability{Reason: fmt.Sprintf("does not work on %s", local.Weekday())}, nil
	}
	if !p.WithinHours(local) {
		return Availability{Reason: fmt.Sprintf("outside working hours %s-%s", p.ShiftStart, p.ShiftEnd)}, nil
	}
	if duration <= 0 {
		duration = p.VisitDuration()
	}
	end := at.Add(duration)
	existing, err := c.appts.ListForPractitioner(ctx, p.ID, at.Add(-maxVisitLookback), end, SlotStatuses)
	if err != nil {
		return Availability{}, fmt.Errorf("list practitioner appointments: %w", err)
	}
	for _, a := range existing {
		if excluding != nil && a.ID == *excluding {
			continue
		}
		if !a.Status.Occupies() {
			continue
		}
		if a.Overlaps(at, end) {
			return Availability{Reason: fmt.Sprintf("slot taken by %s", a.Reference)}, nil
		}
	}
	return Availability{Available: true}, nil
}

// CanAcceptMore reports whether p is below its daily cap on the calendar date of day.
func (c *AvailabilityChecker) CanAcceptMore(ctx context.Context, p *Practitioner, day time.Time) (bool, error) {
	if p.MaxDailyAppointments <= 0 {
		return true, nil
	}
	n, err := c.CountOnDate(ctx, p.ID, day)
	if err != nil {
		return false, err
	}
	return n < p.MaxDailyAppointments, nil
}

// CountOnDate counts the practitioner's appointments on the calendar date of day.
func (c *AvailabilityChecker) CountOnDate(ctx context.Context, practitionerID uuid.UUID, day time.Time) (int, error) {
	from, to := dayBounds(day, c.loc)
	n, err := c.appts.CountForPractitioner(ctx, practitionerID, from, to, CapacityStatuses)
	if err != nil {
		return 0, fmt.Errorf("count practitioner appointments: %w", err)
	}
	return n, nil
}

// dayBounds returns [midnight, next midnight) of t's calendar date in loc.
func dayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	l := t.In(loc)
	start := time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

func dateKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}
