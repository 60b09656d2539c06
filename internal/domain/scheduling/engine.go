package scheduling

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/iamgolden55/basebackend-sub001/internal/platform/metrics"
)

// AssignmentRequest is a booking request to match against a department.
type AssignmentRequest struct {
	PatientID    uuid.UUID       `json:"patient_id" validate:"required"`
	HospitalID   uuid.UUID       `json:"hospital_id" validate:"required"`
	DepartmentID uuid.UUID       `json:"department_id" validate:"required"`
	At           time.Time       `json:"at" validate:"required"`
	Type         AppointmentType `json:"type"`
	Priority     Priority        `json:"priority"`

	// DurationMinutes is the requested visit length. Zero means each
	// practitioner's default.
	DurationMinutes int `json:"duration_minutes,omitempty" validate:"gte=0,lte=480"`
}

func (r AssignmentRequest) emergency() bool { return r.Priority == PriorityEmergency }

// Candidate is a practitioner that passed the filters, with its score.
type Candidate struct {
	Practitioner *Practitioner  `json:"practitioner"`
	Score        ScoreBreakdown `json:"score"`
}

// Skipped is a practitioner removed by a filter.
type Skipped struct {
	PractitionerID uuid.UUID `json:"practitioner_id"`
	Name           string    `json:"name"`
	Reason         string    `json:"reason"`
}

// Ranking is the full outcome of a match. Candidates[0] is the winner.
type Ranking struct {
	Candidates []Candidate `json:"candidates"`
	Skipped    []Skipped   `json:"skipped,omitempty"`
}

func (r *Ranking) Winner() *Practitioner {
	if len(r.Candidates) == 0 {
		return nil
	}
	return r.Candidates[0].Practitioner
}

// Engine picks the best practitioner of a department for a request.
type Engine struct {
	practitioners PractitionerRepository
	patients      PatientDirectory
	avail         *AvailabilityChecker
	scorer        *Scorer
	now           func() time.Time
}

func NewEngine(practitioners PractitionerRepository, patients PatientDirectory, avail *AvailabilityChecker, scorer *Scorer) *Engine {
	return &Engine{
		practitioners: practitioners,
		patients:      patients,
		avail:         avail,
		scorer:        scorer,
		now:           time.Now,
	}
}

// Assign returns the winning practitioner, or nil when nobody qualifies.
// An empty result is not an error.
func (e *Engine) Assign(ctx context.Context, req AssignmentRequest) (*Practitioner, error) {
	r, err := e.Rank(ctx, req)
	if err != nil {
		return nil, err
	}
	return r.Winner(), nil
}

// Rank filters and scores every active, on-duty practitioner of the department.
func (e *Engine) Rank(ctx context.Context, req AssignmentRequest) (*Ranking, error) {
	start := time.Now()
	outcome := "error"
	defer func() { metrics.RecordAssignment(outcome, time.Since(start)) }()

	if req.Priority == "" {
		req.Priority = PriorityNormal
	}
	patient, err := e.patients.GetPatient(ctx, req.PatientID)
	if err != nil {
		return nil, fmt.Errorf("get patient: %w", err)
	}
	profile, err := e.patients.GetMedicalProfile(ctx, req.PatientID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get medical profile: %w", err)
	}

	pool, err := e.practitioners.ListByDepartment(ctx, req.HospitalID, req.DepartmentID)
	if err != nil {
		return nil, fmt.Errorf("list practitioners: %w", err)
	}

	ranking := &Ranking{}
	now := e.now()
	for _, p := range pool {
		if !p.CanPractice(now) {
			ranking.Skipped = append(ranking.Skipped, Skipped{p.ID, p.Name, "cannot practice"})
			continue
		}
		if !req.emergency() {
			a, err := e.avail.CheckSlot(ctx, p, req.At, minutes(req.DurationMinutes), false, nil)
			if err != nil {
				return nil, err
			}
			if !a.Available {
				ranking.Skipped = append(ranking.Skipped, Skipped{p.ID, p.Name, a.Reason})
				continue
			}
		}
		score, err := e.scorer.Score(ctx, ScoreInput{
			Patient:      patient,
			Profile:      profile,
			Practitioner: p,
			Type:         req.Type,
			Priority:     req.Priority,
			At:           req.At,
		})
		if err != nil {
			return nil, fmt.Errorf("score practitioner %s: %w", p.ID, err)
		}
		metrics.ObserveCandidateScore(score.Total)
		ranking.Candidates = append(ranking.Candidates, Candidate{Practitioner: p, Score: score})
	}

	orderCandidates(ranking.Candidates)
	if len(ranking.Candidates) == 0 {
		outcome = "none"
	} else {
		outcome = "assigned"
	}
	return ranking, nil
}

// orderCandidates sorts by score and moves the tie-broken winner to the front.
func orderCandidates(cs []Candidate) {
	if len(cs) == 0 {
		return
	}
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Score.Total != cs[j].Score.Total {
			return cs[i].Score.Total > cs[j].Score.Total
		}
		return cs[i].Practitioner.YearsExperience > cs[j].Practitioner.YearsExperience
	})
	best := 0
	for i := 1; i < len(cs); i++ {
		if better(cs[i], cs[best]) {
			best = i
		}
	}
	if best != 0 {
		w := cs[best]
		copy(cs[1:best+1], cs[:best])
		cs[0] = w
	}
}

// better applies the tie-break: within TieTolerance, more experience wins.
func better(a, b Candidate) bool {
	if math.Abs(a.Score.Total-b.Score.Total) < TieTolerance {
		return a.Practitioner.YearsExperience > b.Practitioner.YearsExperience
	}
	return a.Score.Total > b.Score.Total
}
