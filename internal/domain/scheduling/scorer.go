package scheduling

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// Scoring weights. Sub-scores are brought onto a 0-10 scale before weighting.
const (
	weightExperience  = 0.3
	weightSuccessRate = 0.2
	weightLanguage    = 2.0
	weightSpecialty   = 3.0
	weightContinuity  = 2.5

	experienceCapYears     = 30
	preferredLanguageBonus = 3.0
	secondaryLanguageCap   = 2
	specialtyRatioScale    = 5.0
	continuitySaturation   = 5.0
	keywordMatchScore      = 0.8
	keywordMissScore       = 0.5
	complexityThreshold    = 0.7
	complexityYearsFactor  = 0.5
	complexityRatingFactor = 0.3
	workloadFactor         = 0.2
	emergencyBonus         = 1000.0

	// TieTolerance is the score difference below which experience decides.
	TieTolerance = 0.01

	DefaultSuccessRateTTL = time.Hour
)

// ScoreBreakdown is the weighted contribution of each factor to Total.
type ScoreBreakdown struct {
	Experience  float64 `json:"experience"`
	SuccessRate float64 `json:"success_rate"`
	Language    float64 `json:"language"`
	Specialty   float64 `json:"specialty"`
	Continuity  float64 `json:"continuity"`
	Complexity  float64 `json:"complexity"`
	Workload    float64 `json:"workload"`
	Emergency   float64 `json:"emergency"`
	Total       float64 `json:"total"`
}

// ScoreInput describes one (patient, practitioner) pairing to score.
type ScoreInput struct {
	Patient      *Patient
	Profile      *MedicalProfile
	Practitioner *Practitioner
	Type         AppointmentType
	Priority     Priority
	At           time.Time
}

// Scorer computes a suitability score for a patient and practitioner.
type Scorer struct {
	history HistoryQuery
	avail   *AvailabilityChecker
	cache   ScoreCache
	ttl     time.Duration
}

func NewScorer(history HistoryQuery, avail *AvailabilityChecker, cache ScoreCache, successRateTTL time.Duration) *Scorer {
	if successRateTTL <= 0 {
		successRateTTL = DefaultSuccessRateTTL
	}
	return &Scorer{history: history, avail: avail, cache: cache, ttl: successRateTTL}
}

func (s *Scorer) Score(ctx context.Context, in ScoreInput) (ScoreBreakdown, error) {
	p := in.Practitioner
	var b ScoreBreakdown

	b.Experience = experienceScore(p.YearsExperience) * weightExperience

	rate, err := s.successRate(ctx, p.ID)
	if err != nil {
		return b, err
	}
	b.SuccessRate = clamp01(rate) * 10 * weightSuccessRate

	if in.Patient != nil {
		b.Language = languageScore(in.Patient.Languages, p.Languages) * weightLanguage
	}

	b.Specialty = specialtyScore(in.Profile, p) / 10 * weightSpecialty

	if in.Patient != nil {
		visits, err := s.history.CompletedVisits(ctx, in.Patient.ID, p.ID)
		if err != nil {
			return b, fmt.Errorf("completed visits: %w", err)
		}
		b.Continuity = math.Min(1, float64(visits)/continuitySaturation) * 10 * weightContinuity
	}

	if in.Profile != nil && in.Profile.Complexity.Composite() > complexityThreshold {
		b.Complexity = complexityYearsFactor*float64(p.YearsExperience) + complexityRatingFactor*p.ComplexCaseRating
	}

	load, err := s.avail.CountOnDate(ctx, p.ID, in.At)
	if err != nil {
		return b, err
	}
	b.Workload = -math.Pow(float64(load), 3) * workloadFactor

	if in.Priority == PriorityEmergency {
		b.Emergency = emergencyBonus
	}

	b.Total = b.Experience + b.SuccessRate + b.Language + b.Specialty + b.Continuity + b.Complexity + b.Workload + b.Emergency
	return b, nil
}

// successRate is completed/total past appointments, read through the cache.
func (s *Scorer) successRate(ctx context.Context, practitionerID uuid.UUID) (float64, error) {
	load := func(ctx context.Context) (float64, error) {
		completed, total, err := s.history.PractitionerTotals(ctx, practitionerID)
		if err != nil {
			return 0, fmt.Errorf("practitioner totals: %w", err)
		}
		if total == 0 {
			return 0, nil
		}
		return float64(completed) / float64(total), nil
	}
	if s.cache == nil {
		return load(ctx)
	}
	return s.cache.GetOrLoad(ctx, SuccessRateKey(practitionerID), s.ttl, load)
}

// ForgetSuccessRate drops the cached completion rate of a practitioner so the
// next score reads fresh history.
func (s *Scorer) ForgetSuccessRate(ctx context.Context, practitionerID uuid.UUID) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Invalidate(ctx, SuccessRateKey(practitionerID))
}

// SuccessRateKey is the cache key of a practitioner's historical completion rate.
func SuccessRateKey(practitionerID uuid.UUID) string {
	return "practitioner:success-rate:" + practitionerID.String()
}

func experienceScore(years int) float64 {
	y := math.Min(float64(years), experienceCapYears)
	if y < 0 {
		y = 0
	}
	return y / experienceCapYears * 10
}

// languageScore counts distinct secondary matches (capped) plus a flat bonus
// when the preferred language is spoken.
func languageScore(l Languages, spoken []string) float64 {
	set := make(map[string]bool, len(spoken))
	for _, s := range spoken {
		set[normalizeLanguage(s)] = true
	}
	preferred := l.EffectivePreferred()
	seen := map[string]bool{}
	secondary := 0
	for _, s := range l.Secondary {
		n := normalizeLanguage(s)
		if n == "" || n == preferred || seen[n] {
			continue
		}
		seen[n] = true
		if set[n] {
			secondary++
		}
	}
	score := float64(min(secondary, secondaryLanguageCap))
	if preferred != "" && set[preferred] {
		score += preferredLanguageBonus
	}
	return score
}

// specialtyScore returns a 0-10 match score.
func specialtyScore(profile *MedicalProfile, p *Practitioner) float64 {
	if profile == nil || len(profile.Diagnoses) == 0 {
		history := ""
		if profile != nil {
			history = profile.History
		}
		return departmentKeywordScore(history, p.DepartmentName) * 10
	}
	var anyMatch, primaryMatch int
	for _, d := range profile.Diagnoses {
		if codeMatchesAny(d.Code, p.PrimaryExpertiseCodes) {
			primaryMatch++
			anyMatch++
			continue
		}
		if codeMatchesAny(d.Code, p.ExpertiseCodes) {
			anyMatch++
		}
	}
	ratio := float64(anyMatch+2*primaryMatch) / float64(max(1, len(profile.Diagnoses)))
	return math.Min(10, ratio*specialtyRatioScale)
}

// codeMatchesAny matches a diagnosis code exactly or by 3-character ICD-10 category.
func codeMatchesAny(code string, expertise []string) bool {
	c := normalizeCode(code)
	if c == "" {
		return false
	}
	for _, e := range expertise {
		n := normalizeCode(e)
		if n == "" {
			continue
		}
		if n == c || icdCategory(n) == icdCategory(c) {
			return true
		}
	}
	return false
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(code), ".", ""))
}

func icdCategory(code string) string {
	if len(code) < 3 {
		return code
	}
	return code[:3]
}

// historyKeywords lists the medical-history keywords of each department.
var historyKeywords = map[string][]string{
	"cardiology":       {"heart", "cardiac", "chest pain", "hypertension", "arrhythmia", "palpitation"},
	"neurology":        {"headache", "migraine", "seizure", "stroke", "epilepsy", "numbness"},
	"orthopedics":      {"fracture", "bone", "joint", "back pain", "sprain", "arthritis"},
	"pediatrics":       {"child", "infant", "pediatric", "vaccination"},
	"dermatology":      {"skin", "rash", "eczema", "acne", "psoriasis"},
	"pulmonology":      {"asthma", "cough", "lung", "breathing", "copd"},
	"gastroenterology": {"stomach", "abdominal", "ulcer", "liver", "bowel"},
	"endocrinology":    {"diabetes", "thyroid", "hormone", "insulin"},
	"obstetrics":       {"pregnan", "prenatal", "antenatal"},
	"gynecology":       {"menstrua", "ovarian", "uterine"},
	"ophthalmology":    {"eye", "vision", "cataract", "glaucoma"},
	"ent":              {"ear", "throat", "sinus", "tonsil"},
	"psychiatry":       {"depression", "anxiety", "bipolar", "schizophrenia"},
	"oncology":         {"cancer", "tumor", "tumour", "chemotherapy"},
	"nephrology":       {"kidney", "renal", "dialysis"},
	"urology":          {"urinary", "prostate", "bladder"},
}

// departmentKeywordScore is 0.8 when the history mentions a keyword of the
// practitioner's department and 0.5 otherwise.
func departmentKeywordScore(history, department string) float64 {
	h := strings.ToLower(history)
	d := strings.ToLower(strings.TrimSpace(department))
	if h == "" || d == "" {
		return keywordMissScore
	}
	for _, tok := range strings.FieldsFunc(d, func(r rune) bool { return !unicode.IsLetter(r) }) {
		for _, w := range historyKeywords[tok] {
			if strings.Contains(h, w) {
				return keywordMatchScore
			}
		}
	}
	return keywordMissScore
}
