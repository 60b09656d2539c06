package scheduling

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by this package wraps exactly one of them.
var (
	ErrValidation        = errors.New("validation failed")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnavailable       = errors.New("unavailable")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrNotFound          = errors.New("not found")
)

// Rule names identifying the guard that rejected a request.
const (
	RuleStartInPast            = "start_in_past"
	RuleRequiredField          = "required_field"
	RulePatientNotRegistered   = "patient_not_registered"
	RuleDuplicateDepartment    = "duplicate_department_booking"
	RulePractitionerBusy       = "practitioner_unavailable"
	RuleDailyCapacity          = "daily_capacity_reached"
	RuleReferralTarget         = "referral_target_required"
	RuleReferralPermission     = "referral_permission_required"
	RuleApprovalPermission     = "approval_permission_required"
	RuleAssignedPractitioner   = "assigned_practitioner_only"
	RuleCancelPermission       = "cancel_permission_required"
	RuleReferralAlreadyActed   = "referral_already_acted_upon"
	RulePractitionerIneligible = "practitioner_ineligible"
	RuleNoPractitioner         = "no_practitioner_in_department"
	RuleNotParticipant         = "not_a_participant"
	RuleManagePermission       = "manage_permission_required"
)

// RuleError is a guard violation. Kind is one of the package error kinds.
type RuleError struct {
	Kind error
	Rule string
	Msg  string
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("%s: %s", e.Rule, e.Msg)
}

func (e *RuleError) Unwrap() error { return e.Kind }

func validationErr(rule, format string, args ...any) error {
	return &RuleError{Kind: ErrValidation, Rule: rule, Msg: fmt.Sprintf(format, args...)}
}

func unavailableErr(rule, format string, args ...any) error {
	return &RuleError{Kind: ErrUnavailable, Rule: rule, Msg: fmt.Sprintf(format, args...)}
}

func permissionErr(rule, format string, args ...any) error {
	return &RuleError{Kind: ErrPermissionDenied, Rule: rule, Msg: fmt.Sprintf(format, args...)}
}

func notFoundErr(rule, format string, args ...any) error {
	return &RuleError{Kind: ErrNotFound, Rule: rule, Msg: fmt.Sprintf(format, args...)}
}

// TransitionError names the rejected source and target status.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot transition appointment from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// RuleOf returns the violated rule name carried by err, if any.
func RuleOf(err error) string {
	var re *RuleError
	if errors.As(err, &re) {
		return re.Rule
	}
	return ""
}
