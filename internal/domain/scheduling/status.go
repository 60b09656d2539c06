package scheduling

// Status is the lifecycle state of an appointment.
type Status string

const (
	StatusPending     Status = "pending"
	StatusConfirmed   Status = "confirmed"
	StatusInProgress  Status = "in_progress"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
	StatusNoShow      Status = "no_show"
	StatusRescheduled Status = "rescheduled"
	StatusReferred    Status = "referred"
	StatusRejected    Status = "rejected"
)

var transitions = map[Status][]Status{
	StatusPending:     {StatusConfirmed, StatusCancelled, StatusRejected, StatusReferred},
	StatusConfirmed:   {StatusInProgress, StatusCancelled, StatusNoShow, StatusReferred},
	StatusInProgress:  {StatusCompleted, StatusCancelled, StatusReferred},
	StatusRescheduled: {StatusConfirmed, StatusCancelled},
}

var knownStatuses = map[Status]bool{
	StatusPending: true, StatusConfirmed: true, StatusInProgress: true,
	StatusCompleted: true, StatusCancelled: true, StatusNoShow: true,
	StatusRescheduled: true, StatusReferred: true, StatusRejected: true,
}

func (s Status) Valid() bool { return knownStatuses[s] }

// CanTransitionTo reports whether the transition table allows s -> to.
func (s Status) CanTransitionTo(to Status) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s has no outgoing transitions.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// Occupies reports whether an appointment in this status holds its practitioner's slot.
func (s Status) Occupies() bool {
	return s == StatusPending || s == StatusConfirmed
}

// ActiveStatuses are the non-terminal states counted by the same-day department guard.
var ActiveStatuses = []Status{StatusPending, StatusConfirmed, StatusInProgress, StatusRescheduled}

// SlotStatuses are the states that occupy a practitioner's slot.
var SlotStatuses = []Status{StatusPending, StatusConfirmed}

// CapacityStatuses are the states counted against a practitioner's daily cap.
var CapacityStatuses = []Status{StatusPending, StatusConfirmed, StatusInProgress, StatusCompleted}

func statusStrings(ss []Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}
