package scheduling

import "github.com/google/uuid"

// Permission codes checked by lifecycle operations.
const (
	PermReferPatients       = "appointments:refer"
	PermApproveAppointments = "appointments:approve"
	PermManageAppointments  = "appointments:manage"
)

// Actor is whoever drives a lifecycle operation. It is one of PatientActor,
// PractitionerActor or StaffActor.
type Actor interface {
	ActorID() uuid.UUID
	HasPermission(p string) bool
	actor()
}

type permissions []string

func (ps permissions) has(p string) bool {
	for _, x := range ps {
		if x == p {
			return true
		}
	}
	return false
}

type PatientActor struct {
	ID          uuid.UUID
	Permissions []string
}

type PractitionerActor struct {
	ID          uuid.UUID
	Permissions []string
}

type StaffActor struct {
	ID          uuid.UUID
	Permissions []string
}

func (a PatientActor) ActorID() uuid.UUID      { return a.ID }
func (a PractitionerActor) ActorID() uuid.UUID { return a.ID }
func (a StaffActor) ActorID() uuid.UUID        { return a.ID }

func (a PatientActor) HasPermission(p string) bool      { return permissions(a.Permissions).has(p) }
func (a PractitionerActor) HasPermission(p string) bool { return permissions(a.Permissions).has(p) }
func (a StaffActor) HasPermission(p string) bool        { return permissions(a.Permissions).has(p) }

func (PatientActor) actor()      {}
func (PractitionerActor) actor() {}
func (StaffActor) actor()        {}

// ActorKind names the variant of an actor for logs and events.
func ActorKind(a Actor) string {
	switch a.(type) {
	case PatientActor:
		return "patient"
	case PractitionerActor:
		return "practitioner"
	case StaffActor:
		return "staff"
	default:
		return "unknown"
	}
}

// NewActor builds an actor from its kind name.
func NewActor(kind string, id uuid.UUID, perms []string) (Actor, bool) {
	switch kind {
	case "patient":
		return PatientActor{ID: id, Permissions: perms}, true
	case "practitioner":
		return PractitionerActor{ID: id, Permissions: perms}, true
	case "staff":
		return StaffActor{ID: id, Permissions: perms}, true
	}
	return nil, false
}
