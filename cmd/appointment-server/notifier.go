package main

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/iamgolden55/basebackend-sub001/internal/domain/scheduling"
	"github.com/iamgolden55/basebackend-sub001/internal/platform/notification"
)

// enqueuer is the part of the dispatcher the adapter needs.
type enqueuer interface {
	Enqueue(req notification.Request) bool
}

// dispatchNotifier turns lifecycle events into notification requests. It only
// copies fields off the appointment; lookups happen on the dispatcher workers.
type dispatchNotifier struct {
	queue enqueuer
	loc   *time.Location
}

func newDispatchNotifier(queue enqueuer, loc *time.Location) *dispatchNotifier {
	if loc == nil {
		loc = time.UTC
	}
	return &dispatchNotifier{queue: queue, loc: loc}
}

func (n *dispatchNotifier) Emit(_ context.Context, ev scheduling.Event) {
	if ev.Appointment == nil {
		return
	}
	n.queue.Enqueue(n.request(ev))
}

func (n *dispatchNotifier) request(ev scheduling.Event) notification.Request {
	a := ev.Appointment
	start := a.StartTime.In(n.loc)
	data := map[string]string{
		"reference":     a.Reference,
		"date":          start.Format("2006-01-02"),
		"time":          start.Format("15:04"),
		"department_id": a.DepartmentID.String(),
	}
	if reason := eventReason(ev); reason != "" {
		data["reason"] = reason
	}
	if ev.Lead != "" {
		data["lead"] = ev.Lead
	}

	req := notification.Request{
		Event:         string(ev.Type),
		RecipientKind: string(ev.Recipient.Kind),
		RecipientID:   ev.Recipient.ID.String(),
		Data:          data,
	}
	if !ev.DeliverAt.IsZero() {
		at := ev.DeliverAt
		req.DeliverAt = &at
	}
	return req
}

func eventReason(ev scheduling.Event) string {
	a := ev.Appointment
	switch ev.Type {
	case scheduling.EventReferred, scheduling.EventReferralReceived:
		if a.ReferralReason != nil {
			return *a.ReferralReason
		}
	default:
		if a.CancellationReason != nil {
			return *a.CancellationReason
		}
	}
	return ""
}

// departmentNames resolves department names for the dispatcher workers and
// remembers them.
type departmentNames struct {
	departments scheduling.DepartmentRepository
	log         zerolog.Logger

	mu    sync.RWMutex
	names map[uuid.UUID]string
}

func newDepartmentNames(departments scheduling.DepartmentRepository, log zerolog.Logger) *departmentNames {
	return &departmentNames{departments: departments, log: log, names: make(map[uuid.UUID]string)}
}

// Prepare sets data["department"] from data["department_id"].
func (d *departmentNames) Prepare(ctx context.Context, req *notification.Request) {
	raw, ok := req.Data["department_id"]
	if !ok {
		return
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		req.Data["department"] = raw
		return
	}
	req.Data["department"] = d.name(ctx, id)
}

// name falls back to the ID when the lookup fails.
func (d *departmentNames) name(ctx context.Context, id uuid.UUID) string {
	d.mu.RLock()
	name, ok := d.names[id]
	d.mu.RUnlock()
	if ok {
		return name
	}
	if d.departments == nil {
		return id.String()
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	dept, err := d.departments.GetByID(ctx, id)
	if err != nil || dept == nil {
		d.log.Warn().Err(err).Str("department_id", id.String()).Msg("resolve department name")
		return id.String()
	}

	d.mu.Lock()
	d.names[id] = dept.Name
	d.mu.Unlock()
	return dept.Name
}
