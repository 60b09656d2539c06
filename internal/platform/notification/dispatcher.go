package notification

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/iamgolden55/basebackend-sub001/internal/platform/metrics"
)

// Request asks the dispatcher to render and publish one notification.
type Request struct {
	Event         string
	RecipientKind string
	RecipientID   string
	Data          map[string]string
	DeliverAt     *time.Time
}

type DispatcherConfig struct {
	Workers     int
	Buffer      int
	MaxAttempts int
	RetryDelay  time.Duration
	// Prepare runs on a worker before rendering. It may fill in data that
	// is too slow to look up when the request is enqueued.
	Prepare func(ctx context.Context, req *Request)
}

func (c *DispatcherConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Buffer <= 0 {
		c.Buffer = 1024
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 200 * time.Millisecond
	}
}

// Dispatcher queues requests in a bounded buffer served by worker
// goroutines. Enqueue never blocks; a full buffer drops the request.
type Dispatcher struct {
	pub   Publisher
	tpl   *TemplateEngine
	log   zerolog.Logger
	cfg   DispatcherConfig
	queue chan Request

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	cancel context.CancelFunc
	now    func() time.Time
}

func NewDispatcher(pub Publisher, tpl *TemplateEngine, log zerolog.Logger, cfg DispatcherConfig) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		pub:   pub,
		tpl:   tpl,
		log:   log.With().Str("component", "notification").Logger(),
		cfg:   cfg,
		queue: make(chan Request, cfg.Buffer),
		now:   time.Now,
	}
}

// Start launches the workers. They run until Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for req := range d.queue {
				d.deliver(ctx, req)
			}
		}()
	}
}

// Stop rejects new requests, drains the buffer and waits for the workers.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	if d.cancel != nil {
		d.cancel()
	}
}

// Enqueue reports whether the request was accepted.
func (d *Dispatcher) Enqueue(req Request) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.log.Warn().Str("event", req.Event).Msg("dispatcher stopped, notification dropped")
		metrics.RecordNotification(req.Event, "dropped")
		return false
	}
	select {
	case d.queue <- req:
		return true
	default:
		d.log.Warn().
			Str("event", req.Event).
			Str("recipient_id", req.RecipientID).
			Msg("notification buffer full, dropping")
		metrics.RecordNotification(req.Event, "dropped")
		return false
	}
}

func (d *Dispatcher) deliver(ctx context.Context, req Request) {
	if d.cfg.Prepare != nil {
		d.cfg.Prepare(ctx, &req)
	}
	subject, body, err := d.tpl.Render(req.Event, req.Data)
	if err != nil {
		d.log.Error().Err(err).Str("event", req.Event).Msg("render notification")
		metrics.RecordNotification(req.Event, "failed")
		return
	}
	msg := Message{
		ID:            uuid.NewString(),
		Event:         req.Event,
		RecipientKind: req.RecipientKind,
		RecipientID:   req.RecipientID,
		Subject:       subject,
		Body:          body,
		Data:          req.Data,
		DeliverAt:     req.DeliverAt,
		CreatedAt:     d.now().UTC(),
	}

	for attempt := 1; ; attempt++ {
		err = d.pub.Publish(ctx, msg)
		if err == nil {
			metrics.RecordNotification(req.Event, "sent")
			return
		}
		if attempt >= d.cfg.MaxAttempts || ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(d.cfg.RetryDelay * time.Duration(attempt)):
		}
	}
	d.log.Error().Err(err).
		Str("event", req.Event).
		Str("recipient_id", req.RecipientID).
		Int("attempts", d.cfg.MaxAttempts).
		Msg("publish notification")
	metrics.RecordNotification(req.Event, "failed")
}
