package notify

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	URL         string
	Workers     int
	QueueSize   int
	MaxAttempts int
	// Backoff returns the wait before retry number attempt (1-based).
	Backoff func(attempt int) time.Duration
	Client  *http.Client
}

// LinearBackoff waits attempt*step+step between tries.
func LinearBackoff(step time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return time.Duration(attempt)*step + step
	}
}

// Dispatcher queues events and delivers them from a fixed set of workers.
// Delivery is best effort: a full queue drops the event and a webhook that keeps
// failing is given up on after MaxAttempts.
type Dispatcher struct {
	cfg   Config
	log   *log.Logger
	queue chan Envelope

	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(cfg Config, logger *log.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff == nil {
		cfg.Backoff = LinearBackoff(10 * time.Second)
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 5 * time.Second}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{cfg: cfg, log: logger, queue: make(chan Envelope, cfg.QueueSize)}
}

// Enqueue schedules event for delivery and reports whether it was accepted.
// It never blocks.
func (d *Dispatcher) Enqueue(event string, payload any) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	env := Envelope{
		ID:         uuid.NewString(),
		Event:      event,
		OccurredAt: time.Now().UTC(),
		Data:       payload,
	}
	select {
	case d.queue <- env:
		return true
	default:
		return false
	}
}

// Run delivers queued events until ctx is done, then drains what is left with a
// single attempt each and returns. Enqueue refuses new events once Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case env := <-d.queue:
					d.deliver(gctx, env)
				}
			}
		})
	}
	err := g.Wait()

	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.drain()
	return err
}

func (d *Dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case env := <-d.queue:
			env.Attempt = 1
			if err := SendWebhook(ctx, d.cfg.Client, d.cfg.URL, env); err != nil {
				d.log.Warn("webhook dropped on shutdown", "event_id", env.ID, "err", err)
			}
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, env Envelope) {
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		env.Attempt = attempt
		err := SendWebhook(ctx, d.cfg.Client, d.cfg.URL, env)
		if err == nil {
			d.log.Debug("webhook delivered", "event", env.Event, "event_id", env.ID, "attempt", attempt)
			return
		}
		if attempt == d.cfg.MaxAttempts {
			d.log.Error("webhook failed, giving up", "event", env.Event, "event_id", env.ID, "attempts", attempt, "err", err)
			return
		}

		wait := d.cfg.Backoff(attempt)
		d.log.Warn("webhook failed, retrying", "event_id", env.ID, "attempt", attempt, "retry_in", wait, "err", err)
		select {
		case <-ctx.Done():
			// Shutdown: leave the event for drain.
			d.requeue(env)
			return
		case <-time.After(wait):
		}
	}
}

func (d *Dispatcher) requeue(env Envelope) {
	select {
	case d.queue <- env:
	default:
		d.log.Warn("webhook dropped on shutdown", "event_id", env.ID)
	}
}
