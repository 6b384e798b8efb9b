package report

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultTypeCooldown   = 5 * time.Second
	DefaultGlobalCooldown = 2 * time.Second
	defaultQueueSize      = 64
)

// Notifier surfaces a violation to the user (platform notification, tray
// popup). Failures are logged by the reporter and never retried.
type Notifier interface {
	Notify(v Violation) error
}

// LogNotifier is the default notifier: it writes the alert to the log.
type LogNotifier struct {
	Logger *logrus.Logger
}

func (n LogNotifier) Notify(v Violation) error {
	n.Logger.WithFields(logrus.Fields{
		"type":     v.Type,
		"severity": v.Severity,
		"url":      v.URL,
	}).Warn(v.Details)
	return nil
}

// Config holds the reporter's cooldown windows.
type Config struct {
	TypeCooldown   time.Duration
	GlobalCooldown time.Duration
	QueueSize      int
}

func (c Config) withDefaults() Config {
	if c.TypeCooldown <= 0 {
		c.TypeCooldown = DefaultTypeCooldown
	}
	if c.GlobalCooldown <= 0 {
		c.GlobalCooldown = DefaultGlobalCooldown
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	return c
}

// Reporter is the rate-limited channel between detection and durable
// storage. A violation passes a per-type cooldown at submission; accepted
// violations are queued and drained by a single-flight loop that waits out
// the global cooldown between forwards, so a sustained condition cannot
// storm notifications or the backend.
type Reporter struct {
	cfg      Config
	store    Store
	notifier Notifier
	backend  *BackendClient
	logger   *logrus.Logger
	now      func() time.Time

	mu         sync.Mutex
	lastByType map[string]time.Time
	lastAny    time.Time
	closed     bool

	queue    chan Violation
	done     chan struct{}
	flushCh  chan struct{}
	flushing atomic.Bool
}

// NewReporter wires the channel and starts its drain loop. backend may be
// nil for local-only operation.
func NewReporter(cfg Config, store Store, notifier Notifier, backend *BackendClient, logger *logrus.Logger) *Reporter {
	r := &Reporter{
		cfg:        cfg.withDefaults(),
		store:      store,
		notifier:   notifier,
		backend:    backend,
		logger:     logger,
		now:        time.Now,
		lastByType: make(map[string]time.Time),
		queue:      make(chan Violation, cfg.withDefaults().QueueSize),
		done:       make(chan struct{}),
		flushCh:    make(chan struct{}),
	}
	go r.drain()
	return r
}

// SetClock replaces the reporter's clock, for tests.
func (r *Reporter) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// Submit offers a violation to the channel. It returns false when the
// violation is suppressed by the per-type cooldown, dropped because the
// queue is full, or the reporter is closed. The enqueue happens under the
// mutex: Close flips the closed flag under the same mutex before closing
// the queue, so a send can never hit a closed channel. The send is
// non-blocking, so holding the lock across it is cheap.
func (r *Reporter) Submit(v Violation) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	now := r.now()
	if last, ok := r.lastByType[v.Type]; ok && now.Sub(last) < r.cfg.TypeCooldown {
		return false
	}
	if v.Timestamp.IsZero() {
		v.Timestamp = now
	}

	select {
	case r.queue <- v:
		// arm the cooldown only for violations that actually made it in;
		// a dropped violation must not suppress the next one of its type
		r.lastByType[v.Type] = now
		return true
	default:
		r.logger.WithField("type", v.Type).Warn("violation queue full, dropping")
		return false
	}
}

// Close stops accepting submissions, flushes everything already queued to
// the store without further cooldown waits, and returns once the drain loop
// has exited. Accepted violations always reach the store.
func (r *Reporter) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.flushing.Store(true)
	close(r.flushCh)
	close(r.queue)
	<-r.done
}

func (r *Reporter) drain() {
	defer close(r.done)
	for v := range r.queue {
		if !r.flushing.Load() {
			r.mu.Lock()
			wait := r.cfg.GlobalCooldown - r.now().Sub(r.lastAny)
			r.mu.Unlock()
			if wait > 0 {
				// interruptible: Close must not wait out a cooldown
				timer := time.NewTimer(wait)
				select {
				case <-timer.C:
				case <-r.flushCh:
					timer.Stop()
				}
			}
		}
		r.forward(v)
		r.mu.Lock()
		r.lastAny = r.now()
		r.mu.Unlock()
	}
}

func (r *Reporter) forward(v Violation) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.store.Append(ctx, v); err != nil {
		r.logger.WithError(err).Error("failed to store violation")
	}
	if r.notifier != nil {
		if err := r.notifier.Notify(v); err != nil {
			r.logger.WithError(err).Warn("violation notification failed")
		}
	}
	if r.backend != nil && !r.flushing.Load() {
		r.backend.Deliver(ctx, v)
	}
}
