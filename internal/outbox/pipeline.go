package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/UzyOrg/celesta/internal/domain/event"
	"github.com/UzyOrg/celesta/internal/infrastructure/external/ledger"
	"github.com/UzyOrg/celesta/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config holds delivery pipeline configuration.
type Config struct {
	// MaxBatchBytes is the serialized batch size cap. Set conservatively
	// below the server's accepted payload size.
	// Default: 48KB (server ceiling is 64KB)
	MaxBatchBytes int

	// MaxBatchEvents is the item count cap per batch.
	// Default: 100 (server ceiling is 200)
	MaxBatchEvents int

	// BackoffFloor is the initial retry interval after a failed flush.
	// Default: 2s
	BackoffFloor time.Duration

	// BackoffCeiling is the maximum retry interval.
	// Default: 5m
	BackoffCeiling time.Duration

	// FlushTimeout bounds a single timer-triggered flush.
	// Default: 60s
	FlushTimeout time.Duration

	// Logger for structured logging.
	Logger *logger.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxBatchBytes:  48 * 1024,
		MaxBatchEvents: 100,
		BackoffFloor:   2 * time.Second,
		BackoffCeiling: 5 * time.Minute,
		FlushTimeout:   60 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxBatchBytes <= 0 {
		c.MaxBatchBytes = d.MaxBatchBytes
	}
	if c.MaxBatchBytes > event.MaxBatchBytes {
		c.MaxBatchBytes = event.MaxBatchBytes
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = d.MaxBatchEvents
	}
	if c.MaxBatchEvents > event.MaxBatchEvents {
		c.MaxBatchEvents = event.MaxBatchEvents
	}
	if c.BackoffFloor <= 0 {
		c.BackoffFloor = d.BackoffFloor
	}
	if c.BackoffCeiling < c.BackoffFloor {
		c.BackoffCeiling = d.BackoffCeiling
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = d.FlushTimeout
	}
	if c.Logger == nil {
		c.Logger = logger.Default()
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// PIPELINE
// ══════════════════════════════════════════════════════════════════════════════

// ErrFlushInProgress is returned when a flush trigger arrives while a flush
// is already running. The trigger is dropped; the next trigger retries.
var ErrFlushInProgress = errors.New("outbox: flush already in progress")

// Pipeline owns the delivery of composed events to the ledger: the immediate
// path, the bounded-batch flush path, and the backoff state between failed
// flushes. One pipeline per local store; the backoff counter and reentrancy
// guard live here rather than in package state.
type Pipeline struct {
	queue  Queue
	sender Sender
	cfg    Config
	log    *logger.Logger

	mu       sync.Mutex
	flushing bool
	online   bool
	backoff  time.Duration
	timer    *time.Timer
	closed   bool
}

// NewPipeline creates a delivery pipeline over the given queue and sender.
// Connectivity starts optimistic; the first failed send corrects it.
func NewPipeline(queue Queue, sender Sender, cfg Config) *Pipeline {
	cfg.applyDefaults()
	return &Pipeline{
		queue:   queue,
		sender:  sender,
		cfg:     cfg,
		log:     cfg.Logger.With(logger.Component("outbox")),
		online:  true,
		backoff: cfg.BackoffFloor,
	}
}

// Online reports whether the ledger is currently believed reachable.
func (p *Pipeline) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

// SetOnline records a connectivity observation. The offline->online
// transition triggers a background flush; this is the connectivity-restored
// signal of the flush path.
func (p *Pipeline) SetOnline(online bool) {
	p.mu.Lock()
	wasOnline := p.online
	p.online = online
	p.mu.Unlock()

	if online && !wasOnline {
		p.log.Info("connectivity restored, flushing outbox")
		go p.flushBackground()
	}
}

// Publish delivers one freshly composed event. The event is always enqueued
// durably first and deleted on acknowledgement, so a teardown during the
// in-flight send can at worst duplicate a delivery, which the ledger's
// idempotent upsert collapses. Delivery failures are never surfaced to the
// interactive flow; Publish only errors when the local queue itself fails.
func (p *Pipeline) Publish(ctx context.Context, ev *event.LearningEvent) error {
	id, err := p.queue.Enqueue(ctx, ev)
	if err != nil {
		return fmt.Errorf("outbox publish: %w", err)
	}

	if !p.Online() {
		p.scheduleRetry()
		return nil
	}

	sendErr := p.sender.SendEvents(ctx, []event.LearningEvent{*ev})
	if sendErr == nil {
		if err := p.queue.Delete(ctx, id); err != nil {
			// The ledger has the event; the queue copy will be resent and
			// collapse by idempotency key.
			p.log.Warn("acknowledged event not deleted from queue",
				logger.Err(err), logger.IdempotencyKey(ev.IdempotencyKey))
		}
		return nil
	}

	if !ledger.IsRetryable(sendErr) {
		p.deadLetter(ctx, id, ev, sendErr)
		return nil
	}

	p.log.Info("immediate send failed, event queued",
		logger.Err(sendErr), logger.IdempotencyKey(ev.IdempotencyKey))
	p.SetOnline(false)
	p.scheduleRetry()
	return nil
}

// Flush drains the queue in bounded batches, strictly in order, stopping at
// the first failing batch. Only one flush runs at a time; concurrent
// triggers return ErrFlushInProgress and rely on the next trigger.
func (p *Pipeline) Flush(ctx context.Context) error {
	p.mu.Lock()
	if p.flushing {
		p.mu.Unlock()
		return ErrFlushInProgress
	}
	p.flushing = true
	p.mu.Unlock()

	err := p.flushLocked(ctx)

	p.mu.Lock()
	p.flushing = false
	p.mu.Unlock()

	if err != nil {
		p.scheduleRetry()
		p.bumpBackoff()
		return err
	}

	p.resetBackoff()
	return nil
}

// flushLocked does the actual draining. The reentrancy flag is already held.
func (p *Pipeline) flushLocked(ctx context.Context) error {
	pending, err := p.queue.Pending(ctx)
	if err != nil {
		return fmt.Errorf("outbox flush: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	p.log.Info("flushing outbox", logger.QueueDepth(len(pending)))

	batches := partition(pending, p.cfg.MaxBatchBytes, p.cfg.MaxBatchEvents)
	for _, batch := range batches {
		if err := p.sendBatch(ctx, batch); err != nil {
			// Leave this batch and everything after it untouched.
			return err
		}
	}

	p.SetOnline(true)
	return nil
}

// sendBatch delivers one batch, falling back to per-event delivery when the
// whole batch is rejected permanently so one poisoned event cannot wedge the
// queue behind it.
func (p *Pipeline) sendBatch(ctx context.Context, batch []QueuedEvent) error {
	events := make([]event.LearningEvent, len(batch))
	ids := make([]int64, len(batch))
	for i, qe := range batch {
		events[i] = qe.Event
		ids[i] = qe.ID
	}

	err := p.sender.SendEvents(ctx, events)
	if err == nil {
		return p.queue.Delete(ctx, ids...)
	}

	if ledger.IsRetryable(err) {
		p.log.Warn("batch delivery failed, will retry",
			logger.Err(err), logger.BatchSize(len(batch)))
		return err
	}

	if len(batch) == 1 {
		p.deadLetter(ctx, batch[0].ID, &batch[0].Event, err)
		return nil
	}

	// The server rejects batches atomically, so a permanent rejection does
	// not say which event is at fault. Retry them one by one.
	for i := range batch {
		one := batch[i : i+1]
		if err := p.sendBatch(ctx, one); err != nil {
			return err
		}
	}
	return nil
}

// deadLetter parks a permanently rejected event.
func (p *Pipeline) deadLetter(ctx context.Context, id int64, ev *event.LearningEvent, cause error) {
	p.log.Error("event permanently rejected, dead-lettering",
		logger.Err(cause), logger.IdempotencyKey(ev.IdempotencyKey), logger.Verb(string(ev.Verb)))
	if err := p.queue.MoveToDead(ctx, id, cause.Error()); err != nil {
		p.log.Error("dead-letter move failed", logger.Err(err))
	}
}

// Dead lists dead-lettered events for operator inspection.
func (p *Pipeline) Dead(ctx context.Context) ([]DeadEvent, error) {
	return p.queue.Dead(ctx)
}

// ══════════════════════════════════════════════════════════════════════════════
// BACKOFF TIMER
// ══════════════════════════════════════════════════════════════════════════════

// Backoff returns the current retry interval. Exposed for tests.
func (p *Pipeline) Backoff() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backoff
}

func (p *Pipeline) resetBackoff() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backoff = p.cfg.BackoffFloor
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Pipeline) bumpBackoff() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backoff *= 2
	if p.backoff > p.cfg.BackoffCeiling {
		p.backoff = p.cfg.BackoffCeiling
	}
}

// scheduleRetry arms the backoff timer for a future flush. A timer already
// pending is left alone.
func (p *Pipeline) scheduleRetry() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.timer != nil {
		return
	}
	p.timer = time.AfterFunc(p.backoff, func() {
		p.mu.Lock()
		p.timer = nil
		p.mu.Unlock()
		p.flushBackground()
	})
}

// flushBackground runs a flush detached from any caller context.
func (p *Pipeline) flushBackground() {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.FlushTimeout)
	defer cancel()

	if err := p.Flush(ctx); err != nil && !errors.Is(err, ErrFlushInProgress) {
		p.log.Debug("background flush failed", logger.Err(err))
	}
}

// Close stops the backoff timer. Queued events stay durable for the next
// session.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
