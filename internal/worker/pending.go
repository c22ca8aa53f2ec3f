// Package worker drains the pending sync queue: one cooperative loop that
// fetches due rows, runs each contact through the sync engine, and settles
// the row according to the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/contactmirror/contactmirror/internal/amocrm"
	"github.com/contactmirror/contactmirror/internal/google"
	"github.com/contactmirror/contactmirror/internal/store"
	"github.com/contactmirror/contactmirror/internal/sync"
)

const (
	// idleWait bounds how long the loop sleeps when the queue is empty and
	// nothing wakes it.
	idleWait = 5 * time.Second

	defaultBatchSize = 10

	backoffBase = 30 * time.Second
	backoffCap  = 1800 * time.Second
)

// Engine is the slice of the sync engine the worker consumes.
type Engine interface {
	Plan(ctx context.Context, contact amocrm.Contact) (*sync.Plan, error)
	Apply(ctx context.Context, plan *sync.Plan) (*sync.Result, error)
}

// CRM fetches one contact from the source system.
type CRM interface {
	GetContact(ctx context.Context, contactID int64) (*amocrm.RawContact, error)
}

// PendingWorker processes pending_sync rows in (next_attempt_at, id) order.
type PendingWorker struct {
	store     store.Store
	crm       CRM
	engine    Engine
	log       *slog.Logger
	batchSize int

	// handleMu serialises the loop body against explicit drains.
	handleMu stdsync.Mutex
	wakeCh   chan struct{}
}

// New creates a pending queue worker.
func New(s store.Store, crm CRM, engine Engine, batchSize int, log *slog.Logger) *PendingWorker {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &PendingWorker{
		store:     s,
		crm:       crm,
		engine:    engine,
		log:       log.With("component", "pending_worker"),
		batchSize: batchSize,
		wakeCh:    make(chan struct{}, 1),
	}
}

// Wake signals the loop that new rows may be due. Safe from any goroutine;
// signals coalesce.
func (w *PendingWorker) Wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

// Run processes the queue until ctx is cancelled. In-flight rows finish
// before it returns.
func (w *PendingWorker) Run(ctx context.Context) {
	w.log.Info("pending worker started", "batch_size", w.batchSize)
	for {
		processed, err := w.Drain(ctx, w.batchSize)
		if err != nil {
			w.log.Error("drain failed", "error", err)
		}
		if processed > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			w.log.Info("pending worker stopped")
			return
		case <-w.wakeCh:
		case <-time.After(idleWait):
		}
	}
}

// Drain synchronously processes up to limit due rows and reports how many it
// handled. Concurrent drains serialise.
func (w *PendingWorker) Drain(ctx context.Context, limit int) (int, error) {
	w.handleMu.Lock()
	defer w.handleMu.Unlock()

	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	rows, err := w.store.FetchDue(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("fetch due rows: %w", err)
	}
	for i := range rows {
		w.handle(ctx, &rows[i])
	}
	return len(rows), nil
}

// handle runs one row through the engine and settles it. Every outcome is a
// single store transition so a crash leaves the row either untouched or
// settled, never half-done.
func (w *PendingWorker) handle(ctx context.Context, row *store.PendingSync) {
	log := w.log.With("amo_contact_id", row.AmoContactID, "attempts", row.Attempts)

	resource, err := w.process(ctx, row.AmoContactID)
	if err == nil {
		if err := w.store.Complete(ctx, row, resource); err != nil {
			log.Error("complete failed", "error", err)
			return
		}
		log.Info("pending row synced", "resource_name", resource)
		return
	}

	var rateLimited *google.RateLimitError
	switch {
	case errors.As(err, &rateLimited):
		delay := Backoff(row.Attempts + 1)
		if rateLimited.RetryAfter > delay {
			delay = rateLimited.RetryAfter
		}
		if err := w.store.Reschedule(ctx, row, delay, "google_rate_limit"); err != nil {
			log.Error("reschedule failed", "error", err)
			return
		}
		log.Warn("directory rate limited, rescheduled", "delay", delay)

	case errors.Is(err, amocrm.ErrAuthMissing):
		if err := w.store.DeadLetter(ctx, row, "amo_auth_missing", err.Error()); err != nil {
			log.Error("dead letter failed", "error", err)
			return
		}
		log.Error("crm credentials missing, row dead-lettered")

	default:
		delay := Backoff(row.Attempts + 1)
		if err := w.store.Reschedule(ctx, row, delay, errorClass(err)); err != nil {
			log.Error("reschedule failed", "error", err)
			return
		}
		log.Warn("sync failed, rescheduled", "delay", delay, "error", err)
	}
}

// process fetches the CRM contact and applies the engine's plan for it.
func (w *PendingWorker) process(ctx context.Context, contactID int64) (string, error) {
	raw, err := w.crm.GetContact(ctx, contactID)
	if err != nil {
		return "", err
	}
	contact := amocrm.ExtractFields(raw)

	plan, err := w.engine.Plan(ctx, contact)
	if err != nil {
		return "", err
	}
	result, err := w.engine.Apply(ctx, plan)
	if err != nil {
		return "", err
	}
	return result.ResourceName, nil
}

// Backoff returns the retry delay before attempt n: 30s doubling per
// attempt, capped at 30 minutes.
func Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := backoffBase
	for i := 1; i < n; i++ {
		delay *= 2
		if delay >= backoffCap {
			return backoffCap
		}
	}
	if delay > backoffCap {
		return backoffCap
	}
	return delay
}

// errorClass names the failure kind stored in last_error.
func errorClass(err error) string {
	var status *google.StatusError
	if errors.As(err, &status) {
		if status.StatusCode == 401 {
			return "google_unauthorised"
		}
		return fmt.Sprintf("google_http_%d", status.StatusCode)
	}
	if errors.Is(err, google.ErrUnauthorized) {
		return "google_unauthorised"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "transport_error"
}
