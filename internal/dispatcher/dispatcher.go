// Package dispatcher runs confirmed tasks on a backend and records the
// outcome in the ledger. It owns backend selection, timeouts, result
// normalization and the retry policy.
package dispatcher

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/example/visual-orchestrator/internal/backend"
	"github.com/example/visual-orchestrator/internal/ledger"
	"github.com/example/visual-orchestrator/internal/models"
)

// Ledger is the part of the ledger the dispatcher drives.
type Ledger interface {
	Get(taskID string) (models.Task, error)
	Advance(ctx context.Context, taskID string, ev ledger.Event) (models.Task, error)
	MaxRetries() int
}

type Options struct {
	// Timeouts bounds one execution per backend name.
	Timeouts       map[string]time.Duration
	DefaultTimeout time.Duration
	// AutoRetry re-runs retryable failures until the retry ceiling.
	AutoRetry   bool
	BackoffBase time.Duration
	// PollInterval paces status probes while reconciling running tasks.
	PollInterval time.Duration
}

type Dispatcher struct {
	ledger   Ledger
	backends *backend.Set
	selector Selector
	opts     Options
	log      *zap.Logger

	probes singleflight.Group
}

func New(l Ledger, backends *backend.Set, sel Selector, opts Options, log *zap.Logger) *Dispatcher {
	if sel == nil {
		sel = NewDefaultSelector()
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{ledger: l, backends: backends, selector: sel, opts: opts, log: log.Named("dispatcher")}
}

// Backend returns the backend a task is bound to, or would be bound to.
func (d *Dispatcher) Backend(t models.Task) string {
	if t.ChosenBackend != "" {
		return t.ChosenBackend
	}
	return d.selector.Select(t)
}

// Validate checks a task against its backend without touching its state.
func (d *Dispatcher) Validate(t models.Task) error {
	a, err := d.adapter(d.Backend(t))
	if err != nil {
		return err
	}
	return a.Validate(backend.ParamsOf(t))
}

// Dispatch runs a Confirmed task. Validation failures leave it Confirmed.
// The returned error is the task's failure, if it ended Failed.
func (d *Dispatcher) Dispatch(ctx context.Context, taskID string) (models.Task, error) {
	for {
		t, err := d.ledger.Get(taskID)
		if err != nil {
			return models.Task{}, err
		}
		if t.State != models.StateConfirmed {
			return t, models.NewError(models.CodeInvalidTransition, "task %s is %s, not confirmed", t.ID, t.State)
		}
		name := d.Backend(t)
		a, err := d.adapter(name)
		if err != nil {
			return t, err
		}
		if err := a.Validate(backend.ParamsOf(t)); err != nil {
			d.log.Info("validation failed", zap.String("task_id", t.ID), zap.String("backend", name), zap.Error(err))
			return t, err
		}

		t, err = d.run(ctx, t, a)
		if ctx.Err() != nil || t.State != models.StateFailed || !d.shouldRetry(t) {
			return t, err
		}
		if !sleepCtx(ctx, d.backoff(t.Attempts)) {
			return t, err
		}
		if _, rerr := d.ledger.Advance(ctx, t.ID, ledger.Event{Kind: ledger.EventRetry, Reason: "auto retry"}); rerr != nil {
			d.log.Warn("auto retry refused", zap.String("task_id", t.ID), zap.Error(rerr))
			latest, gerr := d.ledger.Get(t.ID)
			if gerr != nil {
				return t, err
			}
			return latest, rerr
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, t models.Task, a backend.Adapter) (models.Task, error) {
	running, err := d.ledger.Advance(ctx, t.ID, ledger.Event{Kind: ledger.EventStart, Backend: a.Name()})
	if err != nil {
		return running, err
	}
	d.log.Info("dispatch start",
		zap.String("task_id", t.ID), zap.String("backend", a.Name()), zap.Int("attempt", running.Attempts))

	timeout := d.timeout(a.Name())
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	raw, err := a.Execute(execCtx, running)
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			// Shutting down; the task stays Running and is reconciled on resume.
			d.log.Warn("dispatch interrupted", zap.String("task_id", t.ID), zap.Error(ctx.Err()))
			return running, ctx.Err()
		}
		var te *models.TaskError
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			te = models.NewError(models.CodeTimeout, "%s backend exceeded %s", a.Name(), timeout)
		case errors.As(err, &te):
		default:
			te = models.NewError(models.CodeBackend, "%v", err)
		}
		return d.fail(ctx, running, te)
	}

	done, err := d.settle(ctx, running, a, raw)
	d.log.Info("dispatch finish",
		zap.String("task_id", t.ID),
		zap.String("backend", a.Name()),
		zap.String("state", string(done.State)),
		zap.Duration("took", time.Since(start)))
	return done, err
}

// settle normalizes a raw success and records it, unless it aliases the
// input asset.
func (d *Dispatcher) settle(ctx context.Context, t models.Task, a backend.Adapter, raw []byte) (models.Task, error) {
	res, err := Normalize(raw, a.Schema())
	if err != nil {
		var te *models.TaskError
		errors.As(err, &te)
		return d.fail(ctx, t, te)
	}
	if err := checkPreservation(t, res); err != nil {
		d.log.Error("original asset mutation detected",
			zap.String("task_id", t.ID),
			zap.String("backend", a.Name()),
			zap.String("input_asset_id", t.InputAssetID()),
			zap.String("source_id", res.SourceID))
		var te *models.TaskError
		errors.As(err, &te)
		return d.fail(ctx, t, te)
	}
	return d.ledger.Advance(ctx, t.ID, ledger.Event{Kind: ledger.EventSucceed, Result: &res})
}

func (d *Dispatcher) fail(ctx context.Context, t models.Task, te *models.TaskError) (models.Task, error) {
	failed, err := d.ledger.Advance(ctx, t.ID, ledger.Event{Kind: ledger.EventFail, Err: te})
	if err != nil {
		return failed, err
	}
	return failed, te
}

func (d *Dispatcher) shouldRetry(t models.Task) bool {
	return d.opts.AutoRetry && t.Error != nil && t.Error.Retryable && t.Attempts <= d.ledger.MaxRetries()
}

func (d *Dispatcher) backoff(attempts int) time.Duration {
	b := d.opts.BackoffBase
	for i := 1; i < attempts && b < time.Minute; i++ {
		b *= 2
	}
	return b
}

func (d *Dispatcher) timeout(name string) time.Duration {
	if v, ok := d.opts.Timeouts[name]; ok && v > 0 {
		return v
	}
	return d.opts.DefaultTimeout
}

func (d *Dispatcher) adapter(name string) (backend.Adapter, error) {
	a, ok := d.backends.Get(name)
	if !ok {
		return nil, models.NewError(models.CodeBackend, "backend %q is not configured", name)
	}
	return a, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
