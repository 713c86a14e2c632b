package dispatcher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/example/visual-orchestrator/internal/backend"
	"github.com/example/visual-orchestrator/internal/models"
)

// Reconcile settles a task found Running after a restart by probing its
// backend until it reports an outcome or the backend's timeout passes.
// A probe error leaves the task Running and is returned.
func (d *Dispatcher) Reconcile(ctx context.Context, t models.Task) (models.Task, error) {
	if t.State != models.StateRunning {
		return t, nil
	}
	a, err := d.adapter(t.ChosenBackend)
	if err != nil {
		return d.fail(ctx, t, models.NewError(models.CodeBackend, "backend %q is not configured", t.ChosenBackend))
	}

	deadline := time.Now().Add(d.timeout(a.Name()))
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()
	for {
		st, err := d.probe(ctx, a, t.ID)
		if err != nil {
			return t, err
		}
		switch st.Kind {
		case backend.StatusSucceeded:
			d.log.Info("resume: backend reports success", zap.String("task_id", t.ID), zap.String("backend", a.Name()))
			return d.settle(ctx, t, a, st.Raw)
		case backend.StatusFailed:
			return d.fail(ctx, t, models.NewError(models.CodeBackend, "backend reported failure: %s", st.Message))
		case backend.StatusUnknown:
			return d.fail(ctx, t, models.NewError(models.CodeBackend, "%s backend has no record of the task", a.Name()))
		}
		if time.Now().After(deadline) {
			return d.fail(ctx, t, models.NewError(models.CodeTimeout, "%s backend still running after %s", a.Name(), d.timeout(a.Name())))
		}
		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-ticker.C:
		}
	}
}

// probe collapses concurrent status calls for the same task into one.
func (d *Dispatcher) probe(ctx context.Context, a backend.Adapter, taskID string) (backend.Status, error) {
	v, err, _ := d.probes.Do(a.Name()+"/"+taskID, func() (any, error) {
		return a.Status(ctx, taskID)
	})
	if err != nil {
		return backend.Status{}, err
	}
	return v.(backend.Status), nil
}
