package ledger

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/visual-orchestrator/internal/models"
	"github.com/example/visual-orchestrator/internal/store"
)

// Reconciler settles a task that was Running when the process stopped, by
// asking its backend for the outcome.
type Reconciler interface {
	Reconcile(ctx context.Context, t models.Task) (models.Task, error)
}

type Report struct {
	Hydrated   int
	Degraded   int
	Suggested  []models.Task
	Confirmed  []models.Task
	Reconciled []models.Task
	// Unsettled holds running tasks whose probe failed; they stay Running.
	// Reconciled tasks ended Succeeded or Failed.
	Unsettled []models.Task
}

// Hydrate rebuilds the in-memory index from every record in the log.
// Degraded records are written back in their safe shape.
func (l *Ledger) Hydrate(ctx context.Context) (Report, error) {
	var rep Report
	convs, err := l.store.Conversations(ctx)
	if err != nil {
		return rep, fmt.Errorf("list conversations: %w", err)
	}
	for _, conv := range convs {
		entries, err := l.store.ReadAll(ctx, conv)
		if err != nil {
			return rep, fmt.Errorf("read conversation %s: %w", conv, err)
		}
		for _, e := range entries {
			t, status := DecodeRecord(e)
			if status == RecordAbsent {
				continue
			}
			s := &slot{task: t, entryID: e.ID, version: e.Version, meta: e.Metadata}
			if status == RecordDegraded {
				rep.Degraded++
				l.log.Warn("degraded task record",
					zap.String("task_id", t.ID),
					zap.String("entry_id", e.ID),
					zap.String("state", string(t.State)))
				if err := l.persist(ctx, s, t); err != nil && !errors.Is(err, store.ErrVersionConflict) {
					return rep, err
				}
			}
			if !l.register(s) {
				continue
			}
			rep.Hydrated++
			switch t.State {
			case models.StateSuggested:
				rep.Suggested = append(rep.Suggested, t.Clone())
			case models.StateConfirmed:
				rep.Confirmed = append(rep.Confirmed, t.Clone())
			}
		}
	}
	return rep, nil
}

// Resume hydrates and then reconciles every Running task concurrently.
func (l *Ledger) Resume(ctx context.Context, r Reconciler, parallelism int) (Report, error) {
	rep, err := l.Hydrate(ctx)
	if err != nil {
		return rep, err
	}
	l.mu.Lock()
	slots := make([]*slot, 0, len(l.slots))
	for _, s := range l.slots {
		slots = append(slots, s)
	}
	l.mu.Unlock()
	var running []models.Task
	for _, s := range slots {
		s.mu.Lock()
		if s.task.State == models.StateRunning {
			running = append(running, s.task.Clone())
		}
		s.mu.Unlock()
	}
	if len(running) == 0 {
		return rep, nil
	}

	if parallelism <= 0 {
		parallelism = 4
	}
	results := make([]models.Task, len(running))
	errs := make([]error, len(running))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, t := range running {
		g.Go(func() error {
			results[i], errs[i] = r.Reconcile(gctx, t.Clone())
			return nil
		})
	}
	_ = g.Wait()

	for i, t := range running {
		if results[i].ID == "" || results[i].State == models.StateRunning {
			l.log.Warn("resume probe failed",
				zap.String("task_id", t.ID), zap.String("backend", t.ChosenBackend), zap.Error(errs[i]))
			rep.Unsettled = append(rep.Unsettled, t.Clone())
			continue
		}
		l.log.Info("resumed running task",
			zap.String("task_id", t.ID), zap.String("backend", t.ChosenBackend),
			zap.String("state", string(results[i].State)))
		rep.Reconciled = append(rep.Reconciled, results[i])
	}
	return rep, nil
}
