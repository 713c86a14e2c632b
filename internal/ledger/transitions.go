package ledger

import (
	"time"

	"github.com/example/visual-orchestrator/internal/models"
)

// apply computes the task after ev. A nil task means nothing changes and
// the returned error says why. A non-nil task is to be persisted; the error
// is then still returned to the caller once the write succeeded.
func apply(cur models.Task, ev Event, now time.Time, maxRetries int) (*models.Task, error) {
	next := cur.Clone()
	move := func(to models.State, reason string) {
		next.History = append(next.History, models.Transition{From: cur.State, To: to, At: now, Reason: reason})
		next.State = to
		next.UpdatedAt = now
	}
	invalid := func() (*models.Task, error) {
		return nil, models.NewError(models.CodeInvalidTransition, "cannot %s task %s in state %s", ev.Kind, cur.ID, cur.State)
	}

	switch ev.Kind {
	case EventConfirm:
		if cur.State != models.StateSuggested {
			return invalid()
		}
		move(models.StateConfirmed, reasonOr(ev.Reason, "confirmed"))

	case EventDecline:
		if cur.State != models.StateSuggested {
			return invalid()
		}
		move(models.StateCancelled, reasonOr(ev.Reason, "declined"))

	case EventOverride:
		if cur.State != models.StateSuggested {
			return invalid()
		}
		if !ev.Intent.Actionable() {
			return nil, models.NewError(models.CodeValidation, "override intent %q is not actionable", ev.Intent)
		}
		next.Intent = ev.Intent
		move(models.StateConfirmed, reasonOr(ev.Reason, "override:"+string(ev.Intent)))

	case EventStart:
		if cur.State != models.StateConfirmed {
			return invalid()
		}
		if ev.Backend == "" {
			return nil, models.NewError(models.CodeValidation, "start requires a backend")
		}
		if cur.ChosenBackend != "" && cur.ChosenBackend != ev.Backend {
			return nil, models.NewError(models.CodeInvalidTransition,
				"task %s is bound to backend %s, not %s", cur.ID, cur.ChosenBackend, ev.Backend)
		}
		next.ChosenBackend = ev.Backend
		next.Attempts++
		next.Error = nil
		move(models.StateRunning, reasonOr(ev.Reason, "dispatched"))

	case EventSucceed:
		if cur.State != models.StateRunning {
			return invalid()
		}
		if ev.Result == nil || ev.Result.SourceID == "" {
			return nil, models.NewError(models.CodeBackend, "result without source id")
		}
		r := *ev.Result
		next.Result = &r
		next.Error = nil
		move(models.StateSucceeded, reasonOr(ev.Reason, "succeeded"))

	case EventFail:
		if cur.State != models.StateRunning {
			return invalid()
		}
		e := models.TaskError{Code: models.CodeBackend, Message: "backend failed", Retryable: true}
		if ev.Err != nil {
			e = *ev.Err
		}
		next.Error = &e
		move(models.StateFailed, reasonOr(ev.Reason, string(e.Code)))

	case EventRetry:
		if cur.State != models.StateFailed {
			return invalid()
		}
		if cur.Attempts > maxRetries {
			if cur.Error != nil && cur.Error.Code == models.CodeRetriesExhausted {
				return nil, cur.Error
			}
			exhausted := models.NewError(models.CodeRetriesExhausted, "task %s failed after %d attempts", cur.ID, cur.Attempts)
			exhausted.Retryable = false
			next.Error = exhausted
			next.UpdatedAt = now
			next.History = append(next.History, models.Transition{From: cur.State, To: models.StateFailed, At: now, Reason: "retries exhausted"})
			return &next, exhausted
		}
		if cur.Error != nil && !cur.Error.Retryable {
			return nil, models.NewError(models.CodeInvalidTransition,
				"task %s failed with %s, which is not retryable", cur.ID, cur.Error.Code)
		}
		next.Error = nil
		move(models.StateConfirmed, reasonOr(ev.Reason, "retry"))

	default:
		return nil, models.NewError(models.CodeInvalidTransition, "unknown event %q", ev.Kind)
	}
	return &next, nil
}

func reasonOr(reason, def string) string {
	if reason != "" {
		return reason
	}
	return def
}
