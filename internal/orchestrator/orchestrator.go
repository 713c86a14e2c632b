// Package orchestrator ties classification, gating, the ledger and the
// dispatcher into the operations the conversational surface calls.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/visual-orchestrator/internal/classifier"
	"github.com/example/visual-orchestrator/internal/dispatcher"
	"github.com/example/visual-orchestrator/internal/gate"
	"github.com/example/visual-orchestrator/internal/ledger"
	"github.com/example/visual-orchestrator/internal/models"
	"github.com/example/visual-orchestrator/internal/override"
	"github.com/example/visual-orchestrator/internal/store"
)

type Options struct {
	// AutoDispatch runs confirmed tasks in the background without an
	// explicit Dispatch call.
	AutoDispatch      bool
	ContextLimit      int
	ResumeParallelism int
	// RecheckInterval is the first delay before a task left Running by a
	// failed probe is reconciled again. It doubles up to a minute.
	RecheckInterval time.Duration
}

type Deps struct {
	Store      store.Store
	Classifier classifier.Classifier
	Gate       *gate.Gate
	Ledger     *ledger.Ledger
	Dispatcher *dispatcher.Dispatcher
	Override   *override.Channel
	Hub        *Hub
}

type Service struct {
	Deps
	opts Options
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	busy    map[string]bool // conversation has an active dispatcher
	pending map[string]bool // conversation may have work to pick up
	parked  map[string]bool // task failed validation; waits for explicit dispatch
}

func New(deps Deps, opts Options, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if deps.Hub == nil {
		deps.Hub = NewHub()
	}
	if opts.RecheckInterval <= 0 {
		opts.RecheckInterval = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		Deps:    deps,
		opts:    opts,
		log:     log.Named("service"),
		ctx:     ctx,
		cancel:  cancel,
		busy:    map[string]bool{},
		pending: map[string]bool{},
		parked:  map[string]bool{},
	}
}

// Close stops background dispatching and waits for it to wind down. Tasks
// interrupted mid-flight stay Running and are reconciled on the next start.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

// Submit handles one user utterance: classify it against the recent
// conversation, gate the result, and start the task if it auto-confirmed.
func (s *Service) Submit(ctx context.Context, conversationID, ownerID string, in models.Input, requestKey string) (gate.Decision, error) {
	if strings.TrimSpace(conversationID) == "" {
		return gate.Decision{}, models.NewError(models.CodeValidation, "conversation id is required")
	}
	if in == nil || in.Utterance() == "" {
		return gate.Decision{}, models.NewError(models.CodeValidation, "input has no text")
	}
	if t, ok := s.Ledger.FindByRequestKey(conversationID, requestKey); ok {
		return s.Gate.Replay(t), nil
	}

	entries, err := s.Store.ReadAll(ctx, conversationID)
	if err != nil {
		return gate.Decision{}, fmt.Errorf("read conversation: %w", err)
	}
	snippet := classifier.BuildSnippet(entries, s.opts.ContextLimit)
	utterance := in.Utterance()
	if _, err := s.Store.Append(ctx, store.Entry{ConversationID: conversationID, Role: store.RoleUser, Content: utterance}); err != nil {
		return gate.Decision{}, fmt.Errorf("append utterance: %w", err)
	}

	res := s.Classifier.Classify(ctx, utterance, snippet)
	res.Entities = res.Entities.Merge(in.Hints())
	delete(res.Entities, models.EntityPrompt)

	d, err := s.Gate.Decide(ctx, gate.Scope{
		ConversationID: conversationID,
		OwnerID:        ownerID,
		Prompt:         utterance,
		RequestKey:     requestKey,
	}, res)
	if err != nil {
		return gate.Decision{}, err
	}
	s.log.Debug("utterance gated",
		zap.String("conversation_id", conversationID),
		zap.String("kind", string(d.Kind)),
		zap.String("intent", string(res.Intent)),
		zap.Float64("confidence", res.Confidence))
	if d.Task != nil {
		s.Hub.Publish(Event{Event: "decision", ConversationID: conversationID, TaskID: d.Task.ID, Payload: d})
		if d.Kind == gate.AutoConfirm {
			s.kick(conversationID)
		}
	}
	return d, nil
}

func (s *Service) Confirm(ctx context.Context, taskID string) (models.Task, error) {
	t, err := s.Ledger.Advance(ctx, taskID, ledger.Event{Kind: ledger.EventConfirm})
	return s.after(t, err, true)
}

// Cancel declines a Suggested task. Running tasks cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, taskID string) (models.Task, error) {
	t, err := s.Ledger.Advance(ctx, taskID, ledger.Event{Kind: ledger.EventDecline})
	return s.after(t, err, false)
}

func (s *Service) Override(ctx context.Context, taskID string, intent models.Intent) (models.Task, error) {
	t, err := s.Deps.Override.Override(ctx, taskID, intent)
	return s.after(t, err, true)
}

// Retry re-enters a Failed task into the pipeline on its original backend.
func (s *Service) Retry(ctx context.Context, taskID string) (models.Task, error) {
	t, err := s.Ledger.Advance(ctx, taskID, ledger.Event{Kind: ledger.EventRetry, Reason: "user retry"})
	if models.IsCode(err, models.CodeRetriesExhausted) {
		s.publish(t)
		return t, err
	}
	return s.after(t, err, true)
}

func (s *Service) after(t models.Task, err error, kick bool) (models.Task, error) {
	if err != nil {
		return t, err
	}
	s.publish(t)
	if kick && t.State == models.StateConfirmed {
		s.kick(t.ConversationID)
	}
	return t, nil
}

// Dispatch runs a Confirmed task now and waits for the outcome. It fails
// with conversation_busy while another task of the conversation runs.
//
// The execution belongs to the service, not to ctx. When ctx ends first,
// Dispatch returns the task as it stands with ctx's error and the
// execution carries on in the background.
func (s *Service) Dispatch(ctx context.Context, taskID string) (models.Task, error) {
	t, err := s.Ledger.Get(taskID)
	if err != nil {
		return t, err
	}
	conv := t.ConversationID
	busy := models.NewError(models.CodeConversationBusy, "another task of conversation %s is running", conv)
	if !s.acquire(conv) {
		return t, busy
	}
	if s.hasRunning(conv) {
		s.release(conv)
		return t, busy
	}
	s.mu.Lock()
	delete(s.parked, taskID)
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		s.release(conv)
		return t, s.ctx.Err()
	}
	s.wg.Add(1)
	s.mu.Unlock()

	type outcome struct {
		task models.Task
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer s.wg.Done()
		t, err := s.Dispatcher.Dispatch(s.ctx, taskID)
		s.settled(t, err)
		s.release(conv)
		done <- outcome{t, err}
	}()

	select {
	case o := <-done:
		return o.task, o.err
	case <-ctx.Done():
		s.log.Info("caller left before dispatch finished", zap.String("task_id", taskID), zap.Error(ctx.Err()))
		cur, err := s.Ledger.Get(taskID)
		if err != nil {
			return t, ctx.Err()
		}
		return cur, ctx.Err()
	}
}

func (s *Service) Task(taskID string) (models.Task, error) {
	return s.Ledger.Get(taskID)
}

func (s *Service) Tasks(conversationID string) []models.Task {
	return s.Ledger.ListByConversation(conversationID)
}

// Resume rebuilds state from the log, settles tasks that were running when
// the process stopped and restarts queued work.
func (s *Service) Resume(ctx context.Context) (ledger.Report, error) {
	rep, err := s.Ledger.Resume(ctx, s.Dispatcher, s.opts.ResumeParallelism)
	if err != nil {
		return rep, err
	}
	convs := map[string]bool{}
	for _, t := range rep.Reconciled {
		s.publish(t)
		convs[t.ConversationID] = true
	}
	for _, t := range rep.Confirmed {
		convs[t.ConversationID] = true
	}
	for conv := range convs {
		s.kick(conv)
	}
	for _, t := range rep.Unsettled {
		s.recheck(t.ID, t.ConversationID)
	}
	s.log.Info("resume complete",
		zap.Int("hydrated", rep.Hydrated),
		zap.Int("degraded", rep.Degraded),
		zap.Int("reconciled", len(rep.Reconciled)),
		zap.Int("unsettled", len(rep.Unsettled)),
		zap.Int("queued", len(rep.Confirmed)))
	return rep, nil
}

func (s *Service) publish(t models.Task) {
	s.Hub.Publish(Event{Event: "task", ConversationID: t.ConversationID, TaskID: t.ID, Payload: t})
}

func (s *Service) settled(t models.Task, err error) {
	if t.ID == "" {
		return
	}
	if models.IsCode(err, models.CodeValidation) {
		s.mu.Lock()
		s.parked[t.ID] = true
		s.mu.Unlock()
		s.Hub.Publish(Event{Event: "validation_error", ConversationID: t.ConversationID, TaskID: t.ID, Payload: err})
		return
	}
	s.publish(t)
	if t.State == models.StateRunning && s.ctx.Err() == nil {
		// The outcome could not be recorded; ask the backend again later.
		s.recheck(t.ID, t.ConversationID)
	}
}

// recheck reconciles a task stuck in Running in the background, backing
// off between failed probes, until it settles or the service closes.
func (s *Service) recheck(taskID, conv string) {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		delay := s.opts.RecheckInterval
		timer := time.NewTimer(delay)
		defer timer.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-timer.C:
			}
			cur, err := s.Ledger.Get(taskID)
			if err != nil || cur.State != models.StateRunning {
				s.kick(conv)
				return
			}
			t, err := s.Dispatcher.Reconcile(s.ctx, cur)
			if t.ID != "" && t.State != models.StateRunning {
				s.log.Info("running task settled", zap.String("task_id", taskID), zap.String("state", string(t.State)))
				s.publish(t)
				s.kick(conv)
				return
			}
			if s.ctx.Err() != nil {
				return
			}
			delay = min(2*delay, time.Minute)
			s.log.Warn("reconcile failed, will retry",
				zap.String("task_id", taskID), zap.Duration("in", delay), zap.Error(err))
			timer.Reset(delay)
		}
	}()
}

// kick makes sure a dispatcher loop will look at the conversation.
func (s *Service) kick(conv string) {
	if !s.opts.AutoDispatch {
		return
	}
	s.mu.Lock()
	s.pending[conv] = true
	if s.busy[conv] || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.busy[conv] = true
	s.wg.Add(1)
	s.mu.Unlock()
	go s.drain(conv)
}

// drain dispatches the conversation's Confirmed tasks one at a time in
// creation order until nothing is left to do.
func (s *Service) drain(conv string) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if !s.pending[conv] || s.ctx.Err() != nil {
			delete(s.pending, conv)
			delete(s.busy, conv)
			s.mu.Unlock()
			return
		}
		s.pending[conv] = false
		s.mu.Unlock()

		for s.ctx.Err() == nil {
			next, ok := s.next(conv)
			if !ok {
				break
			}
			t, err := s.Dispatcher.Dispatch(s.ctx, next.ID)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.Debug("background dispatch", zap.String("task_id", next.ID), zap.Error(err))
			}
			s.settled(t, err)
		}
	}
}

// next is the oldest dispatchable task, or none while a task of the
// conversation is still running.
func (s *Service) next(conv string) (models.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.Ledger.ListByConversation(conv) {
		if t.State == models.StateRunning {
			return models.Task{}, false
		}
	}
	for _, t := range s.Ledger.ListByConversation(conv) {
		if t.State == models.StateConfirmed && !s.parked[t.ID] {
			return t, true
		}
	}
	return models.Task{}, false
}

func (s *Service) hasRunning(conv string) bool {
	for _, t := range s.Ledger.ListByConversation(conv) {
		if t.State == models.StateRunning {
			return true
		}
	}
	return false
}

func (s *Service) acquire(conv string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy[conv] {
		return false
	}
	s.busy[conv] = true
	return true
}

// release frees a slot taken by acquire and lets queued work continue.
func (s *Service) release(conv string) {
	s.mu.Lock()
	delete(s.busy, conv)
	s.mu.Unlock()
	s.kick(conv)
}
