// Package ledger owns the lifecycle of tasks. Every state change goes
// through Advance, is written to the conversation log before it is
// acknowledged, and can be rebuilt from the log after a restart.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/example/visual-orchestrator/internal/models"
	"github.com/example/visual-orchestrator/internal/store"
)

type EventKind string

const (
	EventConfirm  EventKind = "confirm"
	EventDecline  EventKind = "decline"
	EventOverride EventKind = "override"
	EventStart    EventKind = "start"
	EventSucceed  EventKind = "succeed"
	EventFail     EventKind = "fail"
	EventRetry    EventKind = "retry"
)

type Event struct {
	Kind    EventKind
	Intent  models.Intent     // override
	Backend string            // start
	Result  *models.Result    // succeed
	Err     *models.TaskError // fail
	Reason  string
}

// ReasonAutoConfirm marks the Confirmed transition written by Create.
const ReasonAutoConfirm = "auto"

type Options struct {
	// MaxRetries bounds explicit retries after the first attempt.
	MaxRetries int
}

// NewTask describes the task the gate wants to create.
type NewTask struct {
	ConversationID string
	OwnerID        string
	Prompt         string
	Classification models.ClassificationResult
	RequestKey     string
	// AutoConfirm creates the task directly in Confirmed, recording both
	// transitions in the same write.
	AutoConfirm bool
}

type Ledger struct {
	store store.Store
	clock models.Clock
	ids   models.IDGenerator
	opts  Options
	log   *zap.Logger

	mu     sync.Mutex
	slots  map[string]*slot
	byConv map[string][]string
	byKey  map[string]string
	convMu map[string]*sync.Mutex
}

// slot serializes all transitions of one task.
type slot struct {
	mu      sync.Mutex
	task    models.Task
	entryID string
	version int64
	meta    json.RawMessage
}

func New(s store.Store, clock models.Clock, ids models.IDGenerator, opts Options, log *zap.Logger) *Ledger {
	if clock == nil {
		clock = models.SystemClock{}
	}
	if ids == nil {
		ids = models.UUIDGenerator{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{
		store:  s,
		clock:  clock,
		ids:    ids,
		opts:   opts,
		log:    log.Named("ledger"),
		slots:  map[string]*slot{},
		byConv: map[string][]string{},
		byKey:  map[string]string{},
		convMu: map[string]*sync.Mutex{},
	}
}

func (l *Ledger) MaxRetries() int { return l.opts.MaxRetries }

// Create persists a new task record on a fresh conversation entry. When the
// request key was seen before in the same conversation, the existing task is
// returned and created is false.
func (l *Ledger) Create(ctx context.Context, nt NewTask) (task models.Task, created bool, err error) {
	if nt.ConversationID == "" {
		return models.Task{}, false, models.NewError(models.CodeValidation, "conversation id is required")
	}
	cls := nt.Classification.Normalize()
	if !cls.Intent.Actionable() {
		return models.Task{}, false, models.NewError(models.CodeValidation, "intent %s is not actionable", cls.Intent)
	}

	cm := l.conversationLock(nt.ConversationID)
	cm.Lock()
	defer cm.Unlock()

	if nt.RequestKey != "" {
		if t, ok := l.FindByRequestKey(nt.ConversationID, nt.RequestKey); ok {
			return t, false, nil
		}
	}

	now := l.clock.Now()
	t := models.Task{
		ID:             l.ids.NewID(),
		ConversationID: nt.ConversationID,
		OwnerID:        nt.OwnerID,
		Prompt:         nt.Prompt,
		Intent:         cls.Intent,
		Confidence:     cls.Confidence,
		Entities:       cls.Entities.Clone(),
		State:          models.StateSuggested,
		RequestKey:     nt.RequestKey,
		History:        []models.Transition{{To: models.StateSuggested, At: now, Reason: "suggested"}},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if nt.AutoConfirm {
		t.State = models.StateConfirmed
		t.History = append(t.History, models.Transition{From: models.StateSuggested, To: models.StateConfirmed, At: now, Reason: ReasonAutoConfirm})
	}
	meta, err := EncodeRecord(nil, t)
	if err != nil {
		return models.Task{}, false, err
	}
	entry, err := l.store.Append(ctx, store.Entry{
		ConversationID: t.ConversationID,
		Role:           store.RoleAssistant,
		Metadata:       meta,
	})
	if err != nil {
		return models.Task{}, false, fmt.Errorf("persist task %s: %w", t.ID, err)
	}
	l.register(&slot{task: t, entryID: entry.ID, version: entry.Version, meta: entry.Metadata})
	l.log.Debug("task created",
		zap.String("task_id", t.ID),
		zap.String("conversation_id", t.ConversationID),
		zap.String("intent", string(t.Intent)),
		zap.Float64("confidence", t.Confidence),
		zap.String("state", string(t.State)))
	return t.Clone(), true, nil
}

// Advance applies ev to the task. Illegal transitions return an
// invalid_transition error together with the unchanged task. A retry past
// the ceiling persists retries_exhausted and returns it as the error.
func (l *Ledger) Advance(ctx context.Context, taskID string, ev Event) (models.Task, error) {
	s, err := l.slot(taskID)
	if err != nil {
		return models.Task{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; ; attempt++ {
		next, outcome := apply(s.task, ev, l.clock.Now(), l.opts.MaxRetries)
		if next == nil {
			if models.IsCode(outcome, models.CodeInvalidTransition) {
				l.log.Warn("invalid transition",
					zap.String("task_id", taskID),
					zap.String("event", string(ev.Kind)),
					zap.String("state", string(s.task.State)))
			}
			return s.task.Clone(), outcome
		}
		err := l.persist(ctx, s, *next)
		if errors.Is(err, store.ErrVersionConflict) && attempt == 0 {
			// Someone else wrote the record; re-decide against their state.
			if rerr := l.reload(ctx, s); rerr != nil {
				return s.task.Clone(), rerr
			}
			continue
		}
		if err != nil {
			return s.task.Clone(), err
		}
		l.logTransition(*next, ev)
		return next.Clone(), outcome
	}
}

func (l *Ledger) persist(ctx context.Context, s *slot, t models.Task) error {
	meta, err := EncodeRecord(s.meta, t)
	if err != nil {
		return err
	}
	entry, err := l.store.UpdateMetadata(ctx, s.entryID, meta, s.version)
	if err != nil {
		return fmt.Errorf("persist task %s: %w", t.ID, err)
	}
	s.task = t
	s.version = entry.Version
	s.meta = entry.Metadata
	return nil
}

func (l *Ledger) reload(ctx context.Context, s *slot) error {
	entry, err := l.store.Get(ctx, s.entryID)
	if err != nil {
		return fmt.Errorf("reload task %s: %w", s.task.ID, err)
	}
	t, status := DecodeRecord(entry)
	if status == RecordAbsent {
		return fmt.Errorf("reload task %s: record missing from entry %s", s.task.ID, s.entryID)
	}
	s.task = t
	s.version = entry.Version
	s.meta = entry.Metadata
	return nil
}

func (l *Ledger) logTransition(t models.Task, ev Event) {
	fields := []zap.Field{
		zap.String("task_id", t.ID),
		zap.String("conversation_id", t.ConversationID),
		zap.String("event", string(ev.Kind)),
		zap.String("state", string(t.State)),
		zap.Int("attempts", t.Attempts),
	}
	if t.ChosenBackend != "" {
		fields = append(fields, zap.String("backend", t.ChosenBackend))
	}
	if t.Error != nil {
		fields = append(fields, zap.String("code", string(t.Error.Code)))
	}
	if t.State.IsTerminal() {
		l.log.Info("task transition", fields...)
		return
	}
	l.log.Debug("task transition", fields...)
}

func (l *Ledger) Get(taskID string) (models.Task, error) {
	s, err := l.slot(taskID)
	if err != nil {
		return models.Task{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task.Clone(), nil
}

// ListByConversation returns the conversation's tasks ordered by creation.
func (l *Ledger) ListByConversation(conversationID string) []models.Task {
	l.mu.Lock()
	ids := append([]string(nil), l.byConv[conversationID]...)
	l.mu.Unlock()
	out := make([]models.Task, 0, len(ids))
	for _, id := range ids {
		if t, err := l.Get(id); err == nil {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (l *Ledger) FindByRequestKey(conversationID, key string) (models.Task, bool) {
	if key == "" {
		return models.Task{}, false
	}
	l.mu.Lock()
	id, ok := l.byKey[requestKey(conversationID, key)]
	l.mu.Unlock()
	if !ok {
		return models.Task{}, false
	}
	t, err := l.Get(id)
	return t, err == nil
}

func (l *Ledger) slot(taskID string) (*slot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[taskID]
	if !ok {
		return nil, models.NewError(models.CodeNotFound, "task %s not found", taskID)
	}
	return s, nil
}

func (l *Ledger) register(s *slot) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.slots[s.task.ID]; ok {
		return false
	}
	l.slots[s.task.ID] = s
	l.byConv[s.task.ConversationID] = append(l.byConv[s.task.ConversationID], s.task.ID)
	if s.task.RequestKey != "" {
		l.byKey[requestKey(s.task.ConversationID, s.task.RequestKey)] = s.task.ID
	}
	return true
}

func (l *Ledger) conversationLock(conversationID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.convMu[conversationID]
	if !ok {
		m = &sync.Mutex{}
		l.convMu[conversationID] = m
	}
	return m
}

func requestKey(conversationID, key string) string {
	return conversationID + "\x00" + key
}
