package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/example/visual-orchestrator/internal/models"
	"github.com/example/visual-orchestrator/internal/store"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() string { return fmt.Sprintf("id-%d", s.n.Add(1)) }

type countingStore struct {
	store.Store
	updates atomic.Int64
}

func (c *countingStore) UpdateMetadata(ctx context.Context, id string, meta json.RawMessage, v int64) (store.Entry, error) {
	c.updates.Add(1)
	return c.Store.UpdateMetadata(ctx, id, meta, v)
}

func newLedger(t *testing.T, maxRetries int) (*Ledger, *countingStore) {
	t.Helper()
	clock := &stepClock{t: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	ids := &seqIDs{}
	cs := &countingStore{Store: store.NewMemoryStore(clock, ids)}
	return New(cs, clock, ids, Options{MaxRetries: maxRetries}, zaptest.NewLogger(t)), cs
}

func suggestion(conv string) NewTask {
	return NewTask{
		ConversationID: conv,
		OwnerID:        "owner-1",
		Prompt:         "Mache den Hintergrund blau",
		Classification: models.ClassificationResult{
			Intent:     models.IntentCreateVisual,
			Confidence: 0.75,
			Entities:   models.Entities{models.EntityColor: "blue"},
		},
	}
}

func states(t models.Task) []models.State {
	out := []models.State{}
	for _, h := range t.History {
		out = append(out, h.To)
	}
	return out
}

func TestCreateAutoConfirmWritesBothTransitions(t *testing.T) {
	l, cs := newLedger(t, 3)
	ctx := context.Background()
	nt := suggestion("c-1")
	nt.AutoConfirm = true

	task, created, err := l.Create(ctx, nt)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.StateConfirmed, task.State)
	assert.Equal(t, []models.State{models.StateSuggested, models.StateConfirmed}, states(task))
	assert.Zero(t, cs.updates.Load())

	entries, err := cs.ReadAll(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	persisted, status := DecodeRecord(entries[0])
	require.Equal(t, RecordOK, status)
	assert.Equal(t, task, persisted)
}

func TestCreateRejectsUnknownIntent(t *testing.T) {
	l, _ := newLedger(t, 3)
	nt := suggestion("c-1")
	nt.Classification = models.Unknown()
	_, _, err := l.Create(context.Background(), nt)
	assert.True(t, models.IsCode(err, models.CodeValidation))
	assert.Empty(t, l.ListByConversation("c-1"))
}

func TestCreateIsIdempotentPerRequestKey(t *testing.T) {
	l, cs := newLedger(t, 3)
	ctx := context.Background()
	nt := suggestion("c-1")
	nt.RequestKey = "req-42"

	first, created, err := l.Create(ctx, nt)
	require.NoError(t, err)
	require.True(t, created)

	again, created, err := l.Create(ctx, nt)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	other := nt
	other.ConversationID = "c-2"
	_, created, err = l.Create(ctx, other)
	require.NoError(t, err)
	assert.True(t, created, "keys are scoped to the conversation")

	entries, err := cs.ReadAll(ctx, "c-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestHappyPath(t *testing.T) {
	l, cs := newLedger(t, 3)
	ctx := context.Background()
	task, _, err := l.Create(ctx, suggestion("c-1"))
	require.NoError(t, err)

	_, err = l.Advance(ctx, task.ID, Event{Kind: EventConfirm})
	require.NoError(t, err)
	_, err = l.Advance(ctx, task.ID, Event{Kind: EventStart, Backend: "fast"})
	require.NoError(t, err)
	done, err := l.Advance(ctx, task.ID, Event{Kind: EventSucceed, Result: &models.Result{AssetURL: "https://cdn/x.png", SourceID: "gen-1"}})
	require.NoError(t, err)

	assert.Equal(t, models.StateSucceeded, done.State)
	assert.Equal(t, "fast", done.ChosenBackend)
	assert.Equal(t, 1, done.Attempts)
	assert.Equal(t, []models.State{models.StateSuggested, models.StateConfirmed, models.StateRunning, models.StateSucceeded}, states(done))
	assert.Equal(t, int64(3), cs.updates.Load())

	got, err := l.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, done, got)
}

func TestIllegalTransitionsAreNoOps(t *testing.T) {
	l, cs := newLedger(t, 3)
	ctx := context.Background()

	reach := map[models.State][]Event{
		models.StateSuggested: nil,
		models.StateConfirmed: {{Kind: EventConfirm}},
		models.StateRunning:   {{Kind: EventConfirm}, {Kind: EventStart, Backend: "fast"}},
		models.StateSucceeded: {{Kind: EventConfirm}, {Kind: EventStart, Backend: "fast"}, {Kind: EventSucceed, Result: &models.Result{AssetURL: "u", SourceID: "s"}}},
		models.StateFailed:    {{Kind: EventConfirm}, {Kind: EventStart, Backend: "fast"}, {Kind: EventFail}},
		models.StateCancelled: {{Kind: EventDecline}},
	}
	illegal := map[models.State][]EventKind{
		models.StateSuggested: {EventStart, EventSucceed, EventFail, EventRetry},
		models.StateConfirmed: {EventConfirm, EventDecline, EventOverride, EventSucceed, EventFail, EventRetry},
		models.StateRunning:   {EventConfirm, EventDecline, EventOverride, EventStart, EventRetry},
		models.StateSucceeded: {EventConfirm, EventDecline, EventOverride, EventStart, EventSucceed, EventFail, EventRetry},
		models.StateFailed:    {EventConfirm, EventDecline, EventOverride, EventStart, EventSucceed, EventFail},
		models.StateCancelled: {EventConfirm, EventDecline, EventOverride, EventStart, EventSucceed, EventFail, EventRetry},
	}
	for st, path := range reach {
		for _, kind := range illegal[st] {
			t.Run(fmt.Sprintf("%s/%s", st, kind), func(t *testing.T) {
				task, _, err := l.Create(ctx, suggestion("c-"+string(st)+"-"+string(kind)))
				require.NoError(t, err)
				for _, ev := range path {
					_, err := l.Advance(ctx, task.ID, ev)
					require.NoError(t, err)
				}
				before, err := l.Get(task.ID)
				require.NoError(t, err)
				require.Equal(t, st, before.State)
				writes := cs.updates.Load()

				after, err := l.Advance(ctx, task.ID, Event{
					Kind:    kind,
					Intent:  models.IntentEditVisual,
					Backend: "fast",
					Result:  &models.Result{AssetURL: "u", SourceID: "s"},
				})
				assert.True(t, models.IsCode(err, models.CodeInvalidTransition), "got %v", err)
				assert.Equal(t, before, after)
				assert.Equal(t, writes, cs.updates.Load())
			})
		}
	}
}

func TestCancelRunningIsRejected(t *testing.T) {
	l, _ := newLedger(t, 3)
	ctx := context.Background()
	task, _, err := l.Create(ctx, suggestion("c-1"))
	require.NoError(t, err)
	_, err = l.Advance(ctx, task.ID, Event{Kind: EventConfirm})
	require.NoError(t, err)
	_, err = l.Advance(ctx, task.ID, Event{Kind: EventStart, Backend: "durable"})
	require.NoError(t, err)

	got, err := l.Advance(ctx, task.ID, Event{Kind: EventDecline})
	assert.True(t, models.IsCode(err, models.CodeInvalidTransition))
	assert.Equal(t, models.StateRunning, got.State)
}

func TestOverrideKeepsEntities(t *testing.T) {
	l, _ := newLedger(t, 3)
	ctx := context.Background()
	task, _, err := l.Create(ctx, suggestion("c-1"))
	require.NoError(t, err)

	_, err = l.Advance(ctx, task.ID, Event{Kind: EventOverride, Intent: models.IntentUnknown})
	assert.True(t, models.IsCode(err, models.CodeValidation))

	got, err := l.Advance(ctx, task.ID, Event{Kind: EventOverride, Intent: models.IntentEditVisual})
	require.NoError(t, err)
	assert.Equal(t, models.StateConfirmed, got.State)
	assert.Equal(t, models.IntentEditVisual, got.Intent)
	assert.Equal(t, "blue", got.Entities[models.EntityColor])
}

func TestBackendIsImmutableAcrossRetries(t *testing.T) {
	l, _ := newLedger(t, 3)
	ctx := context.Background()
	task, _, err := l.Create(ctx, suggestion("c-1"))
	require.NoError(t, err)
	for _, ev := range []Event{
		{Kind: EventConfirm},
		{Kind: EventStart, Backend: "durable"},
		{Kind: EventFail, Err: models.NewError(models.CodeTimeout, "too slow")},
		{Kind: EventRetry},
	} {
		_, err := l.Advance(ctx, task.ID, ev)
		require.NoError(t, err)
	}

	got, err := l.Advance(ctx, task.ID, Event{Kind: EventStart, Backend: "fast"})
	assert.True(t, models.IsCode(err, models.CodeInvalidTransition))
	assert.Equal(t, models.StateConfirmed, got.State)

	got, err = l.Advance(ctx, task.ID, Event{Kind: EventStart, Backend: "durable"})
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
	assert.Nil(t, got.Error)
}

func TestRetryCeiling(t *testing.T) {
	l, _ := newLedger(t, 1)
	ctx := context.Background()
	task, _, err := l.Create(ctx, suggestion("c-1"))
	require.NoError(t, err)
	_, err = l.Advance(ctx, task.ID, Event{Kind: EventConfirm})
	require.NoError(t, err)

	fail := func() {
		_, err := l.Advance(ctx, task.ID, Event{Kind: EventStart, Backend: "fast"})
		require.NoError(t, err)
		_, err = l.Advance(ctx, task.ID, Event{Kind: EventFail, Err: models.NewError(models.CodeTimeout, "deadline")})
		require.NoError(t, err)
	}
	fail()
	_, err = l.Advance(ctx, task.ID, Event{Kind: EventRetry})
	require.NoError(t, err)
	fail()

	got, err := l.Advance(ctx, task.ID, Event{Kind: EventRetry})
	require.True(t, models.IsCode(err, models.CodeRetriesExhausted))
	assert.Equal(t, models.StateFailed, got.State)
	require.NotNil(t, got.Error)
	assert.Equal(t, models.CodeRetriesExhausted, got.Error.Code)
	assert.False(t, got.Error.Retryable)

	// Persisted, and stable on repeat.
	fresh := New(l.store, l.clock, l.ids, l.opts, zaptest.NewLogger(t))
	_, err = fresh.Hydrate(ctx)
	require.NoError(t, err)
	reloaded, err := fresh.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CodeRetriesExhausted, reloaded.Error.Code)

	_, err = l.Advance(ctx, task.ID, Event{Kind: EventRetry})
	assert.True(t, models.IsCode(err, models.CodeRetriesExhausted))
}

func TestRetryRefusesFatalFailure(t *testing.T) {
	l, _ := newLedger(t, 3)
	ctx := context.Background()
	task, _, err := l.Create(ctx, suggestion("c-1"))
	require.NoError(t, err)
	mutation := &models.TaskError{Code: models.CodeOriginalAssetMutationDetected, Message: "input asset returned"}
	for _, ev := range []Event{
		{Kind: EventConfirm},
		{Kind: EventStart, Backend: "durable"},
		{Kind: EventFail, Err: mutation},
	} {
		_, err := l.Advance(ctx, task.ID, ev)
		require.NoError(t, err)
	}

	got, err := l.Advance(ctx, task.ID, Event{Kind: EventRetry})
	assert.True(t, models.IsCode(err, models.CodeInvalidTransition))
	assert.Equal(t, models.StateFailed, got.State)
	assert.Equal(t, models.CodeOriginalAssetMutationDetected, got.Error.Code)
	assert.Len(t, got.History, 4)
}

func TestConcurrentConfirmWritesOnce(t *testing.T) {
	defer goleak.VerifyNone(t)
	l, cs := newLedger(t, 3)
	ctx := context.Background()
	task, _, err := l.Create(ctx, suggestion("c-1"))
	require.NoError(t, err)

	const callers = 16
	var ok, invalid atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Advance(ctx, task.ID, Event{Kind: EventConfirm})
			switch {
			case err == nil:
				ok.Add(1)
			case models.IsCode(err, models.CodeInvalidTransition):
				invalid.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), ok.Load())
	assert.Equal(t, int64(callers-1), invalid.Load())
	assert.Equal(t, int64(1), cs.updates.Load())
	got, err := l.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, []models.State{models.StateSuggested, models.StateConfirmed}, states(got))
}

func TestVersionConflictReloads(t *testing.T) {
	l, cs := newLedger(t, 3)
	ctx := context.Background()
	task, _, err := l.Create(ctx, suggestion("c-1"))
	require.NoError(t, err)

	// A second process declines the task behind this ledger's back.
	other := New(cs.Store, l.clock, l.ids, l.opts, zaptest.NewLogger(t))
	_, err = other.Hydrate(ctx)
	require.NoError(t, err)
	_, err = other.Advance(ctx, task.ID, Event{Kind: EventDecline})
	require.NoError(t, err)

	got, err := l.Advance(ctx, task.ID, Event{Kind: EventConfirm})
	assert.True(t, models.IsCode(err, models.CodeInvalidTransition))
	assert.Equal(t, models.StateCancelled, got.State)
}

func TestHydrateRebuildsIndex(t *testing.T) {
	l, cs := newLedger(t, 3)
	ctx := context.Background()
	nt := suggestion("c-1")
	nt.RequestKey = "k-1"
	task, _, err := l.Create(ctx, nt)
	require.NoError(t, err)
	_, err = cs.Append(ctx, store.Entry{ConversationID: "c-1", Role: store.RoleUser, Content: "plain message"})
	require.NoError(t, err)

	fresh := New(cs.Store, l.clock, l.ids, l.opts, zaptest.NewLogger(t))
	rep, err := fresh.Hydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Hydrated)
	assert.Zero(t, rep.Degraded)
	require.Len(t, rep.Suggested, 1)

	found, ok := fresh.FindByRequestKey("c-1", "k-1")
	require.True(t, ok)
	assert.Equal(t, task.ID, found.ID)
}

func TestLegacyRecordsDegrade(t *testing.T) {
	l, cs := newLedger(t, 3)
	ctx := context.Background()
	legacy := []string{
		`{"task_record":{"taskId":"legacy-run","status":"running","intent":"CreateVisual","entities":{"subject":"Löwe"}}}`,
		`{"task_record":{"state":"confirmed"}}`,
		`{"task_record":{"taskId":"legacy-done","status":"succeeded","intent":"create_visual","result":{"assetUrl":"https://cdn/l.png","sourceId":"old-1"}}}`,
		`{"task_record":"garbage"}`,
		`{"other":"value"}`,
	}
	var entryIDs []string
	for _, meta := range legacy {
		e, err := cs.Append(ctx, store.Entry{ConversationID: "c-old", Role: store.RoleAssistant, Metadata: json.RawMessage(meta)})
		require.NoError(t, err)
		entryIDs = append(entryIDs, e.ID)
	}

	rep, err := l.Hydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Hydrated)
	assert.Equal(t, 3, rep.Degraded)

	run, err := l.Get("legacy-run")
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, run.State)
	assert.Equal(t, models.CodeNeedsRetry, run.Error.Code)
	assert.True(t, run.Error.Retryable)
	assert.Equal(t, models.IntentCreateVisual, run.Intent)
	assert.Equal(t, "Löwe", run.Entities[models.EntitySubject])

	partial, err := l.Get(entryIDs[1])
	require.NoError(t, err, "a record without id is keyed by its entry")
	assert.Equal(t, models.StateFailed, partial.State)

	done, err := l.Get("legacy-done")
	require.NoError(t, err)
	assert.Equal(t, models.StateSucceeded, done.State)
	assert.Equal(t, "old-1", done.Result.SourceID)

	// Written back in the current shape and retryable.
	e, err := cs.Get(ctx, entryIDs[0])
	require.NoError(t, err)
	_, status := DecodeRecord(e)
	assert.Equal(t, RecordOK, status)
	assert.Contains(t, string(e.Metadata), `"schema_version":2`)

	retried, err := l.Advance(ctx, "legacy-run", Event{Kind: EventRetry})
	require.NoError(t, err)
	assert.Equal(t, models.StateConfirmed, retried.State)
}

func TestEncodeRecordKeepsOtherMetadata(t *testing.T) {
	meta, err := EncodeRecord(json.RawMessage(`{"render":"card"}`), models.Task{ID: "t-1", State: models.StateSuggested})
	require.NoError(t, err)
	assert.JSONEq(t, `"card"`, string(mustField(t, meta, "render")))
}

func mustField(t *testing.T, raw json.RawMessage, key string) json.RawMessage {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &m))
	return m[key]
}

type fakeReconciler struct {
	l       *Ledger
	outcome map[string]Event
	err     map[string]error
	calls   atomic.Int64
}

func (f *fakeReconciler) Reconcile(ctx context.Context, t models.Task) (models.Task, error) {
	f.calls.Add(1)
	if err := f.err[t.ID]; err != nil {
		return t, err
	}
	ev := f.outcome[t.ID]
	got, err := f.l.Advance(ctx, t.ID, ev)
	if err == nil && ev.Err != nil {
		// A backend-reported failure comes back with its error.
		return got, ev.Err
	}
	return got, err
}

func TestResumeReconcilesRunningTasks(t *testing.T) {
	defer goleak.VerifyNone(t)
	l, cs := newLedger(t, 3)
	ctx := context.Background()

	var running []string
	for i := 0; i < 3; i++ {
		task, _, err := l.Create(ctx, suggestion(fmt.Sprintf("c-%d", i)))
		require.NoError(t, err)
		_, err = l.Advance(ctx, task.ID, Event{Kind: EventConfirm})
		require.NoError(t, err)
		_, err = l.Advance(ctx, task.ID, Event{Kind: EventStart, Backend: "durable"})
		require.NoError(t, err)
		running = append(running, task.ID)
	}
	parked, _, err := l.Create(ctx, NewTask{
		ConversationID: "c-9",
		Prompt:         "Zeichne einen Elefanten",
		Classification: models.ClassificationResult{Intent: models.IntentCreateVisual, Confidence: 0.95},
		AutoConfirm:    true,
	})
	require.NoError(t, err)

	// Restart: a new ledger over the same log.
	fresh := New(cs.Store, l.clock, l.ids, l.opts, zaptest.NewLogger(t))
	rec := &fakeReconciler{
		l: fresh,
		outcome: map[string]Event{
			running[0]: {Kind: EventSucceed, Result: &models.Result{AssetURL: "https://cdn/a.png", SourceID: "gen-a"}},
			running[1]: {Kind: EventFail, Err: models.NewError(models.CodeBackend, "job failed")},
		},
		err: map[string]error{running[2]: fmt.Errorf("backend unreachable")},
	}
	rep, err := fresh.Resume(ctx, rec, 2)
	require.NoError(t, err)

	assert.Equal(t, int64(3), rec.calls.Load())
	assert.Len(t, rep.Reconciled, 2)
	require.Len(t, rep.Unsettled, 1)
	assert.Equal(t, running[2], rep.Unsettled[0].ID)
	require.Len(t, rep.Confirmed, 1)
	assert.Equal(t, parked.ID, rep.Confirmed[0].ID)

	ok, err := fresh.Get(running[0])
	require.NoError(t, err)
	assert.Equal(t, models.StateSucceeded, ok.State)
	failed, err := fresh.Get(running[1])
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, failed.State)
	stuck, err := fresh.Get(running[2])
	require.NoError(t, err)
	assert.Equal(t, models.StateRunning, stuck.State)
}
