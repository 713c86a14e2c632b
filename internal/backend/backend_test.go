package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/example/visual-orchestrator/internal/models"
)

func createTask(id string) models.Task {
	return models.Task{
		ID:       id,
		Intent:   models.IntentCreateVisual,
		Prompt:   "Erstelle ein Bild von einem Löwen",
		Entities: models.Entities{models.EntitySubject: "Löwen", models.EntityStyle: "cartoon"},
		Attempts: 1,
	}
}

func editTask(id, asset string) models.Task {
	return models.Task{
		ID:       id,
		Intent:   models.IntentEditVisual,
		Prompt:   "Mache den Hintergrund blau",
		Entities: models.Entities{models.EntityColor: "blue", models.EntityInputAsset: asset},
		Attempts: 1,
	}
}

func TestValidate(t *testing.T) {
	fast := NewFastAdapter(&MockSynthesizer{}, nil, 1, nil)
	durable := NewDurableAdapter(NewMemoryJobClient(1, nil), time.Millisecond, 1, nil)

	cases := []struct {
		name    string
		adapter Adapter
		params  Params
		ok      bool
	}{
		{"fast create", fast, ParamsOf(createTask("t")), true},
		{"fast edit", fast, ParamsOf(editTask("t", "a-1")), false},
		{"durable edit", durable, ParamsOf(editTask("t", "a-1")), true},
		{"durable edit without asset", durable, ParamsOf(editTask("t", "")), false},
		{"unknown intent", durable, Params{Intent: models.IntentUnknown, Prompt: "x"}, false},
		{"empty prompt", fast, Params{Intent: models.IntentCreateVisual}, false},
		{"subject only", fast, Params{Intent: models.IntentCreateVisual, Entities: models.Entities{models.EntitySubject: "fox"}}, true},
		{"too long", fast, Params{Intent: models.IntentCreateVisual, Prompt: strings.Repeat("a", 4001)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.adapter.Validate(tc.params)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, models.IsCode(err, models.CodeValidation), "got %v", err)
		})
	}
}

func TestDescribe(t *testing.T) {
	p := ParamsOf(editTask("t", "a-1"))
	assert.Equal(t, "Mache den Hintergrund blau\ncolor: blue", p.Describe())
}

func TestFastAdapter(t *testing.T) {
	synth := &MockSynthesizer{BaseURL: "https://cdn.test"}
	a := NewFastAdapter(synth, nil, 2, zaptest.NewLogger(t))
	ctx := context.Background()

	st, err := a.Status(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, st.Kind)

	raw, err := a.Execute(ctx, createTask("t-1"))
	require.NoError(t, err)
	schema := a.Schema()
	assert.True(t, strings.HasPrefix(gjson.GetBytes(raw, schema.AssetURL).String(), "https://cdn.test/"))
	assert.NotEmpty(t, gjson.GetBytes(raw, schema.SourceID).String())
	assert.Contains(t, gjson.GetBytes(raw, schema.Title).String(), "subject: Löwen")
	require.Len(t, synth.Calls(), 1)

	st, err = a.Status(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, st.Kind)
	assert.JSONEq(t, string(raw), string(st.Raw))
}

func TestFastAdapterErrors(t *testing.T) {
	defer goleak.VerifyNone(t)
	a := NewFastAdapter(&MockSynthesizer{Err: errors.New("quota")}, nil, 1, nil)
	_, err := a.Execute(context.Background(), createTask("t-1"))
	assert.ErrorContains(t, err, "quota")

	slow := NewFastAdapter(&MockSynthesizer{Delay: time.Second}, nil, 1, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = slow.Execute(ctx, createTask("t-2"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDurableAdapterWithMemoryJobs(t *testing.T) {
	defer goleak.VerifyNone(t)
	jobs := NewMemoryJobClient(3, nil)
	a := NewDurableAdapter(jobs, time.Millisecond, 2, zaptest.NewLogger(t))
	ctx := context.Background()

	st, err := a.Status(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, st.Kind)

	raw, err := a.Execute(ctx, editTask("t-1", "asset-in"))
	require.NoError(t, err)
	schema := a.Schema()
	assert.NotEqual(t, "asset-in", gjson.GetBytes(raw, schema.SourceID).String())
	assert.NotEmpty(t, gjson.GetBytes(raw, schema.AssetURL).String())
	assert.Equal(t, "asset-in", gjson.GetBytes(raw, schema.Extensions["derived_from"]).String())
	assert.Equal(t, int64(3), gjson.GetBytes(raw, "checkpoints").Int())

	st, err = a.Status(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, st.Kind)
}

func TestDurableAdapterJobFailure(t *testing.T) {
	jobs := NewMemoryJobClient(5, nil)
	a := NewDurableAdapter(jobs, time.Millisecond, 1, nil)
	ctx := context.Background()

	require.NoError(t, jobs.Submit(ctx, JobRequest{TaskID: "t-1", Attempt: 1}))
	jobs.FailNext("t-1", "gpu lost")

	_, err := a.Execute(ctx, editTask("t-1", "asset-in"))
	require.Error(t, err)
	assert.True(t, models.IsCode(err, models.CodeBackend))
	assert.Contains(t, err.Error(), "gpu lost")

	// A later attempt replaces the failed job.
	retry := editTask("t-1", "asset-in")
	retry.Attempts = 2
	raw, err := a.Execute(ctx, retry)
	require.NoError(t, err)
	assert.Equal(t, int64(2), gjson.GetBytes(raw, "attempt").Int())
}

// jobRunner is a minimal job runner speaking the HTTP protocol.
type jobRunner struct {
	mu   sync.Mutex
	jobs map[string]JobRequest
	gets map[string]int
	auth []string
}

func (j *jobRunner) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/jobs/")
	j.mu.Lock()
	defer j.mu.Unlock()
	j.auth = append(j.auth, r.Header.Get("Authorization"))
	switch r.Method {
	case http.MethodPut:
		b, _ := io.ReadAll(r.Body)
		var req JobRequest
		if err := json.Unmarshal(b, &req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		j.jobs[id] = req
		w.WriteHeader(http.StatusAccepted)
	case http.MethodGet:
		req, ok := j.jobs[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		j.gets[id]++
		w.Header().Set("Content-Type", "application/json")
		if j.gets[id] < 2 {
			_, _ = w.Write([]byte(`{"job_id":"j-1","state":"RUNNING"}`))
			return
		}
		out, _ := json.Marshal(map[string]any{
			"job_id": "j-1",
			"state":  "succeeded",
			"output": map[string]any{
				"title": req.Instruction,
				"asset": map[string]string{"id": "out-" + id, "url": "https://runner/out-" + id + ".png"},
			},
		})
		_, _ = w.Write(out)
	}
}

func TestHTTPJobClient(t *testing.T) {
	runner := &jobRunner{jobs: map[string]JobRequest{}, gets: map[string]int{}}
	srv := httptest.NewServer(runner)
	defer srv.Close()

	jc, err := NewHTTPJobClient(srv.URL+"/", "secret", time.Second)
	require.NoError(t, err)
	a := NewDurableAdapter(jc, time.Millisecond, 1, zaptest.NewLogger(t))
	ctx := context.Background()

	st, err := a.Status(ctx, "t-9")
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, st.Kind)

	raw, err := a.Execute(ctx, createTask("t-9"))
	require.NoError(t, err)
	assert.Equal(t, "out-t-9", gjson.GetBytes(raw, a.Schema().SourceID).String())
	assert.Equal(t, "https://runner/out-t-9.png", gjson.GetBytes(raw, a.Schema().AssetURL).String())

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Equal(t, "Erstelle ein Bild von einem Löwen\nstyle: cartoon\nsubject: Löwen", runner.jobs["t-9"].Instruction)
	for _, h := range runner.auth {
		assert.Equal(t, "Bearer secret", h)
	}
}

func TestHTTPJobClientRejectsBadURL(t *testing.T) {
	_, err := NewHTTPJobClient("ftp://runner", "", 0)
	assert.Error(t, err)
}

func TestSet(t *testing.T) {
	s := NewSet(NewFastAdapter(&MockSynthesizer{}, nil, 1, nil), NewDurableAdapter(NewMemoryJobClient(1, nil), 0, 0, nil))
	assert.Equal(t, []string{DurableName, FastName}, s.Names())
	_, ok := s.Get("fast")
	assert.True(t, ok)
	_, ok = s.Get("gpu")
	assert.False(t, ok)
}
