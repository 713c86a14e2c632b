package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/example/visual-orchestrator/internal/models"
)

// HTTPJobClient speaks the job runner's REST API:
//
//	PUT /jobs/{task_id}   submit or resubmit (idempotent per attempt)
//	GET /jobs/{task_id}   latest attempt
type HTTPJobClient struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func NewHTTPJobClient(baseURL, apiKey string, timeout time.Duration) (*HTTPJobClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid job runner url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPJobClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: timeout},
	}, nil
}

func (c *HTTPJobClient) Submit(ctx context.Context, req JobRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	status, _, err := c.do(ctx, http.MethodPut, req.TaskID, body)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusCreated && status != http.StatusAccepted {
		return fmt.Errorf("submit job %s: status %d", req.TaskID, status)
	}
	return nil
}

func (c *HTTPJobClient) Poll(ctx context.Context, taskID string) (JobStatus, error) {
	status, body, err := c.do(ctx, http.MethodGet, taskID, nil)
	if err != nil {
		return JobStatus{}, err
	}
	switch {
	case status == http.StatusNotFound:
		return JobStatus{}, ErrJobNotFound
	case status != http.StatusOK:
		return JobStatus{}, fmt.Errorf("poll job %s: status %d", taskID, status)
	}
	if !gjson.ValidBytes(body) {
		return JobStatus{}, fmt.Errorf("poll job %s: invalid json", taskID)
	}
	doc := gjson.ParseBytes(body)
	return JobStatus{
		State: strings.ToLower(doc.Get("state").String()),
		Error: doc.Get("error").String(),
		Raw:   json.RawMessage(body),
	}, nil
}

func (c *HTTPJobClient) do(ctx context.Context, method, taskID string, body []byte) (int, []byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+"/jobs/"+url.PathEscape(taskID), rd)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	// limit body to 2MB
	lr := io.LimitedReader{R: resp.Body, N: 2 << 20}
	b, err := io.ReadAll(&lr)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, b, nil
}

// MemoryJobClient simulates a checkpointing job runner in process. A job
// advances one checkpoint per poll and succeeds after Steps checkpoints.
type MemoryJobClient struct {
	Steps   int
	BaseURL string
	ids     models.IDGenerator

	mu   sync.Mutex
	jobs map[string]*memJob
}

type memJob struct {
	req         JobRequest
	id          string
	checkpoints int
	state       string
	failWith    string
	raw         json.RawMessage
}

func NewMemoryJobClient(steps int, ids models.IDGenerator) *MemoryJobClient {
	if steps <= 0 {
		steps = 1
	}
	if ids == nil {
		ids = models.UUIDGenerator{}
	}
	return &MemoryJobClient{Steps: steps, BaseURL: "https://assets.local/durable", ids: ids, jobs: map[string]*memJob{}}
}

func (m *MemoryJobClient) Submit(ctx context.Context, req JobRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[req.TaskID]; ok && j.req.Attempt >= req.Attempt {
		return nil
	}
	m.jobs[req.TaskID] = &memJob{req: req, id: m.ids.NewID(), state: JobQueued}
	return nil
}

// FailNext makes the job of taskID fail on its next poll.
func (m *MemoryJobClient) FailNext(taskID, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[taskID]; ok {
		j.failWith = message
	}
}

func (m *MemoryJobClient) Poll(ctx context.Context, taskID string) (JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[taskID]
	if !ok {
		return JobStatus{}, ErrJobNotFound
	}
	if j.state == JobQueued || j.state == JobRunning {
		j.checkpoints++
		j.state = JobRunning
		switch {
		case j.failWith != "":
			j.state = JobFailed
		case j.checkpoints >= m.Steps:
			j.state = JobSucceeded
		}
		j.raw = m.render(j)
	}
	return JobStatus{State: j.state, Error: j.failWith, Raw: j.raw}, nil
}

func (m *MemoryJobClient) render(j *memJob) json.RawMessage {
	doc := map[string]any{
		"job_id":      j.id,
		"task_id":     j.req.TaskID,
		"attempt":     j.req.Attempt,
		"state":       j.state,
		"checkpoints": j.checkpoints,
	}
	if j.failWith != "" {
		doc["error"] = j.failWith
	}
	if j.state == JobSucceeded {
		assetID := m.ids.NewID()
		out := map[string]any{
			"title": j.req.Instruction,
			"asset": map[string]string{"id": assetID, "url": fmt.Sprintf("%s/%s.png", m.BaseURL, assetID)},
		}
		if j.req.InputAssetID != "" {
			out["derived_from"] = j.req.InputAssetID
		}
		doc["output"] = out
	}
	b, _ := json.Marshal(doc)
	return b
}
