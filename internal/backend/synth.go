package backend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAISynthesizer calls the OpenAI images API.
type OpenAISynthesizer struct {
	client openai.Client
	model  string
}

func NewOpenAISynthesizer(apiKey, model, baseURL string, timeout time.Duration) *OpenAISynthesizer {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(1),
	}
	if timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(timeout))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAISynthesizer{client: openai.NewClient(opts...), model: model}
}

func (s *OpenAISynthesizer) Generate(ctx context.Context, instruction string) (json.RawMessage, error) {
	resp, err := s.client.Images.Generate(ctx, openai.ImageGenerateParams{
		Prompt:         instruction,
		Model:          openai.ImageModel(s.model),
		N:              openai.Int(1),
		ResponseFormat: openai.ImageGenerateParamsResponseFormatURL,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("images response without data")
	}
	return json.RawMessage(resp.RawJSON()), nil
}

// MockSynthesizer answers with an OpenAI-shaped response pointing at a
// deterministic URL. Used by the mock provider and in tests.
type MockSynthesizer struct {
	BaseURL string
	Delay   time.Duration
	Err     error

	mu    sync.Mutex
	calls []string
}

func (m *MockSynthesizer) Generate(ctx context.Context, instruction string) (json.RawMessage, error) {
	m.mu.Lock()
	m.calls = append(m.calls, instruction)
	m.mu.Unlock()
	if m.Delay > 0 {
		t := time.NewTimer(m.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if m.Err != nil {
		return nil, m.Err
	}
	base := m.BaseURL
	if base == "" {
		base = "https://assets.local"
	}
	sum := sha256.Sum256([]byte(instruction))
	return json.Marshal(map[string]any{
		"created": 1700000000,
		"data": []map[string]string{{
			"url":            fmt.Sprintf("%s/%s.png", base, hex.EncodeToString(sum[:8])),
			"revised_prompt": instruction,
		}},
	})
}

func (m *MockSynthesizer) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}
