package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/visual-orchestrator/internal/backend"
	"github.com/example/visual-orchestrator/internal/classifier"
	"github.com/example/visual-orchestrator/internal/config"
	"github.com/example/visual-orchestrator/internal/dispatcher"
	"github.com/example/visual-orchestrator/internal/gate"
	"github.com/example/visual-orchestrator/internal/ledger"
	"github.com/example/visual-orchestrator/internal/models"
	"github.com/example/visual-orchestrator/internal/orchestrator"
	"github.com/example/visual-orchestrator/internal/override"
	"github.com/example/visual-orchestrator/internal/providers/llm"
	"github.com/example/visual-orchestrator/internal/store"
)

// app holds the wired service and whatever needs closing on shutdown.
type app struct {
	svc     *orchestrator.Service
	closers []io.Closer
}

func (a *app) Close() {
	if a.svc != nil {
		a.svc.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
}

func build(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	a := &app{}
	clock, ids := models.SystemClock{}, models.UUIDGenerator{}

	st, err := openStore(cfg.Store, clock, ids)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, st)

	client, err := llm.New(ctx, cfg.Classifier)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("classifier: %w", err)
	}
	if c, ok := client.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}
	cls := classifier.New(client, classifier.Options{
		Timeout:      cfg.Classifier.Timeout,
		ContextLimit: cfg.Classifier.ContextLimit,
	}, log)

	backends, err := buildBackends(cfg, ids, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	l := ledger.New(st, clock, ids, ledger.Options{MaxRetries: cfg.Dispatch.MaxRetries}, log)
	disp := dispatcher.New(l, backends, dispatcher.NewDefaultSelector(), dispatcher.Options{
		Timeouts: map[string]time.Duration{
			backend.FastName:    cfg.Fast.Timeout,
			backend.DurableName: cfg.Durable.Timeout,
		},
		AutoRetry:    cfg.Dispatch.AutoRetry,
		BackoffBase:  cfg.Dispatch.BackoffBase,
		PollInterval: cfg.Durable.PollInterval,
	}, log)

	a.svc = orchestrator.New(orchestrator.Deps{
		Store:      st,
		Classifier: cls,
		Gate: gate.New(l, gate.Thresholds{
			AutoConfirm: cfg.Gate.AutoConfirmThreshold,
			MediumTier:  cfg.Gate.MediumTier,
		}, log),
		Ledger:     l,
		Dispatcher: disp,
		Override:   override.New(l, log),
	}, orchestrator.Options{
		AutoDispatch:    cfg.Server.AutoDispatch,
		ContextLimit:    cfg.Classifier.ContextLimit,
		RecheckInterval: cfg.Durable.PollInterval,
	}, log)
	return a, nil
}

func openStore(cfg config.StoreConfig, clock models.Clock, ids models.IDGenerator) (store.Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "memory":
		return store.NewMemoryStore(clock, ids), nil
	case "sqlite":
		if dir := filepath.Dir(cfg.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create store dir: %w", err)
			}
		}
		return store.OpenSQLite(cfg.Path, clock, ids)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func buildBackends(cfg *config.Config, ids models.IDGenerator, log *zap.Logger) (*backend.Set, error) {
	var synth backend.Synthesizer
	switch strings.ToLower(cfg.Fast.Provider) {
	case "openai":
		if cfg.Fast.APIKey == "" {
			return nil, fmt.Errorf("fast provider openai requires an api key")
		}
		synth = backend.NewOpenAISynthesizer(cfg.Fast.APIKey, cfg.Fast.Model, cfg.Fast.BaseURL, cfg.Fast.Timeout)
	default:
		synth = &backend.MockSynthesizer{BaseURL: cfg.Fast.BaseURL}
	}

	var jobs backend.JobClient
	switch strings.ToLower(cfg.Durable.Provider) {
	case "http":
		hc, err := backend.NewHTTPJobClient(cfg.Durable.BaseURL, cfg.Durable.APIKey, cfg.Durable.Timeout)
		if err != nil {
			return nil, fmt.Errorf("durable backend: %w", err)
		}
		jobs = hc
	default:
		jobs = backend.NewMemoryJobClient(3, ids)
	}

	return backend.NewSet(
		backend.NewFastAdapter(synth, ids, cfg.Fast.MaxConcurrent, log),
		backend.NewDurableAdapter(jobs, cfg.Durable.PollInterval, cfg.Durable.MaxConcurrent, log),
	), nil
}
