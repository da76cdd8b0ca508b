package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/logger"
	"github.com/droverhq/drover/internal/observability"
	"github.com/droverhq/drover/internal/tracing"
	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/hooks"
	"github.com/droverhq/drover/pkg/provider"
	"github.com/droverhq/drover/pkg/run"
	"github.com/droverhq/drover/pkg/sandbox"
	"github.com/droverhq/drover/pkg/steering"
	"github.com/droverhq/drover/pkg/transcript"
)

// app holds everything a command needs after wiring. Close releases
// resources in reverse dependency order.
type app struct {
	cfg     *config.Config
	logger  *logger.Logger
	store   *transcript.Store
	bus     *events.Bus
	service *run.Service
	janitor *run.Janitor
	metrics *http.Server
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// openStore builds just the logger and transcript store, for commands
// that only read or sweep persisted state.
func openStore(cfg *config.Config) (*logger.Logger, *transcript.Store, error) {
	lg, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	store, err := transcript.Open(cfg.DataDir, lg.GetZerolog())
	if err != nil {
		lg.Close()
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	return lg, store, nil
}

// newApp wires the full service stack from configuration.
func newApp(cfg *config.Config) (*app, error) {
	lg, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	zl := lg.GetZerolog()

	if err := tracing.InitOpenTelemetry("drover"); err != nil {
		lg.Close()
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}

	store, err := transcript.Open(cfg.DataDir, zl)
	if err != nil {
		lg.Close()
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	prov, err := provider.New(cfg.Providers.Default, provider.Config{
		AnthropicAPIKey: cfg.Providers.AnthropicAPIKey,
		OpenAIAPIKey:    cfg.Providers.OpenAIAPIKey,
	})
	if err != nil {
		store.Close()
		lg.Close()
		return nil, err
	}

	registry := sandbox.NewRegistry()
	if err := sandbox.RegisterCoreTools(registry); err != nil {
		store.Close()
		lg.Close()
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}

	workDir := cfg.Sandbox.WorkDir
	if workDir == "" {
		workDir = filepath.Join(cfg.DataDir, "work")
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		store.Close()
		lg.Close()
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	sessions := sandbox.NewHostManager(sandbox.HostConfig{
		WorkDir:     workDir,
		ExecTimeout: cfg.Sandbox.ExecTimeout,
	})

	scripts := make([]hooks.ScriptHook, 0, len(cfg.Hooks.Scripts))
	for _, s := range cfg.Hooks.Scripts {
		scripts = append(scripts, hooks.ScriptHook{
			ID:      s.ID,
			Event:   s.Event,
			Script:  s.Script,
			Timeout: s.Timeout,
			Enabled: s.Enabled,
		})
	}
	hookMgr, err := hooks.NewManager(hooks.Config{
		Enabled: cfg.Hooks.Enabled,
		Scripts: scripts,
		Logger:  zl,
	})
	if err != nil {
		store.Close()
		lg.Close()
		return nil, fmt.Errorf("failed to create hook manager: %w", err)
	}

	triageModel := ""
	if cfg.Run.Triage {
		triageModel = cfg.Models.Triage
	}
	postProcessModel := ""
	if cfg.Run.PostProcess {
		postProcessModel = cfg.Models.PostProcess
		if postProcessModel == "" {
			postProcessModel = cfg.Models.Primary
		}
	}

	bus := events.NewBus(0)
	svc, err := run.NewService(run.ServiceConfig{
		Store:             store,
		Provider:          prov,
		Registry:          registry,
		Sessions:          sessions,
		Hooks:             hookMgr,
		Bus:               bus,
		Arbiter:           steering.NewArbiter(prov, cfg.Models.Steering),
		SystemPrompt:      cfg.Run.SystemPrompt,
		Model:             cfg.Models.Primary,
		TriageModel:       triageModel,
		PostProcessModel:  postProcessModel,
		Temperature:       cfg.Models.Temperature,
		MaxTokens:         cfg.Models.MaxTokens,
		MaxTurns:          cfg.Run.MaxTurns,
		ToolOutputLimit:   cfg.Run.ToolOutputLimit,
		WorkDir:           workDir,
		PollInterval:      cfg.Run.PausePollInterval,
		RequireFinalReply: cfg.Run.RequireFinalReply,
		Logger:            zl,
	})
	if err != nil {
		store.Close()
		lg.Close()
		return nil, err
	}

	a := &app{cfg: cfg, logger: lg, store: store, bus: bus, service: svc}

	if cfg.Janitor.Enabled {
		a.janitor = run.NewJanitor(store, cfg.Janitor.Schedule, cfg.Janitor.AbandonAfter, zl)
		if err := a.janitor.Start(); err != nil {
			store.Close()
			lg.Close()
			return nil, fmt.Errorf("failed to start janitor: %w", err)
		}
	}

	if cfg.Metrics.Enabled {
		observability.EnsureRegistered()
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.MetricsHandler())
		a.metrics = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := a.metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				zl.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	return a, nil
}

// close shuts the stack down in reverse dependency order.
func (a *app) close(ctx context.Context) {
	if a.metrics != nil {
		a.metrics.Shutdown(ctx)
	}
	if a.janitor != nil {
		a.janitor.Stop()
	}
	a.service.Shutdown(ctx)
	tracing.ShutdownOpenTelemetry(ctx)
	a.store.Close()
	a.logger.Close()
}
