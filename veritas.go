// Package veritas is the public API for embedding the VERITAS decision
// gateway: a fixed decision pipeline (evidence → plan → debate → policy gate
// → reflect) in front of an LLM stack, every outcome recorded in a signed,
// hash-chained trust log.
//
//	app, err := veritas.New(
//	    veritas.WithVersion(version),
//	    veritas.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: veritas (root) imports
// internal/*, but internal/* never imports the root. Capability interfaces
// (LLMClient, SafetyHead, ...) are standalone; the adapters that bridge them
// into internal types live in this root package (adapters.go) because it is
// the only package that sees both sides of the boundary.
package veritas

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/veritas-ai/veritas/internal/auth"
	"github.com/veritas-ai/veritas/internal/compliance"
	"github.com/veritas-ai/veritas/internal/config"
	"github.com/veritas-ai/veritas/internal/evidence"
	"github.com/veritas-ai/veritas/internal/fuji"
	"github.com/veritas-ai/veritas/internal/governance"
	"github.com/veritas-ai/veritas/internal/healing"
	"github.com/veritas-ai/veritas/internal/llm"
	"github.com/veritas-ai/veritas/internal/mcp"
	"github.com/veritas-ai/veritas/internal/memory"
	"github.com/veritas-ai/veritas/internal/pipeline"
	"github.com/veritas-ai/veritas/internal/planner"
	"github.com/veritas-ai/veritas/internal/ratelimit"
	"github.com/veritas-ai/veritas/internal/search"
	"github.com/veritas-ai/veritas/internal/server"
	"github.com/veritas-ai/veritas/internal/telemetry"
	"github.com/veritas-ai/veritas/internal/trustlog"
	"github.com/veritas-ai/veritas/internal/values"
	"github.com/veritas-ai/veritas/internal/websearch"
)

// App is the gateway lifecycle. Construct with New(), run with Run().
type App struct {
	cfg       config.Config
	cfgLoaded bool
	logger    *slog.Logger
	version   string

	// Optional capability overrides.
	llmClient   LLMClient
	safetyHead  SafetyHead
	embedder    EmbeddingProvider
	webSearcher WebSearcher

	trustLog     *trustlog.Log
	policies     *fuji.PolicyStore
	orchestrator *pipeline.Orchestrator
	srv          *server.Server
	mcpServer    *mcp.Server
	nonces       *auth.NonceStore
	limiter      *ratelimit.Limiter
	remoteIndex  *search.Index
}

// New loads configuration, validates the FUJI registry, opens the trust log
// (creating signing keys on first use), and wires the pipeline. Any failure
// here must abort startup with a non-zero exit.
func New(opts ...Option) (*App, error) {
	_ = godotenv.Load()

	a := &App{version: "dev"}
	for _, opt := range opts {
		opt(a)
	}

	if !a.cfgLoaded {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		a.cfg = cfg
	}
	if a.logger == nil {
		a.logger = newLogger(a.cfg.LogLevel)
	}

	// FUJI registry: an inconsistent code table is a startup error.
	registry, err := fuji.NewRegistry()
	if err != nil {
		return nil, err
	}

	a.policies, err = fuji.NewPolicyStore(a.cfg.FujiPolicyPath, a.logger)
	if err != nil {
		return nil, err
	}

	a.trustLog, err = trustlog.Open(a.cfg.LogRoot)
	if err != nil {
		return nil, err
	}

	chat := a.buildChatClient()
	heuristic := fuji.NewHeuristicHead(a.policies)
	head := a.buildSafetyHead(chat, heuristic)
	gate := fuji.NewGate(registry, a.policies, head, heuristic, a.trustLog, a.logger)

	store, err := memory.OpenStore(filepath.Join(a.cfg.LogRoot, "memory"), a.buildEmbedder())
	if err != nil {
		return nil, err
	}
	if a.cfg.QdrantURL != "" {
		idx, err := search.NewIndex(search.Config{
			URL:        a.cfg.QdrantURL,
			APIKey:     a.cfg.QdrantAPIKey,
			Collection: a.cfg.QdrantCollection,
			Dims:       uint64(a.cfg.EmbeddingDimensions),
		}, a.logger)
		if err != nil {
			return nil, err
		}
		a.remoteIndex = idx
		store.AttachRemote(remoteIndexAdapter{idx})
	}

	collector := evidence.NewCollector(store, a.buildWebSearcher(), a.logger)

	a.orchestrator = pipeline.New(pipeline.Config{
		LogRoot:            a.cfg.LogRoot,
		SelfHealingEnabled: a.cfg.SelfHealingEnabled,
		HealingBudget: healing.Budget{
			MaxAttempts:  a.cfg.MaxHealingAttempts,
			MaxSteps:     a.cfg.HealingMaxSteps,
			MaxSeconds:   a.cfg.HealingMaxSeconds,
			MaxSameError: a.cfg.HealingMaxSameError,
		},
	},
		collector,
		planner.New(chat, a.logger),
		values.NewCore(nil),
		gate, a.trustLog, a.logger,
	)

	govStore := governance.NewStore(filepath.Join(a.cfg.LogRoot, "governance.json"))
	engine := compliance.NewEngine(a.trustLog, govStore, filepath.Join(a.cfg.LogRoot, "compliance_reports"))

	a.nonces = auth.NewNonceStore(a.cfg.NonceTTL, a.cfg.NonceMaxEntries)
	a.limiter = ratelimit.New(a.cfg.RateLimitPerMinute)
	jwtMgr, err := auth.NewJWTManager()
	if err != nil {
		return nil, err
	}

	a.mcpServer = mcp.New(a.orchestrator, store, a.trustLog, a.logger, a.version)

	a.srv = server.New(server.Deps{
		Config:       a.cfg,
		Orchestrator: a.orchestrator,
		Gate:         gate,
		TrustLog:     a.trustLog,
		Memory:       store,
		Governance:   govStore,
		Compliance:   engine,
		Admission:    auth.NewAdmission(a.cfg.APIKey, a.cfg.APISecret, a.cfg.TimestampSkew, a.nonces),
		JWTMgr:       jwtMgr,
		Limiter:      a.limiter,
		Logger:       a.logger,
		Version:      a.version,
	})
	return a, nil
}

// Run starts telemetry, the policy watcher, and the HTTP server, then blocks
// until ctx is cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	shutdown, err := telemetry.Init(ctx, a.cfg.OTELEndpoint, a.cfg.ServiceName, a.version, a.cfg.OTELInsecure)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			a.logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	if err := a.policies.Watch(ctx); err != nil {
		a.logger.Warn("policy watcher unavailable", "error", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- a.srv.Start() }()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
		if err := a.srv.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("veritas: shutdown: %w", err)
		}
		a.close()
		return nil
	case err := <-errCh:
		a.close()
		return err
	}
}

// MCPServer exposes the MCP surface for transport setup by the caller.
func (a *App) MCPServer() *mcp.Server { return a.mcpServer }

func (a *App) close() {
	a.nonces.Close()
	a.limiter.Close()
	if a.remoteIndex != nil {
		_ = a.remoteIndex.Close()
	}
}

func (a *App) buildChatClient() llm.Client {
	if a.llmClient != nil {
		return llmClientAdapter{a.llmClient}
	}
	return llm.NewHTTPClient(llm.Options{
		BaseURL:    a.cfg.LLMBaseURL,
		APIKey:     a.cfg.LLMAPIKey,
		Model:      a.cfg.LLMModel,
		Timeout:    a.cfg.LLMTimeout,
		MaxRetries: a.cfg.LLMMaxRetries,
	})
}

func (a *App) buildSafetyHead(chat llm.Client, heuristic *fuji.HeuristicHead) fuji.SafetyHead {
	if a.safetyHead != nil {
		return safetyHeadAdapter{a.safetyHead}
	}
	if a.cfg.SafetyMode == "heuristic" || a.cfg.SafetyMode == "local" {
		return heuristic
	}
	return fuji.NewLLMHead(chat, heuristic)
}

func (a *App) buildEmbedder() memory.Embedder {
	if a.embedder != nil {
		return embedderAdapter{a.embedder}
	}
	return memory.NewHashEmbedder(a.cfg.EmbeddingDimensions)
}

func (a *App) buildWebSearcher() websearch.Searcher {
	if a.webSearcher != nil {
		return webSearcherAdapter{a.webSearcher}
	}
	return websearch.NewClient(a.cfg.WebSearchURL, a.cfg.WebSearchKey)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
