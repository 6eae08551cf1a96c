package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/siteintel/internal/api"
	"github.com/kalambet/siteintel/internal/composer"
	"github.com/kalambet/siteintel/internal/config"
	"github.com/kalambet/siteintel/internal/decision"
	"github.com/kalambet/siteintel/internal/learning"
	"github.com/kalambet/siteintel/internal/maintenance"
	"github.com/kalambet/siteintel/internal/memory"
	"github.com/kalambet/siteintel/internal/metrics"
	"github.com/kalambet/siteintel/internal/patterns"
	"github.com/kalambet/siteintel/internal/pipeline"
	"github.com/kalambet/siteintel/internal/proxy"
	"github.com/kalambet/siteintel/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the siteintel server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadClient()
		if err != nil {
			return err
		}
		return showStatus(cfg)
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete expired short-term memory and session context now",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadClient()
		if err != nil {
			return err
		}
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		res, err := memory.NewManager(store).Purge()
		if err != nil {
			return err
		}
		printSuccess("Purged %d short-term entries and %d session context entries", res.ShortTerm, res.SessionContext)
		return nil
	},
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// newGenerator builds the configured provider wrapped in a circuit breaker.
func newGenerator(cfg config.Config) (*proxy.Breaker, error) {
	var upstream proxy.Generator
	switch cfg.Proxy.Provider {
	case config.ProviderAnthropic:
		upstream = proxy.NewAnthropic(cfg.Proxy.AnthropicAPIKey, cfg.DefaultModel())
	case config.ProviderOpenRouter:
		upstream = proxy.NewOpenRouter(cfg.Proxy.OpenRouterAPIKey, cfg.DefaultModel())
	case config.ProviderOllama:
		upstream = proxy.NewOllama(cfg.Proxy.OllamaBaseURL, cfg.DefaultModel())
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Proxy.Provider)
	}

	bc, err := cfg.BreakerSettings()
	if err != nil {
		slog.Warn("invalid breaker settings, using defaults", "error", err)
		bc = proxy.DefaultBreakerConfig(cfg.Proxy.Provider)
	}
	return proxy.NewBreaker(upstream, bc), nil
}

// engine bundles the wired core components.
type engine struct {
	store        *storage.Store
	memory       *memory.Manager
	orchestrator *pipeline.Orchestrator
	breaker      *proxy.Breaker
	metrics      *metrics.Collector
}

func buildEngine(cfg config.Config, store *storage.Store) (*engine, error) {
	tables, err := patterns.Load(cfg.Patterns.File)
	if err != nil {
		return nil, fmt.Errorf("loading pattern tables: %w", err)
	}
	gen, err := newGenerator(cfg)
	if err != nil {
		return nil, err
	}

	mc := metrics.New()
	mem := memory.NewManager(store)
	orch := pipeline.New(pipeline.Deps{
		Store:        store,
		Memory:       mem,
		Assembler:    composer.New(store, cfg.AssemblerOptions()),
		Generator:    gen,
		Decisions:    decision.NewRecorder(decision.NewExtractor(tables), store),
		Learner:      learning.NewUpdater(store, tables).WithIncrement(cfg.Learning.Increment),
		Metrics:      mc,
		DefaultModel: cfg.DefaultModel(),
	})
	return &engine{store: store, memory: mem, orchestrator: orch, breaker: gen, metrics: mc}, nil
}

func runServer(parent context.Context) error {
	fmt.Fprintf(os.Stderr, "siteintel version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	token := cfg.Server.APIToken
	if token == "" {
		if token, err = config.GetAPIToken(config.NewKeychain()); err != nil {
			return fmt.Errorf("initializing API token: %w", err)
		}
	}
	slog.Info("API bearer token available")

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	if cfg.Proxy.Provider == config.ProviderOllama {
		if err := proxy.NewOllama(cfg.Proxy.OllamaBaseURL, cfg.DefaultModel()).EnsureModel(ctx, os.Stderr); err != nil {
			return fmt.Errorf("preparing ollama: %w", err)
		}
	}

	eng, err := buildEngine(cfg, store)
	if err != nil {
		return err
	}

	janitor, err := maintenance.NewJanitor(eng.memory, cfg.Maintenance.PurgeSchedule, eng.metrics)
	if err != nil {
		return err
	}
	go janitor.Run(ctx)

	if cfg.Server.MCPEnabled {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Store:        store,
			Memory:       eng.memory,
			Orchestrator: eng.orchestrator,
			UserID:       cfg.Server.MCPUserID,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)", "user_id", cfg.Server.MCPUserID)
	}

	handler := api.NewHandler(api.Deps{
		Store:        store,
		Memory:       eng.memory,
		Orchestrator: eng.orchestrator,
		Metrics:      eng.metrics,
		Token:        token,
		BreakerState: eng.breaker.State,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("siteintel listening", "addr", addr, "provider", cfg.Proxy.Provider, "model", cfg.DefaultModel())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func showStatus(cfg config.Config) error {
	url := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		var body struct {
			Status   string `json:"status"`
			Upstream string `json:"upstream"`
		}
		err := decodeJSON(resp, &body)
		switch {
		case err != nil:
			printStatus("Server", "error (%v)", err)
		default:
			printStatus("Server", "running on port %d", cfg.Server.Port)
			if body.Upstream != "" {
				printStatus("Upstream breaker", "%s", body.Upstream)
			}
		}
	}

	printStatus("Provider", "%s", cfg.Proxy.Provider)
	printStatus("Model", "%s", cfg.DefaultModel())
	if cfg.Proxy.Provider == config.ProviderOllama {
		ok, err := proxy.NewOllama(cfg.Proxy.OllamaBaseURL, cfg.DefaultModel()).HasModel(context.Background(), cfg.DefaultModel())
		switch {
		case err != nil:
			printStatus("Ollama", "unreachable at %s", cfg.Proxy.OllamaBaseURL)
		case ok:
			printStatus("Ollama", "model present")
		default:
			printStatus("Ollama", "model missing (pulled on start)")
		}
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Purge schedule", "%s", cfg.Maintenance.PurgeSchedule)
	return nil
}
