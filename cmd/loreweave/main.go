// Command loreweave is the terminal front end for the Loreweave story engine.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loreweave/loreweave/internal/config"
	"github.com/loreweave/loreweave/internal/embedq"
	"github.com/loreweave/loreweave/internal/gm"
	"github.com/loreweave/loreweave/internal/health"
	"github.com/loreweave/loreweave/internal/observe"
	"github.com/loreweave/loreweave/internal/resolve"
	"github.com/loreweave/loreweave/internal/retrieval"
	"github.com/loreweave/loreweave/internal/summary"
	"github.com/loreweave/loreweave/pkg/provider/embeddings"
	ollamaembed "github.com/loreweave/loreweave/pkg/provider/embeddings/ollama"
	oaembed "github.com/loreweave/loreweave/pkg/provider/embeddings/openai"
	"github.com/loreweave/loreweave/pkg/provider/llm"
	"github.com/loreweave/loreweave/pkg/provider/llm/anyllm"
	"github.com/loreweave/loreweave/pkg/types"
	"github.com/loreweave/loreweave/pkg/world"
	worldpg "github.com/loreweave/loreweave/pkg/world/postgres"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	storyFlag := flag.String("story", "", "story id to resume; leave empty to start a new story")
	titleFlag := flag.String("title", "Untitled Story", "title for a new story")
	worldFlag := flag.String("world", "", "world key for a new story")
	beginningFlag := flag.String("beginning", "", "beginning key for a new story")
	userFlag := flag.String("user", "local", "owner id recorded on new stories")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "loreweave: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "loreweave: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel := new(slog.LevelVar)
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("loreweave starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── World store ───────────────────────────────────────────────────────────
	store, err := worldpg.NewStore(ctx, cfg.Storage.PostgresDSN, cfg.Storage.EmbeddingDimensions)
	if err != nil {
		slog.Error("failed to open world store", "err", err)
		return 1
	}
	defer store.Close()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	llmProvider, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		slog.Error("failed to create llm provider", "name", cfg.Providers.LLM.Name, "err", err)
		return 1
	}
	embedProvider, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
	if err != nil {
		slog.Error("failed to create embeddings provider", "name", cfg.Providers.Embeddings.Name, "err", err)
		return 1
	}
	slog.Info("providers created",
		"llm", cfg.Providers.LLM.Name, "llm_model", cfg.Providers.LLM.Model,
		"embeddings", cfg.Providers.Embeddings.Name, "embeddings_model", cfg.Providers.Embeddings.Model,
	)

	// ── Engine assembly ───────────────────────────────────────────────────────
	queue := embedq.New()
	defer queue.Close()
	if err := metrics.RegisterQueueDepth(queue.Pending); err != nil {
		slog.Warn("failed to register queue depth gauge", "err", err)
	}

	refresher := embedq.NewRefresher(store, embedProvider,
		embedq.WithEmbedTimeout(cfg.Turn.EmbedTimeout.Std()),
	)
	retriever := retrieval.New(store, embedProvider, refresher,
		retrieval.WithCardLimit(cfg.Retrieval.CardLimit),
		retrieval.WithMemoryLimit(cfg.Retrieval.MemoryLimit),
		retrieval.WithRelationshipLimit(cfg.Retrieval.RelationshipLimit),
		retrieval.WithEmbedTimeout(cfg.Turn.EmbedTimeout.Std()),
	)
	resolver := resolve.New(store)
	reconciler := summary.New(store, llmProvider, resolver, refresher, queue,
		summary.WithTimeout(cfg.Turn.LLMTimeout.Std()),
	)
	engine := gm.New(store, llmProvider, retriever, resolver, refresher, queue,
		gm.WithSummarizer(reconciler),
		gm.WithHistoryDepth(cfg.Turn.HistoryDepth),
		gm.WithTemperature(cfg.Turn.Temperature),
		gm.WithLLMTimeout(cfg.Turn.LLMTimeout.Std()),
		gm.WithMetrics(metrics),
	)
	consolidator := gm.NewConsolidator(store, refresher, queue)

	// ── Config hot reload ─────────────────────────────────────────────────────
	// Log level and retrieval limits apply live; provider, storage, and turn
	// changes take effect on the next start.
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.Empty() {
			return
		}
		if d.LogLevelChanged {
			logLevel.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level updated", "level", d.NewLogLevel)
		}
		if d.RetrievalChanged {
			retriever.SetLimits(d.NewRetrieval.CardLimit, d.NewRetrieval.MemoryLimit, d.NewRetrieval.RelationshipLimit)
			slog.Info("retrieval limits updated",
				"cards", d.NewRetrieval.CardLimit,
				"memories", d.NewRetrieval.MemoryLimit,
				"relationships", d.NewRetrieval.RelationshipLimit,
			)
		}
		if d.TurnChanged {
			slog.Warn("turn settings changed in config; restart to apply")
		}
	})
	if err != nil {
		slog.Warn("config watcher unavailable", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── HTTP server (metrics + health) ────────────────────────────────────────
	if cfg.Server.ListenAddr != "" {
		go serveHTTP(ctx, cfg.Server.ListenAddr, metrics, store)
	}

	// ── Story selection ───────────────────────────────────────────────────────
	story, err := openStory(ctx, store, *storyFlag, world.StoryInput{
		UserID:    *userFlag,
		Title:     *titleFlag,
		World:     *worldFlag,
		Beginning: *beginningFlag,
	})
	if err != nil {
		slog.Error("failed to open story", "err", err)
		return 1
	}
	slog.Info("story ready", "id", story.ID, "title", story.Title)

	// Warm embeddings in the background so the first turn retrieves quickly.
	queue.Enqueue(embedq.CardsKey(story.ID), func(ctx context.Context) error {
		return refresher.RefreshAll(ctx, story.ID)
	})

	// ── Play loop ─────────────────────────────────────────────────────────────
	if err := playLoop(ctx, engine, reconciler, consolidator, story); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("play loop error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutting down, draining embedding queue…")
	dctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := queue.Drain(dctx); err != nil {
		slog.Warn("embedding queue drain incomplete", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// openStory resumes the story named by id, or creates a new one from in.
func openStory(ctx context.Context, store world.Store, id string, in world.StoryInput) (*world.Story, error) {
	if id != "" {
		storyID, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("invalid story id %q: %w", id, err)
		}
		return store.Story(ctx, storyID)
	}
	return store.CreateStory(ctx, in)
}

// playLoop reads player commands from stdin and runs turns until EOF,
// /quit, or context cancellation.
func playLoop(ctx context.Context, engine *gm.Engine, reconciler *summary.Reconciler, consolidator *gm.Consolidator, story *world.Story) error {
	fmt.Printf("── %s ──\n", story.Title)
	fmt.Println("Commands: /do <text>, /say <text>, /continue, /dm <name> <text>, /summarize, /consolidate, /quit")
	fmt.Println("A bare line is spoken by your character.")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		req := gm.TurnRequest{StoryID: story.ID}
		switch {
		case line == "/quit":
			return nil
		case line == "/continue":
			req.Action = types.Action{Kind: types.ActionContinue}
		case strings.HasPrefix(line, "/do "):
			req.Action = types.Action{Kind: types.ActionDo, Text: strings.TrimPrefix(line, "/do ")}
		case strings.HasPrefix(line, "/say "):
			req.Action = types.Action{Kind: types.ActionSay, Text: strings.TrimPrefix(line, "/say ")}
		case strings.HasPrefix(line, "/dm "):
			target, text, ok := strings.Cut(strings.TrimPrefix(line, "/dm "), " ")
			if !ok {
				fmt.Println("usage: /dm <name> <text>")
				continue
			}
			req.Action = types.Action{Kind: types.ActionSay, Text: text}
			req.TargetCharacter = target
		case line == "/summarize":
			text, err := reconciler.SummarizeText(ctx, story.ID)
			if err != nil {
				fmt.Printf("summarize failed: %v\n", err)
				continue
			}
			fmt.Printf("\n%s\n\n", text)
			continue
		case line == "/consolidate":
			if err := consolidator.Run(ctx, story.ID); err != nil {
				fmt.Printf("consolidate failed: %v\n", err)
			} else {
				fmt.Println("character cards consolidated")
			}
			continue
		case strings.HasPrefix(line, "/"):
			fmt.Printf("unknown command %q\n", line)
			continue
		default:
			req.Action = types.Action{Kind: types.ActionSay, Text: line}
		}

		result, err := engine.RunTurn(ctx, req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			fmt.Printf("turn failed: %v\n", err)
			continue
		}
		fmt.Printf("\n%s\n\n", result.Text)
		if result.ImageURL != "" {
			fmt.Printf("[illustration] %s\n\n", result.ImageURL)
		}
	}
}

// serveHTTP exposes Prometheus metrics and health probes until ctx is done.
func serveHTTP(ctx context.Context, addr string, metrics *observe.Metrics, store *worldpg.Store) {
	h := health.New(health.Checker{
		Name:  "database",
		Check: store.Ping,
	})

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	h.Register(mux)

	srv := &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	slog.Info("http server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", "err", err)
	}
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// openai, anthropic, gemini, deepseek, mistral, groq, llamacpp, llamafile
	// all share the same pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"openai", "anthropic", "gemini",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		return ollamaembed.New(entry.BaseURL, entry.Model)
	})
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
