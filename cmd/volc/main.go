// Volc is the conversational coaching backend.
//
// It serves a WebSocket endpoint that streams coach replies grounded in
// the user's profile, training history and the exercise catalogue, and
// remembers durable facts about the user after each session.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	volc serve                                   Start the API server
//	volc backfill-memory -user <id> <conv>...    Extract memory from past conversations
//	volc version                                 Print version and build information
//	volc -o json version                         Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/d00mkeeps/volc-sub001/internal/api"
	"github.com/d00mkeeps/volc-sub001/internal/buildinfo"
	"github.com/d00mkeeps/volc-sub001/internal/catalogue"
	"github.com/d00mkeeps/volc-sub001/internal/coach"
	"github.com/d00mkeeps/volc-sub001/internal/config"
	"github.com/d00mkeeps/volc-sub001/internal/connections"
	"github.com/d00mkeeps/volc-sub001/internal/connwatch"
	"github.com/d00mkeeps/volc-sub001/internal/llm"
	"github.com/d00mkeeps/volc-sub001/internal/memory"
	"github.com/d00mkeeps/volc-sub001/internal/metrics"
	"github.com/d00mkeeps/volc-sub001/internal/ratelimit"
	"github.com/d00mkeeps/volc-sub001/internal/store"
	"github.com/d00mkeeps/volc-sub001/internal/store/sqlite"
	"github.com/d00mkeeps/volc-sub001/internal/store/supabase"
	"github.com/d00mkeeps/volc-sub001/internal/tools"
	"github.com/d00mkeeps/volc-sub001/internal/trace"
	"github.com/d00mkeeps/volc-sub001/internal/usage"
	"github.com/d00mkeeps/volc-sub001/internal/usercontext"
)

// main constructs the OS-level environment and delegates to [run], so
// the full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package's globals make concurrent calls from tests impossible, and the
// surface is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "backfill-memory":
		userID, convs, err := parseBackfillArgs(cmdArgs)
		if err != nil {
			return err
		}
		return runBackfill(ctx, stdout, configPath, outputFmt, userID, convs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

const backfillUsage = "usage: volc backfill-memory -user <user_id> <conversation_id>..."

// parseBackfillArgs accepts "-user <id>" or "-user=<id>" anywhere among
// the conversation ids.
func parseBackfillArgs(args []string) (string, []string, error) {
	var userID string
	var convs []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-user" && i+1 < len(args):
			userID = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-user="):
			userID = strings.TrimPrefix(args[i], "-user=")
		case strings.HasPrefix(args[i], "-"):
			return "", nil, fmt.Errorf("unknown flag: %s\n%s", args[i], backfillUsage)
		default:
			convs = append(convs, args[i])
		}
	}
	if userID == "" || len(convs) == 0 {
		return "", nil, errors.New(backfillUsage)
	}
	return userID, convs, nil
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Volc - conversational coaching backend")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: volc [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                                  Start the API server")
	fmt.Fprintln(w, "  backfill-memory -user <id> <conv>...   Extract memory from past conversations")
	fmt.Fprintln(w, "  version                                Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/volc/config.yaml, /etc/volc/config.yaml")
	return nil
}

// runServe wires every component and serves until ctx is cancelled or
// the process receives SIGINT or SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting volc", "version", buildinfo.Version, "commit", buildinfo.Commit(), "built", buildinfo.Built())

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"store", cfg.Store.Driver,
		"model", cfg.Models.Main,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Store ---
	st, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// --- Model providers ---
	model, err := createLLMClient(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// --- Metrics ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// --- Exercise catalogue ---
	// Refreshed in the background; a failed refresh keeps the previous
	// snapshot.
	cat := catalogue.New(st, cfg.Cache.CatalogueMaxAge, logger)
	cat.OnRefresh = m.CatalogueRefresh
	catDone := make(chan struct{})
	go func() {
		defer close(catDone)
		cat.Run(ctx, cfg.Cache.CatalogueRefreshInterval)
	}()

	// --- Turn collaborators ---
	loader := usercontext.NewLoader(st, cfg.Cache.ContextTTL, logger)
	selector := tools.NewSelector(model, cfg.Models.Selector, cfg.Selector.HistoryWindow, logger)
	executor := tools.NewExecutor(cat, logger)

	retrier := llm.NewRetrier(llm.RetryPolicy{
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		Multiplier:   cfg.Retry.Multiplier,
		MaxRetries:   cfg.Retry.MaxRetries,
	}, logger)
	retrier.OnRetry = func(int, time.Duration, error) { m.ModelRetry() }

	usageLog := usage.NewRecorder(st, logger)
	defer usageLog.Wait()

	gate := ratelimit.NewGate(st, ratelimit.Config{
		WindowHours:     cfg.RateLimits.WindowHours,
		Actions:         cfg.RateLimits.Actions,
		RoleMultipliers: cfg.RateLimits.RoleMultipliers,
	}, logger)
	gate.OnDenied = m.RateLimitDenied

	var scheduler api.MemoryScheduler
	if !cfg.Extraction.Disabled {
		extractor := newExtractor(cfg, st, model, logger)
		extractor.OnResult = m.MemoryExtraction
		defer extractor.Wait()
		scheduler = extractor
	} else {
		logger.Info("memory extraction disabled")
	}

	// --- Connection manager ---
	conns := connections.NewManager(connections.Config{
		MonitorInterval:  cfg.Connections.MonitorInterval,
		HeartbeatTimeout: cfg.Connections.HeartbeatTimeout,
		OnTimeout:        func(connections.Record) { m.HeartbeatTimeout() },
		Logger:           logger,
	})
	defer conns.Close()

	// --- Dependency health ---
	watch := connwatch.NewManager(logger)
	defer watch.Stop()
	watch.Watch(ctx, connwatch.Dependency{
		Name:     "store",
		Critical: true,
		Probe:    st.Ping,
		Backoff:  connwatch.DefaultBackoffConfig(),
	})
	watch.Watch(ctx, connwatch.Dependency{
		Name:    "model",
		Probe:   model.Ping,
		Backoff: connwatch.DefaultBackoffConfig(),
	})

	// --- API server ---
	server := api.NewServer(api.Config{
		Address: cfg.Listen.Address,
		Port:    cfg.Listen.Port,
		Coach: coach.Deps{
			Context:  loader,
			Selector: selector,
			Executor: executor,
			Model:    model,
			Retrier:  retrier,
			Traces:   trace.NewRecorder(),
			Usage:    usageLog,
			Metrics:  m,
			Logger:   logger,
		},
		CoachConfig: coach.Config{
			Model:    cfg.Models.Main,
			Provider: cfg.ProviderFor(cfg.Models.Main),
		},
		Connections: conns,
		Gate:        gate,
		Extractor:   scheduler,
		Catalogue:   cat,
		Health:      watch,
		Gatherer:    reg,
		Metrics:     m,
		Logger:      logger,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", "error", err)
	}
	<-catDone
	return nil
}

// runBackfill runs memory extraction synchronously over past
// conversations with service credentials. Dedup makes reruns safe.
func runBackfill(ctx context.Context, stdout io.Writer, configPath, outputFmt, userID string, convs []string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(os.Stderr, cfg)

	st, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	model, err := createLLMClient(ctx, cfg, logger)
	if err != nil {
		return err
	}
	extractor := newExtractor(cfg, st, model, logger)

	type result struct {
		ConversationID string       `json:"conversation_id"`
		Added          []store.Note `json:"added"`
		Error          string       `json:"error,omitempty"`
	}
	results := make([]result, 0, len(convs))
	var failed int
	for _, conv := range convs {
		r := result{ConversationID: conv}
		added, err := extractor.Extract(ctx, userID, conv, "")
		if err != nil {
			r.Error = err.Error()
			failed++
		}
		r.Added = added
		results = append(results, r)
		if ctx.Err() != nil {
			break
		}
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			if r.Error != "" {
				fmt.Fprintf(stdout, "%s: error: %s\n", r.ConversationID, r.Error)
				continue
			}
			fmt.Fprintf(stdout, "%s: %d note(s) added\n", r.ConversationID, len(r.Added))
			for _, n := range r.Added {
				fmt.Fprintf(stdout, "  [%s] %s\n", n.Category, n.Text)
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("backfill: %d of %d conversation(s) failed", failed, len(convs))
	}
	return nil
}

// loadConfig locates and parses the YAML configuration file, returning
// the path that was loaded.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// configuredLogger builds the logger from validated config.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	// Validate has already rejected unknown levels.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return config.NewLogger(w, level, cfg.LogFormat)
}

// openStore opens the configured store driver. The returned func
// releases it.
func openStore(cfg *config.Config, logger *slog.Logger) (store.Store, func(), error) {
	switch cfg.Store.Driver {
	case config.StoreDriverSQLite:
		st, err := sqlite.NewStore(cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store %s: %w", cfg.Store.SQLitePath, err)
		}
		logger.Info("sqlite store opened", "path", cfg.Store.SQLitePath)
		return st, func() { st.Close() }, nil
	default:
		st := supabase.New(supabase.Config{
			URL:        cfg.Store.URL,
			AnonKey:    cfg.Store.AnonKey,
			ServiceKey: cfg.Store.ServiceKey,
		}, logger)
		if cfg.Store.ServiceKey == "" {
			logger.Warn("store.service_key not set; catalogue and backfill use the anon key")
		}
		return st, func() {}, nil
	}
}

// createLLMClient builds a multi-provider client. Models are routed by
// the models.available table; unlisted models go to the first
// configured provider.
func createLLMClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*llm.MultiClient, error) {
	var anthropic, vertex llm.Client
	if cfg.Anthropic.Configured() {
		anthropic = llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger)
		logger.Info("Anthropic provider configured")
	}
	if cfg.Vertex.Configured() {
		g, err := llm.NewGenAIClient(ctx, llm.GenAIConfig{
			Project:  cfg.Vertex.Project,
			Location: cfg.Vertex.Location,
			APIKey:   cfg.Vertex.APIKey,
			Model:    cfg.ModelFor("vertex"),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("create vertex client: %w", err)
		}
		vertex = g
		logger.Info("Vertex provider configured", "project", cfg.Vertex.Project, "location", cfg.Vertex.Location)
	}

	fallback := anthropic
	if fallback == nil {
		fallback = vertex
	}
	multi := llm.NewMultiClient(fallback)
	if anthropic != nil {
		multi.AddProvider("anthropic", anthropic)
	}
	if vertex != nil {
		multi.AddProvider("vertex", vertex)
	}
	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}

	logger.Info("LLM client initialized",
		"main_model", cfg.Models.Main,
		"selector_model", cfg.Models.Selector,
		"extraction_model", cfg.Models.Extraction,
	)
	return multi, nil
}

func newExtractor(cfg *config.Config, st store.Store, model llm.Client, logger *slog.Logger) *memory.Extractor {
	ex := memory.NewExtractor(st, model, cfg.Models.Extraction, logger)
	ex.SetTimeout(cfg.Extraction.Timeout)
	ex.SetMaxNotes(cfg.Extraction.MaxNotes)
	return ex
}
