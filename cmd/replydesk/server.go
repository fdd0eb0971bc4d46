package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/replydesk/internal/api"
	"github.com/kalambet/replydesk/internal/authz"
	"github.com/kalambet/replydesk/internal/completion"
	"github.com/kalambet/replydesk/internal/composer"
	"github.com/kalambet/replydesk/internal/config"
	"github.com/kalambet/replydesk/internal/drafting"
	"github.com/kalambet/replydesk/internal/engine"
	"github.com/kalambet/replydesk/internal/guardrail"
	"github.com/kalambet/replydesk/internal/ingest"
	"github.com/kalambet/replydesk/internal/knowledge"
	"github.com/kalambet/replydesk/internal/mailbox"
	"github.com/kalambet/replydesk/internal/presence"
	"github.com/kalambet/replydesk/internal/retrieval"
	"github.com/kalambet/replydesk/internal/storage"
	"github.com/kalambet/replydesk/internal/ticket"
	"github.com/kalambet/replydesk/internal/triage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the replydesk server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := serverOptions{}
		opts.mcp, _ = cmd.Flags().GetBool("mcp")
		opts.mcpUser, _ = cmd.Flags().GetString("mcp-user")
		opts.mcpRole, _ = cmd.Flags().GetString("mcp-role")
		opts.skipEngine, _ = cmd.Flags().GetBool("skip-engine-check")
		return runServer(opts)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running replydesk server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show replydesk system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd)
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "serve MCP tools on stdin/stdout")
	startCmd.Flags().String("mcp-user", "mcp", "user ID MCP tool calls act as")
	startCmd.Flags().String("mcp-role", string(authz.RoleAgent), "role MCP tool calls act as")
	startCmd.Flags().Bool("skip-engine-check", false, "start without checking the local inference engine")
}

type serverOptions struct {
	mcp        bool
	mcpUser    string
	mcpRole    string
	skipEngine bool
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "replydesk.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func logLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runServer(opts serverOptions) error {
	fmt.Fprintf(os.Stderr, "replydesk version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)})))

	if cfg.Server.APIToken == "" {
		printWarning("server.api_token is empty; the API accepts unauthenticated requests")
	}

	var mcpPrincipal authz.Principal
	if opts.mcp {
		role, err := authz.ParseRole(opts.mcpRole)
		if err != nil {
			return fmt.Errorf("--mcp-role: %w", err)
		}
		if opts.mcpUser == "" {
			return fmt.Errorf("--mcp-user must not be empty")
		}
		mcpPrincipal = authz.Principal{UserID: opts.mcpUser, Role: role}
	}

	// Refuse to start twice: a healthy server on the port wins.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("replydesk is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("replydesk is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng := engine.NewOllamaEngine(cfg.Ollama.BaseURL)
	if !opts.skipEngine {
		models := []string{cfg.Ollama.EmbedModel}
		if completion.ProviderType(cfg.Completion.Provider) == completion.ProviderOllama {
			models = append(models, cfg.CompletionClientConfig().Model)
		}
		if cfg.Triage.Enabled {
			models = append(models, cfg.Ollama.ChatModel)
		}
		if err := engine.EnsureReady(ctx, eng, os.Stderr, models...); err != nil {
			return err
		}
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	client, err := completion.New(cfg.CompletionClientConfig(), eng)
	if err != nil {
		return fmt.Errorf("building completion client: %w", err)
	}
	if !client.Configured() {
		printWarning("completion provider is not configured; drafts will fail until completion.api_key is set")
	}

	embedder := retrieval.NewEmbedder(eng, cfg.Ollama.EmbedModel).
		WithCache(retrieval.NewEmbedCache(10*time.Minute, 1024))
	index := retrieval.NewExemplarIndex(store, retrieval.NewSQLiteStore(store.DB()))
	kr := knowledge.NewRetriever(store)
	tickets := ticket.New(store)
	guards := guardrail.NewManager(store, cfg.Drafting.OwnerScope)
	transport := mailbox.NewStoreTransport(store, mailbox.Profile{
		Address:     cfg.Mailbox.Address,
		DisplayName: cfg.Mailbox.DisplayName,
	})

	gen := drafting.NewGenerator(index, embedder, kr, client,
		drafting.WithExemplarCount(cfg.Drafting.ExemplarCount),
		drafting.WithComposer(composer.New(cfg.Drafting.PromptTokens)),
		drafting.WithDeadline(cfg.DraftingTimeout()),
	)
	drafts := drafting.NewService(gen, drafting.NewTracker(store), tickets, guards, transport, store, cfg.Drafting.OwnerScope)

	typing, closeTyping, err := newPresence(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeTyping()

	// Exemplars stored while the engine was down get their vectors now.
	go func() {
		n, err := index.Backfill(ctx, embedder, 500)
		if err != nil {
			slog.Warn("exemplar backfill failed", "error", err)
			return
		}
		if n > 0 {
			slog.Info("exemplar backfill complete", "embedded", n)
		}
	}()

	worker := ingest.NewWorker(store, embedder, index, 500*time.Millisecond)
	go worker.Run(ctx)

	deps := api.AppDeps{
		Tickets:    tickets,
		Drafts:     drafts,
		Knowledge:  knowledge.NewManager(store),
		Retriever:  kr,
		Guardrails: guards,
		Presence:   typing,
		Transport:  transport,
		Token:      cfg.Server.APIToken,
	}
	if cfg.Triage.Enabled {
		deps.Triage = triage.NewClassifier(eng, cfg.Ollama.ChatModel, guards)
		slog.Info("inbound triage enabled", "model", cfg.Ollama.ChatModel)
	}
	handler := api.NewAppHandler(deps)

	if opts.mcp {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Tickets:   tickets,
			Drafts:    drafts,
			Knowledge: kr,
			Principal: mcpPrincipal,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)", "user", mcpPrincipal.UserID, "role", mcpPrincipal.Role)
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "replydesk listening on %s\n", addr)
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

// newPresence returns the Redis tracker when presence.redis_addr is set and
// the in-process one otherwise.
func newPresence(ctx context.Context, cfg config.Config) (presence.Tracker, func(), error) {
	ttl := cfg.PresenceTTL()
	if cfg.Presence.RedisAddr == "" {
		return presence.NewMemory(ttl), func() {}, nil
	}
	r, err := presence.NewRedis(ctx, presence.RedisOptions{
		Addr:     cfg.Presence.RedisAddr,
		Password: cfg.Presence.RedisPassword,
		DB:       cfg.Presence.RedisDB,
	}, ttl)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to presence redis: %w", err)
	}
	slog.Info("typing presence backed by redis", "addr", cfg.Presence.RedisAddr)
	return r, func() {
		if err := r.Close(); err != nil {
			slog.Warn("closing presence redis", "error", err)
		}
	}, nil
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("replydesk is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop replydesk (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to replydesk (PID %d)", pid)
	return nil
}

func showStatus(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	httpClient := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := httpClient.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if ollamaResp, err := httpClient.Get(cfg.Ollama.BaseURL + "/api/version"); err != nil {
		printStatus("Ollama", "not running")
	} else {
		ollamaResp.Body.Close()
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	}

	printStatus("Completion", "%s (%s)", cfg.Completion.Provider, cfg.CompletionClientConfig().Model)
	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)
	printStatus("Owner scope", "%s", cfg.Drafting.OwnerScope)
	if cfg.Triage.Enabled {
		printStatus("Triage", "on (%s)", cfg.Ollama.ChatModel)
	}
	if cfg.Presence.RedisAddr != "" {
		printStatus("Presence", "redis at %s", cfg.Presence.RedisAddr)
	} else {
		printStatus("Presence", "in-process")
	}

	if running {
		client, err := newAPIClient(cmd)
		if err == nil {
			for _, st := range []string{"open", "pending"} {
				r, err := client.get(cmd.Context(), "/tickets?limit=100&status="+st)
				if err != nil {
					continue
				}
				var list []json.RawMessage
				if decodeJSON(r, &list) == nil {
					printStatus(strings.ToUpper(st[:1])+st[1:]+" tickets", "%s", countLabel(len(list), 100))
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
