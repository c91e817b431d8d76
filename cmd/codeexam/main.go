package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/codeexam/internal/attempt"
	"github.com/pavelanni/codeexam/internal/grader"
	"github.com/pavelanni/codeexam/internal/handler"
	appI18n "github.com/pavelanni/codeexam/internal/i18n"
	"github.com/pavelanni/codeexam/internal/llm"
	"github.com/pavelanni/codeexam/internal/metrics"
	"github.com/pavelanni/codeexam/internal/model"
	"github.com/pavelanni/codeexam/internal/sandbox"
	"github.com/pavelanni/codeexam/internal/scoring"
	"github.com/pavelanni/codeexam/internal/store"
)

const sessionCleanupInterval = time.Hour

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "codeexam",
		Short: "Timed coding exams graded in a sandbox",
	}

	serve := serveCmd()
	root.AddCommand(serve, importCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `codeexam --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addLogFlags(cmd *cobra.Command) {
	cmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().String("log-format", "text", "Log format (text, json)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP exam server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "codeexam.db", "SQLite database path")
	f.StringSliceP("exams", "e", nil, "Paths to exam definition JSON files (repeatable)")
	f.String("sandbox-url", "http://localhost:2000", "Piston sandbox base URL")
	f.Duration("sandbox-timeout", 10*time.Second, "Execution time limit per test case")
	f.Int("sandbox-concurrency", 10, "Maximum concurrent sandbox executions")
	f.Int("sandbox-retries", 2, "Retries when the sandbox is unreachable")
	f.Duration("sandbox-backoff", 200*time.Millisecond, "Initial delay between sandbox retries")
	f.Int("grading-parallelism", 4, "Test cases run concurrently per submission")
	f.Bool("feedback", false, "Ask the LLM for hints on failed submissions")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.StringP("lang", "l", "en", "Default response language (en, ko)")
	f.String("admin-password", "", "Initial admin password (or set CODEEXAM_ADMIN_PASSWORD)")
	f.Bool("metrics", true, "Expose Prometheus metrics on /metrics")
	addLogFlags(cmd)
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Import exam definitions from JSON files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runImport,
	}
	cmd.Flags().String("db", "codeexam.db", "SQLite database path")
	addLogFlags(cmd)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export finished attempts as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "codeexam.db", "SQLite database path")
	f.String("exam-id", "", "Only export attempts of this exam")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addLogFlags(cmd)
	return cmd
}

func setupLogging(v *viper.Viper) {
	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("CODEEXAM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("codeexam")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/codeexam")
	v.AddConfigPath("/etc/codeexam")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func runServe(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := seedAdmin(ctx, db, v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	if err := loadExams(ctx, db, v.GetStringSlice("exams")); err != nil {
		return fmt.Errorf("load exams: %w", err)
	}

	cfg := model.ExamConfig{
		SandboxTimeout:     v.GetDuration("sandbox-timeout"),
		SandboxRetries:     v.GetInt("sandbox-retries"),
		SandboxBackoff:     v.GetDuration("sandbox-backoff"),
		GradingParallelism: v.GetInt("grading-parallelism"),
		Feedback:           v.GetBool("feedback"),
		Lang:               lang,
	}

	sb := sandbox.New(v.GetString("sandbox-url"), v.GetInt("sandbox-concurrency"))
	if err := sb.Ping(ctx); err != nil {
		// Submissions degrade to environment errors until the sandbox is back.
		slog.Warn("sandbox health check failed", "url", v.GetString("sandbox-url"), "error", err)
	} else {
		slog.Info("sandbox OK", "url", v.GetString("sandbox-url"), "languages", sandbox.Supported())
	}

	g := grader.New(sb, grader.Config{
		Timeout:     cfg.SandboxTimeout,
		Retries:     cfg.SandboxRetries,
		Backoff:     cfg.SandboxBackoff,
		Parallelism: cfg.GradingParallelism,
	})

	var hinter llm.Hinter
	if cfg.Feedback {
		llmClient, err := llm.New(v.GetString("llm-url"), v.GetString("llm-key"), v.GetString("llm-model"))
		if err != nil {
			return fmt.Errorf("create LLM client: %w", err)
		}
		if err := llmClient.Ping(ctx); err != nil {
			return fmt.Errorf("LLM health check: %w", err)
		}
		slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))
		hinter = llmClient
	}

	manager := attempt.NewManager(db, g, scoring.Aggregator{}, attempt.WithFeedback(llm.NewTutor(hinter)))
	h := handler.New(db, manager, cfg)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	h.Routes(r)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := sb.Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, "ok\n")
	})

	if v.GetBool("metrics") {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		if err := metrics.Register(reg); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	go cleanupSessions(ctx, db)

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown", "error", err)
		}
	}()

	slog.Info("starting server",
		"addr", addr,
		"sandbox_url", v.GetString("sandbox-url"),
		"sandbox_timeout", cfg.SandboxTimeout,
		"grading_parallelism", cfg.GradingParallelism,
		"feedback", cfg.Feedback,
		"lang", lang,
		"languages", appI18n.Languages(),
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func cleanupSessions(ctx context.Context, db *store.Store) {
	t := time.NewTicker(sessionCleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := db.CleanupExpiredSessions(ctx); err != nil {
				slog.Warn("failed to clean up sessions", "error", err)
			}
		}
	}
}

func runImport(cmd *cobra.Command, args []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	return loadExams(cmd.Context(), db, args)
}

func runExport(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	examID := v.GetString("exam-id")
	attempts, err := db.ExportAttempts(cmd.Context(), examID)
	if err != nil {
		return fmt.Errorf("export attempts: %w", err)
	}
	if attempts == nil {
		attempts = []model.AttemptExport{}
	}

	data, err := json.MarshalIndent(model.ResultsExport{
		ExportedAt: time.Now().UTC(),
		ExamID:     examID,
		Attempts:   attempts,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	slog.Info("exported attempts", "count", len(attempts), "output", outPath)
	return nil
}

// loadExams imports each file once. A file whose content changed since its import is skipped
// so that running attempts keep the definition they started with.
func loadExams(ctx context.Context, db *store.Store, paths []string) error {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		hash := sha256sum(data)
		storedHash, err := db.GetImportedFileHash(ctx, path)
		if err != nil {
			return fmt.Errorf("check import status for %s: %w", path, err)
		}
		if storedHash == hash {
			slog.Info("exam file unchanged, skipping", "path", path)
			continue
		}
		if storedHash != "" {
			slog.Warn("exam file changed since last import, skipping to avoid breaking existing attempts",
				"path", path)
			continue
		}

		if _, err := handler.ImportExam(ctx, db, data); err != nil {
			return fmt.Errorf("import %s: %w", path, err)
		}
		if err := db.SetImportedFileHash(ctx, path, hash); err != nil {
			return fmt.Errorf("record import for %s: %w", path, err)
		}
	}
	return nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func seedAdmin(ctx context.Context, db *store.Store, password string) error {
	count, err := db.UserCount(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if password == "" {
		return fmt.Errorf("admin password is required: set --admin-password flag or CODEEXAM_ADMIN_PASSWORD env var")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	_, err = db.CreateUser(ctx, model.User{
		Username:     "admin",
		DisplayName:  "Administrator",
		PasswordHash: string(hash),
		Role:         model.UserRoleAdmin,
		Active:       true,
	})
	if err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	slog.Info("seeded default admin user", "username", "admin")
	return nil
}
