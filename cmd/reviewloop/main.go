package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fredhsu/reviewloop/internal/grading"
	"github.com/fredhsu/reviewloop/internal/handler"
	"github.com/fredhsu/reviewloop/internal/llm"
	"github.com/fredhsu/reviewloop/internal/model"
	"github.com/fredhsu/reviewloop/internal/pregen"
	"github.com/fredhsu/reviewloop/internal/scheduler"
	"github.com/fredhsu/reviewloop/internal/session"
	"github.com/fredhsu/reviewloop/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "reviewloop",
		Short: "Spaced-repetition review server with LLM-generated quizzes",
	}

	serve := serveCmd()
	root.AddCommand(serve, importCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `reviewloop --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the review HTTP server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "reviewloop.db", "SQLite database path")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.Duration("call-timeout", 60*time.Second, "Timeout for each LLM call")
	f.IntP("questions-per-item", "n", 3, "Questions generated per item")
	f.Int("concurrency", grading.DefaultConcurrency, "Default parallel grading limit (1-10)")
	f.Int("cache-capacity", 64, "Pre-generation cache capacity")
	f.Duration("cache-ttl", 30*time.Minute, "Pre-generation cache entry lifetime")
	f.Duration("pregen-stagger", 500*time.Millisecond, "Delay between background generation requests")
	f.Duration("session-ttl", 2*time.Hour, "Review session lifetime")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import [files...]",
		Short: "Import knowledge items from JSON files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runImport,
	}
	f := cmd.Flags()
	f.String("db", "reviewloop.db", "SQLite database path")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

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

	v.SetEnvPrefix("REVIEWLOOP")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("reviewloop")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/reviewloop")
	v.AddConfigPath("/etc/reviewloop")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	llmClient := llm.New(
		v.GetString("llm-url"),
		v.GetString("llm-key"),
		v.GetString("llm-model"),
		v.GetDuration("call-timeout"),
	)
	if err := llmClient.Ping(context.Background()); err != nil {
		return fmt.Errorf("LLM health check: %w", err)
	}
	slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))

	perItem := v.GetInt("questions-per-item")

	sched := scheduler.New(db)
	aggregator := grading.NewAggregator(sched, db)
	orchestrator := grading.NewOrchestrator(llmClient).
		WithDefaultConcurrency(v.GetInt("concurrency"))

	cache := pregen.New(llmClient, pregen.Config{
		Capacity: v.GetInt("cache-capacity"),
		TTL:      v.GetDuration("cache-ttl"),
		Stagger:  v.GetDuration("pregen-stagger"),
		PerItem:  perItem,
	})

	sessions := session.NewManager(db, llmClient, cache, aggregator, session.Config{
		TTL:     v.GetDuration("session-ttl"),
		PerItem: perItem,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sessions.Run(ctx)

	h := handler.New(sessions, orchestrator, aggregator)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	h.Routes(r)

	addr := v.GetString("addr")
	slog.Info("starting server",
		"addr", addr,
		"model", v.GetString("llm-model"),
		"llm_url", v.GetString("llm-url"),
		"questions_per_item", perItem,
		"cache_capacity", v.GetInt("cache-capacity"),
		"cache_ttl", v.GetDuration("cache-ttl"),
		"session_ttl", v.GetDuration("session-ttl"),
	)
	return http.ListenAndServe(addr, r)
}

// itemImport is the JSON shape for imported knowledge items.
type itemImport struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Topic   string `json:"topic"`
}

func runImport(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		hash := sha256sum(data)
		storedHash, err := db.GetImportedFileHash(path)
		if err != nil {
			return fmt.Errorf("check import status for %s: %w", path, err)
		}

		if storedHash == hash {
			slog.Info("items file unchanged, skipping", "path", path)
			continue
		}
		if storedHash != "" {
			slog.Warn("items file changed since last import, skipping to avoid duplicate items",
				"path", path)
			continue
		}

		var items []itemImport
		if err := json.Unmarshal(data, &items); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}

		for _, ii := range items {
			_, err := db.InsertItem(model.ItemState{
				Title:   ii.Title,
				Content: ii.Content,
				Topic:   ii.Topic,
			})
			if err != nil {
				return fmt.Errorf("insert item from %s: %w", path, err)
			}
		}

		if err := db.SetImportedFileHash(path, hash); err != nil {
			return fmt.Errorf("record import for %s: %w", path, err)
		}
		slog.Info("imported items", "path", path, "count", len(items))
	}

	return nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
