// Command nova runs the agent execution and continuous conversation
// engine: the task worker pool, the recurring-task scheduler, the
// embedding worker, and the database migrations behind them.
//
// Basic usage:
//
//	nova migrate --config nova.yaml
//	nova worker --config nova.yaml
//	nova backfill-embeddings --config nova.yaml
//
// Configuration can also be provided via environment variables:
//
//   - DATABASE_URL: Postgres DSN
//   - EMBEDDINGS_URL, EMBEDDINGS_MODEL, EMBEDDINGS_API_KEY: embedding
//     provider (optional; absence disables the semantic side)
//   - OPENAI_API_KEY, OPENAI_BASE_URL: LLM provider endpoint
//   - METRICS_ADDR: Prometheus listen address (optional)
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/nova/internal/bus"
	"github.com/haasonsaas/nova/internal/checkpoint"
	"github.com/haasonsaas/nova/internal/contextbuilder"
	"github.com/haasonsaas/nova/internal/embedding"
	"github.com/haasonsaas/nova/internal/executor"
	"github.com/haasonsaas/nova/internal/graph"
	"github.com/haasonsaas/nova/internal/indexer"
	"github.com/haasonsaas/nova/internal/ingest"
	"github.com/haasonsaas/nova/internal/metrics"
	"github.com/haasonsaas/nova/internal/novaconfig"
	"github.com/haasonsaas/nova/internal/recall"
	"github.com/haasonsaas/nova/internal/scheduler"
	"github.com/haasonsaas/nova/internal/store"
	"github.com/haasonsaas/nova/internal/summarizer"
	"github.com/haasonsaas/nova/internal/toolregistry"
	"github.com/haasonsaas/nova/internal/worker"
	"github.com/haasonsaas/nova/pkg/models"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "nova",
		Short: "Nova agent execution and continuous conversation engine",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("NOVA_CONFIG"), "path to nova.yaml")

	root.AddCommand(newMigrateCmd(), newWorkerCmd(), newBackfillCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func openDB(cfg novaconfig.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := novaconfig.Load(configPath)
			if err != nil {
				return err
			}
			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := store.Migrate(cmd.Context(), db); err != nil {
				return err
			}
			slog.Info("migrations applied")
			return nil
		},
	}
}

func newBackfillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backfill-embeddings",
		Short: "Drain pending embedding rows once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := novaconfig.Load(configPath)
			if err != nil {
				return err
			}
			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			st := store.New(db)
			provider := embedding.New(embedding.Config{
				APIKey:  cfg.Embeddings.APIKey,
				BaseURL: cfg.Embeddings.URL,
				Model:   cfg.Embeddings.Model,
			})
			w := embedding.NewWorker(st, provider, cfg.Embeddings.Model)

			total := 0
			for {
				n, err := w.RunOnce(cmd.Context())
				if err != nil {
					return err
				}
				total += n
				if n == 0 {
					break
				}
			}
			slog.Info("backfill complete", "processed", total)
			return nil
		},
	}
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the task worker pool, scheduler, and embedding worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := novaconfig.Load(configPath)
			if err != nil {
				return err
			}
			return runWorker(cmd.Context(), cfg)
		},
	}
}

func runWorker(parent context.Context, cfg novaconfig.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	st := store.New(db)
	checkpoints := checkpoint.NewStore(db)
	locker := checkpoint.NewLocker(checkpoint.DefaultLockTimeout)

	m := metrics.New()
	busRegistry := bus.NewRegistry(m.Sink())

	provider := embedding.New(embedding.Config{
		APIKey:  cfg.Embeddings.APIKey,
		BaseURL: cfg.Embeddings.URL,
		Model:   cfg.Embeddings.Model,
	})
	recaller := recall.New(st, st, provider)

	clients := executor.NewOpenAIClientFactory(cfg.LLM.APIKey, cfg.LLM.BaseURL)
	seedRunner := graph.NewLLMRunner(nil, checkpoints, "")
	builder := contextbuilder.New(st, seedRunner)
	builder.Location = loc

	tools := toolregistry.NewRegistry()
	exec := executor.New(st, checkpoints, locker, builder, tools, clients, busRegistry, recaller)

	summaryClient, err := graph.NewOpenAIClient(cfg.LLM.APIKey, cfg.LLM.BaseURL, "")
	if err != nil {
		return fmt.Errorf("build summary client: %w", err)
	}
	summaryRunner := graph.NewLLMRunner(summaryClient, checkpoints, "")
	sum := summarizer.New(st, &summarizer.GraphAgent{Runner: summaryRunner}, busRegistry)

	pool := worker.New(st, exec, cfg.Worker.Concurrency)

	sched := scheduler.New(st, nil, sum,
		scheduler.WithMetrics(m),
		scheduler.WithLocation(loc),
		scheduler.WithMailboxDialer(imapDialer(st)),
	)
	svc := ingest.New(st, indexer.New(st), sum, sched, loc)
	sched.SetTaskRunner(scheduler.NewTaskRunner(st, svc, exec))
	if err := sched.Sync(ctx); err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}

	embedWorker := embedding.NewWorker(st, provider, cfg.Embeddings.Model)
	go embedWorker.Run(ctx, time.Duration(cfg.Worker.EmbeddingIntervalSec)*time.Second)

	if cfg.Metrics.Addr != "" {
		go serveMetrics(ctx, cfg.Metrics.Addr)
	}

	slog.Info("worker started", "concurrency", cfg.Worker.Concurrency, "timezone", loc.String())
	pool.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return sched.Stop(shutdownCtx)
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("metrics server failed", "error", err)
	}
}

// imapDialer resolves an email_poll definition's tool binding to a live
// IMAP connection using the binding's config (host, username, password).
func imapDialer(st *store.Store) scheduler.MailboxDialer {
	return func(ctx context.Context, td *models.TaskDefinition) (scheduler.Mailbox, error) {
		bindings, err := st.ToolBindingsForAgent(ctx, td.AgentRef)
		if err != nil {
			return nil, err
		}
		for _, b := range bindings {
			if b.ToolID != td.EmailToolRef && b.ID != td.EmailToolRef {
				continue
			}
			host, _ := b.Config["host"].(string)
			username, _ := b.Config["username"].(string)
			password, _ := b.Config["password"].(string)
			if host == "" {
				return nil, fmt.Errorf("email tool %s has no host configured", td.EmailToolRef)
			}
			return scheduler.DialIMAP(host, username, password)
		}
		return nil, fmt.Errorf("email tool %s is not bound to agent %s", td.EmailToolRef, td.AgentRef)
	}
}
