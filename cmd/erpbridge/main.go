package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/planhub/erpbridge/internal/orchestrator"
	"github.com/planhub/erpbridge/internal/resolver"
	"github.com/planhub/erpbridge/internal/scheduler"
	"github.com/planhub/erpbridge/internal/store"
	"github.com/planhub/erpbridge/pkg/clients"
	"github.com/planhub/erpbridge/pkg/config"
	"github.com/planhub/erpbridge/pkg/downstream"
	"github.com/planhub/erpbridge/pkg/logger"
	"github.com/planhub/erpbridge/pkg/models"
	"github.com/planhub/erpbridge/pkg/upstream"
)

var version = "0.1.0"

func main() {
	_ = godotenv.Load()

	var configPath string

	root := &cobra.Command{
		Use:   "erpbridge",
		Short: "ERP to planning-store sync bridge",
		Long: `erpbridge extracts entity data from an ERP API, normalizes and
identifies it, detects changes against the planning store, and writes only
what changed. Large transfers can be paced across nightly time windows.`,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "erpbridge.yaml", "path to config file")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("erpbridge v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(syncCmd(&configPath))
	root.AddCommand(schedulerCmd(&configPath))
	root.AddCommand(statusCmd(&configPath))
	root.AddCommand(failedCmd(&configPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app wires the full component graph from configuration.
type app struct {
	cfg   *config.Config
	store store.Store
	orch  *orchestrator.Orchestrator
	sched *scheduler.Scheduler
	http  *clients.HTTPClient
}

func buildApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Development: cfg.Observability.Development,
	}); err != nil {
		return nil, err
	}
	log := logger.Get()

	httpClient := clients.NewHTTPClient(clients.DefaultHTTPConfig(), log)
	fetcher := upstream.NewClient(&cfg.Upstream, httpClient, log)
	ds := downstream.NewClient(&cfg.Downstream, httpClient, log)

	var st store.Store
	if cfg.Database.DSN != "" {
		st, err = store.NewPostgresStore(ctx, &cfg.Database, log)
		if err != nil {
			return nil, err
		}
	} else {
		log.Warn("no database configured; metadata will not survive restarts")
		st = store.NewMemoryStore()
	}

	res := resolver.New(st, ds, &cfg.Pipeline, log)
	orch := orchestrator.New(cfg, st, fetcher, ds, res, log)
	sched := scheduler.New(cfg, st, orch, res, fetcher, log)

	return &app{cfg: cfg, store: st, orch: orch, sched: sched, http: httpClient}, nil
}

func (a *app) close() {
	a.store.Close()
	a.http.Close()
	_ = logger.Sync()
}

func syncCmd(configPath *string) *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "sync <entity>",
		Short: "Run one sync batch for an entity and wait for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := buildApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			result, err := a.orch.Run(ctx, args[0], orchestrator.BatchOptions{
				Mode:    models.SyncMode(mode),
				Trigger: "cli",
			})
			if result != nil && result.Batch != nil {
				printJSON(result.Batch)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(models.SyncModeIncremental), "sync mode: full or incremental")
	return cmd
}

func schedulerCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run the background scheduler until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := buildApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if addr := a.cfg.Observability.MetricsAddr; addr != "" {
				go serveMetrics(addr)
			}

			if err := a.sched.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			a.sched.Stop()
			logger.Info("scheduler stopped")
			return nil
		},
	}
}

func statusCmd(configPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "status [entity]",
		Short: "Show recent batches and schedule state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := buildApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			entity := ""
			if len(args) == 1 {
				entity = args[0]
			}

			batches, err := a.orch.ListBatches(ctx, entity, limit)
			if err != nil {
				return err
			}
			schedules, err := a.sched.Status(ctx)
			if err != nil {
				return err
			}
			pending, err := a.store.CountPendingChildren(ctx, entity)
			if err != nil {
				return err
			}
			printJSON(map[string]any{
				"batches":          batches,
				"schedules":        schedules,
				"pending_children": pending,
			})
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max batches to show")
	return cmd
}

func failedCmd(configPath *string) *cobra.Command {
	var limit int
	var all bool
	cmd := &cobra.Command{
		Use:   "failed [entity]",
		Short: "Show dead-lettered records",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := buildApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			entity := ""
			if len(args) == 1 {
				entity = args[0]
			}
			records, err := a.orch.ListFailedRecords(ctx, entity, !all, limit)
			if err != nil {
				return err
			}
			printJSON(records)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max records to show")
	cmd.Flags().BoolVar(&all, "all", false, "include resolved records")
	return cmd
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	logger.Info("metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server failed", zap.Error(err))
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
