package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/quailyquaily/markedit/assets"
	"github.com/quailyquaily/markedit/audit"
	"github.com/quailyquaily/markedit/db"
	"github.com/quailyquaily/markedit/internal/pathutil"
	"github.com/quailyquaily/markedit/materialize"
	"github.com/quailyquaily/markedit/notify"
	"github.com/quailyquaily/markedit/orchestrator"
	"github.com/quailyquaily/markedit/server"
	"github.com/quailyquaily/markedit/task"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateConfig(v); err != nil {
				return err
			}
			log := newLogger(os.Stderr, v.GetString("log.level"), v.GetString("log.format"))
			slog.SetDefault(log)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, v, log)
		},
	}
	cmd.Flags().Int("port", 0, "Listen port (overrides server.port)")
	cmd.Flags().Bool("mock", false, "Complete tasks with placeholder images instead of calling the API")
	_ = v.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	_ = v.BindPFlag("api.mock", cmd.Flags().Lookup("mock"))
	return cmd
}

func serve(ctx context.Context, v *viper.Viper, log *slog.Logger) error {
	gdb, err := db.Open(ctx, dbConfigFromViper(v))
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer func() {
		if err := db.Close(gdb); err != nil {
			log.Warn("db_close_error", "error", err.Error())
		}
	}()

	publicBase := strings.TrimRight(strings.TrimSpace(v.GetString("server.public_base_url")), "/")
	files, err := assets.NewStore(
		pathutil.ExpandHomePath(v.GetString("storage.uploads_dir")),
		publicBase,
		assets.WithLogger(log),
		assets.WithCatalog(assets.NewCatalog(gdb)),
	)
	if err != nil {
		return fmt.Errorf("open uploads dir: %w", err)
	}

	sink := auditSinkFromViper(v, log)
	defer func() {
		if err := sink.Close(); err != nil {
			log.Warn("audit_close_error", "error", err.Error())
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	store := task.NewStore(task.WithCompletedTTL(v.GetDuration("tasks.completed_ttl")))
	defer store.Close()

	client := clientFromViper(v)
	client.Log = log

	mat := materialize.New(files, log)
	mat.Audit = sink
	applyMaterializeConfig(v, mat)

	orchCfg := orchestratorConfigFromViper(v)
	orch := orchestrator.New(store, client, mat,
		orchestrator.WithLogger(log),
		orchestrator.WithAudit(sink),
		orchestrator.WithMetrics(orchestrator.NewMetrics(reg)),
		orchestrator.WithInliner(files),
		orchestrator.WithConfig(orchCfg),
		orchestrator.WithContext(ctx),
	)

	port := v.GetInt("server.port")
	srv := server.New(server.Deps{
		Orchestrator:  orch,
		Store:         store,
		Assets:        files,
		Notify:        notify.New(store, v.GetDuration("notify.interval"), log),
		Gatherer:      reg,
		Logger:        log,
		Port:          port,
		PublicBaseURL: publicBase,
		MaxBodyBytes:  v.GetInt64("server.max_body_bytes"),
	})
	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server_listening",
			"addr", httpServer.Addr,
			"mock", orchCfg.Mock,
			"failover_to_mock", orchCfg.FailoverToMock,
			"api_base", client.BaseURL,
			"model", client.Model,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("server_shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	// Task goroutines observe ctx and fail fast once it is done.
	orch.Wait()
	return err
}

func auditSinkFromViper(v *viper.Viper, log *slog.Logger) audit.Sink {
	path := pathutil.ExpandHomePath(v.GetString("audit.jsonl_path"))
	if path == "" {
		return audit.Nop{}
	}
	s, err := audit.NewJSONLSink(path, v.GetInt64("audit.rotate_max_bytes"))
	if err != nil {
		log.Warn("audit_sink_error", "path", path, "error", err.Error())
		return audit.Nop{}
	}
	log.Info("audit_enabled", "path", path)
	return s
}
