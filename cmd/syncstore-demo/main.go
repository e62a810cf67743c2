// Command syncstore-demo is a reference server exercising the store,
// mutate, and paginate engines over a single "note" domain family,
// with its read/write/pagination state backed by the SQLite or
// Postgres SoT adapter the configured profile selects. normalize's
// entity-graph composition is exercised by its own package tests
// rather than this binary; see DESIGN.md.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/continuumlabs/syncstore/cmd/syncstore-demo/httpapi"
	"github.com/continuumlabs/syncstore/cmd/syncstore-demo/notedomain"
	"github.com/continuumlabs/syncstore/engcfg"
	"github.com/continuumlabs/syncstore/key"
	"github.com/continuumlabs/syncstore/mutate"
	"github.com/continuumlabs/syncstore/mutate/boltqueue"
	"github.com/continuumlabs/syncstore/paginate"
	"github.com/continuumlabs/syncstore/sot"
	"github.com/continuumlabs/syncstore/sot/pgsot"
	"github.com/continuumlabs/syncstore/sot/sqlitesot"
	"github.com/continuumlabs/syncstore/store"
	"github.com/continuumlabs/syncstore/telemetry"
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:   "syncstore-demo",
		Short: "Reference server for the syncstore read, write, and pagination engines",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	root.AddCommand(serveCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
}

func run(ctx context.Context) error {
	cfg, err := engcfg.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := telemetry.NewLogger(telemetry.LogConfig{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})
	slog.SetDefault(log)

	noteSoT, closeSoT, err := openSoT(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("open sot adapter: %w", err)
	}
	defer closeSoT()

	queue, err := boltqueue.Open(cfg.BoltQueue.Path)
	if err != nil {
		return fmt.Errorf("open offline queue: %w", err)
	}
	defer queue.Close()

	remote := notedomain.NewRemote()
	converter := notedomain.Converter{}

	readStore := store.New(store.Config[notedomain.Row, notedomain.Row, notedomain.NetPayload, notedomain.Note]{
		MemoryCacheSize: cfg.Store.CacheSize,
		SoT:             noteSoT,
		Fetcher:         remote,
		Converter:       converter,
		Logger:          log,
		Metrics:         telemetry.NewStoreMetrics(),
	})

	engine := mutate.New(mutate.Config[notedomain.Row, notedomain.Note]{
		SoT:        noteSoT,
		Dispatcher: remote,
		Queue:      queue,
		Invalidate: invalidatorFunc(readStore.Invalidate),
		Metrics:    telemetry.NewMutationMetrics(),
		Logger:     log,
	})

	pageStore := paginate.New(paginate.StoreConfig[notedomain.Note]{
		Loader:  notedomain.NewListLoader(remote, cfg.Paginate.PageSize),
		Logger:  log,
		Metrics: telemetry.NewPaginationMetrics(),
	})

	hub := httpapi.NewHub(log)
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go hub.Start(hubCtx)
	go replayLoop(hubCtx, engine, log)

	router := httpapi.NewRouter(httpapi.Deps{
		Store:    readStore,
		Engine:   engine,
		Paginate: pageStore,
		Hub:      hub,
		Log:      log,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server starting", "addr", addr, "profile", cfg.Profile)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-quit:
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// replayLoop periodically drains the offline queue and re-dispatches
// its contents, the background half of the offline fallback Engine's
// write path enqueues into on remote failure.
func replayLoop(ctx context.Context, engine *mutate.Engine[notedomain.Row, notedomain.Note], log *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := engine.Replay(ctx)
			if err != nil {
				log.Warn("offline queue replay failed", "error", err)
				continue
			}
			if n > 0 {
				log.Info("replayed offline mutations", "count", n)
			}
		}
	}
}

// openSoT constructs the SoT adapter cfg.Profile selects.
func openSoT(ctx context.Context, cfg *engcfg.Config, log *slog.Logger) (sot.SoT[notedomain.Row, notedomain.Row], func(), error) {
	switch cfg.Profile {
	case engcfg.ProfileStandard:
		s, err := pgsot.Open[notedomain.Row](ctx, pgsot.Config{
			DSN:            cfg.Postgres.DSN,
			MaxConnections: cfg.Postgres.MaxConnections,
			MinConnections: cfg.Postgres.MinConnections,
			ConnectTimeout: cfg.Postgres.ConnectTimeout,
			Logger:         log,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	default:
		s, err := sqlitesot.Open[notedomain.Row](cfg.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	}
}

// invalidatorFunc adapts readStore.Invalidate to mutate.Invalidator so
// the engine can drop a key from the store's memory tier once its own
// write has landed in persistence.
type invalidatorFunc func(k key.Key)

func (f invalidatorFunc) Invalidate(k key.Key) { f(k) }
