// Package main implements the Torua coordinator. The coordinator owns the
// catalog of sharded collections and their chunks, places chunks on nodes,
// tells nodes when their partition maps change, and routes document
// requests to the node owning each document.
//
// Example usage:
//
//	torua-coordinator --bind :8080 --data-dir /var/lib/torua
//
//	# shard a collection, pre-split into three chunks
//	curl -X POST localhost:8080/collections \
//	  -d '{"ns":"test.users","key":["age"],"splitPoints":[{"age":20},{"age":40}]}'
//
//	# store a document through the coordinator
//	curl -X PUT localhost:8080/data/test.users/alice -d '{"age":30}'
package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dreamware/torua/internal/catalog"
	"github.com/dreamware/torua/internal/config"
	"github.com/dreamware/torua/internal/errors"
	"github.com/dreamware/torua/internal/logger"
)

func main() {
	if err := newRootCommand(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	cfg := &config.Coordinator{}
	rc := &cobra.Command{
		Use:          "torua-coordinator",
		Short:        "Run the Torua coordinator.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.SetAll(viper.New(), cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if dry, _ := cmd.Flags().GetBool("dry-run"); dry {
				return config.Render(stdout, cfg)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			log := logger.NewStandardLogger(stderr)
			if cfg.Verbose {
				log = logger.NewVerboseLogger(stderr)
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, log.WithPrefix("coordinator "))
		},
	}
	rc.PersistentFlags().StringP("config", "c", "", "Configuration file to read from.")
	rc.PersistentFlags().Bool("dry-run", false, "Print the effective configuration and exit.")
	_ = rc.PersistentFlags().MarkHidden("dry-run")
	cfg.Flags(rc.PersistentFlags())

	rc.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return config.Render(stdout, cfg)
		},
	})
	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}

// run serves the coordinator until ctx is done.
func run(ctx context.Context, cfg *config.Coordinator, log logger.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return errors.Wrap(err, "creating data directory")
	}
	cat, err := catalog.Open(filepath.Join(cfg.DataDir, "catalog.db"), log)
	if err != nil {
		return err
	}
	defer cat.Close()

	srv := newServer(cat, log)
	srv.monitor = srv.newHealthMonitor(ctx, time.Duration(cfg.Health.Interval))
	go srv.monitor.Start(ctx, srv.nodes.All)
	defer srv.monitor.Stop()

	httpSrv := &http.Server{
		Addr:              cfg.Bind,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", cfg.Bind)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return errors.Wrap(err, "listen")
	}

	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdown); err != nil {
		log.Warnf("server shutdown: %v", err)
	}
	log.Infof("coordinator stopped")
	return nil
}
