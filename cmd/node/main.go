// Package main implements the Torua node service. A node stores the
// documents of the chunks assigned to it and refuses writes for keys it
// does not own under its current partition map.
//
//	┌─────────────────────────────────────────────┐
//	│                   Node                      │
//	├─────────────────────────────────────────────┤
//	│  /health /metrics /info /control            │
//	│  /collections/{ns}            map info      │
//	│  /collections/{ns}/refresh    reload map    │
//	│  /collections/{ns}/chunks     apply delta   │
//	│  /collections/{ns}/owns       ownership     │
//	│  /collections/{ns}/docs/{id}  documents     │
//	├─────────────────────────────────────────────┤
//	│  metadata.Holder   active partition maps    │
//	│  metadata.Syncer   snapshots and deltas     │
//	│  shard.Shard       per-collection storage   │
//	└─────────────────────────────────────────────┘
//
// Example usage:
//
//	torua-node --id node-1 --bind :8081 \
//	  --advertise http://localhost:8081 \
//	  --coordinator http://localhost:8080
//
//	# or with the environment
//	TORUA_ID=node-1 TORUA_COORDINATOR=http://localhost:8080 torua-node
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dreamware/torua/internal/cluster"
	"github.com/dreamware/torua/internal/config"
	"github.com/dreamware/torua/internal/errors"
	"github.com/dreamware/torua/internal/logger"
	"github.com/dreamware/torua/internal/storage"
)

func main() {
	if err := newRootCommand(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	cfg := &config.Node{}
	rc := &cobra.Command{
		Use:           "torua-node",
		Short:         "Run a Torua storage node.",
		SilenceUsage:  true,
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
			return run(ctx, cfg, log.WithPrefix(fmt.Sprintf("node[%s] ", cfg.ID)))
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

// run serves the node until ctx is done.
func run(ctx context.Context, cfg *config.Node, log logger.Logger) error {
	var backend storage.Backend
	if cfg.DataDir == "" {
		backend = storage.NewMemoryBackend()
		log.Infof("keeping documents in memory")
	} else {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return errors.Wrap(err, "creating data directory")
		}
		b, err := storage.OpenBolt(filepath.Join(cfg.DataDir, "documents.db"))
		if err != nil {
			return err
		}
		backend = b
	}
	defer backend.Close()

	client := cluster.NewClient(log, 4, 5*time.Second)
	n := NewNode(cfg.ID, backend, client, cfg.Coordinator, log)

	s := &http.Server{
		Addr:              cfg.Bind,
		Handler:           n.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Infof("listening on %s (public %s)", cfg.Bind, cfg.Advertise)
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	if err := register(ctx, client, cfg.Coordinator, cluster.NodeInfo{ID: cfg.ID, Addr: cfg.Advertise}, log); err != nil {
		_ = s.Close()
		return err
	}
	if err := n.LoadAll(ctx); err != nil {
		log.Warnf("loading partition maps: %v", err)
	}

	select {
	case <-ctx.Done():
	case err := <-errc:
		return errors.Wrap(err, "listen")
	}

	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdown); err != nil {
		log.Warnf("server shutdown: %v", err)
	}
	log.Infof("node stopped")
	return nil
}

// registerAttempts bounds the registration loop; each attempt is itself
// retried by the client.
var registerAttempts = 10

// register announces the node to the coordinator, retrying while the
// coordinator starts up.
func register(ctx context.Context, client *cluster.Client, coord string, node cluster.NodeInfo, log logger.Logger) error {
	body := cluster.RegisterRequest{Node: node}
	var lastErr error

	for i := 0; i < registerAttempts; i++ {
		lastErr = client.PostJSON(ctx, coord+"/register", body, nil)
		if lastErr == nil {
			log.Infof("registered with coordinator @ %s", coord)
			return nil
		}
		log.Warnf("register retry %d: %v", i+1, lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(400 * time.Millisecond):
		}
	}
	return errors.WithMessage(lastErr, "registering with coordinator")
}
