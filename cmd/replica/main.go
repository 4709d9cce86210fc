// Command replica runs one paxosrep replica process: it loads
// configuration, wires the chosen state machine / durable view store /
// client batch store, constructs the replica composition root, and
// starts its network fabric, client listener, and admin HTTP surface.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ruvnet/paxosrep/internal/admin"
	"github.com/ruvnet/paxosrep/internal/batcher"
	"github.com/ruvnet/paxosrep/internal/config"
	"github.com/ruvnet/paxosrep/internal/consensus"
	"github.com/ruvnet/paxosrep/internal/replica"
	"github.com/ruvnet/paxosrep/internal/statemachine"
	"github.com/ruvnet/paxosrep/internal/statemachine/kv"
	"github.com/ruvnet/paxosrep/internal/statemachine/pgkv"
	"github.com/ruvnet/paxosrep/internal/storage"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "replica",
	Short: "Run a paxosrep consensus replica",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a key=value property file layered over environment variables")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	sm, err := buildStateMachine(cfg)
	if err != nil {
		return fmt.Errorf("building state machine: %w", err)
	}

	views, err := buildViewStore(cfg)
	if err != nil {
		return fmt.Errorf("building view store: %w", err)
	}

	batchStore, err := buildBatchStore(cfg)
	if err != nil {
		return fmt.Errorf("building client batch store: %w", err)
	}

	rep, err := replica.New(cfg, sm, views, batchStore, logger)
	if err != nil {
		return fmt.Errorf("constructing replica: %w", err)
	}
	rep.Start()
	defer rep.Stop()

	listener, err := replica.NewClientListener(rep, cfg.ClientAddr, logger)
	if err != nil {
		return fmt.Errorf("starting client listener on %s: %w", cfg.ClientAddr, err)
	}
	defer listener.Close()

	adminSrv := admin.New(rep, rep.Metrics(), cfg.AdminJWTSecret, logger)
	httpSrv := &http.Server{Addr: cfg.AdminHTTPAddr, Handler: adminSrv.Handler()}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin HTTP server stopped", zap.Error(err))
		}
	}()
	defer httpSrv.Close()

	logger.Info("replica started",
		zap.Int("replica_id", cfg.ReplicaID),
		zap.String("client_addr", cfg.ClientAddr),
		zap.String("admin_addr", cfg.AdminHTTPAddr),
		zap.String("network", string(cfg.Network)),
		zap.String("crash_model", string(cfg.CrashModel)),
	)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	return nil
}

func buildStateMachine(cfg *config.Config) (statemachine.StateMachine, error) {
	if cfg.PostgresDSN != "" {
		return pgkv.Open(cfg.PostgresDSN)
	}
	return kv.New(), nil
}

func buildViewStore(cfg *config.Config) (consensus.ViewStore, error) {
	switch cfg.CrashModel {
	case config.CrashModelViewSS, config.CrashModelEpochSS:
		dir := filepath.Join(cfg.LogPath, fmt.Sprintf("replica-%d", cfg.ReplicaID))
		return storage.NewFileViewStore(dir)
	default:
		return consensus.NewMemViewStore(), nil
	}
}

// buildBatchStore picks the shared ClientBatchStore per crash model: an
// in-memory store when no RedisAddr is configured, a Redis-backed one
// otherwise. Under FullSS no store is constructed at all: the replica
// receives a nil ClientBatchStore, and the batching path fails fast with a
// nil-interface panic the first time it stores a batch.
func buildBatchStore(cfg *config.Config) (batcher.ClientBatchStore, error) {
	if !cfg.ClientBatchStoreAvailable() {
		return nil, nil
	}
	if cfg.RedisAddr == "" {
		return batcher.NewMemClientBatchStore(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return batcher.NewRedisClientBatchStore(client, "paxosrep"), nil
}
