package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/crossline/relayd/pkg/db"
	"github.com/crossline/relayd/pkg/orchestrator"
	"github.com/crossline/relayd/pkg/relayer"
	"github.com/crossline/relayd/pkg/relayer/evm"
	"github.com/crossline/relayd/pkg/relayer/solana"
	"github.com/crossline/relayd/pkg/relayer/substrate"
	"github.com/crossline/relayd/pkg/relayer/tron"
	"github.com/crossline/relayd/pkg/status"
	"github.com/crossline/relayd/pkg/tracker"
)

const envPrefix = "RELAYD"

var (
	configPath *string
	listenAddr *string
	dbPath     *string

	threshold      *int
	maxRetries     *int
	retryBaseDelay *time.Duration
	pollInterval   *time.Duration

	logLevel *string
)

func init() {
	configPath = startCmd.Flags().String("config", "", "Path to the chain configuration file (required)")
	listenAddr = startCmd.Flags().String("listenAddr", "[::]:6060", "Listen address for the status server (disabled if blank)")
	dbPath = startCmd.Flags().String("dbPath", "", "Path to the attestation cache database (in-memory if blank)")

	threshold = startCmd.Flags().Int("threshold", 2, "Minimum attester signature count")
	maxRetries = startCmd.Flags().Int("maxRetries", 5, "Relay attempts before a message is marked failed")
	retryBaseDelay = startCmd.Flags().Duration("retryBaseDelay", time.Minute, "First retry delay, doubled per attempt")
	pollInterval = startCmd.Flags().Duration("pollInterval", 30*time.Second, "Retry sweep period")

	logLevel = startCmd.Flags().String("logLevel", "info", "Logging level (debug, info, warn, error, dpanic, panic, fatal)")
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the relay service",
	Run:   runStart,
}

// loadChains reads the per-chain configuration from the config file and binds
// unset flags to config file values and RELAYD_* environment variables.
func loadChains(cmd *cobra.Command) ([]relayer.ChainConfig, error) {
	v := viper.New()
	v.SetConfigFile(*configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	// Flag > environment > config file > flag default.
	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if !f.Changed && v.IsSet(f.Name) {
			if err := cmd.Flags().Set(f.Name, v.GetString(f.Name)); err != nil {
				bindErr = err
			}
		}
	})
	if bindErr != nil {
		return nil, bindErr
	}

	var chains []relayer.ChainConfig
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
	))
	if err := v.UnmarshalKey("chains", &chains, hook); err != nil {
		return nil, err
	}
	return chains, nil
}

func buildRelayer(cfg relayer.ChainConfig, logger *zap.Logger) relayer.Relayer {
	switch cfg.Type {
	case relayer.ChainTypeEVM:
		return evm.New(cfg, logger)
	case relayer.ChainTypeSolana:
		return solana.New(cfg, logger)
	case relayer.ChainTypeSubstrate:
		return substrate.New(cfg, logger)
	case relayer.ChainTypeTron:
		return tron.New(cfg, logger)
	default:
		return nil
	}
}

func runStart(cmd *cobra.Command, args []string) {
	lvl, err := zap.ParseAtomicLevel(*logLevel)
	if err != nil {
		fmt.Println("Invalid log level")
		os.Exit(1)
	}

	logCfg := zap.NewProductionConfig()
	logCfg.Level = lvl
	logger, err := logCfg.Build()
	if err != nil {
		fmt.Println("Failed to build logger")
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if *configPath == "" {
		logger.Fatal("Please specify --config")
	}

	chains, err := loadChains(cmd)
	if err != nil {
		logger.Fatal("failed to load chain configuration", zap.Error(err))
	}

	relayers := make([]relayer.Relayer, 0, len(chains))
	for i := range chains {
		cfg := chains[i]
		if !cfg.Enabled {
			logger.Info("chain disabled, skipping", zap.String("chain", cfg.Name))
			continue
		}
		if err := cfg.Validate(); err != nil {
			logger.Fatal("invalid chain configuration", zap.Error(err))
		}
		r := buildRelayer(cfg, logger)
		if r == nil {
			logger.Fatal("unsupported chain type",
				zap.String("chain", cfg.Name), zap.Stringer("type", cfg.Type))
		}
		relayers = append(relayers, r)
	}
	if len(relayers) == 0 {
		logger.Fatal("no enabled chains in configuration")
	}

	var store *db.Database
	if *dbPath != "" {
		store, err = db.Open(*dbPath)
	} else {
		logger.Info("no --dbPath given, attestation cache is in-memory only")
		store, err = db.OpenInMemory()
	}
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer store.Close() //nolint:errcheck

	tr := tracker.New(tracker.Config{
		MaxRetries:         *maxRetries,
		BaseDelay:          *retryBaseDelay,
		MaxDelay:           time.Hour,
		ExponentialBackoff: true,
	})

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.SignatureThreshold = *threshold
	orchCfg.PollInterval = *pollInterval

	orch := orchestrator.New(logger, orchCfg, tr, store, relayers)

	// Service's main lifecycle context.
	rootCtx, rootCtxCancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer rootCtxCancel()

	var statusServer *http.Server
	if *listenAddr != "" {
		statusServer = status.NewServer(*listenAddr, logger, orch)
		go func() {
			logger.Info("status server listening", zap.String("addr", *listenAddr))
			if err := statusServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server crashed", zap.Error(err))
				rootCtxCancel()
			}
		}()
	}

	logger.Info("relayd starting",
		zap.Int("chains", len(relayers)),
		zap.Int("threshold", *threshold),
		zap.Int("maxRetries", *maxRetries))

	if err := orch.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("orchestrator exited", zap.Error(err))
	}

	if statusServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := statusServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("status server shutdown failed", zap.Error(err))
		}
	}
	logger.Info("relayd stopped")
}
