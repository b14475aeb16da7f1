package main

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bioreg/bioreg/internal/commitment"
	"github.com/bioreg/bioreg/internal/config"
	"github.com/bioreg/bioreg/internal/consensus"
	"github.com/bioreg/bioreg/internal/gateway"
	"github.com/bioreg/bioreg/internal/metrics"
	"github.com/bioreg/bioreg/internal/notify"
	"github.com/bioreg/bioreg/internal/registry"
	"github.com/bioreg/bioreg/internal/storage"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "bioreg",
	Short: "Bioreg - Fuzzy-Commitment Identity Registry",
	Long:  `A replicated registry of biometric fuzzy commitments with an append-only authentication audit trail`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "bioreg.yaml", "config file path")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(commitCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("bioreg v0.1.0")
		fmt.Println("Fuzzy-Commitment Identity Registry")
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the registry data directory and genesis owner",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		store, err := storage.New(filepath.Join(cfg.Node.DataDir, "bioreg.db"))
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		defer store.Close()

		reg := registry.New(store)
		if reg.Bootstrapped() {
			fmt.Printf("Registry already bootstrapped, owner: %s\n", reg.Owner())
			return nil
		}

		if err := bootstrapOwner(reg, cfg); err != nil {
			return fmt.Errorf("failed to bootstrap owner: %w", err)
		}

		fmt.Printf("Initialized registry node: %s\n", cfg.Node.ID)
		fmt.Printf("Owner: %s (%s)\n", cfg.Registry.OwnerAddress, cfg.Registry.OwnerName)
		fmt.Printf("Data directory: %s\n", cfg.Node.DataDir)
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the registry node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		logger := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("node", cfg.Node.ID)
		logger.Info("starting registry node")

		store, err := storage.New(filepath.Join(cfg.Node.DataDir, "bioreg.db"))
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		defer store.Close()

		var sinks []notify.Sink
		if cfg.Notify.Enabled {
			if cfg.Notify.WebhookURL != "" {
				sinks = append(sinks, notify.NewWebhookSink(cfg.Notify.WebhookURL))
			}
			if cfg.Notify.PostgresDSN != "" {
				pgSink, err := notify.NewPostgresSink(cmd.Context(), cfg.Notify.PostgresDSN)
				if err != nil {
					return fmt.Errorf("failed to connect event exporter: %w", err)
				}
				defer pgSink.Close()
				sinks = append(sinks, pgSink)
			}
		}

		opts := []registry.Option{registry.WithRecorder(metrics.New())}
		if len(sinks) > 0 {
			fanout := notify.NewFanout(logger, sinks...)
			defer fanout.Close()
			opts = append(opts, registry.WithNotifier(fanout))
		}

		reg := registry.New(store, opts...)

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		var submitter gateway.Submitter = reg
		var raftNode *consensus.Node

		if len(cfg.Node.Peers) > 0 {
			logger.Info("starting raft consensus", "bind_addr", cfg.Node.BindAddr)
			raftNode, err = consensus.NewNode(&consensus.NodeConfig{
				NodeID:    cfg.Node.ID,
				BindAddr:  cfg.Node.BindAddr,
				DataDir:   cfg.Node.DataDir,
				Bootstrap: cfg.Node.Bootstrap,
				Peers:     cfg.Node.Peers,
				PeerAddrs: cfg.Node.PeerAddrs,
			}, reg, store)
			if err != nil {
				return fmt.Errorf("failed to create raft node: %w", err)
			}
			if err := raftNode.Start(ctx); err != nil {
				return fmt.Errorf("failed to start raft node: %w", err)
			}
			defer raftNode.Stop()
			submitter = raftNode

			go ensureBootstrap(ctx, raftNode, reg, cfg, logger)

			if interval := cfg.LeadershipTransferInterval(); interval > 0 {
				rotator := consensus.NewLeadershipRotator(raftNode, interval, logger)
				go rotator.Start(ctx)
				defer rotator.Stop()
			}
		} else {
			logger.Info("running in single-node mode")
			if !reg.Bootstrapped() {
				if err := bootstrapOwner(reg, cfg); err != nil {
					return fmt.Errorf("failed to bootstrap owner: %w", err)
				}
				logger.Info("registry bootstrapped", "owner", cfg.Registry.OwnerAddress)
			}
		}

		var httpServer *http.Server
		if cfg.Gateway.Enabled {
			server := gateway.NewServer(reg, submitter, []byte(cfg.Gateway.AuthSecret), logger)
			httpServer = &http.Server{
				Addr:    cfg.Gateway.ListenAddr,
				Handler: server.Router(),
			}
			go func() {
				logger.Info("gateway listening", "addr", cfg.Gateway.ListenAddr)
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("gateway failed", "error", err)
				}
			}()
		}

		logger.Info("registry node is running")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logger.Info("shutting down")
		if httpServer != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("gateway shutdown failed", "error", err)
			}
		}

		logger.Info("registry node stopped")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display registry status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		store, err := storage.New(filepath.Join(cfg.Node.DataDir, "bioreg.db"))
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer store.Close()

		reg := registry.New(store)
		totals := reg.Totals()

		fmt.Printf("Node ID: %s\n", cfg.Node.ID)
		fmt.Printf("Data Directory: %s\n", cfg.Node.DataDir)
		if reg.Bootstrapped() {
			fmt.Printf("Owner: %s\n", reg.Owner())
		} else {
			fmt.Println("Owner: (not bootstrapped)")
		}
		fmt.Printf("Subjects enrolled: %d\n", totals.Subjects)
		fmt.Printf("Nodes registered: %d\n", totals.Nodes)
		fmt.Printf("Audit records: %d\n", totals.AuthRecords)
		return nil
	},
}

var (
	tokenAddress string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a caller token for a node address",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Gateway.AuthSecret == "" {
			return fmt.Errorf("gateway.auth_secret is not configured")
		}
		if tokenAddress == "" {
			return fmt.Errorf("--address is required")
		}

		token, err := gateway.MintToken([]byte(cfg.Gateway.AuthSecret), tokenAddress, tokenTTL)
		if err != nil {
			return fmt.Errorf("failed to mint token: %w", err)
		}

		fmt.Println(token)
		return nil
	},
}

var commitFeaturesFile string

var commitCmd = &cobra.Command{
	Use:   "commit",
	Short: "Create a fuzzy commitment from a feature vector file",
	Long: `Reads a JSON array of feature values, generates a fresh secret key and
prints the commitment hash and helper data. The secret key is printed for
the enrolling party and must be discarded after enrollment.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		data, err := os.ReadFile(commitFeaturesFile)
		if err != nil {
			return fmt.Errorf("failed to read feature file: %w", err)
		}

		var features []float64
		if err := json.Unmarshal(data, &features); err != nil {
			return fmt.Errorf("failed to parse feature vector: %w", err)
		}

		params := commitment.Params{
			KeyLength:  cfg.Codec.KeyLength,
			FeatureDim: cfg.Codec.FeatureDim,
			Redundancy: cfg.Codec.Redundancy,
		}

		key, err := params.NewKey()
		if err != nil {
			return err
		}

		hash, delta, err := params.Commit(key, features)
		if err != nil {
			return fmt.Errorf("failed to create commitment: %w", err)
		}

		out, _ := json.MarshalIndent(map[string]string{
			"commitment_hash": hash,
			"delta":           base64.StdEncoding.EncodeToString(delta),
			"secret_key":      hex.EncodeToString(key),
		}, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenAddress, "address", "", "node address to mint the token for")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	commitCmd.Flags().StringVar(&commitFeaturesFile, "features", "features.json", "JSON file with the feature vector")
}

func bootstrapOwner(reg *registry.Registry, cfg *config.Config) error {
	cmd, err := registry.NewCommand(registry.OpBootstrap, cfg.Registry.OwnerAddress, registry.BootstrapArgs{
		OwnerAddress: cfg.Registry.OwnerAddress,
		OwnerName:    cfg.Registry.OwnerName,
	})
	if err != nil {
		return err
	}
	_, err = reg.Apply(cmd)
	return err
}

// ensureBootstrap proposes the genesis owner through raft once a leader is
// elected, so the bootstrap lands in the replicated log like every other
// mutation.
func ensureBootstrap(ctx context.Context, node *consensus.Node, reg *registry.Registry, cfg *config.Config, logger *slog.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if reg.Bootstrapped() {
				return
			}
			if !node.IsLeader() {
				continue
			}

			cmd, err := registry.NewCommand(registry.OpBootstrap, cfg.Registry.OwnerAddress, registry.BootstrapArgs{
				OwnerAddress: cfg.Registry.OwnerAddress,
				OwnerName:    cfg.Registry.OwnerName,
			})
			if err != nil {
				logger.Error("failed to build bootstrap command", "error", err)
				return
			}
			if _, err := node.Submit(ctx, cmd); err != nil {
				logger.Error("bootstrap submission failed", "error", err)
				continue
			}
			logger.Info("registry bootstrapped", "owner", cfg.Registry.OwnerAddress)
			return
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
