// verifierd - Verifier daemon for private UTXO operations
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ccoin/privutxo/internal/config"
	"github.com/ccoin/privutxo/internal/log"
	"github.com/ccoin/privutxo/internal/metrics"
	"github.com/ccoin/privutxo/internal/p2p"
	"github.com/ccoin/privutxo/internal/verifier"
)

const (
	version = "0.1.0"
	banner  = `
            _            _
  _ __ _ __(_)_   ___  _| |_ _____  __
 | '_ \ '__| \ \ / / | | | __/ _ \ \/ /
 | |_) | |  | |\ V /| |_| | || (_) >  <
 | .__/|_|  |_| \_/  \__,_|\__\___/_/\_\
 |_|
  Verifier Daemon v%s
`
	shutdownTimeout = 10 * time.Second
)

// Flags holds command line overrides
type Flags struct {
	ConfigFile string
	ListenAddr string
	LogLevel   string
	LogFile    string
	P2P        bool
	P2PListen  string
	Bootstrap  string
	NoBanner   bool
}

func main() {
	flags := parseFlags()

	if !flags.NoBanner {
		fmt.Printf(banner, version)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		cancel()
	}()

	if err := run(ctx, flags); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigFile, "config", "", "Path to JSON config file")
	flag.StringVar(&f.ListenAddr, "listen", "", "HTTP API listen address (overrides config)")

	// Logging flags
	flag.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&f.LogFile, "log-file", "", "Log file path (empty for stderr only)")

	// Network flags
	flag.BoolVar(&f.P2P, "p2p", false, "Enable gossip with other verifiers")
	flag.StringVar(&f.P2PListen, "p2p-listen", "", "P2P listen multiaddr (overrides config)")
	flag.StringVar(&f.Bootstrap, "bootstrap", "", "Comma separated bootstrap peer multiaddrs")

	flag.BoolVar(&f.NoBanner, "no-banner", false, "Do not print the banner")

	flag.Parse()

	return f
}

func loadConfig(f *Flags) (*config.Config, error) {
	cfg, err := config.LoadConfig(f.ConfigFile)
	if err != nil {
		return nil, err
	}
	if f.ListenAddr != "" {
		cfg.Verifier.ListenAddr = f.ListenAddr
	}
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.LogFile != "" {
		cfg.Log.File = f.LogFile
	}
	if f.P2P {
		cfg.Verifier.P2P.Enabled = true
	}
	if f.P2PListen != "" {
		cfg.Verifier.P2P.ListenAddrs = []string{f.P2PListen}
	}
	if f.Bootstrap != "" {
		cfg.Verifier.P2P.BootstrapPeers = strings.Split(f.Bootstrap, ",")
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, f *Flags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := log.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	engine, err := cfg.Engine.NewEngine()
	if err != nil {
		return err
	}
	lo, hi := engine.Bounds()

	circuits, err := cfg.Engine.NewCircuits()
	if err != nil {
		return err
	}

	local, err := verifier.NewLocal(ctx, &verifier.Config{
		Engine:              engine,
		Domain:              cfg.Engine.Domain(),
		TreeDepth:           cfg.Verifier.TreeDepth,
		Circuits:            circuits,
		RequireConservation: cfg.Engine.SNARK,
		Logger:              logger,
		Metrics:             m,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize verifier: %w", err)
	}
	logger.Info("verifier initialized",
		zap.String("hasher", cfg.Engine.Hasher),
		zap.Stringer("min_value", lo),
		zap.Stringer("max_value", hi),
		zap.Int64("chain_id", cfg.Engine.ChainID),
		zap.Bool("snark", cfg.Engine.SNARK),
		zap.Stringer("root", local.Root()))

	if cfg.Verifier.P2P.Enabled {
		node, err := startGossip(ctx, cfg, local, logger, m)
		if err != nil {
			return err
		}
		defer node.Close()
	}

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	server := verifier.NewServer(local, &verifier.ServerConfig{
		ListenAddr:  cfg.Verifier.ListenAddr,
		MetricsPath: metricsPath,
		Logger:      logger,
		Metrics:     m,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	fmt.Println("Verifier started. Press Ctrl+C to stop.")

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("API server failed: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("API server shutdown", zap.Error(err))
	}

	logger.Info("verifier stopped", zap.Uint64("sequence", local.Sequence()))
	return nil
}

func startGossip(ctx context.Context, cfg *config.Config, local *verifier.Local, logger *zap.Logger, m *metrics.Metrics) (*p2p.Node, error) {
	pc := cfg.Verifier.P2P
	node, err := p2p.NewNode(ctx, &p2p.Config{
		ListenAddrs:    pc.ListenAddrs,
		BootstrapPeers: pc.BootstrapPeers,
		Topic:          pc.Topic,
		MaxPeers:       pc.MaxPeers,
		EnableMDNS:     pc.EnableMDNS,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start p2p node: %w", err)
	}

	gossip := verifier.NewGossip(local, node, &verifier.GossipConfig{
		ChainID: uint64(cfg.Engine.ChainID),
		Logger:  logger,
		Metrics: m,
	})
	node.Start()
	go gossip.Run(ctx)

	logger.Info("gossip enabled",
		zap.String("peer_id", node.ID().String()),
		zap.Strings("addrs", node.Addrs()),
		zap.String("topic", pc.Topic))
	return node, nil
}
