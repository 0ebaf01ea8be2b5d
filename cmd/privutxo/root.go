package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ccoin/privutxo/internal/config"
	"github.com/ccoin/privutxo/internal/ledger"
	"github.com/ccoin/privutxo/internal/log"
	"github.com/ccoin/privutxo/internal/signer"
	"github.com/ccoin/privutxo/internal/storage"
	"github.com/ccoin/privutxo/internal/verifier"
	"github.com/ccoin/privutxo/pkg/types"
)

// GlobalFlags are shared by every command
type GlobalFlags struct {
	ConfigFile string
	KeyFile    string
	Endpoint   string
	Backend    string
	Timeout    time.Duration
	Verbose    bool
}

var globalFlags GlobalFlags

var rootCmd = &cobra.Command{
	Use:   "privutxo",
	Short: "Private UTXO wallet",
	Long: `privutxo manages confidential UTXOs backed by Pedersen commitments.

Values and blinding factors never leave the wallet. Every operation is proven
locally and submitted to a verifier, which only sees commitments, nullifiers
and proofs.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if kind := types.KindOf(err); kind != types.KindInternal && !types.IsRecoverable(err) {
			fmt.Fprintf(os.Stderr, "(%s: run 'privutxo sync' or check the signing key before retrying)\n", kind)
		}
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&globalFlags.ConfigFile, "config", "", "Path to JSON config file")
	pf.StringVar(&globalFlags.KeyFile, "key", "", "Signing key file, hex or JSON keystore (overrides config)")
	pf.StringVar(&globalFlags.Endpoint, "endpoint", "", "Verifier endpoint (overrides config)")
	pf.StringVar(&globalFlags.Backend, "backend", "", "Storage backend: memory|badger|postgres|redis (overrides config)")
	pf.DurationVar(&globalFlags.Timeout, "timeout", 0, "Verifier request timeout (overrides config)")
	pf.BoolVarP(&globalFlags.Verbose, "verbose", "v", false, "Log at debug level")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(depositCmd)
	rootCmd.AddCommand(splitCmd)
	rootCmd.AddCommand(transferCmd)
	rootCmd.AddCommand(withdrawCmd)
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(globalFlags.ConfigFile)
	if err != nil {
		return nil, err
	}
	if globalFlags.KeyFile != "" {
		cfg.Wallet.KeyFile = globalFlags.KeyFile
	}
	if globalFlags.Endpoint != "" {
		cfg.Verifier.Endpoint = globalFlags.Endpoint
	}
	if globalFlags.Backend != "" {
		cfg.Storage.Backend = globalFlags.Backend
	}
	if globalFlags.Timeout > 0 {
		cfg.Verifier.Timeout = config.Duration(globalFlags.Timeout)
	}
	if globalFlags.Verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, cfg.Validate()
}

// wallet is everything a command needs to talk to the verifier
type wallet struct {
	cfg     *config.Config
	logger  *zap.Logger
	client  *verifier.Client
	store   storage.Store
	service *ledger.Service
}

func (w *wallet) Close() {
	if w.store != nil {
		if err := w.store.Close(); err != nil {
			w.logger.Warn("failed to close store", zap.Error(err))
		}
	}
	_ = w.logger.Sync()
}

// openWallet builds the service and loads persisted records
func openWallet(ctx context.Context) (*wallet, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Wallet.KeyFile == "" {
		return nil, fmt.Errorf("no signing key: pass --key or set %sKEY_FILE", config.EnvPrefix)
	}

	logger, err := log.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	w := &wallet{
		cfg:    cfg,
		logger: logger,
		client: newClient(cfg),
	}

	key, err := signer.LoadKeySigner(cfg.Wallet.KeyFile, cfg.Wallet.Passphrase)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to load key: %w", err)
	}

	store, err := storage.Open(ctx, cfg.Storage, logger)
	if err != nil {
		w.Close()
		return nil, err
	}
	w.store = store
	if cfg.Storage.Seal {
		sealed, err := storage.NewSealedStore(ctx, store, key)
		if err != nil {
			w.Close()
			return nil, fmt.Errorf("failed to derive sealing key: %w", err)
		}
		w.store = sealed
	}

	engine, err := cfg.Engine.NewEngine()
	if err != nil {
		w.Close()
		return nil, err
	}
	circuits, err := cfg.Engine.NewCircuits()
	if err != nil {
		w.Close()
		return nil, err
	}

	w.service, err = ledger.NewService(ctx, &ledger.Config{
		Engine:     engine,
		Verifier:   w.client,
		Repository: w.store,
		Domain:     cfg.Engine.Domain(),
		Signers:    []ledger.Signer{key},
		Circuits:   circuits,
		Logger:     logger,
	})
	if err != nil {
		w.Close()
		return nil, err
	}

	// a failed reconcile leaves records as they were stored, which is still usable
	if _, err := w.service.Sync(ctx); err != nil {
		logger.Warn("sync incomplete", zap.Error(err))
	}
	return w, nil
}

func newClient(cfg *config.Config) *verifier.Client {
	return verifier.NewClient(cfg.Verifier.Endpoint, time.Duration(cfg.Verifier.Timeout))
}

// withWallet runs fn with an open wallet
func withWallet(fn func(ctx context.Context, w *wallet) error) error {
	ctx := context.Background()
	w, err := openWallet(ctx)
	if err != nil {
		return err
	}
	defer w.Close()
	return fn(ctx, w)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
