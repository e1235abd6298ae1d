package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/Abdullah1738/juno-lightclient/internal/cache"
	"github.com/Abdullah1738/juno-lightclient/internal/chain"
	"github.com/Abdullah1738/juno-lightclient/internal/config"
	"github.com/Abdullah1738/juno-lightclient/internal/logging"
	"github.com/Abdullah1738/juno-lightclient/internal/rewind"
	"github.com/Abdullah1738/juno-lightclient/internal/scanner"
	"github.com/Abdullah1738/juno-lightclient/internal/shielded"
	"github.com/Abdullah1738/juno-lightclient/internal/storage"
	"github.com/Abdullah1738/juno-lightclient/internal/store"
	"github.com/Abdullah1738/juno-lightclient/internal/synchronizer"
	"github.com/Abdullah1738/juno-lightclient/internal/wallet"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "juno-lightclient",
		Short:         "Shielded light client wallet for Juno Cash",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			a.close()
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	a.v = config.Register(root.PersistentFlags())

	root.AddCommand(
		mnemonicCmd(),
		initCmd(a),
		initAccountsCmd(a),
		initCheckpointCmd(a),
		ingestCmd(a),
		validateCmd(a),
		scanCmd(a),
		rewindCmd(a),
		balanceCmd(a),
		addressCmd(a),
		memoCmd(a),
		sendCmd(a),
		serveCmd(a),
	)
	return root
}

// app opens the configured stores lazily so commands only pay for what they
// touch.
type app struct {
	v   *viper.Viper
	cfg config.Config

	suite   *shielded.Suite
	logFile io.Closer

	st    store.Store
	cache cache.Store
}

func (a *app) setup() error {
	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg

	closer, err := logging.Setup(logging.Options{
		Level:    cfg.LogLevel,
		Format:   cfg.LogFormat,
		File:     cfg.LogFile,
		RotateKB: cfg.LogRotateKB,
		MaxRolls: cfg.LogMaxRolls,
	})
	if err != nil {
		return errors.Wrap(err, "setting up logging")
	}
	a.logFile = closer

	params, err := chain.ParamsFor(cfg.Network)
	if err != nil {
		return err
	}
	a.suite = shielded.NewSuite(params)
	return nil
}

func (a *app) close() {
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.st != nil {
		_ = a.st.Close()
	}
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}

func (a *app) store(ctx context.Context) (store.Store, error) {
	if a.st != nil {
		return a.st, nil
	}
	st, err := storage.OpenStore(ctx, storage.Config{
		Driver: a.cfg.DBDriver,
		DSN:    a.cfg.DBDSN,
		Schema: a.cfg.DBSchema,
		Path:   a.cfg.DBPath,
	})
	if err != nil {
		return nil, errors.Wrap(err, "opening data store")
	}
	a.st = st
	return st, nil
}

func (a *app) blockCache(ctx context.Context) (cache.Store, error) {
	if a.cache != nil {
		return a.cache, nil
	}
	c, err := storage.OpenCache(ctx, storage.Config{Driver: a.cfg.CacheDriver, Path: a.cfg.CachePath})
	if err != nil {
		return nil, errors.Wrap(err, "opening block cache")
	}
	a.cache = c
	return c, nil
}

func (a *app) wallet(ctx context.Context) (*wallet.Wallet, error) {
	st, err := a.store(ctx)
	if err != nil {
		return nil, err
	}
	return wallet.New(st, a.suite, a.cfg.MinConfirmations)
}

func (a *app) rewinder(ctx context.Context) (*rewind.Controller, error) {
	st, err := a.store(ctx)
	if err != nil {
		return nil, err
	}
	c, err := a.blockCache(ctx)
	if err != nil {
		return nil, err
	}
	return rewind.New(st, c)
}

func (a *app) synchronizer(ctx context.Context) (*synchronizer.Synchronizer, error) {
	rw, err := a.rewinder(ctx)
	if err != nil {
		return nil, err
	}
	sc, err := scanner.New(a.st, a.suite, scanner.Options{
		Workers:             a.cfg.Workers,
		CheckpointRetention: a.cfg.CheckpointRetention,
		CheckpointInterval:  a.cfg.CheckpointInterval,
	})
	if err != nil {
		return nil, err
	}
	return synchronizer.New(a.cache, a.st, sc, rw, synchronizer.Options{
		PollInterval:   a.cfg.PollInterval,
		ReorgStep:      a.cfg.ReorgStep,
		CacheRetention: a.cfg.CacheRetention,
		BatchSize:      a.cfg.ScanBatch,
	})
}
