// Command statefoldd watches a remote chain service and keeps fold
// states synchronized, persisting confirmed snapshots across restarts.
//
// It ships with the example reducers subscribed; a real deployment
// would register its own.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/blockberries/statefold/badgerstore"
	"github.com/blockberries/statefold/blocktree"
	"github.com/blockberries/statefold/config"
	"github.com/blockberries/statefold/dispatcher"
	"github.com/blockberries/statefold/example/balances"
	"github.com/blockberries/statefold/example/counter"
	foldgrpc "github.com/blockberries/statefold/grpc"
	"github.com/blockberries/statefold/subscriber"
	"github.com/blockberries/statefold/types"
)

var flagConfig string

var rootCmd = &cobra.Command{
	Use:   "statefoldd",
	Short: "Fold derived state from chain events",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch the chain and keep fold states synchronized",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "",
		"path to a YAML config file (env STATEFOLD_* overrides it)")
	rootCmd.AddCommand(runCmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	genesis, err := cfg.Chain.GenesisBlock()
	if err != nil {
		return err
	}

	client, err := foldgrpc.Dial(ctx, cfg.Chain.Endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return err
	}
	defer client.Close()
	log.Info().Str("endpoint", cfg.Chain.Endpoint).Msg("connected to chain service")

	tree := blocktree.New(blocktree.Config{
		Genesis:     genesis,
		MaxLookback: cfg.Sync.MaxLookback,
	})
	d := dispatcher.New(log, client, tree, dispatcher.Config{
		MaxRetries:               cfg.Sync.MaxRetries,
		RetryDelay:               cfg.Sync.RetryDelay,
		MaxRetryDelay:            cfg.Sync.MaxRetryDelay,
		DefaultConfirmationDepth: cfg.Sync.ConfirmationDepth,
	})
	d.SetObserver(func(id types.QueryID, from, to dispatcher.Phase, err error) {
		ev := log.Info()
		if to == dispatcher.PhaseFaulted {
			ev = log.Error()
		}
		ev.Str("query", string(id)).
			Stringer("from", from).
			Stringer("to", to).
			Err(err).
			Msg("query phase change")
	})

	if cfg.Store.Dir != "" || cfg.Store.InMemory {
		store, err := openStore(cfg.Store)
		if err != nil {
			return err
		}
		defer store.Close()
		d.SetPersistence(store)
		log.Info().Str("dir", cfg.Store.Dir).Bool("in_memory", cfg.Store.InMemory).
			Msg("snapshot persistence enabled")
	}

	counterID := d.Subscribe(types.LogFilter{}, counter.Reducer{}, 0)
	ledgerID := d.Subscribe(balances.Filter(), balances.Reducer{}, 0)
	log.Info().
		Str("counter", string(counterID)).
		Str("ledger", string(ledgerID)).
		Msg("queries subscribed")

	w := subscriber.New(log, client, d, subscriber.Config{
		PollInterval: cfg.Sync.PollInterval,
		IdleTimeout:  cfg.Sync.IdleTimeout,
	})
	err = w.Run(ctx)
	if errors.Is(err, context.Canceled) {
		log.Info().Msg("shutting down")
		return nil
	}
	return err
}

func openStore(cfg config.Store) (*badgerstore.Store, error) {
	if cfg.InMemory {
		return badgerstore.OpenInMemory()
	}
	return badgerstore.Open(cfg.Dir)
}

func newLogger(cfg config.Config) zerolog.Logger {
	out := io.Writer(os.Stderr)
	if cfg.Log.Console {
		out = zerolog.NewConsoleWriter()
	}
	return zerolog.New(out).Level(cfg.LogLevel()).With().Timestamp().Logger()
}
