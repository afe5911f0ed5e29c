// Package subscriber drives sync cycles from new chain heads. It
// prefers a push subscription when the accessor supports one, with
// reconnect and idle-timeout handling, and falls back to polling
// otherwise.
package subscriber

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/blockberries/statefold"
	"github.com/blockberries/statefold/types"
)

// Syncer is the downstream of a Watcher, typically
// *dispatcher.Dispatcher.
type Syncer interface {
	Sync(ctx context.Context) error
}

// Config parameterizes the watch loop. Zero fields take the package
// defaults.
type Config struct {
	// PollInterval is the cadence of the polling fallback, used when
	// the accessor does not implement statefold.HeadSource.
	PollInterval time.Duration
	// IdleTimeout bounds the silence tolerated on a head subscription
	// before it is torn down and reopened. Nodes drop idle
	// subscriptions without closing them; this is the recovery.
	IdleTimeout time.Duration
	// ReconnectDelay is the initial delay between resubscription
	// attempts, doubled per failure up to MaxReconnectDelay.
	ReconnectDelay time.Duration
	// MaxReconnectDelay caps the resubscription backoff.
	MaxReconnectDelay time.Duration
}

const (
	DefaultPollInterval      = time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultReconnectDelay    = time.Second
	DefaultMaxReconnectDelay = 32 * time.Second
)

func (c Config) withDefaults() Config {
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = DefaultMaxReconnectDelay
	}
	return c
}

// Watcher runs sync cycles whenever the chain advances. Sync failures
// are logged and do not stop the loop; the downstream owns per-query
// failure handling.
type Watcher struct {
	log      zerolog.Logger
	accessor statefold.ChainAccessor
	syncer   Syncer
	cfg      Config
}

// New creates a watcher over the accessor, feeding the syncer.
func New(log zerolog.Logger, accessor statefold.ChainAccessor, syncer Syncer, cfg Config) *Watcher {
	return &Watcher{
		log:      log.With().Str("component", "subscriber").Logger(),
		accessor: accessor,
		syncer:   syncer,
		cfg:      cfg.withDefaults(),
	}
}

// Run blocks until ctx is canceled, syncing on every new head. It
// always runs one initial sync so subscribers converge even on a quiet
// chain.
func (w *Watcher) Run(ctx context.Context) error {
	w.sync(ctx)

	if hs, ok := w.accessor.(statefold.HeadSource); ok {
		return w.watch(ctx, hs)
	}
	w.log.Debug().Dur("interval", w.cfg.PollInterval).Msg("accessor has no head subscription, polling")
	return w.poll(ctx)
}

func (w *Watcher) watch(ctx context.Context, hs statefold.HeadSource) error {
	backoff := retry.WithCappedDuration(w.cfg.MaxReconnectDelay, retry.NewExponential(w.cfg.ReconnectDelay))

	for {
		heads, cancel, err := hs.SubscribeNewHeads(ctx)
		if err != nil {
			delay, _ := backoff.Next()
			w.log.Warn().Err(err).Dur("retry_in", delay).Msg("head subscription failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		backoff = retry.WithCappedDuration(w.cfg.MaxReconnectDelay, retry.NewExponential(w.cfg.ReconnectDelay))

		// Catch up on anything minted while resubscribing.
		w.sync(ctx)

		err = w.consume(ctx, heads)
		cancel()
		if err != nil {
			return err
		}
		w.log.Debug().Msg("head subscription closed, resubscribing")
	}
}

// consume drains one subscription until it closes, goes idle, or ctx
// ends. A nil return means resubscribe.
func (w *Watcher) consume(ctx context.Context, heads <-chan types.BlockID) error {
	idle := time.NewTimer(w.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case head, ok := <-heads:
			if !ok {
				return nil
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(w.cfg.IdleTimeout)
			w.log.Debug().Uint64("head", head.Number).Str("hash", head.Hash.Short()).Msg("new head")
			w.sync(ctx)
		case <-idle.C:
			w.log.Warn().Dur("idle_timeout", w.cfg.IdleTimeout).Msg("head subscription idle, reopening")
			return nil
		}
	}
}

func (w *Watcher) poll(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	var last types.BlockID
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			head, err := w.accessor.Head(ctx)
			if err != nil {
				w.log.Warn().Err(err).Msg("head poll failed")
				continue
			}
			if head.SameAs(last) {
				continue
			}
			last = head
			w.sync(ctx)
		}
	}
}

func (w *Watcher) sync(ctx context.Context) {
	if err := w.syncer.Sync(ctx); err != nil && ctx.Err() == nil {
		w.log.Warn().Err(err).Msg("sync cycle reported errors")
	}
}
