package sase

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// SIGHUPReloader watches for SIGHUP signals and reinstalls the policy.
// Call Cancel to stop watching.
type SIGHUPReloader struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the SIGHUP watcher and waits for it to exit.
func (r *SIGHUPReloader) Cancel() {
	r.cancel()
	<-r.done
}

// ReloadFunc is called on each SIGHUP. It returns the policy to install,
// or nil to keep the current one.
type ReloadFunc func(ctx context.Context) (*PolicyConfig, error)

// SeedReload returns a ReloadFunc that reinstalls seed with a zeroed
// counter.
func SeedReload(seed PolicyConfig) ReloadFunc {
	return func(context.Context) (*PolicyConfig, error) {
		p := seed.Clone()
		p.StatsBlockedToday = 0
		return &p, nil
	}
}

// WatchSIGHUP starts a goroutine that calls reload on every SIGHUP and
// replaces the policy in store with its result. A failed reload keeps the
// current policy.
func WatchSIGHUP(store *PolicyStore, reload ReloadFunc, logger *slog.Logger, metrics *Metrics) *SIGHUPReloader {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	go func() {
		defer close(done)
		defer signal.Stop(sigCh)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				logger.Info("received SIGHUP, reloading policy")
				p, err := reload(ctx)
				if err != nil {
					logger.Error("policy reload failed", "error", err)
					continue
				}
				if p == nil {
					continue
				}
				store.Replace(*p)
				if metrics != nil {
					metrics.RecordPolicyReplacement()
				}
				logger.Info("policy reloaded", "blocked_domains", len(p.BlockedDomains))
			}
		}
	}()

	return &SIGHUPReloader{cancel: cancel, done: done}
}
