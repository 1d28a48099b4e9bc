package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Keeper owns the current credential for one manager instance. At most one
// credential is current at any time; swaps are atomic so readers never see
// a torn value.
type Keeper struct {
	provider Provider
	interval time.Duration
	logger   *slog.Logger

	cur atomic.Pointer[Credential]

	// acquireMu serializes Acquire calls so a renewal failure and a
	// concurrent Current() miss cannot both mint credentials.
	acquireMu sync.Mutex

	// onRotate is invoked with the new credential after a rotation (a
	// renewal that had to fall back to Acquire). Optional.
	onRotate func(Credential)
}

// KeeperConfig configures a Keeper.
type KeeperConfig struct {
	// RenewInterval is how often Renew is attempted. Must be shorter than
	// the credential TTL.
	RenewInterval time.Duration
}

// NewKeeper creates a Keeper around a provider.
func NewKeeper(cfg KeeperConfig, provider Provider, logger *slog.Logger) *Keeper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = 20 * time.Minute
	}
	return &Keeper{
		provider: provider,
		interval: cfg.RenewInterval,
		logger:   logger,
	}
}

// OnRotate registers a hook called after the credential is replaced by a
// fresh acquisition. Must be set before Run starts.
func (k *Keeper) OnRotate(fn func(Credential)) {
	k.onRotate = fn
}

// Current returns the current credential, acquiring one if absent.
func (k *Keeper) Current(ctx context.Context) (Credential, error) {
	if cur := k.cur.Load(); cur != nil {
		return *cur, nil
	}

	k.acquireMu.Lock()
	defer k.acquireMu.Unlock()

	// Another caller may have won the race while we waited.
	if cur := k.cur.Load(); cur != nil {
		return *cur, nil
	}

	cred, err := k.provider.Acquire(ctx)
	if err != nil {
		return Credential{}, err
	}
	k.cur.Store(&cred)
	k.logger.Info("session credential acquired", "ttl", cred.TTL)
	return cred, nil
}

// Discard drops the current credential. Called after an authentication
// rejection so the next Current() acquires a fresh one.
func (k *Keeper) Discard() {
	k.cur.Store(nil)
}

// Run renews the credential on a fixed schedule until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			k.renewOnce(ctx)
		}
	}
}

// renewOnce renews the current credential, rotating to a freshly acquired
// one if renewal fails.
func (k *Keeper) renewOnce(ctx context.Context) {
	cur := k.cur.Load()
	if cur == nil {
		return
	}

	renewed, err := k.provider.Renew(ctx, *cur)
	if err == nil {
		k.cur.Store(&renewed)
		k.logger.Debug("session credential renewed")
		return
	}
	if ctx.Err() != nil {
		return
	}

	k.logger.Warn("session credential renewal failed, rotating", "error", err)

	k.acquireMu.Lock()
	fresh, acqErr := k.provider.Acquire(ctx)
	k.acquireMu.Unlock()
	if acqErr != nil {
		k.logger.Error("session credential rotation failed", "error", acqErr)
		return
	}

	k.cur.Store(&fresh)
	if k.onRotate != nil {
		k.onRotate(fresh)
	}
	k.logger.Info("session credential rotated", "ttl", fresh.TTL)
}

// Close revokes the current credential. Best-effort.
func (k *Keeper) Close(ctx context.Context) {
	cur := k.cur.Swap(nil)
	if cur == nil {
		return
	}
	if err := k.provider.Revoke(ctx, *cur); err != nil {
		k.logger.Warn("session credential revoke failed", "error", err)
	}
}
