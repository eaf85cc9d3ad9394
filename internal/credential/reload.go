package credential

import (
	"context"
	"log"
	"time"
)

// Reloader periodically polls a Store's Fingerprint and, on change,
// re-lists and applies a keyed diff to a Pool — the Go analog of the
// original Kiro implementation's CredentialSyncManager (poll
// has_changes_since, reload, fan out a Reloaded event), adapted from an
// event-callback design to a direct Pool method call since there is a
// single consumer here.
type Reloader struct {
	store    Store
	pool     *Pool
	interval time.Duration

	lastFingerprint string
}

// NewReloader constructs a Reloader. interval == 0 disables periodic
// polling; Run then returns immediately without starting a ticker.
func NewReloader(store Store, pool *Pool, interval time.Duration) *Reloader {
	return &Reloader{store: store, pool: pool, interval: interval}
}

// Run blocks, polling on interval until ctx is canceled. Call it in a
// goroutine from main.
func (r *Reloader) Run(ctx context.Context) {
	if r.interval <= 0 {
		log.Printf("🔄 credential hot-reload disabled")
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log.Printf("🔄 credential hot-reload started, interval %s", r.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.checkAndSync(ctx); err != nil {
				log.Printf("❌ credential hot-reload failed: %v", err)
			}
		}
	}
}

// SyncNow performs one fingerprint-check-and-reload cycle immediately,
// returning whether a reload was applied.
func (r *Reloader) SyncNow(ctx context.Context) (bool, error) {
	return r.checkAndSync(ctx)
}

func (r *Reloader) checkAndSync(ctx context.Context) (bool, error) {
	fp, err := r.store.Fingerprint(ctx)
	if err != nil {
		return false, err
	}
	if fp == r.lastFingerprint {
		return false, nil
	}

	creds, err := r.store.List(ctx)
	if err != nil {
		return false, err
	}

	r.pool.applyDiff(creds)
	r.lastFingerprint = fp
	log.Printf("🔄 credential hot-reload applied, %d live credentials", len(creds))
	return true, nil
}
