package credential

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Default tuning constants; overridable via PoolOptions.
const (
	DefaultRefreshMargin    = 60 * time.Second
	DefaultDisableThreshold = 3
	DefaultBackoffBase      = 2 * time.Second
	DefaultBackoffCap       = 5 * time.Minute
)

// Lease is a short-lived read reference to a credential held by the
// Orchestrator for the duration of one upstream attempt.
type Lease struct {
	Credential Credential
}

// PoolOptions tunes the Pool's refresh margin and failure-accounting policy.
type PoolOptions struct {
	RefreshMargin    time.Duration
	DisableThreshold int
	BackoffBase      time.Duration
	BackoffCap       time.Duration
}

func (o PoolOptions) withDefaults() PoolOptions {
	if o.RefreshMargin <= 0 {
		o.RefreshMargin = DefaultRefreshMargin
	}
	if o.DisableThreshold <= 0 {
		o.DisableThreshold = DefaultDisableThreshold
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = DefaultBackoffCap
	}
	return o
}

// entry is the Pool's live, mutable copy of one credential plus its
// per-credential update mutex, guarding token writes independent of the
// map-structural lock.
type entry struct {
	mu          sync.Mutex
	cred        Credential
	forceRefresh bool
}

// Pool is the in-memory manager of live credential records: selection
// order, single-flight refresh, and failure accounting. It periodically
// reconciles with a Store via Reloader (reload.go); Pool itself touches the
// Store directly only in LoadInitial and to persist a successful refresh.
type Pool struct {
	mapMu sync.RWMutex
	byID  map[string]*entry

	store     Store
	refresher Refresher
	opts      PoolOptions
	sf        singleflight.Group

	now func() time.Time
}

// NewPool constructs an empty Pool. Call LoadInitial before serving traffic.
func NewPool(store Store, refresher Refresher, opts PoolOptions) *Pool {
	return &Pool{
		byID:      make(map[string]*entry),
		store:     store,
		refresher: refresher,
		opts:      opts.withDefaults(),
		now:       time.Now,
	}
}

// LoadInitial populates the Pool from the Store. It is not concurrency-safe
// with concurrent Acquire calls and must be called once at startup before
// the Pool is handed to the Orchestrator.
func (p *Pool) LoadInitial(ctx context.Context) error {
	creds, err := p.store.List(ctx)
	if err != nil {
		return err
	}
	p.mapMu.Lock()
	defer p.mapMu.Unlock()
	p.byID = make(map[string]*entry, len(creds))
	for _, c := range creds {
		p.byID[c.ID] = &entry{cred: c}
	}
	return nil
}

// SelectionOrder returns credential ids in ascending-priority, ascending-id
// order, skipping any currently disabled. It is recomputed on every call so
// that every fresh request restarts at the highest priority, per spec.md §4.3.
func (p *Pool) SelectionOrder() []string {
	p.mapMu.RLock()
	defer p.mapMu.RUnlock()

	creds := make([]Credential, 0, len(p.byID))
	for _, e := range p.byID {
		e.mu.Lock()
		c := e.cred
		e.mu.Unlock()
		if c.Disabled(p.now()) {
			continue
		}
		creds = append(creds, c)
	}
	sortByPriorityThenID(creds)

	ids := make([]string, len(creds))
	for i, c := range creds {
		ids[i] = c.ID
	}
	return ids
}

var ErrCredentialNotFound = errors.New("credential: pool has no such id")

// Acquire returns a Lease for id with a valid, non-expired access token,
// refreshing it first if necessary. Refresh is single-flight per credential:
// concurrent Acquire calls for the same id share one refresh call and see
// the same resulting token or the same error.
func (p *Pool) Acquire(ctx context.Context, id string) (*Lease, error) {
	p.mapMu.RLock()
	e, ok := p.byID[id]
	p.mapMu.RUnlock()
	if !ok {
		return nil, ErrCredentialNotFound
	}

	e.mu.Lock()
	needsRefresh := e.forceRefresh || e.cred.NeedsRefresh(p.now(), p.opts.RefreshMargin)
	e.mu.Unlock()

	if needsRefresh {
		if err := p.refresh(ctx, id, e); err != nil {
			return nil, err
		}
	}

	e.mu.Lock()
	snapshot := e.cred
	e.mu.Unlock()
	return &Lease{Credential: snapshot}, nil
}

// refresh single-flights the refresh call per credential id: only the
// leader calls the Refresher, mutates e.cred, and persists via
// p.store.Update; waiters just observe the leader's outcome. Doing the
// mutation and persist inside the singleflight.Do closure (rather than
// after every caller returns from it) is what keeps Store.Update called
// exactly once per refresh regardless of how many Acquire calls are
// waiting on it.
func (p *Pool) refresh(ctx context.Context, id string, e *entry) error {
	type refreshOutcome struct {
		cred Credential
		err  error
	}

	v, err, _ := p.sf.Do(id, func() (any, error) {
		e.mu.Lock()
		cred := e.cred
		e.mu.Unlock()

		result, rerr := p.refresher.Refresh(ctx, cred)
		if rerr != nil {
			return refreshOutcome{err: rerr}, nil
		}

		e.mu.Lock()
		e.cred.AccessToken = result.AccessToken
		e.cred.ExpiresAt = result.ExpiresAt
		if result.ProfileARN != "" {
			e.cred.ProfileARN = result.ProfileARN
		}
		if result.RotatedRefreshToken != "" && result.RotatedRefreshToken != e.cred.RefreshToken {
			e.cred.RefreshToken = result.RotatedRefreshToken
		}
		e.forceRefresh = false
		patchCred := e.cred
		e.mu.Unlock()

		patch := Patch{AccessToken: patchCred.AccessToken, ExpiresAt: patchCred.ExpiresAt.UTC().Format(time.RFC3339)}
		if result.ProfileARN != "" {
			arn := patchCred.ProfileARN
			patch.ProfileARN = &arn
		}
		if err := p.store.Update(ctx, id, patch); err != nil {
			log.Printf("⚠️ credential %s: refreshed but failed to persist: %v", id, err)
		}
		log.Printf("🎫 credential %s refreshed, expires %s", id, patchCred.ExpiresAt.Format(time.RFC3339))

		return refreshOutcome{cred: patchCred}, nil
	})
	if err != nil {
		return err
	}
	outcome := v.(refreshOutcome)
	if outcome.err != nil {
		var refreshErr *RefreshError
		if errors.As(outcome.err, &refreshErr) && refreshErr.Kind == RefreshAuthInvalid {
			p.disable(id, e)
			log.Printf("🔒 credential %s disabled: refresh token rejected", id)
		}
		return outcome.err
	}
	return nil
}

// Report records the outcome of one upstream attempt made with id's lease.
func (p *Pool) Report(id string, outcome Outcome) {
	p.mapMu.RLock()
	e, ok := p.byID[id]
	p.mapMu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if outcome == OutcomeSuccess {
		e.cred.ConsecutiveFailures = 0
		e.cred.DisabledUntil = time.Time{}
		return
	}

	e.cred.ConsecutiveFailures++
	if outcome == OutcomeAuthInvalid {
		e.forceRefresh = true
	}
	if e.cred.ConsecutiveFailures >= p.opts.DisableThreshold {
		backoff := p.backoffFor(e.cred.ConsecutiveFailures)
		e.cred.DisabledUntil = p.now().Add(backoff)
		log.Printf("⚠️ credential %s disabled for %s after %d consecutive failures", id, backoff, e.cred.ConsecutiveFailures)
	}
}

func (p *Pool) backoffFor(failures int) time.Duration {
	d := p.opts.BackoffBase
	for i := 1; i < failures-p.opts.DisableThreshold+1; i++ {
		d *= 2
		if d > p.opts.BackoffCap {
			return p.opts.BackoffCap
		}
	}
	if d > p.opts.BackoffCap {
		return p.opts.BackoffCap
	}
	return d
}

func (p *Pool) disable(id string, e *entry) {
	e.mu.Lock()
	e.cred.DisabledUntil = p.now().Add(p.opts.BackoffCap)
	e.mu.Unlock()
	_ = id
}

// Snapshot returns a copy of every live credential, used by the Reloader to
// diff against a fresh Store.List().
func (p *Pool) Snapshot() []Credential {
	p.mapMu.RLock()
	defer p.mapMu.RUnlock()
	creds := make([]Credential, 0, len(p.byID))
	for _, e := range p.byID {
		e.mu.Lock()
		creds = append(creds, e.cred)
		e.mu.Unlock()
	}
	return creds
}

// applyDiff is called by the Reloader under no external lock; it takes the
// Pool's own structural write lock.
func (p *Pool) applyDiff(fresh []Credential) {
	p.mapMu.Lock()
	defer p.mapMu.Unlock()

	freshByID := make(map[string]Credential, len(fresh))
	for _, c := range fresh {
		freshByID[c.ID] = c
	}

	for id := range p.byID {
		if _, ok := freshByID[id]; !ok {
			delete(p.byID, id)
			log.Printf("📦 credential %s removed by hot-reload", id)
		}
	}

	for id, c := range freshByID {
		existing, ok := p.byID[id]
		if !ok {
			p.byID[id] = &entry{cred: c}
			log.Printf("📦 credential %s added by hot-reload", id)
			continue
		}
		existing.mu.Lock()
		if existing.cred.RefreshToken != c.RefreshToken {
			c.ConsecutiveFailures = 0
			c.DisabledUntil = time.Time{}
			log.Printf("🔄 credential %s refresh token rotated externally, runtime state reset", id)
		} else {
			c.ConsecutiveFailures = existing.cred.ConsecutiveFailures
			c.DisabledUntil = existing.cred.DisabledUntil
			if existing.cred.AccessToken != "" && c.AccessToken == "" {
				c.AccessToken = existing.cred.AccessToken
				c.ExpiresAt = existing.cred.ExpiresAt
			}
		}
		existing.cred = c
		existing.mu.Unlock()
	}
}
