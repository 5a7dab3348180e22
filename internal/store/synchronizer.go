package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/flagwire/flagwire/evaluation"
)

const (
	defaultResyncInterval = time.Minute
	defaultRefreshTimeout = 5 * time.Second
	subscribeRetryDelay   = time.Second
)

// Change is one committed mutation in the system of record, as delivered by
// the push channel. A segment change carries no flag key and triggers a
// reload of the whole environment, since segments are shared across flags.
type Change struct {
	EnvironmentID   string
	FlagKey         string
	Version         int64
	Deleted         bool
	SegmentsChanged bool
}

// Source is the system of record the synchronizer pulls from. The
// subscription channel is closed when the underlying connection is lost;
// the synchronizer resubscribes with a delay.
type Source interface {
	LoadEnvironment(ctx context.Context, environmentID string) ([]evaluation.Flag, evaluation.Segments, error)
	LoadFlag(ctx context.Context, environmentID, flagKey string) (evaluation.Flag, error)
	EnvironmentIDs(ctx context.Context) ([]string, error)
	SubscribeChanges(ctx context.Context) (<-chan Change, error)
}

// Synchronizer propagates configuration changes from the system of record
// into the Store: push notifications trigger targeted refills, and a
// periodic resync rebuilds every environment as a safety net against missed
// notifications. A refresh in flight is superseded, not aborted, by a newer
// push: the store simply keeps the highest version it has fully received.
type Synchronizer struct {
	store  *Store
	source Source
	log    *slog.Logger

	resyncInterval time.Duration
	refreshTimeout time.Duration

	onResync     func()
	onChange     func()
	observeSizes func()
}

// SyncOption configures a Synchronizer.
type SyncOption func(*Synchronizer)

// WithLogger sets the synchronizer's logger.
func WithLogger(log *slog.Logger) SyncOption {
	return func(s *Synchronizer) {
		if log != nil {
			s.log = log
		}
	}
}

// WithResyncInterval sets the full-resync safety net interval.
func WithResyncInterval(d time.Duration) SyncOption {
	return func(s *Synchronizer) {
		if d > 0 {
			s.resyncInterval = d
		}
	}
}

// WithSyncMetrics registers counters invoked on every full resync and every
// applied change notification.
func WithSyncMetrics(onResync, onChange func()) SyncOption {
	return func(s *Synchronizer) {
		s.onResync = onResync
		s.onChange = onChange
	}
}

// WithSizeObserver registers a callback invoked after cache mutations,
// typically to update per-environment size gauges.
func WithSizeObserver(observe func()) SyncOption {
	return func(s *Synchronizer) { s.observeSizes = observe }
}

// NewSynchronizer creates a Synchronizer. Call Prime to load the initial
// snapshot, then Run to start the background loop.
func NewSynchronizer(st *Store, source Source, opts ...SyncOption) *Synchronizer {
	s := &Synchronizer{
		store:          st,
		source:         source,
		log:            slog.Default(),
		resyncInterval: defaultResyncInterval,
		refreshTimeout: defaultRefreshTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Prime loads every environment from the source into the store. Used at
// startup so the node never serves with an empty cache.
func (s *Synchronizer) Prime(ctx context.Context) error {
	ids, err := s.source.EnvironmentIDs(ctx)
	if err != nil {
		return fmt.Errorf("list environments: %w", err)
	}
	for _, id := range ids {
		if err := s.resyncEnvironment(ctx, id); err != nil {
			return err
		}
	}
	s.notifySizes()
	return nil
}

// Run consumes change notifications and runs the periodic resync until ctx
// is cancelled. Subscription failures degrade to resync-only operation and
// are retried on the next tick, so a broken push channel reduces freshness
// but never stops the cache from serving.
func (s *Synchronizer) Run(ctx context.Context) {
	changes := s.subscribe(ctx)

	ticker := time.NewTicker(s.resyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if changes == nil {
				changes = s.subscribe(ctx)
			}
			s.resyncAll(ctx)
		case change, ok := <-changes:
			if !ok {
				changes = s.resubscribe(ctx)
				continue
			}
			s.applyChange(ctx, change)
		}
	}
}

func (s *Synchronizer) subscribe(ctx context.Context) <-chan Change {
	changes, err := s.source.SubscribeChanges(ctx)
	if err != nil {
		s.log.Warn("change subscription failed, falling back to resync only", "error", err)
		return nil
	}
	return changes
}

func (s *Synchronizer) resubscribe(ctx context.Context) <-chan Change {
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(subscribeRetryDelay):
	}
	return s.subscribe(ctx)
}

// applyChange refreshes a single flag in response to a push notification.
// The monotonic version rule makes duplicates and reordering harmless: a
// notification older than the cached entry is ignored without a fetch.
func (s *Synchronizer) applyChange(ctx context.Context, change Change) {
	if change.SegmentsChanged {
		if err := s.resyncEnvironment(ctx, change.EnvironmentID); err != nil {
			s.log.Warn("segment refresh failed", "environment_id", change.EnvironmentID, "error", err)
			return
		}
		s.countChange()
		s.notifySizes()
		return
	}

	if change.Deleted {
		if s.store.DeleteFlag(change.EnvironmentID, change.FlagKey, change.Version) {
			s.countChange()
			s.notifySizes()
		}
		return
	}

	if s.store.FlagVersion(change.EnvironmentID, change.FlagKey) >= change.Version {
		return
	}

	refreshCtx, cancel := context.WithTimeout(ctx, s.refreshTimeout)
	defer cancel()

	flag, err := s.source.LoadFlag(refreshCtx, change.EnvironmentID, change.FlagKey)
	if err != nil {
		// The entry stays cached and possibly stale; the resync tick picks
		// it up.
		s.log.Warn("flag refresh failed", "environment_id", change.EnvironmentID, "flag_key", change.FlagKey, "error", err)
		return
	}

	if s.store.ApplyFlag(change.EnvironmentID, flag) {
		s.countChange()
		s.notifySizes()
	}
}

func (s *Synchronizer) resyncAll(ctx context.Context) {
	ids, err := s.source.EnvironmentIDs(ctx)
	if err != nil {
		s.log.Warn("resync environment listing failed", "error", err)
		return
	}
	for _, id := range ids {
		if err := s.resyncEnvironment(ctx, id); err != nil {
			s.log.Warn("environment resync failed", "environment_id", id, "error", err)
		}
	}
	if s.onResync != nil {
		s.onResync()
	}
	s.notifySizes()
}

func (s *Synchronizer) resyncEnvironment(ctx context.Context, environmentID string) error {
	loadCtx, cancel := context.WithTimeout(ctx, s.refreshTimeout)
	defer cancel()

	flags, segments, err := s.source.LoadEnvironment(loadCtx, environmentID)
	if err != nil {
		return fmt.Errorf("load environment %q: %w", environmentID, err)
	}
	s.store.ReplaceEnvironment(environmentID, flags, segments)
	return nil
}

func (s *Synchronizer) countChange() {
	if s.onChange != nil {
		s.onChange()
	}
}

func (s *Synchronizer) notifySizes() {
	if s.observeSizes != nil {
		s.observeSizes()
	}
}
