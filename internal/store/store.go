// Package store holds the server-side versioned configuration cache and the
// synchronizer that keeps it consistent with the system of record.
//
// Readers always see an immutable snapshot: updates build a new snapshot and
// publish it with an atomic pointer swap, so a concurrent evaluation can
// never observe a half-applied configuration.
package store

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/flagwire/flagwire/evaluation"
)

// EntryState describes the lifecycle of one cached flag entry.
type EntryState string

const (
	StateAbsent  EntryState = "ABSENT"
	StateLoading EntryState = "LOADING"
	StateFresh   EntryState = "FRESH"
	StateStale   EntryState = "STALE"
)

const defaultFreshFor = time.Minute

type entry struct {
	flag      evaluation.Flag
	loading   bool
	fetchedAt time.Time
}

type environment struct {
	flags    map[string]entry
	segments evaluation.Segments
}

type snapshot struct {
	environments map[string]environment
}

// Store is the versioned in-memory configuration cache for all environments
// this node serves. All methods are safe for concurrent use; reads are a
// single atomic pointer load plus map lookups and never block on writers.
type Store struct {
	snap     atomic.Pointer[snapshot]
	freshFor time.Duration

	// Writers serialize so copy-on-write updates do not lose each other.
	mu sync.Mutex

	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithFreshFor sets the refresh deadline after which an entry is served as
// STALE while a background refresh is attempted.
func WithFreshFor(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.freshFor = d
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		freshFor: defaultFreshFor,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.snap.Store(&snapshot{environments: map[string]environment{}})
	return s
}

// GetFlag returns the cached flag for an environment together with its entry
// state. STALE entries are still returned (fail-open); ABSENT and LOADING
// entries return a zero flag.
func (s *Store) GetFlag(environmentID, key string) (evaluation.Flag, EntryState) {
	env, ok := s.snap.Load().environments[environmentID]
	if !ok {
		return evaluation.Flag{}, StateAbsent
	}
	e, ok := env.flags[key]
	if !ok {
		return evaluation.Flag{}, StateAbsent
	}
	if e.loading {
		return evaluation.Flag{}, StateLoading
	}
	if s.now().Sub(e.fetchedAt) > s.freshFor {
		return e.flag, StateStale
	}
	return e.flag, StateFresh
}

// Environment returns every non-loading flag and the segment set for an
// environment. The returned maps belong to the immutable snapshot and must
// not be mutated.
func (s *Store) Environment(environmentID string) (map[string]evaluation.Flag, evaluation.Segments, bool) {
	env, ok := s.snap.Load().environments[environmentID]
	if !ok {
		return nil, nil, false
	}
	flags := make(map[string]evaluation.Flag, len(env.flags))
	for key, e := range env.flags {
		if e.loading {
			continue
		}
		flags[key] = e.flag
	}
	return flags, env.segments, true
}

// Segments returns the segment set for an environment.
func (s *Store) Segments(environmentID string) evaluation.Segments {
	env, ok := s.snap.Load().environments[environmentID]
	if !ok {
		return nil
	}
	return env.segments
}

// MarkLoading inserts a LOADING placeholder for a flag being fetched, unless
// a real entry already exists.
func (s *Store) MarkLoading(environmentID, key string) {
	s.update(func(next *snapshot) {
		env := cloneEnvironment(next, environmentID)
		if _, ok := env.flags[key]; ok {
			return
		}
		env.flags[key] = entry{loading: true}
	})
}

// DropLoading removes a LOADING placeholder after a definitive miss. Real
// entries are left alone.
func (s *Store) DropLoading(environmentID, key string) {
	s.update(func(next *snapshot) {
		env, ok := next.environments[environmentID]
		if !ok {
			return
		}
		if e, ok := env.flags[key]; !ok || !e.loading {
			return
		}
		env = cloneEnvironment(next, environmentID)
		delete(env.flags, key)
	})
}

// ApplyFlag installs a flag configuration if it is newer than the cached
// one. Out-of-order and duplicate versions are idempotently ignored, which
// keeps cached versions monotonic no matter how notifications are ordered.
// Reports whether the entry was applied.
func (s *Store) ApplyFlag(environmentID string, flag evaluation.Flag) bool {
	applied := false
	s.update(func(next *snapshot) {
		env := cloneEnvironment(next, environmentID)
		if existing, ok := env.flags[flag.Key]; ok && !existing.loading && existing.flag.Version >= flag.Version {
			return
		}
		env.flags[flag.Key] = entry{flag: flag, fetchedAt: s.now()}
		applied = true
	})
	return applied
}

// DeleteFlag evicts a cached entry. The version gate mirrors ApplyFlag: a
// stale delete notification cannot evict a newer configuration.
func (s *Store) DeleteFlag(environmentID, flagKey string, version int64) bool {
	deleted := false
	s.update(func(next *snapshot) {
		env, ok := next.environments[environmentID]
		if !ok {
			return
		}
		e, ok := env.flags[flagKey]
		if !ok {
			return
		}
		if !e.loading && e.flag.Version > version {
			return
		}
		env = cloneEnvironment(next, environmentID)
		delete(env.flags, flagKey)
		deleted = true
	})
	return deleted
}

// ReplaceEnvironment swaps in a freshly loaded environment wholesale, used
// by full resyncs. Individual flags still respect the monotonic version
// rule so a slow full load cannot roll back a flag a push already updated.
func (s *Store) ReplaceEnvironment(environmentID string, flags []evaluation.Flag, segments evaluation.Segments) {
	s.update(func(next *snapshot) {
		current := next.environments[environmentID]
		fresh := environment{
			flags:    make(map[string]entry, len(flags)),
			segments: segments,
		}
		now := s.now()
		for _, flag := range flags {
			e := entry{flag: flag, fetchedAt: now}
			if existing, ok := current.flags[flag.Key]; ok && !existing.loading && existing.flag.Version > flag.Version {
				e = existing
			}
			fresh.flags[flag.Key] = e
		}
		next.environments[environmentID] = fresh
	})
}

// ReplaceSegments swaps in the segment set for an environment.
func (s *Store) ReplaceSegments(environmentID string, segments evaluation.Segments) {
	s.update(func(next *snapshot) {
		env := cloneEnvironment(next, environmentID)
		next.environments[environmentID] = environment{flags: env.flags, segments: segments}
	})
}

// FlagVersion returns the cached version for a flag, or 0 when absent.
func (s *Store) FlagVersion(environmentID, flagKey string) int64 {
	env, ok := s.snap.Load().environments[environmentID]
	if !ok {
		return 0
	}
	e, ok := env.flags[flagKey]
	if !ok || e.loading {
		return 0
	}
	return e.flag.Version
}

// Size returns the number of cached flag entries for an environment.
func (s *Store) Size(environmentID string) int {
	env, ok := s.snap.Load().environments[environmentID]
	if !ok {
		return 0
	}
	return len(env.flags)
}

// EnvironmentIDs lists the environments currently cached.
func (s *Store) EnvironmentIDs() []string {
	snap := s.snap.Load()
	ids := make([]string, 0, len(snap.environments))
	for id := range snap.environments {
		ids = append(ids, id)
	}
	return ids
}

// update runs mutate against a shallow clone of the current snapshot and
// publishes the result atomically. mutate must clone any inner map it
// touches via cloneEnvironment before writing.
func (s *Store) update(mutate func(next *snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.snap.Load()
	next := &snapshot{environments: make(map[string]environment, len(current.environments))}
	for id, env := range current.environments {
		next.environments[id] = env
	}
	mutate(next)
	s.snap.Store(next)
}

// cloneEnvironment replaces the named environment in next with a mutable
// copy and returns it.
func cloneEnvironment(next *snapshot, environmentID string) environment {
	current := next.environments[environmentID]
	clone := environment{
		flags:    make(map[string]entry, len(current.flags)),
		segments: current.segments,
	}
	for k, e := range current.flags {
		clone.flags[k] = e
	}
	next.environments[environmentID] = clone
	return clone
}
