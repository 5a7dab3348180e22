package client

import (
	"sync"
	"sync/atomic"

	"github.com/flagwire/flagwire/evaluation"
)

// snapshot is an immutable view of the environment's configuration. Readers
// load it through an atomic pointer so evaluation never observes a
// half-applied update.
type snapshot struct {
	flags    map[string]evaluation.Flag
	versions map[string]int64
	segments evaluation.Segments
}

func emptySnapshot() *snapshot {
	return &snapshot{
		flags:    map[string]evaluation.Flag{},
		versions: map[string]int64{},
		segments: evaluation.Segments{},
	}
}

// localStore holds the SDK's last-known-good configuration. Writers serialize
// on a mutex and publish copy-on-write snapshots; Evaluate reads are
// lock-free.
type localStore struct {
	mu      sync.Mutex
	current atomic.Pointer[snapshot]
}

func newLocalStore() *localStore {
	s := &localStore{}
	s.current.Store(emptySnapshot())
	return s
}

func (s *localStore) load() *snapshot {
	return s.current.Load()
}

func (s *localStore) update(mutate func(next *snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current.Load()
	next := &snapshot{
		flags:    make(map[string]evaluation.Flag, len(prev.flags)),
		versions: make(map[string]int64, len(prev.versions)),
		segments: prev.segments,
	}
	for k, v := range prev.flags {
		next.flags[k] = v
	}
	for k, v := range prev.versions {
		next.versions[k] = v
	}

	mutate(next)
	s.current.Store(next)
}

// applyFlag installs a flag update under the monotonic-version rule and
// reports whether the snapshot changed. Duplicate or out-of-order versions
// are ignored.
func (s *localStore) applyFlag(flag evaluation.Flag) bool {
	applied := false
	s.update(func(next *snapshot) {
		if flag.Version <= next.versions[flag.Key] {
			return
		}
		next.flags[flag.Key] = flag
		next.versions[flag.Key] = flag.Version
		applied = true
	})
	return applied
}

// deleteFlag removes a flag, keeping the delete version as a tombstone so a
// late update carrying an older version cannot resurrect it. The version
// gate mirrors applyFlag: a stale delete cannot evict a newer configuration.
func (s *localStore) deleteFlag(key string, version int64) bool {
	applied := false
	s.update(func(next *snapshot) {
		if next.versions[key] > version {
			return
		}
		if _, present := next.flags[key]; !present && next.versions[key] == version {
			return
		}
		delete(next.flags, key)
		next.versions[key] = version
		applied = true
	})
	return applied
}

// replace swaps in a full snapshot from a resync. The server's response is
// authoritative for which keys exist: absent keys and delete tombstones are
// dropped, so a flag recreated after a delete comes back even though its new
// version restarts below the tombstone. A cached flag only survives when its
// version is newer than the incoming one, which keeps a concurrent push from
// being rolled back by a stale poll response.
func (s *localStore) replace(flags []evaluation.Flag, segments evaluation.Segments) {
	s.update(func(next *snapshot) {
		merged := make(map[string]evaluation.Flag, len(flags))
		versions := make(map[string]int64, len(flags))
		for _, flag := range flags {
			if cached, ok := next.flags[flag.Key]; ok && cached.Version > flag.Version {
				merged[flag.Key] = cached
				versions[flag.Key] = cached.Version
				continue
			}
			merged[flag.Key] = flag
			versions[flag.Key] = flag.Version
		}
		next.flags = merged
		next.versions = versions
		next.segments = segments
	})
}

func (s *localStore) replaceSegments(segments evaluation.Segments) {
	s.update(func(next *snapshot) {
		next.segments = segments
	})
}
