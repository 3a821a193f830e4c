// Package faketest provides a deterministic in-memory simulator of the
// kv.Store interface, driven by a clockwork.Clock, for exercising the HA
// cycle's mutual-exclusion and progress properties without a live etcd
// cluster.
package faketest

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/go-governor/governor/internal/kv"
)

type entry struct {
	value    string
	expireAt time.Time
	hasTTL   bool
}

func (e entry) expired(now time.Time) bool {
	return e.hasTTL && !now.Before(e.expireAt)
}

// Store is an in-memory kv.Store. It is safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	clock clockwork.Clock
	ttl   time.Duration
	data  map[string]entry
}

// New returns an empty fake store. ttl is applied to leased keys
// (/members/*, /leader); clock drives expiry so tests can fast-forward
// time deterministically.
func New(clock clockwork.Clock, ttl time.Duration) *Store {
	return &Store{
		clock: clock,
		ttl:   ttl,
		data:  make(map[string]entry),
	}
}

func (s *Store) now() time.Time { return s.clock.Now() }

func (s *Store) getLocked(key string) (string, bool) {
	e, ok := s.data[key]
	if !ok || e.expired(s.now()) {
		return "", false
	}
	return e.value, true
}

func (s *Store) TouchMember(_ context.Context, name, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data["members/"+name] = entry{value: address, expireAt: s.now().Add(s.ttl), hasTTL: true}
	return nil
}

func (s *Store) DeleteMember(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, "members/"+name)
	return nil
}

func (s *Store) Members(_ context.Context) ([]kv.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []kv.Member
	now := s.now()
	const prefix = "members/"
	for key, e := range s.data {
		if e.expired(now) || len(key) <= len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		out = append(out, kv.Member{Hostname: key[len(prefix):], Address: e.value})
	}
	return out, nil
}

func (s *Store) CurrentLeader(_ context.Context) (*kv.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hostname, ok := s.getLocked("leader")
	if !ok {
		return nil, nil
	}
	address, ok := s.getLocked("members/" + hostname)
	if !ok {
		return nil, nil
	}
	return &kv.Member{Hostname: hostname, Address: address}, nil
}

func (s *Store) TakeLeader(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data["leader"] = entry{value: name, expireAt: s.now().Add(s.ttl), hasTTL: true}
	return nil
}

func (s *Store) AttemptToAcquireLeader(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.getLocked("leader"); ok {
		return false, nil
	}
	s.data["leader"] = entry{value: name, expireAt: s.now().Add(s.ttl), hasTTL: true}
	return true, nil
}

func (s *Store) UpdateLeader(_ context.Context, sh kv.StateHandler) (bool, error) {
	s.mu.Lock()
	current, ok := s.getLocked("leader")
	if !ok || current != sh.Name() {
		s.mu.Unlock()
		return false, nil
	}
	s.data["leader"] = entry{value: sh.Name(), expireAt: s.now().Add(s.ttl), hasTTL: true}
	s.mu.Unlock()

	optime, err := sh.LastOperation()
	if err != nil {
		return true, nil
	}

	s.mu.Lock()
	s.data["optime/leader"] = entry{value: strconv.FormatInt(optime, 10)}
	s.mu.Unlock()
	return true, nil
}

func (s *Store) LastLeaderOperation(_ context.Context) (*int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.getLocked("optime/leader")
	if !ok {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *Store) LeaderUnlocked(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.getLocked("leader")
	return !ok, nil
}

func (s *Store) AmILeader(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.getLocked("leader")
	return ok && current == name, nil
}

func (s *Store) Abdicate(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.getLocked("leader"); ok && current == name {
		delete(s.data, "leader")
		return nil
	}
	return kv.ErrCompareFailed
}

func (s *Store) Race(_ context.Context, path, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := "race/" + path
	if _, ok := s.getLocked(key); ok {
		return false, nil
	}
	s.data[key] = entry{value: value}
	return true, nil
}

// ExpireLeader forces the leader key to expire immediately, simulating the
// holder failing to refresh it within its TTL.
func (s *Store) ExpireLeader() {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, "leader")
}
