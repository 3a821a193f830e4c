package kv

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// CurrentLeaderError wraps a transport failure encountered while resolving
// the current leader. It is distinct from the nil, nil "no leader" result,
// which is not an error at all.
type CurrentLeaderError struct {
	cause error
}

func (e *CurrentLeaderError) Error() string {
	return fmt.Sprintf("kv: etcd is not responding properly: %s", e.cause)
}

func (e *CurrentLeaderError) Unwrap() error { return e.cause }

// Config configures an etcd-backed Store.
type Config struct {
	// Scope namespaces all keys under /service/<scope>.
	Scope string
	// TTL is the lease duration, in seconds, for leased keys (/members/*,
	// /leader).
	TTL int64
	// Client is a connected etcd v3 client. The Store does not own its
	// lifecycle; callers are responsible for closing it.
	Client *clientv3.Client
	// Clock is used for the inter-attempt sleep in retried operations.
	// Defaults to clockwork.NewRealClock() when nil.
	Clock clockwork.Clock
}

type etcdStore struct {
	scope  string
	ttl    int64
	client *clientv3.Client
	clock  clockwork.Clock
}

// NewStore builds a Store backed by etcd v3, per the KV client design in
// the core specification.
func NewStore(cfg Config) (Store, error) {
	if cfg.Client == nil {
		return nil, errors.New("kv: etcd client is required")
	}
	if cfg.Scope == "" {
		return nil, errors.New("kv: scope is required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("kv: ttl must be positive")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &etcdStore{
		scope:  cfg.Scope,
		ttl:    cfg.TTL,
		client: cfg.Client,
		clock:  clock,
	}, nil
}

func (s *etcdStore) path(parts ...string) string {
	return "/service/" + s.scope + "/" + strings.Join(parts, "/")
}

// get reads a single key, returning ErrKeyNotFound if absent.
func (s *etcdStore) get(ctx context.Context, key string) (string, error) {
	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return "", errors.Wrap(err, "kv: get failed")
	}
	if len(resp.Kvs) == 0 {
		return "", ErrKeyNotFound
	}
	return string(resp.Kvs[0].Value), nil
}

// list enumerates all keys directly under prefix (which must end in "/").
func (s *etcdStore) list(ctx context.Context, prefix string) (map[string]string, error) {
	resp, err := s.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(err, "kv: list failed")
	}
	out := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		name := strings.TrimPrefix(string(kv.Key), prefix)
		out[name] = string(kv.Value)
	}
	return out, nil
}

// putWithLease writes key=value, attaching a freshly granted lease when
// ttl > 0. Each call grants its own lease rather than keeping one alive
// continuously -- matching the core design, where a lease's survival is
// solely a function of how recently the owning node wrote the key.
func (s *etcdStore) putWithLease(ctx context.Context, key, value string, ttl int64) error {
	var opts []clientv3.OpOption
	if ttl > 0 {
		lease, err := s.client.Grant(ctx, ttl)
		if err != nil {
			return errors.Wrap(err, "kv: lease grant failed")
		}
		opts = append(opts, clientv3.WithLease(lease.ID))
	}
	_, err := s.client.Put(ctx, key, value, opts...)
	if err != nil {
		return errors.Wrap(err, "kv: put failed")
	}
	return nil
}

// casCreate writes key=value (with an optional lease) only if key does not
// already exist, per the "must not exist" precondition in the core design.
func (s *etcdStore) casCreate(ctx context.Context, key, value string, ttl int64) (bool, error) {
	var opts []clientv3.OpOption
	if ttl > 0 {
		lease, err := s.client.Grant(ctx, ttl)
		if err != nil {
			return false, errors.Wrap(err, "kv: lease grant failed")
		}
		opts = append(opts, clientv3.WithLease(lease.ID))
	}

	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, value, opts...)).
		Commit()
	if err != nil {
		return false, errors.Wrap(err, "kv: cas create failed")
	}
	return resp.Succeeded, nil
}

// casUpdate writes key=value (with an optional lease) only if key's
// current value equals priorValue, per the "prior value equals X"
// precondition in the core design.
func (s *etcdStore) casUpdate(ctx context.Context, key, priorValue, value string, ttl int64) (bool, error) {
	var opts []clientv3.OpOption
	if ttl > 0 {
		lease, err := s.client.Grant(ctx, ttl)
		if err != nil {
			return false, errors.Wrap(err, "kv: lease grant failed")
		}
		opts = append(opts, clientv3.WithLease(lease.ID))
	}

	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(key), "=", priorValue)).
		Then(clientv3.OpPut(key, value, opts...)).
		Commit()
	if err != nil {
		return false, errors.Wrap(err, "kv: cas update failed")
	}
	return resp.Succeeded, nil
}

// casDelete deletes key only if its current value equals priorValue.
func (s *etcdStore) casDelete(ctx context.Context, key, priorValue string) (bool, error) {
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(key), "=", priorValue)).
		Then(clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return false, errors.Wrap(err, "kv: cas delete failed")
	}
	return resp.Succeeded, nil
}

func (s *etcdStore) memberKey(name string) string { return s.path("members", name) }
func (s *etcdStore) leaderKey() string             { return s.path("leader") }
func (s *etcdStore) optimeKey() string             { return s.path("optime", "leader") }

func (s *etcdStore) TouchMember(ctx context.Context, name, address string) error {
	return withRetry(ctx, s.clock, 1, func() error {
		return s.putWithLease(ctx, s.memberKey(name), address, s.ttl)
	})
}

func (s *etcdStore) DeleteMember(ctx context.Context, name string) error {
	return withRetry(ctx, s.clock, 1, func() error {
		_, err := s.client.Delete(ctx, s.memberKey(name))
		if err != nil {
			return errors.Wrap(err, "kv: delete member failed")
		}
		return nil
	})
}

func (s *etcdStore) Members(ctx context.Context) ([]Member, error) {
	var members []Member
	err := withRetry(ctx, s.clock, 1, func() error {
		entries, err := s.list(ctx, s.path("members")+"/")
		if err != nil {
			return err
		}
		members = make([]Member, 0, len(entries))
		for hostname, address := range entries {
			members = append(members, Member{Hostname: hostname, Address: address})
		}
		return nil
	})
	return members, err
}

func (s *etcdStore) CurrentLeader(ctx context.Context) (*Member, error) {
	hostname, err := s.get(ctx, s.leaderKey())
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &CurrentLeaderError{cause: err}
	}

	address, err := s.get(ctx, s.memberKey(hostname))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &CurrentLeaderError{cause: err}
	}

	return &Member{Hostname: hostname, Address: address}, nil
}

func (s *etcdStore) TakeLeader(ctx context.Context, name string) error {
	return withRetry(ctx, s.clock, 1, func() error {
		return s.putWithLease(ctx, s.leaderKey(), name, s.ttl)
	})
}

func (s *etcdStore) AttemptToAcquireLeader(ctx context.Context, name string) (bool, error) {
	var ok bool
	err := withRetry(ctx, s.clock, 1, func() error {
		var err error
		ok, err = s.casCreate(ctx, s.leaderKey(), name, s.ttl)
		return err
	})
	return ok, err
}

func (s *etcdStore) UpdateLeader(ctx context.Context, sh StateHandler) (bool, error) {
	name := sh.Name()

	refreshed := false
	err := withRetry(ctx, s.clock, 10, func() error {
		ok, err := s.casUpdate(ctx, s.leaderKey(), name, name, s.ttl)
		if err != nil {
			return err
		}
		if !ok {
			return ErrCompareFailed
		}
		refreshed = true
		return nil
	})
	if err != nil || !refreshed {
		return false, nil
	}

	// The lock is held from here on; the optime write is best-effort and
	// its failure does not turn a successful refresh into a lost lock.
	if optime, err := sh.LastOperation(); err == nil {
		_ = withRetry(ctx, s.clock, 2, func() error {
			return s.putWithLease(ctx, s.optimeKey(), strconv.FormatInt(optime, 10), 0)
		})
	}
	return true, nil
}

func (s *etcdStore) LastLeaderOperation(ctx context.Context) (*int64, error) {
	raw, err := s.get(ctx, s.optimeKey())
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "kv: malformed optime")
	}
	return &v, nil
}

func (s *etcdStore) LeaderUnlocked(ctx context.Context) (bool, error) {
	_, err := s.get(ctx, s.leaderKey())
	if errors.Is(err, ErrKeyNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

func (s *etcdStore) AmILeader(ctx context.Context, name string) (bool, error) {
	leader, err := s.get(ctx, s.leaderKey())
	if errors.Is(err, ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return leader == name, nil
}

func (s *etcdStore) Abdicate(ctx context.Context, name string) error {
	return withRetry(ctx, s.clock, 1, func() error {
		ok, err := s.casDelete(ctx, s.leaderKey(), name)
		if err != nil {
			return err
		}
		if !ok {
			return ErrCompareFailed
		}
		return nil
	})
}

func (s *etcdStore) Race(ctx context.Context, path, value string) (bool, error) {
	var ok bool
	err := withRetry(ctx, s.clock, 1, func() error {
		var err error
		ok, err = s.casCreate(ctx, s.path(strings.TrimPrefix(path, "/")), value, 0)
		return err
	})
	return ok, err
}
