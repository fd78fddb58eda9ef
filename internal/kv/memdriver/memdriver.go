// Package memdriver is an in-process kv.Store used by package tests so the
// queue, lock, ledger, and vote packages can be exercised without a live
// Redis instance, mirroring the teacher's in-memory orderStore
// (services/swap-gateway) and the dual LevelDB/in-memory NoncePersistence
// split in gateway/auth.
package memdriver

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"basevault/internal/kv"
)

type entry struct {
	value  []byte
	expiry time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiry.IsZero() && now.After(e.expiry)
}

// Store is a mutex-guarded in-memory implementation of kv.Store.
type Store struct {
	mu     sync.Mutex
	kvs    map[string]entry
	hashes map[string]map[string][]byte
	lists  map[string][][]byte
	zsets  map[string]map[string]float64
	now    func() time.Time
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{
		kvs:    make(map[string]entry),
		hashes: make(map[string]map[string][]byte),
		lists:  make(map[string][][]byte),
		zsets:  make(map[string]map[string]float64),
		now:    time.Now,
	}
}

// SetClock overrides the store's notion of "now", for deterministic TTL tests.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func (s *Store) gcLocked(key string) {
	if e, ok := s.kvs[key]; ok && e.expired(s.now()) {
		delete(s.kvs, key)
	}
}

func (s *Store) Set(_ context.Context, key string, value []byte, opts kv.SetOptions) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gcLocked(key)
	if opts.NX {
		if _, exists := s.kvs[key]; exists {
			return false, nil
		}
	}
	e := entry{value: append([]byte(nil), value...)}
	if opts.EX > 0 {
		e.expiry = s.now().Add(opts.EX)
	}
	s.kvs[key] = e
	return true, nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gcLocked(key)
	e, ok := s.kvs[key]
	if !ok {
		return nil, kv.ErrNil
	}
	return append([]byte(nil), e.value...), nil
}

func (s *Store) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.kvs, key)
		delete(s.hashes, key)
		delete(s.lists, key)
		delete(s.zsets, key)
	}
	return nil
}

func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gcLocked(key)
	_, ok := s.kvs[key]
	if !ok {
		_, ok = s.hashes[key]
	}
	return ok, nil
}

func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.kvs[key]
	if !ok {
		return nil
	}
	e.expiry = s.now().Add(ttl)
	s.kvs[key] = e
	return nil
}

func (s *Store) HSet(_ context.Context, key, field string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string][]byte)
		s.hashes[key] = h
	}
	h[field] = append([]byte(nil), value...)
	return nil
}

func (s *Store) HGet(_ context.Context, key, field string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		return nil, kv.ErrNil
	}
	v, ok := h[field]
	if !ok {
		return nil, kv.ErrNil
	}
	return append([]byte(nil), v...), nil
}

func (s *Store) HGetAll(_ context.Context, key string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte)
	for field, v := range s.hashes[key] {
		out[field] = append([]byte(nil), v...)
	}
	return out, nil
}

func (s *Store) HDel(_ context.Context, key string, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		return nil
	}
	for _, f := range fields {
		delete(h, f)
	}
	return nil
}

func (s *Store) LPush(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]byte(nil), value...)
	s.lists[key] = append([][]byte{cp}, s.lists[key]...)
	return nil
}

func (s *Store) RPush(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]byte(nil), value...)
	s.lists[key] = append(s.lists[key], cp)
	return nil
}

func (s *Store) LPop(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.lists[key]
	if len(l) == 0 {
		return nil, kv.ErrNil
	}
	head := l[0]
	s.lists[key] = l[1:]
	return head, nil
}

func (s *Store) LLen(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.lists[key])), nil
}

func (s *Store) LRange(_ context.Context, key string, start, stop int64) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.lists[key]
	n := int64(len(l))
	if n == 0 {
		return nil, nil
	}
	if stop < 0 || stop >= n {
		stop = n - 1
	}
	if start < 0 {
		start = 0
	}
	if start > stop {
		return nil, nil
	}
	out := make([][]byte, 0, stop-start+1)
	for i := start; i <= stop; i++ {
		out = append(out, append([]byte(nil), l[i]...))
	}
	return out, nil
}

func (s *Store) LTrim(_ context.Context, key string, start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.lists[key]
	n := int64(len(l))
	if n == 0 {
		return nil
	}
	if stop < 0 || stop >= n {
		stop = n - 1
	}
	if start < 0 {
		start = 0
	}
	if start > stop {
		s.lists[key] = nil
		return nil
	}
	s.lists[key] = append([][]byte(nil), l[start:stop+1]...)
	return nil
}

func (s *Store) ZAdd(_ context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[key]
	if !ok {
		z = make(map[string]float64)
		s.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (s *Store) ZRange(_ context.Context, key string, start, stop int64, rev bool) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z := s.zsets[key]
	members := make([]string, 0, len(z))
	for m := range z {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		if z[members[i]] == z[members[j]] {
			return members[i] < members[j]
		}
		return z[members[i]] < z[members[j]]
	})
	if rev {
		for i, j := 0, len(members)-1; i < j; i, j = i+1, j-1 {
			members[i], members[j] = members[j], members[i]
		}
	}
	n := int64(len(members))
	if n == 0 {
		return nil, nil
	}
	if stop < 0 || stop >= n {
		stop = n - 1
	}
	if start < 0 {
		start = 0
	}
	if start > stop {
		return nil, nil
	}
	return members[start : stop+1], nil
}

func (s *Store) Scan(_ context.Context, cursor uint64, match string, count int64) (kv.ScanResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]string, 0, len(s.kvs)+len(s.hashes))
	for k := range s.kvs {
		all = append(all, k)
	}
	for k := range s.hashes {
		all = append(all, k)
	}
	sort.Strings(all)
	prefix, suffix, wildcard := splitMatch(match)
	var filtered []string
	for _, k := range all {
		if matchPattern(k, prefix, suffix, wildcard) {
			filtered = append(filtered, k)
		}
	}
	if cursor >= uint64(len(filtered)) {
		return kv.ScanResult{Cursor: 0}, nil
	}
	if count <= 0 {
		count = 100
	}
	end := cursor + uint64(count)
	if end >= uint64(len(filtered)) {
		return kv.ScanResult{Cursor: 0, Keys: filtered[cursor:]}, nil
	}
	return kv.ScanResult{Cursor: end, Keys: filtered[cursor:end]}, nil
}

// splitMatch supports the single "*" glob form used throughout this module
// (e.g. "user:stats:*", "jobs:processing:*").
func splitMatch(match string) (prefix, suffix string, wildcard bool) {
	if match == "" {
		return "", "", false
	}
	idx := strings.Index(match, "*")
	if idx < 0 {
		return match, "", false
	}
	return match[:idx], match[idx+1:], true
}

func matchPattern(key, prefix, suffix string, wildcard bool) bool {
	if !wildcard {
		return prefix == "" || key == prefix
	}
	return strings.HasPrefix(key, prefix) && strings.HasSuffix(key, suffix)
}
