package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Memory is the in-process Store implementation, backed by go-cache for
// per-entry TTL handling. Structured entries (hashes, windowed sets) are
// mutated under a store-level mutex so that WindowAdd's insert-evict-count
// sequence is atomic per key.
type Memory struct {
	cache *gocache.Cache
	mu    sync.Mutex
}

type hashEntry map[string]string

type windowEntry map[string]int64 // member id -> score (epoch ms)

// NewMemory creates an in-memory store. Expired entries are swept every
// cleanupInterval; TTL checks on read do not depend on the sweeper.
func NewMemory(cleanupInterval time.Duration) *Memory {
	return &Memory{
		cache: gocache.New(gocache.NoExpiration, cleanupInterval),
	}
}

func toGoCacheTTL(ttl time.Duration) time.Duration {
	if ttl == NoExpiration || ttl <= 0 {
		return gocache.NoExpiration
	}
	return ttl
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := m.cache.Get(key)
	if !ok {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", false, nil
	}
	return s, true, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.cache.Set(key, value, toGoCacheTTL(ttl))
	return nil
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	// go-cache's Add is atomic: it refuses keys that already hold a live entry.
	err := m.cache.Add(key, value, toGoCacheTTL(ttl))
	return err == nil, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.cache.Delete(key)
	return nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	_, ok := m.cache.Get(key)
	return ok, nil
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.cache.Get(key)
	if !ok {
		return map[string]string{}, nil
	}
	h, ok := v.(hashEntry)
	if !ok {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(h))
	for k, val := range h {
		out[k] = val
	}
	return out, nil
}

func (m *Memory) HSet(_ context.Context, key string, fields map[string]string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.hashLocked(key)
	for k, v := range fields {
		h[k] = v
	}
	m.cache.Set(key, h, toGoCacheTTL(ttl))
	return nil
}

func (m *Memory) HIncrBy(_ context.Context, key, field string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.hashLocked(key)
	n := parseInt64(h[field]) + delta
	h[field] = formatInt64(n)
	m.cache.Set(key, h, gocache.NoExpiration)
	return n, nil
}

func (m *Memory) WindowAdd(_ context.Context, key string, member Member, cutoff int64, ttl time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.windowLocked(key)
	w[member.ID] = member.Score
	for id, score := range w {
		if score < cutoff {
			delete(w, id)
		}
	}
	m.cache.Set(key, w, toGoCacheTTL(ttl))
	return len(w), nil
}

func (m *Memory) WindowMembers(_ context.Context, key string) ([]Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.cache.Get(key)
	if !ok {
		return nil, nil
	}
	w, ok := v.(windowEntry)
	if !ok {
		return nil, nil
	}
	members := make([]Member, 0, len(w))
	for id, score := range w {
		members = append(members, Member{ID: id, Score: score})
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score == members[j].Score {
			return members[i].ID < members[j].ID
		}
		return members[i].Score < members[j].Score
	})
	return members, nil
}

// hashLocked returns the hash at key, or a fresh one. Caller holds mu.
func (m *Memory) hashLocked(key string) hashEntry {
	if v, ok := m.cache.Get(key); ok {
		if h, ok := v.(hashEntry); ok {
			return h
		}
	}
	return hashEntry{}
}

// windowLocked returns the windowed set at key, or a fresh one. Caller holds mu.
func (m *Memory) windowLocked(key string) windowEntry {
	if v, ok := m.cache.Get(key); ok {
		if w, ok := v.(windowEntry); ok {
			return w
		}
	}
	return windowEntry{}
}

func parseInt64(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func formatInt64(n int64) string {
	return strconv.FormatInt(n, 10)
}
