// Package cache stores finished simulation results keyed by everything that
// determines them, so a repeated request with the same parameters, seed and
// horizon is answered without re-running the engine.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ehr/patientflow/internal/sim"
)

const keyPrefix = "patientflow:results:"

// Cache is the results store used by the run service.
type Cache interface {
	Get(ctx context.Context, key string) (*sim.Results, bool, error)
	Set(ctx context.Context, key string, res *sim.Results) error
}

// Key derives the cache key for a run. Runs are deterministic in these three
// inputs, so equal keys mean equal results.
func Key(p sim.Parameters, seed int64, horizon float64) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal parameters: %w", err)
	}
	h := sha256.New()
	h.Write(body)
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(seed, 10)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatFloat(horizon, 'g', -1, 64)))
	return keyPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

// ParametersHash returns the digest of p alone, stored with each run so
// runs sharing a parameter set can be grouped.
func ParametersHash(p sim.Parameters) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal parameters: %w", err)
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

// Redis keeps results in Redis with a fixed TTL.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects to url (redis://host:port/db) and pings it.
func NewRedis(ctx context.Context, url string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{client: client, ttl: ttl}, nil
}

func (r *Redis) Get(ctx context.Context, key string) (*sim.Results, bool, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	var res sim.Results
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, false, fmt.Errorf("decode cached results: %w", err)
	}
	return &res, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, res *sim.Results) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	if err := r.client.Set(ctx, key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

// MaxMemoryEntries bounds the in-process cache. Once full, Set evicts the
// oldest entry.
const MaxMemoryEntries = 1024

// Memory is an in-process cache used when no Redis is configured.
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	now     func() time.Time
	entries map[string]memoryEntry
}

type memoryEntry struct {
	res     sim.Results
	stored  time.Time
	expires time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

// NewMemory returns an empty in-process cache. A zero ttl never expires.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{ttl: ttl, max: MaxMemoryEntries, now: time.Now, entries: make(map[string]memoryEntry)}
}

func (m *Memory) Get(_ context.Context, key string) (*sim.Results, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if e.expired(m.now()) {
		delete(m.entries, key)
		return nil, false, nil
	}
	res := e.res
	return &res, true, nil
}

// Set stores res under key after dropping expired entries.
func (m *Memory) Set(_ context.Context, key string, res *sim.Results) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
		}
	}
	if _, ok := m.entries[key]; !ok && len(m.entries) >= m.max {
		m.evictOldest()
	}

	e := memoryEntry{res: *res, stored: now}
	if m.ttl > 0 {
		e.expires = now.Add(m.ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *Memory) evictOldest() {
	var (
		oldest string
		at     time.Time
		found  bool
	)
	for k, e := range m.entries {
		if !found || e.stored.Before(at) {
			oldest, at, found = k, e.stored, true
		}
	}
	if found {
		delete(m.entries, oldest)
	}
}

// Len returns the number of stored entries, including expired ones not yet
// swept.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
