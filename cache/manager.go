package cache

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

// Manager owns the named partitions of a CacheProvider.
// Lookups never fail: storage errors are logged and reported as misses.
type Manager struct {
	provider CacheProvider
	log      zerolog.Logger
	now      func() time.Time
}

// NewManager wraps the provider. The global logger is used if logger is nil.
func NewManager(provider CacheProvider, logger *zerolog.Logger) *Manager {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &Manager{
		provider: provider,
		log:      l.With().Str("component", "cache").Logger(),
		now:      time.Now,
	}
}

// Partition is a handle to one named partition.
type Partition struct {
	name       string
	m          *Manager
	expiration Expiration
}

// Expiration bounds the entries of a partition. Zero fields mean no bound.
type Expiration struct {
	// Entries beyond this count are evicted, least recently stored first.
	MaxEntries int `yaml:"maxEntries" env:"MAX_ENTRIES" validate:"gte=0"`
	// Entries stored longer ago than this are evicted.
	MaxAge time.Duration `yaml:"maxAge" env:"MAX_AGE" validate:"gte=0"`
}

func (e Expiration) Empty() bool {
	return e.MaxEntries <= 0 && e.MaxAge <= 0
}

type PartitionOption func(*Partition)

// WithExpiration makes Expire enforce the given bounds.
func WithExpiration(e Expiration) PartitionOption {
	return func(p *Partition) {
		p.expiration = e
	}
}

// Open returns a handle to the named partition, creating it if needed.
func (m *Manager) Open(name string, opts ...PartitionOption) (*Partition, error) {
	if err := m.provider.CreatePartition(name); err != nil {
		return nil, fmt.Errorf("open partition %s: %w", name, err)
	}
	return m.Handle(name, opts...), nil
}

// Handle returns a handle to the named partition without touching storage.
// The partition is created by the first Put.
func (m *Manager) Handle(name string, opts ...PartitionOption) *Partition {
	p := &Partition{name: name, m: m}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Partition) Name() string {
	return p.name
}

// Put stores bytes under the key, replacing any previous entry.
func (p *Partition) Put(key string, bytes []byte) error {
	err := p.m.provider.Put(CacheEntry{
		Partition: p.name,
		Key:       key,
		StoredAt:  p.m.now(),
		Bytes:     bytes,
	})
	if err != nil {
		return fmt.Errorf("put %s in %s: %w", key, p.name, err)
	}
	p.m.log.Trace().Str("partition", p.name).Str("key", key).Msg("Stored entry")
	return nil
}

// Match looks up the exact key in this partition only.
func (p *Partition) Match(key string) (CacheEntry, bool) {
	return p.m.get(p.name, key)
}

// Delete evicts the entry stored under the key. Deleting a missing key is not an error.
func (p *Partition) Delete(key string) error {
	if err := p.m.provider.Purge(p.name, key); err != nil {
		return fmt.Errorf("delete %s from %s: %w", key, p.name, err)
	}
	p.m.log.Trace().Str("partition", p.name).Str("key", key).Msg("Evicted entry")
	return nil
}

// Expire evicts the entries older than the maximum age and then, oldest first,
// the entries beyond the maximum count. It returns the evicted keys.
func (p *Partition) Expire() ([]string, error) {
	if p.expiration.Empty() {
		return nil, nil
	}
	keys, err := p.Keys()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", p.name, err)
	}

	var (
		evicted = make([]string, 0)
		errs    error
	)
	evict := func(key string) {
		if err := p.Delete(key); err != nil {
			errs = multierr.Append(errs, err)
			return
		}
		evicted = append(evicted, key)
	}

	live := keys
	if p.expiration.MaxAge > 0 {
		cutoff := p.m.now().Add(-p.expiration.MaxAge)
		live = make([]string, 0, len(keys))
		for _, key := range keys {
			entry, ok := p.m.get(p.name, key)
			if ok && entry.StoredAt.Before(cutoff) {
				evict(key)
				continue
			}
			live = append(live, key)
		}
	}
	if limit := p.expiration.MaxEntries; limit > 0 && len(live) > limit {
		for _, key := range live[:len(live)-limit] {
			evict(key)
		}
	}
	return evicted, errs
}

// Keys returns the keys in this partition in insertion order.
func (p *Partition) Keys() ([]string, error) {
	keys := make([]string, 0)
	err := p.m.provider.AllKeys(p.name, func(key string) bool {
		keys = append(keys, key)
		return true
	})
	return keys, err
}

func (m *Manager) get(partition, key string) (CacheEntry, bool) {
	entry, ok, err := m.provider.Get(partition, key)
	if err != nil {
		m.log.Error().Err(err).Str("partition", partition).Str("key", key).Msg("Could not read from cache")
		return CacheEntry{}, false
	}
	return entry, ok
}

// Keys returns the partition names, oldest first.
func (m *Manager) Keys() ([]string, error) {
	return m.provider.Partitions()
}

// Match looks up the exact key in every partition, oldest partition first.
func (m *Manager) Match(key string) (CacheEntry, bool) {
	names, err := m.provider.Partitions()
	if err != nil {
		m.log.Error().Err(err).Msg("Could not list partitions")
		return CacheEntry{}, false
	}
	for _, name := range names {
		if entry, ok := m.get(name, key); ok {
			return entry, true
		}
	}
	return CacheEntry{}, false
}

// Scan returns the first entry, in partition order and then key order, whose key satisfies match.
func (m *Manager) Scan(match func(key string) bool) (CacheEntry, bool) {
	names, err := m.provider.Partitions()
	if err != nil {
		m.log.Error().Err(err).Msg("Could not list partitions")
		return CacheEntry{}, false
	}
	for _, name := range names {
		var found string
		err := m.provider.AllKeys(name, func(key string) bool {
			if match(key) {
				found = key
				return false
			}
			return true
		})
		if err != nil {
			m.log.Error().Err(err).Str("partition", name).Msg("Could not list keys")
			continue
		}
		if found == "" {
			continue
		}
		if entry, ok := m.get(name, found); ok {
			return entry, true
		}
	}
	return CacheEntry{}, false
}

// Delete removes a partition and reports whether it existed.
func (m *Manager) Delete(name string) (bool, error) {
	return m.provider.DeletePartition(name)
}

// DeleteStalePartitions deletes every partition that is neither in keep
// nor starts with one of the reserved prefixes. It returns the deleted names.
func (m *Manager) DeleteStalePartitions(keep []string, reservedPrefixes ...string) ([]string, error) {
	names, err := m.provider.Partitions()
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	deleted := make([]string, 0)
	for _, name := range names {
		if contains(keep, name) || hasAnyPrefix(name, reservedPrefixes) {
			continue
		}
		ok, err := m.provider.DeletePartition(name)
		if err != nil {
			return deleted, fmt.Errorf("delete partition %s: %w", name, err)
		}
		if ok {
			m.log.Info().Str("partition", name).Msg("Deleted stale partition")
			deleted = append(deleted, name)
		}
	}
	return deleted, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
