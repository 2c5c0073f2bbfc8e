// Package bgsync runs tagged sync handlers when connectivity allows, and retries
// failed ones on a schedule until they succeed or run out of attempts.
package bgsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TagSyncEntries is the tag under which the queue drain is registered.
const TagSyncEntries = "sync-entries"

const (
	defaultRetrySpec   = "@every 30s"
	defaultMaxAttempts = 3
)

var ErrNoHandler = errors.New("no handler for sync tag")

type Handler func(ctx context.Context) error

type registration struct {
	attempts int
	// bumped on every Register so an older run does not clear newer demand
	gen uint64
}

type Manager struct {
	mu       sync.Mutex
	handlers map[string]Handler
	pending  map[string]*registration
	online   bool

	cron        *cron.Cron
	retrySpec   string
	maxAttempts int
	log         zerolog.Logger
	inflight    sync.WaitGroup
}

type Option func(*Manager)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(m *Manager) {
		if c != nil {
			m.cron = c
		}
	}
}

// WithRetrySpec overrides the cron specification for retrying failed registrations.
func WithRetrySpec(spec string) Option {
	return func(m *Manager) {
		if spec != "" {
			m.retrySpec = spec
		}
	}
}

// WithMaxAttempts sets how many failed runs drop a registration.
func WithMaxAttempts(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) {
		m.log = l
	}
}

// WithOnline sets the initial connectivity state. The default is online.
func WithOnline(online bool) Option {
	return func(m *Manager) {
		m.online = online
	}
}

func New(opts ...Option) *Manager {
	m := &Manager{
		handlers:    make(map[string]Handler),
		pending:     make(map[string]*registration),
		online:      true,
		retrySpec:   defaultRetrySpec,
		maxAttempts: defaultMaxAttempts,
		log:         log.Logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cron == nil {
		m.cron = cron.New()
	}
	m.log = m.log.With().Str("component", "bgsync").Logger()
	return m
}

// Handle binds a handler to the tag.
func (m *Manager) Handle(tag string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[tag] = h
}

// Register asks for the tag's handler to run. When online it runs right away
// in the background; otherwise it runs when connectivity is restored.
func (m *Manager) Register(ctx context.Context, tag string) error {
	m.mu.Lock()
	if _, ok := m.handlers[tag]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoHandler, tag)
	}
	reg, ok := m.pending[tag]
	if !ok {
		reg = &registration{}
		m.pending[tag] = reg
	}
	reg.gen++
	reg.attempts = 0
	online := m.online
	m.mu.Unlock()

	m.log.Debug().Str("tag", tag).Bool("online", online).Msg("Registered sync")
	if online {
		m.fireAsync(ctx, tag)
	}
	return nil
}

// SetOnline updates the connectivity state. Going online runs every pending registration.
func (m *Manager) SetOnline(ctx context.Context, online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	tags := m.pendingTags()
	m.mu.Unlock()

	if !changed {
		return
	}
	m.log.Info().Bool("online", online).Msg("Connectivity changed")
	if online {
		for _, tag := range tags {
			m.fireAsync(ctx, tag)
		}
	}
}

func (m *Manager) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Pending returns the registered tags that have not completed yet.
func (m *Manager) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingTags()
}

func (m *Manager) pendingTags() []string {
	tags := make([]string, 0, len(m.pending))
	for tag := range m.pending {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

func (m *Manager) fireAsync(ctx context.Context, tag string) {
	ctx = context.WithoutCancel(ctx)
	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		m.Fire(ctx, tag)
	}()
}

// Fire runs the handler of a pending registration once. Success completes
// the registration; failure counts an attempt and keeps it for a retry.
func (m *Manager) Fire(ctx context.Context, tag string) error {
	m.mu.Lock()
	h, ok := m.handlers[tag]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoHandler, tag)
	}
	reg, ok := m.pending[tag]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	gen := reg.gen
	m.mu.Unlock()

	err := h(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok = m.pending[tag]
	if err == nil {
		if ok && reg.gen == gen {
			delete(m.pending, tag)
		}
		m.log.Debug().Str("tag", tag).Msg("Sync completed")
		return nil
	}
	if !ok {
		reg = &registration{gen: gen}
		m.pending[tag] = reg
	}
	reg.attempts++
	if reg.attempts >= m.maxAttempts {
		delete(m.pending, tag)
		m.log.Warn().Err(err).Str("tag", tag).Int("attempts", reg.attempts).Msg("Giving up on sync until next registration")
		return err
	}
	m.log.Warn().Err(err).Str("tag", tag).Int("attempts", reg.attempts).Msg("Sync failed, will retry")
	return err
}

// Retry runs all pending registrations once, if online.
func (m *Manager) Retry(ctx context.Context) {
	if !m.Online() {
		return
	}
	for _, tag := range m.Pending() {
		m.Fire(ctx, tag)
	}
}

// Start schedules retries of failed registrations.
func (m *Manager) Start() error {
	if _, err := m.cron.AddFunc(m.retrySpec, func() {
		m.Retry(context.Background())
	}); err != nil {
		return fmt.Errorf("schedule sync retries: %w", err)
	}
	m.cron.Start()
	m.log.Info().Str("spec", m.retrySpec).Msg("Sync retries scheduled")
	return nil
}

// Stop halts retries and waits for running handlers.
func (m *Manager) Stop() {
	<-m.cron.Stop().Done()
	m.inflight.Wait()
}

// Wait blocks until handlers started in the background have returned.
func (m *Manager) Wait() {
	m.inflight.Wait()
}
