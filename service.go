package offlinecache

import (
	"context"
	"fmt"
	"io"
	"net/url"

	"github.com/always-cache/offline-cache/bgsync"
	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/config"
	"github.com/always-cache/offline-cache/drain"
	"github.com/always-cache/offline-cache/pkg/metrics"
	"github.com/always-cache/offline-cache/queue"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

// Service runs the engine in origin mode together with the record queue and
// its background delivery.
type Service struct {
	Engine  *Engine
	Queue   queue.Store
	Drainer *drain.Drainer
	Sync    *bgsync.Manager

	config  config.Config
	log     zerolog.Logger
	closers []io.Closer
}

// NewService opens the storage named in the configuration and wires all parts.
func NewService(ctx context.Context, cfg config.Config, logger *zerolog.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	originURL, err := url.Parse(cfg.Origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}

	s := &Service{
		config: cfg,
		log:    l,
	}
	provider, err := cache.NewSQLiteCache(cfg.DBFilename())
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	s.closers = append(s.closers, provider)

	q, err := queue.OpenSQLite(ctx, cfg.QueueDBFilename())
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open queue: %w", err)
	}
	s.closers = append(s.closers, q)

	s.Engine = New(Config{
		Cache:              provider,
		OriginURL:          *originURL,
		OriginHost:         cfg.OriginHost,
		Logger:             &l,
		Version:            cfg.Version,
		Precache:           cfg.Precache,
		DiscoverAssets:     cfg.DiscoverAssets,
		CriticalResources:  cfg.CriticalResources,
		WaitForSkipWaiting: cfg.WaitForSkipWaiting,
		ReservedPrefixes:   cfg.ReservedPrefixes,
		IgnoredParams:      cfg.IgnoredParams,
		Rules:              cfg.Rules,
		Fallbacks:          cfg.Fallbacks,
		GenericStrategy:    cfg.GenericStrategy,
		AssetsExpiration:   cfg.Expiration.Assets,
		ImagesExpiration:   cfg.Expiration.Images,
	})
	s.wireQueue(q, drain.HTTPDeliverer{Endpoint: cfg.SyncEndpoint()})
	return s, nil
}

func (s *Service) wireQueue(q queue.Store, deliverer drain.Deliverer) {
	s.Queue = q
	s.Drainer = drain.New(q, deliverer,
		drain.WithConcurrency(s.config.Sync.Concurrency),
		drain.WithLogger(s.log),
	)
	s.Sync = bgsync.New(
		bgsync.WithRetrySpec(s.config.Sync.RetrySpec),
		bgsync.WithMaxAttempts(s.config.Sync.MaxAttempts),
		bgsync.WithLogger(s.log),
	)
	s.Sync.Handle(bgsync.TagSyncEntries, func(ctx context.Context) error {
		_, err := s.Drainer.Drain(ctx)
		return err
	})
}

// Start brings the engine through its lifecycle and schedules sync retries.
// Records left from a previous run are registered for delivery.
func (s *Service) Start(ctx context.Context) error {
	if err := s.Sync.Start(); err != nil {
		return err
	}
	if err := s.Engine.Start(ctx); err != nil {
		return err
	}
	n, err := s.Queue.Count(ctx)
	if err != nil {
		return fmt.Errorf("count queued records: %w", err)
	}
	metrics.QueuePending.Set(float64(n))
	if n > 0 {
		s.log.Info().Int("pending", n).Msg("Found undelivered records")
		return s.Sync.Register(ctx, bgsync.TagSyncEntries)
	}
	return nil
}

// Close stops background syncing, waits for background cache refreshes and
// closes the storage.
func (s *Service) Close() error {
	if s.Sync != nil {
		s.Sync.Stop()
	}
	if s.Engine != nil {
		s.Engine.Wait()
	}
	var err error
	for _, c := range s.closers {
		err = multierr.Append(err, c.Close())
	}
	return err
}
