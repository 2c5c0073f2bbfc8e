package policy

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/always-cache/offline-cache/cache"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const defaultPrecacheLimit = 4

// FetchPath requests a same-origin path over the network leg.
func (e *Env) FetchPath(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return e.fetch(req)
}

// Precache fetches every path and stores the successful responses in p,
// with at most limit fetches in flight. A failing path does not stop the
// others; all failures are returned together.
func (e *Env) Precache(ctx context.Context, p *cache.Partition, limit int, paths ...string) error {
	if limit <= 0 {
		limit = defaultPrecacheLimit
	}
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs error
	)
	g.SetLimit(limit)
	for _, path := range dedupe(paths) {
		g.Go(func() error {
			if err := e.precacheOne(ctx, p, path); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("precache %s: %w", path, err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errs
}

func (e *Env) precacheOne(ctx context.Context, p *cache.Partition, path string) error {
	key := e.Keyer.PathKey(path)
	req, err := e.Keyer.GetRequestFromKey(key)
	if err != nil {
		return err
	}
	res, err := e.fetch(req.WithContext(ctx))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	keys := []string{key}
	if alias, ok := cachekey.AliasKey(key); ok {
		keys = append(keys, alias)
	}
	if !e.store(p, res, keys...) {
		return fmt.Errorf("could not store in %s", p.Name())
	}
	e.Log.Trace().Str("partition", p.Name()).Str("key", key).Msg("Precached")
	return nil
}

func dedupe(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
