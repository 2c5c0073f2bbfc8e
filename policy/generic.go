package policy

import (
	"context"
	"net/http"

	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
)

const (
	StrategyCacheFirst           = "cache-first"
	StrategyStaleWhileRevalidate = "stale-while-revalidate"
)

// Generic serves everything else cache-first. With Revalidate set, a cache hit
// is also refreshed from the network in the background.
type Generic struct {
	*Env
	Revalidate bool
}

func (p Generic) Name() string {
	if p.Revalidate {
		return StrategyStaleWhileRevalidate
	}
	return StrategyCacheFirst
}

func (p Generic) Resolve(r *http.Request) (*http.Response, cachestatus.CacheStatus) {
	cs := cachestatus.CacheStatus{}
	key := p.key(r)

	if res, ok := p.match(key, r); ok {
		cs.Hit()
		if p.Revalidate {
			req := r.Clone(context.WithoutCancel(r.Context()))
			p.goBackground(func() { p.revalidate(req, key) })
		}
		return res, cs
	}

	res, err := p.fetch(r)
	if err == nil {
		cs.Forward(cachestatus.FwdUriMiss)
		cs.Stored = p.store(p.Partitions.Assets, res, key)
		return res, cs
	}
	p.logFailure(r, err)

	cs.Forward(cachestatus.FwdMiss)
	if res := placeholder(r, family(r)); res != nil {
		cs.SetDetail(cachestatus.DetailPlaceholder)
		return res, cs
	}
	cs.SetDetail(cachestatus.DetailNotFound)
	return notFound(r), cs
}

func (p Generic) revalidate(r *http.Request, key string) {
	res, err := p.fetch(r)
	if err != nil {
		p.Log.Debug().Err(err).Str("key", key).Msg("Could not revalidate stored response")
		return
	}
	defer res.Body.Close()
	p.store(p.Partitions.Assets, res, key)
}
