package policy

import (
	"net/http"

	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
)

// CacheFirst serves critical app-shell resources (icons, manifest) from cache
// and only asks the network on a miss.
type CacheFirst struct {
	*Env
}

func (p CacheFirst) Name() string { return "cache-first" }

func (p CacheFirst) Resolve(r *http.Request) (*http.Response, cachestatus.CacheStatus) {
	cs := cachestatus.CacheStatus{}
	key := p.key(r)
	if res, ok := p.match(key, r); ok {
		cs.Hit()
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
	cs.SetDetail(cachestatus.DetailFallback)
	if isManifest(r.URL.Path) {
		return p.Fallbacks.manifest(r), cs
	}
	if p.Fallbacks.Icon != "" {
		if res, ok := p.match(p.Keyer.PathKey(p.Fallbacks.Icon), r); ok {
			return res, cs
		}
	}
	cs.SetDetail(cachestatus.DetailNotFound)
	return notFound(r), cs
}
