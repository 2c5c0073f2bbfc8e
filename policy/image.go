package policy

import (
	"net/http"

	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
)

// ImageFallback serves images network-first. Offline, it uses the cached copy,
// then the well-known fallback image, then an embedded transparent pixel.
type ImageFallback struct {
	*Env
}

func (p ImageFallback) Name() string { return "image" }

func (p ImageFallback) Resolve(r *http.Request) (*http.Response, cachestatus.CacheStatus) {
	cs := cachestatus.CacheStatus{}
	key := p.key(r)

	res, err := p.fetch(r)
	if err == nil {
		cs.Forward(cachestatus.FwdRequest)
		cs.Stored = p.store(p.Partitions.Images, res, key)
		return res, cs
	}
	p.logFailure(r, err)

	if res, ok := p.match(key, r); ok {
		cs.Hit()
		return res, cs
	}
	cs.SetDetail(cachestatus.DetailFallback)
	if p.Fallbacks.Image != "" {
		if res, ok := p.match(p.Keyer.PathKey(p.Fallbacks.Image), r); ok {
			cs.Hit()
			return res, cs
		}
	}
	cs.Forward(cachestatus.FwdMiss)
	cs.SetDetail(cachestatus.DetailPlaceholder)
	return transparentImage(r), cs
}
