package policy

import (
	"net/http"

	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
)

// NavigationFallback serves page navigations network-first. Offline, it falls
// back to the cached page, then the app shell root document, and finally a
// synthesized offline page.
type NavigationFallback struct {
	*Env
}

func (p NavigationFallback) Name() string { return "navigation" }

func (p NavigationFallback) Resolve(r *http.Request) (*http.Response, cachestatus.CacheStatus) {
	cs := cachestatus.CacheStatus{}
	key := p.key(r)

	res, err := p.fetch(r)
	if err == nil {
		cs.Forward(cachestatus.FwdRequest)
		cs.Stored = p.store(p.Partitions.AppShell, res, key)
		return res, cs
	}
	p.logFailure(r, err)

	if res, ok := p.match(key, r); ok {
		cs.Hit()
		return res, cs
	}
	for _, doc := range p.Fallbacks.RootDocuments {
		if res, ok := p.matchIn(p.Partitions.AppShell, p.Keyer.PathKey(doc), r); ok {
			cs.Hit()
			cs.SetDetail(cachestatus.DetailFallback)
			return res, cs
		}
	}
	if res, ok := p.scan(p.Fallbacks.isRootDocument, r); ok {
		cs.Hit()
		cs.SetDetail(cachestatus.DetailScan)
		return res, cs
	}

	cs.Forward(cachestatus.FwdMiss)
	cs.SetDetail(cachestatus.DetailOfflinePage)
	return p.Fallbacks.offlinePage(r), cs
}
