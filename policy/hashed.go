package policy

import (
	"net/http"

	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
)

// NetworkFirstHashed serves build output (scripts, styles) from the network and
// falls back to the cache. Successful responses are stored under both the exact
// key and the hash-less alias key, so a newer build can find an older bundle.
type NetworkFirstHashed struct {
	*Env
}

func (p NetworkFirstHashed) Name() string { return "network-first-hashed" }

func (p NetworkFirstHashed) Resolve(r *http.Request) (*http.Response, cachestatus.CacheStatus) {
	cs := cachestatus.CacheStatus{}
	key := p.key(r)
	alias, hasAlias := cachekey.AliasKey(key)

	res, err := p.fetch(r)
	if err == nil {
		keys := []string{key}
		if hasAlias {
			keys = append(keys, alias)
		}
		cs.Forward(cachestatus.FwdRequest)
		cs.Stored = p.store(p.Partitions.Assets, res, keys...)
		return res, cs
	}
	p.logFailure(r, err)

	if res, ok := p.match(key, r); ok {
		cs.Hit()
		return res, cs
	}
	if hasAlias {
		if res, ok := p.match(alias, r); ok {
			cs.Hit()
			cs.SetDetail(cachestatus.DetailAlias)
			return res, cs
		}
	}
	fam := family(r)
	if fam != "" {
		sameFamily := func(k string) bool {
			return cachekey.ExtensionFamily(cachekey.Path(k)) == fam
		}
		if res, ok := p.scan(sameFamily, r); ok {
			cs.Hit()
			cs.SetDetail(cachestatus.DetailScan)
			return res, cs
		}
	}

	cs.Forward(cachestatus.FwdMiss)
	if fam == "" {
		// extension-less dev tooling modules are scripts
		fam = "js"
	}
	cs.SetDetail(cachestatus.DetailPlaceholder)
	return placeholder(r, fam), cs
}
