package cachestatus

import "fmt"

const HeaderName = "Cache-Status"

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

type FwdReason string

const (
	// The request was not handled by the cache.
	FwdBypass FwdReason = "bypass"

	// The cache did not contain a response matching the request URI.
	FwdUriMiss FwdReason = "uri-miss"

	// The request was routed to the network before consulting the cache.
	FwdRequest FwdReason = "request"

	// No usable response was found, neither from the network nor the cache.
	FwdMiss FwdReason = "miss"

	// A stored response exists but was refreshed from the network.
	FwdStale FwdReason = "stale"
)

// Detail values describe which fallback produced the response.
const (
	DetailAlias       = "alias"
	DetailScan        = "scan"
	DetailFallback    = "fallback"
	DetailPlaceholder = "placeholder"
	DetailOfflinePage = "offline-page"
	DetailNotFound    = "not-found"
)

type CacheStatus struct {
	Status    Status
	FwdReason FwdReason
	Stored    bool
	Detail    string
}

func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

func (cs *CacheStatus) SetDetail(detail string) {
	cs.Detail = detail
}

// Source names where the response body came from, for metrics and logs.
func (cs CacheStatus) Source() string {
	switch {
	case cs.Detail != "":
		return cs.Detail
	case cs.Status == StatusHit:
		return "cache"
	case cs.FwdReason == FwdBypass:
		return "bypass"
	default:
		return "network"
	}
}

func (cs CacheStatus) String() string {
	status := fmt.Sprintf("Offline-Cache; %s", cs.Status)
	if cs.Status == StatusFwd && cs.FwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.FwdReason)
	}
	if cs.Stored {
		status = status + "; stored"
	}
	if cs.Detail != "" {
		status = status + "; detail=" + cs.Detail
	}
	return status
}
