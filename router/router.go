// Package router decides whether a request is intercepted and which caching
// policy serves it.
package router

import (
	"net/http"
	"strings"

	"github.com/always-cache/offline-cache/policy"
)

// Class is the routing class of a request. It is derived from the request on every call.
type Class string

const (
	ClassImage      Class = "image"
	ClassCritical   Class = "critical-asset"
	ClassHashed     Class = "hashed-asset"
	ClassNavigation Class = "navigation"
	ClassGeneric    Class = "generic"
)

type Router struct {
	rules    Rules
	policies map[Class]policy.Policy
}

// New creates a router dispatching each class to its policy.
// A class without a policy falls back to the generic one.
func New(rules Rules, policies map[Class]policy.Policy) *Router {
	return &Router{
		rules:    rules,
		policies: policies,
	}
}

// Intercept reports whether the request is handled by a caching policy at all.
// Only plain GET requests over http(s) are intercepted.
func (rt *Router) Intercept(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if s := r.URL.Scheme; s != "" && s != "http" && s != "https" {
		return false
	}
	if isUpgrade(r) {
		return false
	}
	return !rt.rules.bypassed(r)
}

// Classify returns the routing class. The order of the checks matters:
// image, critical asset, hashed asset, navigation, generic.
func (rt *Router) Classify(r *http.Request) Class {
	p := r.URL.Path
	switch {
	case r.Header.Get("Sec-Fetch-Dest") == "image" || rt.rules.isImage(p):
		return ClassImage
	case rt.rules.Critical.find(p) != nil:
		return ClassCritical
	case rt.rules.Hashed.find(p) != nil:
		return ClassHashed
	case isNavigation(r):
		return ClassNavigation
	}
	return ClassGeneric
}

// Route classifies the request and returns the policy for it.
// The last return value is false when the request must pass through untouched.
func (rt *Router) Route(r *http.Request) (Class, policy.Policy, bool) {
	if !rt.Intercept(r) {
		return "", nil, false
	}
	class := rt.Classify(r)
	p, ok := rt.policies[class]
	if !ok {
		p, ok = rt.policies[ClassGeneric]
	}
	if !ok {
		return class, nil, false
	}
	return class, p, true
}

func isNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func isUpgrade(r *http.Request) bool {
	for _, v := range r.Header.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}
