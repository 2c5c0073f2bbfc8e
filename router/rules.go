package router

import (
	"net/http"
	"path"
	"strings"

	"github.com/rs/zerolog/log"
)

// Matcher matches a request path. All non-empty fields must match;
// a matcher with no fields set matches nothing.
type Matcher struct {
	Prefix   string `yaml:"prefix"`
	Path     string `yaml:"path"`
	Suffix   string `yaml:"suffix"`
	Contains string `yaml:"contains"`
}

func (m Matcher) matches(p string) bool {
	if m.Prefix == "" && m.Path == "" && m.Suffix == "" && m.Contains == "" {
		return false
	}
	if m.Path != "" && m.Path != p {
		return false
	}
	if m.Prefix != "" && !strings.HasPrefix(p, m.Prefix) {
		return false
	}
	if m.Suffix != "" && !strings.HasSuffix(p, m.Suffix) {
		return false
	}
	if m.Contains != "" && !strings.Contains(p, m.Contains) {
		return false
	}
	return true
}

type Matchers []Matcher

func (ms Matchers) find(p string) *Matcher {
	for _, m := range ms {
		if m.matches(p) {
			log.Trace().Msgf("Path %s matched rule %+v", p, m)
			return &m
		}
	}
	return nil
}

type Rules struct {
	// Image file extensions, without the dot.
	ImageExtensions []string `yaml:"imageExtensions"`
	// App-shell resources that must never fail: icons, manifest.
	Critical Matchers `yaml:"critical"`
	// Build output and dev tooling modules.
	Hashed Matchers `yaml:"hashed"`
	// Requests that are never intercepted (live reload, websockets).
	// These match against the path including the query.
	Bypass Matchers `yaml:"bypass"`
}

func DefaultRules() Rules {
	return Rules{
		ImageExtensions: []string{"png", "jpg", "jpeg", "svg", "webp", "gif"},
		Critical: Matchers{
			{Prefix: "/logo/"},
			{Path: "/manifest.json"},
		},
		Hashed: Matchers{
			{Prefix: "/assets/"},
			{Suffix: ".js"},
			{Suffix: ".mjs"},
			{Suffix: ".css"},
			{Prefix: "/@vite/"},
			{Prefix: "/@react-refresh"},
			{Prefix: "/node_modules/.vite/"},
			{Prefix: "/node_modules/vite/"},
		},
		Bypass: Matchers{
			{Prefix: "/ws"},
			{Contains: "/__vite_ping"},
			{Contains: "hmr"},
		},
	}
}

// Empty reports whether no rule is configured at all.
func (r Rules) Empty() bool {
	return len(r.ImageExtensions) == 0 && len(r.Critical) == 0 && len(r.Hashed) == 0 && len(r.Bypass) == 0
}

func (r Rules) isImage(p string) bool {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(p)), ".")
	if ext == "" {
		return false
	}
	for _, e := range r.ImageExtensions {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}

func (r Rules) bypassed(req *http.Request) bool {
	return r.Bypass.find(req.URL.RequestURI()) != nil
}
