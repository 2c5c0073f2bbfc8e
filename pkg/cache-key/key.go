package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
)

var ErrorMethodNotSupported = fmt.Errorf("Method not supported")

const methodSeparator = ":"

// Hashed build output, e.g. /assets/index-ab12cd.js or /assets/index-B9x-Zk3_.js.
// Hashes are base64url, so everything after the first dash of the file name is hash.
var hashedAssetRe = regexp.MustCompile(`^(.*/assets/[^/.]+?)-([A-Za-z0-9_-]+)\.(m?js|css)$`)

// DefaultIgnoredParams are tracking parameters that never select a different resource.
var DefaultIgnoredParams = []string{`^utm_`, `^fbclid$`}

type CacheKeyer struct {
	ignored []*regexp.Regexp
}

// NewCacheKeyer creates a keyer that drops query parameters whose name matches any of the
// given patterns. Invalid patterns are reported as an error.
func NewCacheKeyer(ignoredParams ...string) (CacheKeyer, error) {
	c := CacheKeyer{}
	for _, p := range ignoredParams {
		re, err := regexp.Compile(p)
		if err != nil {
			return c, fmt.Errorf("ignored param %q: %w", p, err)
		}
		c.ignored = append(c.ignored, re)
	}
	return c, nil
}

// Key returns the exact cache key for the request: method and request URI.
// Only GET requests have cache keys.
func (c CacheKeyer) Key(r *http.Request) (string, error) {
	if r.Method != http.MethodGet {
		return "", ErrorMethodNotSupported
	}
	return c.keyFor(r.Method, r.URL), nil
}

// PathKey returns the key a GET request for the given path (and optional query) would have.
func (c CacheKeyer) PathKey(p string) string {
	u, err := url.Parse(p)
	if err != nil {
		return http.MethodGet + methodSeparator + p
	}
	return c.keyFor(http.MethodGet, u)
}

func (c CacheKeyer) keyFor(method string, u *url.URL) string {
	uri := u.EscapedPath()
	if uri == "" {
		uri = "/"
	}
	if q := c.stripIgnored(u.RawQuery); q != "" {
		uri += "?" + q
	}
	return method + methodSeparator + uri
}

func (c CacheKeyer) stripIgnored(rawQuery string) string {
	if rawQuery == "" || len(c.ignored) == 0 {
		return rawQuery
	}
	kept := make([]string, 0)
	for _, pair := range strings.Split(rawQuery, "&") {
		name, _, _ := strings.Cut(pair, "=")
		if unescaped, err := url.QueryUnescape(name); err == nil {
			name = unescaped
		}
		if !c.isIgnored(name) {
			kept = append(kept, pair)
		}
	}
	return strings.Join(kept, "&")
}

func (c CacheKeyer) isIgnored(name string) bool {
	for _, re := range c.ignored {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// GetRequestFromKey creates a GET request equal (caching-wise) to the one that produced the key.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found {
		return nil, fmt.Errorf("Malformed key: %s", key)
	}
	if method != http.MethodGet {
		return nil, ErrorMethodNotSupported
	}
	return http.NewRequest(method, uri, nil)
}

// Path returns the URL path part of a key, or "" if the key is malformed.
func Path(key string) string {
	_, uri, found := strings.Cut(key, methodSeparator)
	if !found {
		return ""
	}
	p, _, _ := strings.Cut(uri, "?")
	return p
}

// AliasKey maps the key of a content-hashed asset to its hash-less alias.
// /assets/index-ab12.js and /assets/index-Cq1-ab9Q.js both become /assets/index.js.
// The second return value is false when the key does not name a hashed asset.
func AliasKey(key string) (string, bool) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found {
		return "", false
	}
	p, _, _ := strings.Cut(uri, "?")
	m := hashedAssetRe.FindStringSubmatch(p)
	if m == nil {
		return "", false
	}
	return method + methodSeparator + m[1] + "." + m[3], true
}

// ExtensionFamily returns "js" for scripts, "css" for stylesheets and "" otherwise.
func ExtensionFamily(p string) string {
	p, _, _ = strings.Cut(p, "?")
	switch strings.ToLower(path.Ext(p)) {
	case ".js", ".mjs":
		return "js"
	case ".css":
		return "css"
	}
	return ""
}
