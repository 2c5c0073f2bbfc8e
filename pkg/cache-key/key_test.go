package cachekey

import (
	"net/http"
	"testing"
)

func TestRequestFromKey(t *testing.T) {
	keygen, _ := NewCacheKeyer()
	r, _ := http.NewRequest("GET", "http://dev.localhost/page?a=1", nil)
	key, err := keygen.Key(r)
	if err != nil {
		t.Fatal(err)
	}
	req, err := keygen.GetRequestFromKey(key)
	if err != nil {
		t.Fatalf("%s: %s", key, err)
	}
	if url := req.URL.String(); url != "/page?a=1" {
		t.Fatalf("Created request url for key %s is %s", key, url)
	}
}

func TestKeyRejectsUnsafeMethods(t *testing.T) {
	keygen, _ := NewCacheKeyer()
	r, _ := http.NewRequest("POST", "http://dev.localhost/api/entries", nil)
	if _, err := keygen.Key(r); err != ErrorMethodNotSupported {
		t.Fatalf("Expected ErrorMethodNotSupported, got %v", err)
	}
}

func TestIgnoredParamsAreDropped(t *testing.T) {
	keygen, err := NewCacheKeyer(DefaultIgnoredParams...)
	if err != nil {
		t.Fatal(err)
	}
	r, _ := http.NewRequest("GET", "http://dev.localhost/?utm_source=x&page=2&fbclid=abc", nil)
	key, _ := keygen.Key(r)
	if key != "GET:/?page=2" {
		t.Fatalf("Key is %s", key)
	}
	if k := keygen.PathKey("/index.html?utm_medium=mail"); k != "GET:/index.html" {
		t.Fatalf("Path key is %s", k)
	}
}

func TestInvalidIgnorePattern(t *testing.T) {
	if _, err := NewCacheKeyer("("); err == nil {
		t.Fatal("Expected error for invalid pattern")
	}
}

func TestAliasKey(t *testing.T) {
	cases := []struct {
		key   string
		alias string
		ok    bool
	}{
		{"GET:/assets/index-ab12.js", "GET:/assets/index.js", true},
		{"GET:/assets/index-CD99_x.css", "GET:/assets/index.css", true},
		{"GET:/assets/vendor-react-1a2b.mjs", "GET:/assets/vendor.mjs", true},
		{"GET:/assets/index-B9x-Zk3_.js", "GET:/assets/index.js", true},
		{"GET:/assets/index-Cq1-ab9Q.js", "GET:/assets/index.js", true},
		{"GET:/assets/index--x.css?v=2", "GET:/assets/index.css", true},
		{"GET:/assets/index.js", "", false},
		{"GET:/src/main-ab12.js", "", false},
		{"GET:/assets/logo-ab12.png", "", false},
		{"garbage", "", false},
	}
	for _, c := range cases {
		alias, ok := AliasKey(c.key)
		if ok != c.ok || alias != c.alias {
			t.Fatalf("AliasKey(%s) = %s, %v", c.key, alias, ok)
		}
	}
}

func TestExtensionFamily(t *testing.T) {
	for p, fam := range map[string]string{
		"/assets/a.js":       "js",
		"/assets/a.MJS":      "js",
		"/assets/a.css?v=1":  "css",
		"/assets/a.png":      "",
		"/":                  "",
	} {
		if got := ExtensionFamily(p); got != fam {
			t.Fatalf("ExtensionFamily(%s) = %s", p, got)
		}
	}
	if p := Path("GET:/assets/a.js?v=1"); p != "/assets/a.js" {
		t.Fatalf("Path is %s", p)
	}
}
