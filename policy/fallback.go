package policy

import (
	"bytes"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
)

// 1x1 transparent PNG
const transparentPNGBase64 = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR4nGNgYAAAAAMAASsJTYQAAAAASUVORK5CYII="

var transparentPNG = mustDecode(transparentPNGBase64)

//go:embed offline.html
var offlinePageSource string

var offlinePage = template.Must(template.New("offline").Parse(offlinePageSource))

const (
	jsPlaceholder  = "// offline: script unavailable\n"
	cssPlaceholder = "/* offline: stylesheet unavailable */\n"
)

func mustDecode(s string) []byte {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

func synthesize(r *http.Request, status int, contentType string, body []byte) *http.Response {
	header := make(http.Header)
	header.Set("Content-Type", contentType)
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       r,
	}
}

func notFound(r *http.Request) *http.Response {
	return synthesize(r, http.StatusNotFound, "text/plain; charset=utf-8", []byte("Not found"))
}

// placeholder returns an empty-effect script or stylesheet, or nil if the
// request is for neither.
func placeholder(r *http.Request, family string) *http.Response {
	switch family {
	case "js":
		return synthesize(r, http.StatusOK, "application/javascript", []byte(jsPlaceholder))
	case "css":
		return synthesize(r, http.StatusOK, "text/css", []byte(cssPlaceholder))
	}
	return nil
}

func transparentImage(r *http.Request) *http.Response {
	return synthesize(r, http.StatusOK, "image/png", transparentPNG)
}

type manifest struct {
	Name            string        `json:"name"`
	ShortName       string        `json:"short_name"`
	StartURL        string        `json:"start_url"`
	Display         string        `json:"display"`
	BackgroundColor string        `json:"background_color"`
	ThemeColor      string        `json:"theme_color"`
	Icons           []interface{} `json:"icons"`
}

func (f Fallbacks) manifest(r *http.Request) *http.Response {
	body, _ := json.Marshal(manifest{
		Name:            f.AppName,
		ShortName:       f.ShortName,
		StartURL:        "/",
		Display:         "standalone",
		BackgroundColor: f.BackgroundColor,
		ThemeColor:      f.ThemeColor,
		Icons:           []interface{}{},
	})
	return synthesize(r, http.StatusOK, "application/manifest+json", body)
}

func (f Fallbacks) offlinePage(r *http.Request) *http.Response {
	buf := &bytes.Buffer{}
	if err := offlinePage.Execute(buf, f); err != nil {
		buf.Reset()
		buf.WriteString("<!doctype html><title>Offline</title><h1>You are offline</h1>")
	}
	return synthesize(r, http.StatusOK, "text/html; charset=utf-8", buf.Bytes())
}

func (f Fallbacks) isRootDocument(key string) bool {
	p := cachekey.Path(key)
	for _, doc := range f.RootDocuments {
		if p == doc {
			return true
		}
	}
	return false
}

func isManifest(p string) bool {
	return path.Base(p) == "manifest.json" || strings.HasSuffix(p, ".webmanifest")
}

// family returns the extension family of the request, using the fetch destination
// for extension-less script and style URLs.
func family(r *http.Request) string {
	if fam := cachekey.ExtensionFamily(r.URL.Path); fam != "" {
		return fam
	}
	switch r.Header.Get("Sec-Fetch-Dest") {
	case "style":
		return "css"
	case "script", "worker", "sharedworker":
		return "js"
	}
	return ""
}
