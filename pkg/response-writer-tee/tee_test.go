package tee

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestResultRoundTrip(t *testing.T) {
	rs := NewResponseSaver(nil)
	rs.Header().Set("Content-Type", "text/css")
	rs.WriteHeader(http.StatusAccepted)
	rs.Write([]byte("body{}"))

	req := httptest.NewRequest("GET", "/assets/index.css", nil)
	res, err := rs.Result(req)
	if err != nil {
		t.Fatal(err)
	}
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "text/css" {
		t.Fatalf("Content-Type is %s", ct)
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != "body{}" {
		t.Fatalf("Body is %s", body)
	}
}

func TestImplicitOK(t *testing.T) {
	rs := NewResponseSaver(nil)
	res, err := rs.Result(nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.StatusCode != http.StatusOK || rs.StatusCode() != http.StatusOK {
		t.Fatalf("Status is %d", res.StatusCode)
	}
}

func TestTeeWritesThrough(t *testing.T) {
	rr := httptest.NewRecorder()
	rs := NewResponseSaver(rr)
	rs.Write([]byte("hello"))
	if rr.Body.String() != "hello" || rr.Code != http.StatusOK {
		t.Fatalf("Underlying writer got %d %s", rr.Code, rr.Body.String())
	}
}
