package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestEntriesAddListClear(t *testing.T) {
	db := filepath.Join(t.TempDir(), "queue.db")

	out, err := run(t, "entries", "add", "--queue-db", db, "--notes", "from the cli", "first", "entry")
	require.NoError(t, err)
	require.Equal(t, "1\n", out)

	out, err = run(t, "entries", "list", "--queue-db", db)
	require.NoError(t, err)
	require.Contains(t, out, "first entry")
	require.Contains(t, out, "from the cli")

	_, err = run(t, "entries", "clear", "--queue-db", db)
	require.NoError(t, err)
	out, err = run(t, "entries", "list", "--queue-db", db)
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(out, "\n"), "only the header is left")
}

func TestSync(t *testing.T) {
	var titles []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p struct {
			Title string `json:"title"`
		}
		json.NewDecoder(r.Body).Decode(&p)
		titles = append(titles, p.Title)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()
	db := filepath.Join(t.TempDir(), "queue.db")

	_, err := run(t, "entries", "add", "--queue-db", db, "pending")
	require.NoError(t, err)
	out, err := run(t, "sync", "--queue-db", db, "--sync-endpoint", srv.URL+"/api/entries")
	require.NoError(t, err)
	require.Contains(t, out, "delivered 1")
	require.Equal(t, []string{"pending"}, titles)

	_, err = run(t, "sync", "--queue-db", db)
	require.Error(t, err, "no origin and no endpoint")
}
