package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func providers(t *testing.T) map[string]CacheProvider {
	t.Helper()
	sqlite, err := NewSQLiteCache(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]CacheProvider{
		"memory": NewMemCache(),
		"sqlite": sqlite,
	}
}

func TestProviderPutGet(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := p.Get("app-shell-v2", "GET:/")
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, p.Put(CacheEntry{Partition: "app-shell-v2", Key: "GET:/", Bytes: []byte("one")}))
			require.NoError(t, p.Put(CacheEntry{Partition: "app-shell-v2", Key: "GET:/", Bytes: []byte("two")}))

			entry, ok, err := p.Get("app-shell-v2", "GET:/")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "two", string(entry.Bytes))

			names, err := p.Partitions()
			require.NoError(t, err)
			require.Equal(t, []string{"app-shell-v2"}, names)

			require.NoError(t, p.Purge("app-shell-v2", "GET:/"))
			_, ok, _ = p.Get("app-shell-v2", "GET:/")
			require.False(t, ok)
		})
	}
}

func TestProviderPartitionOrder(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, p.CreatePartition("b"))
			require.NoError(t, p.CreatePartition("a"))
			require.NoError(t, p.CreatePartition("b"))
			require.NoError(t, p.Put(CacheEntry{Partition: "c", Key: "k"}))

			names, err := p.Partitions()
			require.NoError(t, err)
			require.Equal(t, []string{"b", "a", "c"}, names)

			existed, err := p.DeletePartition("a")
			require.NoError(t, err)
			require.True(t, existed)
			existed, err = p.DeletePartition("a")
			require.NoError(t, err)
			require.False(t, existed)

			names, _ = p.Partitions()
			require.Equal(t, []string{"b", "c"}, names)
		})
	}
}

func TestProviderKeysInInsertionOrder(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"GET:/z", "GET:/a", "GET:/m"} {
				require.NoError(t, p.Put(CacheEntry{Partition: "assets", Key: k}))
			}
			keys := make([]string, 0)
			require.NoError(t, p.AllKeys("assets", func(k string) bool {
				keys = append(keys, k)
				return len(keys) < 2
			}))
			require.Equal(t, []string{"GET:/z", "GET:/a"}, keys)
		})
	}
}

func TestManagerMatchAcrossPartitions(t *testing.T) {
	m := NewManager(NewMemCache(), nil)
	old, err := m.Open("assets-cache-v1")
	require.NoError(t, err)
	cur, err := m.Open("assets-cache-v2")
	require.NoError(t, err)

	require.NoError(t, cur.Put("GET:/a.js", []byte("new")))
	require.NoError(t, old.Put("GET:/a.js", []byte("old")))

	entry, ok := m.Match("GET:/a.js")
	require.True(t, ok)
	require.Equal(t, "old", string(entry.Bytes))
	require.Equal(t, "assets-cache-v1", entry.Partition)

	entry, ok = cur.Match("GET:/a.js")
	require.True(t, ok)
	require.Equal(t, "new", string(entry.Bytes))

	_, ok = m.Match("GET:/missing.js")
	require.False(t, ok)
}

func TestManagerScan(t *testing.T) {
	m := NewManager(NewMemCache(), nil)
	p := m.Handle("assets-cache-v2")
	require.NoError(t, p.Put("GET:/assets/index-cd99.js", []byte("js")))
	require.NoError(t, p.Put("GET:/assets/index-cd99.css", []byte("css")))

	entry, ok := m.Scan(func(key string) bool { return filepath.Ext(key) == ".css" })
	require.True(t, ok)
	require.Equal(t, "css", string(entry.Bytes))

	_, ok = m.Scan(func(key string) bool { return false })
	require.False(t, ok)
}

func TestDeleteStalePartitions(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			m := NewManager(p, nil)
			for _, n := range []string{"app-shell-v1", "assets-cache-v1", "workbox-precache-v1", "app-shell-v2"} {
				_, err := m.Open(n)
				require.NoError(t, err)
			}
			keep := []string{"app-shell-v2", "assets-cache-v2"}

			deleted, err := m.DeleteStalePartitions(keep, "workbox")
			require.NoError(t, err)
			require.Equal(t, []string{"app-shell-v1", "assets-cache-v1"}, deleted)

			names, err := m.Keys()
			require.NoError(t, err)
			require.Equal(t, []string{"workbox-precache-v1", "app-shell-v2"}, names)

			// running again is a no-op
			deleted, err = m.DeleteStalePartitions(keep, "workbox")
			require.NoError(t, err)
			require.Empty(t, deleted)
		})
	}
}

func TestPartitionDelete(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			part := NewManager(p, nil).Handle("images-cache-v2")
			require.NoError(t, part.Put("GET:/a.png", []byte("a")))
			require.NoError(t, part.Delete("GET:/a.png"))
			_, ok := part.Match("GET:/a.png")
			require.False(t, ok)
			// evicting twice is fine
			require.NoError(t, part.Delete("GET:/a.png"))
		})
	}
}

func TestExpireMaxEntries(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			m := NewManager(p, nil)
			part := m.Handle("images-cache-v2", WithExpiration(Expiration{MaxEntries: 2}))
			for _, key := range []string{"GET:/1.png", "GET:/2.png", "GET:/3.png"} {
				require.NoError(t, part.Put(key, []byte(key)))
			}
			// storing again makes it the most recent
			require.NoError(t, part.Put("GET:/1.png", []byte("again")))

			evicted, err := part.Expire()
			require.NoError(t, err)
			require.Equal(t, []string{"GET:/2.png"}, evicted)

			keys, err := part.Keys()
			require.NoError(t, err)
			require.Equal(t, []string{"GET:/3.png", "GET:/1.png"}, keys)
		})
	}
}

func TestExpireMaxAge(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			m := NewManager(p, nil)
			now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			m.now = func() time.Time { return now }
			part := m.Handle("images-cache-v2", WithExpiration(Expiration{MaxAge: time.Hour}))

			require.NoError(t, part.Put("GET:/old.png", []byte("old")))
			now = now.Add(50 * time.Minute)
			require.NoError(t, part.Put("GET:/new.png", []byte("new")))
			now = now.Add(20 * time.Minute)

			evicted, err := part.Expire()
			require.NoError(t, err)
			require.Equal(t, []string{"GET:/old.png"}, evicted)
			_, ok := part.Match("GET:/new.png")
			require.True(t, ok)
		})
	}
}

func TestExpireWithoutBounds(t *testing.T) {
	part := NewManager(NewMemCache(), nil).Handle("app-shell-v2")
	require.NoError(t, part.Put("GET:/", []byte("shell")))
	evicted, err := part.Expire()
	require.NoError(t, err)
	require.Empty(t, evicted)
}

func TestInMemorySQLiteCachesArePrivate(t *testing.T) {
	a, err := NewSQLiteCache("")
	require.NoError(t, err)
	defer a.Close()
	b, err := NewSQLiteCache("")
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Put(CacheEntry{Partition: "app-shell-v2", Key: "GET:/", Bytes: []byte("a")}))
	_, ok, err := b.Get("app-shell-v2", "GET:/")
	require.NoError(t, err)
	require.False(t, ok)
	names, err := b.Partitions()
	require.NoError(t, err)
	require.Empty(t, names)
}
