package drain

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/always-cache/offline-cache/queue"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func appendAll(t *testing.T, s queue.Store, titles ...string) []int64 {
	t.Helper()
	ids := make([]int64, 0, len(titles))
	for _, title := range titles {
		id, err := s.Append(context.Background(), queue.Draft{Title: title})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestDrainPartialFailure(t *testing.T) {
	store := queue.NewMemQueue()
	ids := appendAll(t, store, "accepted", "rejected")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if p.Title == "rejected" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	d := New(store, HTTPDeliverer{Endpoint: srv.URL + "/api/entries"})
	result, err := d.Drain(context.Background())
	require.ErrorIs(t, err, ErrDrainFailed)
	var deliveryErr *DeliveryError
	require.True(t, errors.As(err, &deliveryErr))
	require.Equal(t, http.StatusInternalServerError, deliveryErr.StatusCode)
	require.Equal(t, ids[1], deliveryErr.ID)
	require.Equal(t, Result{Attempted: 2, Delivered: 1, Failed: 1}, result)
	require.Equal(t, StateFailed, d.State())

	records, err := store.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, ids[1], records[0].ID)
}

func TestDrainEmptyQueue(t *testing.T) {
	var calls atomic.Int32
	d := New(queue.NewMemQueue(), DelivererFunc(func(ctx context.Context, rec queue.Record) error {
		calls.Add(1)
		return nil
	}))
	result, err := d.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, result.Attempted)
	require.Equal(t, int32(0), calls.Load())
	require.Equal(t, StateIdle, d.State())
}

func TestDeliveredPayload(t *testing.T) {
	store := queue.NewMemQueue()
	_, err := store.Append(context.Background(), queue.Draft{Title: "hello", Notes: "world"})
	require.NoError(t, err)
	records, _ := store.ListAll(context.Background())

	var got payload
	var contentType, method, path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType, method, path = r.Header.Get("Content-Type"), r.Method, r.URL.Path
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	_, err = New(store, HTTPDeliverer{Endpoint: srv.URL + "/api/entries"}).Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, "application/json", contentType)
	require.Equal(t, http.MethodPost, method)
	require.Equal(t, "/api/entries", path)
	require.Equal(t, payload{Title: "hello", Notes: "world", Created: records[0].CreatedAt.UnixMilli()}, got)
}

func TestConcurrentDrainsEmptyTheQueue(t *testing.T) {
	store := queue.NewMemQueue()
	appendAll(t, store, "a", "b", "c", "d", "e", "f")

	var delivered atomic.Int32
	d := New(store, DelivererFunc(func(ctx context.Context, rec queue.Record) error {
		delivered.Add(1)
		return nil
	}), WithConcurrency(2))

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Drain(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	n, err := store.Count(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	// each record was delivered at least once, duplicates are allowed
	require.GreaterOrEqual(t, delivered.Load(), int32(6))
	require.Equal(t, StateIdle, d.State())
}

func TestTransportErrorKeepsRecords(t *testing.T) {
	store := queue.NewMemQueue()
	appendAll(t, store, "a")
	d := New(store, HTTPDeliverer{Endpoint: "http://127.0.0.1:1/api/entries"})

	_, err := d.Drain(context.Background())
	require.ErrorIs(t, err, ErrDrainFailed)
	n, _ := store.Count(context.Background())
	require.Equal(t, 1, n)
}

type stickyStore struct {
	*queue.MemQueue
}

func (stickyStore) RemoveByID(ctx context.Context, id int64) error {
	return errors.New("read-only")
}

func TestFailedRemovalIsReported(t *testing.T) {
	store := stickyStore{queue.NewMemQueue()}
	appendAll(t, store, "a")
	d := New(store, DelivererFunc(func(ctx context.Context, rec queue.Record) error { return nil }))

	result, err := d.Drain(context.Background())
	require.ErrorIs(t, err, ErrDrainFailed)
	require.Equal(t, 1, result.Failed)
	n, _ := store.Count(context.Background())
	require.Equal(t, 1, n)
}

func TestDrainIsTraced(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	store := queue.NewMemQueue()
	appendAll(t, store, "accepted", "rejected")
	var mu sync.Mutex
	parents := make([]string, 0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		parents = append(parents, r.Header.Get("Traceparent"))
		mu.Unlock()
		var p payload
		json.NewDecoder(r.Body).Decode(&p)
		if p.Title == "rejected" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	d := New(store, HTTPDeliverer{Endpoint: srv.URL}, WithTracerProvider(tp))
	_, err := d.Drain(context.Background())
	require.ErrorIs(t, err, ErrDrainFailed)

	spans := recorder.Ended()
	require.Len(t, spans, 3)
	byName := map[string]int{}
	var root sdktrace.ReadOnlySpan
	for _, s := range spans {
		byName[s.Name()]++
		if s.Name() == "drain.Drain" {
			root = s
		}
	}
	require.Equal(t, map[string]int{"drain.Drain": 1, "drain.deliver": 2}, byName)
	require.Equal(t, codes.Error, root.Status().Code)

	traceID := root.SpanContext().TraceID().String()
	failed := 0
	for _, s := range spans {
		require.Equal(t, traceID, s.SpanContext().TraceID().String())
		if s.Name() == "drain.deliver" && s.Status().Code == codes.Error {
			failed++
		}
	}
	require.Equal(t, 1, failed)

	// deliveries carry the trace context
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, parents, 2)
	for _, p := range parents {
		require.Contains(t, p, traceID)
	}
}
