// Package drain delivers queued records and removes the ones the server accepted.
package drain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/always-cache/offline-cache/pkg/metrics"
	"github.com/always-cache/offline-cache/queue"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
)

// ErrDrainFailed is returned when at least one record could not be delivered.
// The records stay queued for the next drain.
var ErrDrainFailed = errors.New("drain failed")

const defaultConcurrency = 4

const instrumentationName = "github.com/always-cache/offline-cache/drain"

type State string

const (
	StateIdle     State = "idle"
	StateDraining State = "draining"
	// The last finished drain had failures.
	StateFailed State = "failed"
)

type Result struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

type Drainer struct {
	store       queue.Store
	deliverer   Deliverer
	log         zerolog.Logger
	concurrency int
	tracer      trace.Tracer

	active     atomic.Int32
	lastFailed atomic.Bool
}

type Option func(*Drainer)

// WithConcurrency bounds the number of deliveries in flight.
func WithConcurrency(n int) Option {
	return func(d *Drainer) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(d *Drainer) {
		d.log = l
	}
}

// WithTracerProvider sets where drain spans go. The global provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *Drainer) {
		d.tracer = tp.Tracer(instrumentationName)
	}
}

func New(store queue.Store, deliverer Deliverer, opts ...Option) *Drainer {
	d := &Drainer{
		store:       store,
		deliverer:   deliverer,
		log:         log.Logger,
		concurrency: defaultConcurrency,
		tracer:      otel.GetTracerProvider().Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With().Str("component", "drain").Logger()
	return d
}

func (d *Drainer) State() State {
	if d.active.Load() > 0 {
		return StateDraining
	}
	if d.lastFailed.Load() {
		return StateFailed
	}
	return StateIdle
}

// Drain delivers every record queued at the time of the call.
// Delivered records are removed; failed ones stay for the next drain.
// Concurrent drains are allowed and may deliver a record twice.
func (d *Drainer) Drain(ctx context.Context) (Result, error) {
	ctx, span := d.tracer.Start(ctx, "drain.Drain")
	defer span.End()
	d.active.Add(1)
	defer d.active.Add(-1)

	result, err := d.drain(ctx)
	d.lastFailed.Store(err != nil)
	metrics.Drains.WithLabelValues(metrics.Result(err)).Inc()
	if n, cerr := d.store.Count(ctx); cerr == nil {
		metrics.QueuePending.Set(float64(n))
	}
	span.SetAttributes(
		attribute.Int("drain.attempted", result.Attempted),
		attribute.Int("drain.delivered", result.Delivered),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "drain failed")
		d.log.Warn().Err(err).Int("failed", result.Failed).Int("delivered", result.Delivered).Msg("Drain incomplete")
	} else if result.Attempted > 0 {
		d.log.Info().Int("delivered", result.Delivered).Msg("Drained queue")
	}
	return result, err
}

func (d *Drainer) drain(ctx context.Context) (Result, error) {
	records, err := d.store.ListAll(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("%w: list records: %w", ErrDrainFailed, err)
	}
	result := Result{Attempted: len(records)}
	if len(records) == 0 {
		return result, nil
	}

	var (
		mu   sync.Mutex
		errs error
	)
	p := pool.New().WithMaxGoroutines(d.concurrency)
	for _, rec := range records {
		rec := rec
		p.Go(func() {
			err := d.deliver(ctx, rec)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
				errs = multierr.Append(errs, err)
				return
			}
			result.Delivered++
		})
	}
	p.Wait()

	if errs != nil {
		return result, fmt.Errorf("%w: %w", ErrDrainFailed, errs)
	}
	return result, nil
}

func (d *Drainer) deliver(ctx context.Context, rec queue.Record) error {
	ctx, span := d.tracer.Start(ctx, "drain.deliver", trace.WithAttributes(attribute.Int64("record.id", rec.ID)))
	defer span.End()

	err := d.deliverer.Deliver(ctx, rec)
	metrics.Deliveries.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery failed")
		return fmt.Errorf("deliver record %d: %w", rec.ID, err)
	}
	// a failed removal means the record will be sent again
	if err := d.store.RemoveByID(ctx, rec.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("remove delivered record %d: %w", rec.ID, err)
	}
	d.log.Debug().Int64("id", rec.ID).Msg("Delivered record")
	return nil
}
