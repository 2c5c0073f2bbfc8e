// Package queue keeps records created while offline until they are delivered.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSchemaTooNew is returned when the stored schema was written by a newer version.
	ErrSchemaTooNew = errors.New("queue schema is newer than supported")
	// ErrEmptyTitle is returned when appending a record without a title.
	ErrEmptyTitle = errors.New("record title is required")
)

// Record is a locally created entry waiting for delivery.
type Record struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Draft is the user-supplied part of a record.
type Draft struct {
	Title string `json:"title" validate:"required"`
	Notes string `json:"notes"`
}

// Store is a durable FIFO of records. Implementations must be thread-safe.
type Store interface {
	// Append assigns an id and a creation time and stores the record.
	// Ids increase and are never reused. Each creation time is strictly
	// later than that of every record appended before.
	Append(ctx context.Context, d Draft) (int64, error)
	// ListAll returns all records in insertion order.
	ListAll(ctx context.Context) ([]Record, error)
	// RemoveByID removes the record. Removing a missing id is not an error.
	RemoveByID(ctx context.Context, id int64) error
	// Clear removes all records.
	Clear(ctx context.Context) error
	// Count returns the number of stored records.
	Count(ctx context.Context) (int, error)
}

// nextCreated returns a creation time in unix milliseconds that is after last.
func nextCreated(now time.Time, last int64) int64 {
	created := now.UnixMilli()
	if created <= last {
		created = last + 1
	}
	return created
}
