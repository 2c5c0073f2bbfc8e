package queue

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemQueue is a Store that lives only as long as the process.
type MemQueue struct {
	mutex       sync.Mutex
	records     []Record
	nextID      int64
	lastCreated int64
	now         func() time.Time
}

func NewMemQueue(opts ...Option) *MemQueue {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &MemQueue{nextID: 1, now: o.now}
}

func (m *MemQueue) Append(ctx context.Context, d Draft) (int64, error) {
	if strings.TrimSpace(d.Title) == "" {
		return 0, ErrEmptyTitle
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	created := nextCreated(m.now(), m.lastCreated)
	m.lastCreated = created
	rec := Record{
		ID:        m.nextID,
		Title:     d.Title,
		Notes:     d.Notes,
		CreatedAt: time.UnixMilli(created),
	}
	m.nextID++
	m.records = append(m.records, rec)
	return rec.ID, nil
}

func (m *MemQueue) ListAll(ctx context.Context) ([]Record, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return append(make([]Record, 0, len(m.records)), m.records...), nil
}

func (m *MemQueue) RemoveByID(ctx context.Context, id int64) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for i, rec := range m.records {
		if rec.ID == id {
			m.records = append(m.records[:i], m.records[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemQueue) Clear(ctx context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.records = nil
	return nil
}

func (m *MemQueue) Count(ctx context.Context) (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.records), nil
}
