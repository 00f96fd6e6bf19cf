package storage

import (
	"context"
	"sync"

	"github.com/Carlos20473736/monetag-postback-server/internal/models"
)

// MemoryEventLog keeps the most recent postbacks in a bounded ring. It backs
// the audit listing when no durable sink is configured.
type MemoryEventLog struct {
	mu     sync.RWMutex
	events []*models.PostbackEvent
	limit  int
}

// DefaultEventLogLimit bounds the in-memory audit ring.
const DefaultEventLogLimit = 10000

// NewMemoryEventLog creates a ring holding up to limit events.
func NewMemoryEventLog(limit int) *MemoryEventLog {
	if limit <= 0 {
		limit = DefaultEventLogLimit
	}
	return &MemoryEventLog{limit: limit}
}

// Append records one accepted postback, dropping the oldest past the cap.
func (l *MemoryEventLog) Append(ctx context.Context, event *models.PostbackEvent) error {
	if err := ctx.Err(); err != nil {
		return ErrUnavailable
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, event)
	if len(l.events) > l.limit {
		l.events = l.events[len(l.events)-l.limit:]
	}
	return nil
}

// List returns matching events, most recent first.
func (l *MemoryEventLog) List(ctx context.Context, filter EventFilter) ([]*models.PostbackEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrUnavailable
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 || limit > l.limit {
		limit = 100
	}

	result := make([]*models.PostbackEvent, 0, limit)
	for i := len(l.events) - 1; i >= 0 && len(result) < limit; i-- {
		ev := l.events[i]
		if filter.EventType != "" && ev.EventType != filter.EventType {
			continue
		}
		if filter.ZoneID != "" && ev.ZoneID != filter.ZoneID {
			continue
		}
		if filter.UserID != "" && ev.UserID != filter.UserID {
			continue
		}
		result = append(result, ev)
	}
	return result, nil
}
