package storage

import (
	"context"
	"sync"
	"time"

	"github.com/Carlos20473736/monetag-postback-server/internal/models"
	"github.com/Carlos20473736/monetag-postback-server/internal/session"
)

// MemoryCounterStore provides in-memory counter storage. It is the fallback
// backend when neither PostgreSQL nor Redis is reachable, and the default in
// tests. A single mutex serializes writes; Apply's critical section covers
// the whole key set of an event, which makes the increment-plus-session unit
// atomic per user.
type MemoryCounterStore struct {
	mu      sync.RWMutex
	records map[string]*models.CounterRecord

	// Index by dimension for Sum and the expiry sweep.
	byKind map[models.KeyKind][]string

	now func() time.Time
}

// NewMemoryCounterStore creates an empty in-memory counter store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		records: make(map[string]*models.CounterRecord),
		byKind:  make(map[models.KeyKind][]string),
		now:     time.Now,
	}
}

// SetClock overrides the store clock. Tests only.
func (s *MemoryCounterStore) SetClock(now func() time.Time) {
	s.now = now
}

func (s *MemoryCounterStore) loadLocked(key models.AggregationKey) *models.CounterRecord {
	id := key.String()
	rec, ok := s.records[id]
	if !ok {
		rec = models.NewCounterRecord(key)
		s.records[id] = rec
		s.byKind[key.Kind] = append(s.byKind[key.Kind], id)
	}
	return rec
}

// Apply increments counters for all keys and evaluates the session lifecycle
// for the user key under one lock.
func (s *MemoryCounterStore) Apply(ctx context.Context, event *models.PostbackEvent, keys []models.AggregationKey, pol session.Policy) (*ApplyResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrUnavailable
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	res := &ApplyResult{}
	for _, key := range keys {
		rec := s.loadLocked(key)
		activated, reset := applyToRecord(rec, event, pol, now)
		snapshot := *rec
		res.Records = append(res.Records, &snapshot)
		if key.PerUser() {
			res.UserRecord = &snapshot
			res.SessionActivated = res.SessionActivated || activated
			res.SessionReset = res.SessionReset || reset
		}
	}
	return res, nil
}

// Get returns a copy of the record, applying lazy expiry for user keys. A
// missing key yields a zero record.
func (s *MemoryCounterStore) Get(ctx context.Context, key models.AggregationKey) (*models.CounterRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrUnavailable
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := key.String()
	rec, ok := s.records[id]
	if !ok {
		return models.NewCounterRecord(key), nil
	}

	expireIfLapsed(rec, s.now().UTC())

	snapshot := *rec
	return &snapshot, nil
}

// Sum aggregates every record of one dimension.
func (s *MemoryCounterStore) Sum(ctx context.Context, kind models.KeyKind) (*models.CounterRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrUnavailable
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	total := models.NewCounterRecord(models.AggregationKey{Kind: kind})
	for _, id := range s.byKind[kind] {
		rec := s.records[id]
		expireIfLapsed(rec, now)
		total.Impressions += rec.Impressions
		total.Clicks += rec.Clicks
		total.Revenue = total.Revenue.Add(rec.Revenue)
		total.ValuedEvents += rec.ValuedEvents
		total.NotValuedEvents += rec.NotValuedEvents
		if rec.LastUpdate.After(total.LastUpdate) {
			total.LastUpdate = rec.LastUpdate
		}
	}
	return total, nil
}

// SumZone folds every zone_user record for one zone into a synthetic zone
// record.
func (s *MemoryCounterStore) SumZone(ctx context.Context, zoneID string) (*models.CounterRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrUnavailable
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	total := models.NewCounterRecord(models.ZoneKey(zoneID))
	for _, id := range s.byKind[models.KeyZoneUser] {
		rec := s.records[id]
		if rec.Key.ZoneID != zoneID {
			continue
		}
		total.Impressions += rec.Impressions
		total.Clicks += rec.Clicks
		total.Revenue = total.Revenue.Add(rec.Revenue)
		total.ValuedEvents += rec.ValuedEvents
		total.NotValuedEvents += rec.NotValuedEvents
		if rec.LastUpdate.After(total.LastUpdate) {
			total.LastUpdate = rec.LastUpdate
		}
	}
	return total, nil
}

// Reset deletes matching records and their session state.
func (s *MemoryCounterStore) Reset(ctx context.Context, scope ResetScope) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, ErrUnavailable
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, rec := range s.records {
		if !scope.Matches(rec.Key) {
			continue
		}
		delete(s.records, id)
		deleted++
	}
	s.reindexLocked()
	return deleted, nil
}

// ExpireLapsed resets every user record whose session window has passed.
func (s *MemoryCounterStore) ExpireLapsed(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, ErrUnavailable
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	var expired int64
	for _, id := range s.byKind[models.KeyUser] {
		if expireIfLapsed(s.records[id], now) {
			expired++
		}
	}
	return expired, nil
}

func (s *MemoryCounterStore) reindexLocked() {
	s.byKind = make(map[models.KeyKind][]string)
	for id, rec := range s.records {
		s.byKind[rec.Key.Kind] = append(s.byKind[rec.Key.Kind], id)
	}
}
