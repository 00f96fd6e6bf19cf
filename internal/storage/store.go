package storage

import (
	"context"
	"errors"

	"github.com/Carlos20473736/monetag-postback-server/internal/models"
	"github.com/Carlos20473736/monetag-postback-server/internal/session"
)

var (
	// ErrUnavailable means the backend could not serve the call (unreachable,
	// timed out, or a retryable conflict exhausted its retries). The ingestion
	// path treats it as accepted-but-not-recorded.
	ErrUnavailable = errors.New("storage: unavailable")

	// ErrConflict is a retryable concurrent-update conflict. Backends retry it
	// internally a bounded number of times before reporting ErrUnavailable.
	ErrConflict = errors.New("storage: concurrent update conflict")
)

// maxApplyRetries bounds internal retries on ErrConflict.
const maxApplyRetries = 3

// ApplyResult reports what one atomic apply did.
type ApplyResult struct {
	// Records holds the post-increment record for every derived key.
	Records []*models.CounterRecord
	// UserRecord is the per-user record, when the key set contained one.
	UserRecord *models.CounterRecord
	// SessionActivated is set when this event crossed the completion
	// thresholds and opened a session.
	SessionActivated bool
	// SessionReset is set when a lapsed session was detected and the user's
	// counters were destroyed before this event was applied.
	SessionReset bool
}

// ResetScope selects which records a reset destroys.
type ResetScope struct {
	All    bool
	ZoneID string
	UserID string
}

// Matches reports whether the key falls inside the scope.
func (s ResetScope) Matches(k models.AggregationKey) bool {
	if s.All {
		return true
	}
	if s.ZoneID != "" && k.ZoneID == s.ZoneID {
		return true
	}
	if s.UserID != "" && k.UserID == s.UserID {
		return true
	}
	return false
}

// CounterStore is the shared aggregate store. Increment is the unit of
// atomicity: all keys derived from one event, plus the session evaluation for
// the user key, are applied as one logical unit.
type CounterStore interface {
	// Apply increments counters for every key and runs the session lifecycle
	// for the user-scoped key, atomically.
	Apply(ctx context.Context, event *models.PostbackEvent, keys []models.AggregationKey, pol session.Policy) (*ApplyResult, error)

	// Get returns the record for a key, evaluating session expiry first for
	// user-scoped keys. An absent key yields a zero-valued record, never an
	// error: stats endpoints answer 200 with zeros rather than 404.
	Get(ctx context.Context, key models.AggregationKey) (*models.CounterRecord, error)

	// Sum aggregates all records of one dimension into a single record.
	Sum(ctx context.Context, kind models.KeyKind) (*models.CounterRecord, error)

	// SumZone folds every composite zone_user record for one zone into a
	// synthetic zone record. Serves zone stats when the deployment runs in
	// composite mode and keeps no standalone zone dimension.
	SumZone(ctx context.Context, zoneID string) (*models.CounterRecord, error)

	// Reset destroys matching records and their session state, returning the
	// number of records deleted.
	Reset(ctx context.Context, scope ResetScope) (int64, error)

	// ExpireLapsed resets every user record whose session has lapsed. Used by
	// the periodic sweep; lazy evaluation on read/write covers the rest.
	ExpireLapsed(ctx context.Context) (int64, error)
}

// EventLog is the append-only audit record of accepted postbacks.
type EventLog interface {
	Append(ctx context.Context, event *models.PostbackEvent) error
	List(ctx context.Context, filter EventFilter) ([]*models.PostbackEvent, error)
}

// EventFilter narrows an audit listing. Zero values mean no constraint.
type EventFilter struct {
	EventType models.EventType
	ZoneID    string
	UserID    string
	Limit     int
}
