package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ===========================================
// POSTBACK EVENT
// ===========================================

// EventType is the kind of ad event reported by a postback.
type EventType string

const (
	EventImpression EventType = "impression"
	EventClick      EventType = "click"
)

// Valid reports whether the event type is one we accept.
func (t EventType) Valid() bool {
	return t == EventImpression || t == EventClick
}

// RewardEventType marks whether the network actually pays for the event.
type RewardEventType string

const (
	RewardValued    RewardEventType = "valued"
	RewardNotValued RewardEventType = "not_valued"
)

// UnknownUserID is the canonical user identifier for un-identified traffic,
// so that it aggregates under a single key instead of many null keys.
const UnknownUserID = "unknown"

// PostbackEvent is the canonical, immutable record of one ingested call.
// event_type and zone_id are always present after normalization; everything
// else may carry its default.
type PostbackEvent struct {
	ID              string          `json:"id,omitempty"`
	EventType       EventType       `json:"event_type"`
	ZoneID          string          `json:"zone_id"`
	UserID          string          `json:"user_id"`
	EstimatedPrice  decimal.Decimal `json:"estimated_price"`
	RewardEventType RewardEventType `json:"reward_event_type"`
	ReceivedAt      time.Time       `json:"received_at"`

	// Passthrough metadata, stored but never used for aggregation.
	SubZoneID  string `json:"sub_zone_id,omitempty"`
	RequestVar string `json:"request_var,omitempty"`

	// Request context captured at the edge for the audit log.
	IPAddress   string `json:"ip_address,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
	CountryCode string `json:"country_code,omitempty"`
}

// Valued reports whether this event contributes revenue.
func (e *PostbackEvent) Valued() bool {
	return e.RewardEventType == RewardValued
}

// ===========================================
// AGGREGATION KEYS
// ===========================================

// KeyKind is the dimension an aggregation key addresses.
type KeyKind string

const (
	KeyGlobal   KeyKind = "global"
	KeyZone     KeyKind = "zone"
	KeyUser     KeyKind = "user"
	KeyZoneUser KeyKind = "zone_user"
)

// AggregationKey identifies one counter record. The same logical event always
// maps to exactly one key per dimension; keys are never split or merged.
type AggregationKey struct {
	Kind   KeyKind
	ZoneID string
	UserID string
}

// GlobalKey is the single key used in global aggregation mode.
var GlobalKey = AggregationKey{Kind: KeyGlobal}

// ZoneKey returns the key for one zone.
func ZoneKey(zoneID string) AggregationKey {
	return AggregationKey{Kind: KeyZone, ZoneID: zoneID}
}

// UserKey returns the key for one user.
func UserKey(userID string) AggregationKey {
	return AggregationKey{Kind: KeyUser, UserID: userID}
}

// ZoneUserKey returns the composite key for one zone+user pair.
func ZoneUserKey(zoneID, userID string) AggregationKey {
	return AggregationKey{Kind: KeyZoneUser, ZoneID: zoneID, UserID: userID}
}

// String renders the stable storage encoding of the key.
func (k AggregationKey) String() string {
	switch k.Kind {
	case KeyGlobal:
		return "global"
	case KeyZone:
		return "zone:" + k.ZoneID
	case KeyUser:
		return "user:" + k.UserID
	case KeyZoneUser:
		return fmt.Sprintf("zone:%s|user:%s", k.ZoneID, k.UserID)
	}
	return string(k.Kind)
}

// PerUser reports whether session lifecycle applies to this key.
func (k AggregationKey) PerUser() bool {
	return k.Kind == KeyUser
}

// ===========================================
// COUNTERS
// ===========================================

// CounterRecord is the mutable aggregate owned by the counter store. Counters
// are monotonically non-decreasing except on explicit reset; revenue only sums
// valued events.
type CounterRecord struct {
	Key             AggregationKey  `json:"-"`
	Impressions     int64           `json:"total_impressions"`
	Clicks          int64           `json:"total_clicks"`
	Revenue         decimal.Decimal `json:"total_revenue"`
	ValuedEvents    int64           `json:"valued_events"`
	NotValuedEvents int64           `json:"not_valued_events"`
	LastUpdate      time.Time       `json:"last_update"`

	Session SessionState `json:"-"`
}

// NewCounterRecord returns an empty, zero-valued record for the key.
func NewCounterRecord(key AggregationKey) *CounterRecord {
	return &CounterRecord{Key: key, Revenue: decimal.Zero}
}

// Zero reports whether the record has never been touched.
func (r *CounterRecord) Zero() bool {
	return r.Impressions == 0 && r.Clicks == 0 && r.ValuedEvents == 0 && r.NotValuedEvents == 0
}

// CTR returns the click-through rate as a percentage.
func (r *CounterRecord) CTR() float64 {
	if r.Impressions == 0 {
		return 0
	}
	return float64(r.Clicks) / float64(r.Impressions) * 100
}

// ===========================================
// SESSION STATE
// ===========================================

// SessionStatus is the lifecycle phase of a user's reward session.
type SessionStatus string

const (
	SessionNone    SessionStatus = "none"
	SessionActive  SessionStatus = "active"
	SessionExpired SessionStatus = "expired"
)

// SessionState is layered on top of a user's CounterRecord. active iff
// ExpiresAt is set and in the future at evaluation time; there is no separate
// active flag that could drift out of sync.
type SessionState struct {
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// StatusAt derives the session status purely from the clock.
func (s SessionState) StatusAt(now time.Time) SessionStatus {
	if s.ExpiresAt == nil {
		return SessionNone
	}
	if now.After(*s.ExpiresAt) {
		return SessionExpired
	}
	return SessionActive
}

// ActiveAt reports whether the session is live at the given instant.
func (s SessionState) ActiveAt(now time.Time) bool {
	return s.StatusAt(now) == SessionActive
}

// ===========================================
// READ PROJECTION VIEWS
// ===========================================

// AggregateView is the stats shape served by the read endpoints.
type AggregateView struct {
	Scope            string          `json:"scope"`
	ZoneID           string          `json:"zone_id,omitempty"`
	UserID           string          `json:"user_id,omitempty"`
	TotalImpressions int64           `json:"total_impressions"`
	TotalClicks      int64           `json:"total_clicks"`
	TotalRevenue     decimal.Decimal `json:"total_revenue"`
	ValuedEvents     int64           `json:"valued_events"`
	NotValuedEvents  int64           `json:"not_valued_events"`
	CTR              string          `json:"ctr"`

	// Session fields, populated only for user-scoped views.
	SessionActive    *bool      `json:"session_active,omitempty"`
	SessionExpiresAt *time.Time `json:"expires_at,omitempty"`
	SecondsRemaining *int64     `json:"seconds_remaining,omitempty"`
}

// ViewFromRecord maps a counter record into the wire shape.
func ViewFromRecord(scope string, rec *CounterRecord) *AggregateView {
	return &AggregateView{
		Scope:            scope,
		ZoneID:           rec.Key.ZoneID,
		UserID:           rec.Key.UserID,
		TotalImpressions: rec.Impressions,
		TotalClicks:      rec.Clicks,
		TotalRevenue:     rec.Revenue,
		ValuedEvents:     rec.ValuedEvents,
		NotValuedEvents:  rec.NotValuedEvents,
		CTR:              fmt.Sprintf("%.2f%%", rec.CTR()),
	}
}
