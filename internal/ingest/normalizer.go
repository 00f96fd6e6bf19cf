package ingest

import (
	"fmt"
	"time"

	"github.com/Carlos20473736/monetag-postback-server/internal/models"
	"github.com/shopspring/decimal"
)

// UserIDField names which source parameter carries the end-user identifier.
// One field is chosen per deployment; identifier spaces are never mixed.
type UserIDField string

const (
	UserFieldYmid       UserIDField = "ymid"
	UserFieldSubID      UserIDField = "sub_id"
	UserFieldTelegramID UserIDField = "telegram_id"
	UserFieldUserEmail  UserIDField = "user_email"
)

// Valid reports whether the field name is a known identifier source.
func (f UserIDField) Valid() bool {
	switch f {
	case UserFieldYmid, UserFieldSubID, UserFieldTelegramID, UserFieldUserEmail:
		return true
	}
	return false
}

// ValidationError describes a structurally invalid postback. These are the
// only ingestion errors surfaced to the caller (as HTTP 400).
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid postback: %s %s", e.Field, e.Reason)
}

// Normalizer maps raw postback parameters into canonical events according to
// a configured field-mapping profile.
type Normalizer struct {
	userField UserIDField
	now       func() time.Time
}

// NewNormalizer creates a normalizer for one identifier profile.
func NewNormalizer(userField UserIDField) *Normalizer {
	if !userField.Valid() {
		userField = UserFieldYmid
	}
	return &Normalizer{
		userField: userField,
		now:       time.Now,
	}
}

// UserField returns the configured identifier field name.
func (n *Normalizer) UserField() UserIDField {
	return n.userField
}

// Normalize produces a canonical PostbackEvent from a raw key-value map, or a
// *ValidationError when event_type or zone_id is structurally invalid.
//
// A malformed estimated_price never fails the request; postback senders are
// unreliable and the price falls back to zero instead.
func (n *Normalizer) Normalize(params map[string]string) (*models.PostbackEvent, error) {
	eventType := models.EventType(params["event_type"])
	if eventType == "" {
		return nil, &ValidationError{Field: "event_type", Reason: "is required"}
	}
	if !eventType.Valid() {
		return nil, &ValidationError{Field: "event_type", Reason: `must be "impression" or "click"`}
	}

	zoneID := params["zone_id"]
	if zoneID == "" {
		return nil, &ValidationError{Field: "zone_id", Reason: "is required"}
	}

	userID := params[string(n.userField)]
	if userID == "" {
		userID = models.UnknownUserID
	}

	price := decimal.Zero
	if raw := params["estimated_price"]; raw != "" {
		if d, err := decimal.NewFromString(raw); err == nil && !d.IsNegative() {
			price = d
		}
	}

	reward := models.RewardEventType(params["reward_event_type"])
	if reward != models.RewardNotValued {
		reward = models.RewardValued
	}

	return &models.PostbackEvent{
		EventType:       eventType,
		ZoneID:          zoneID,
		UserID:          userID,
		EstimatedPrice:  price,
		RewardEventType: reward,
		ReceivedAt:      n.now().UTC(),
		SubZoneID:       params["sub_zone_id"],
		RequestVar:      params["request_var"],
	}, nil
}
