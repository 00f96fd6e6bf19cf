package ingest

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Carlos20473736/monetag-postback-server/internal/models"
)

func TestNormalizeValidImpression(t *testing.T) {
	n := NewNormalizer(UserFieldYmid)

	event, err := n.Normalize(map[string]string{
		"event_type":      "impression",
		"zone_id":         "12345",
		"ymid":            "user-1",
		"estimated_price": "0.00125",
	})
	require.NoError(t, err)

	assert.Equal(t, models.EventImpression, event.EventType)
	assert.Equal(t, "12345", event.ZoneID)
	assert.Equal(t, "user-1", event.UserID)
	assert.True(t, event.EstimatedPrice.Equal(decimal.RequireFromString("0.00125")))
	assert.Equal(t, models.RewardValued, event.RewardEventType)
	assert.False(t, event.ReceivedAt.IsZero())
}

func TestNormalizeMissingEventType(t *testing.T) {
	n := NewNormalizer(UserFieldYmid)

	_, err := n.Normalize(map[string]string{"zone_id": "1"})
	require.Error(t, err)

	verr, ok := err.(*ValidationError)
	require.True(t, ok)
	assert.Equal(t, "event_type", verr.Field)
}

func TestNormalizeUnknownEventType(t *testing.T) {
	n := NewNormalizer(UserFieldYmid)

	_, err := n.Normalize(map[string]string{
		"event_type": "conversion",
		"zone_id":    "1",
	})
	require.Error(t, err)

	verr, ok := err.(*ValidationError)
	require.True(t, ok)
	assert.Equal(t, "event_type", verr.Field)
}

func TestNormalizeMissingZoneID(t *testing.T) {
	n := NewNormalizer(UserFieldYmid)

	_, err := n.Normalize(map[string]string{"event_type": "click"})
	require.Error(t, err)

	verr, ok := err.(*ValidationError)
	require.True(t, ok)
	assert.Equal(t, "zone_id", verr.Field)
}

func TestNormalizeMissingUserDefaultsToUnknown(t *testing.T) {
	n := NewNormalizer(UserFieldYmid)

	event, err := n.Normalize(map[string]string{
		"event_type": "click",
		"zone_id":    "1",
		// sub_id present but ymid is the configured field; it must not be
		// picked up from another identifier space.
		"sub_id": "other-space",
	})
	require.NoError(t, err)
	assert.Equal(t, models.UnknownUserID, event.UserID)
}

func TestNormalizeConfiguredUserField(t *testing.T) {
	tests := []struct {
		field  UserIDField
		params map[string]string
		want   string
	}{
		{UserFieldSubID, map[string]string{"sub_id": "s1"}, "s1"},
		{UserFieldTelegramID, map[string]string{"telegram_id": "tg9"}, "tg9"},
		{UserFieldUserEmail, map[string]string{"user_email": "a@b.c"}, "a@b.c"},
	}
	for _, tt := range tests {
		n := NewNormalizer(tt.field)
		tt.params["event_type"] = "impression"
		tt.params["zone_id"] = "1"

		event, err := n.Normalize(tt.params)
		require.NoError(t, err)
		assert.Equal(t, tt.want, event.UserID)
	}
}

func TestNormalizeMalformedPriceFallsBackToZero(t *testing.T) {
	n := NewNormalizer(UserFieldYmid)

	for _, raw := range []string{"abc", "1.2.3", "-0.5", ""} {
		event, err := n.Normalize(map[string]string{
			"event_type":      "impression",
			"zone_id":         "1",
			"estimated_price": raw,
		})
		require.NoError(t, err, "price %q must never fail the request", raw)
		assert.True(t, event.EstimatedPrice.IsZero(), "price %q", raw)
	}
}

func TestNormalizeRewardEventType(t *testing.T) {
	n := NewNormalizer(UserFieldYmid)

	event, err := n.Normalize(map[string]string{
		"event_type":        "impression",
		"zone_id":           "1",
		"reward_event_type": "not_valued",
	})
	require.NoError(t, err)
	assert.Equal(t, models.RewardNotValued, event.RewardEventType)
	assert.False(t, event.Valued())

	// Anything other than the exact not_valued marker counts as valued.
	for _, raw := range []string{"", "valued", "yes", "NOT_VALUED"} {
		event, err := n.Normalize(map[string]string{
			"event_type":        "impression",
			"zone_id":           "1",
			"reward_event_type": raw,
		})
		require.NoError(t, err)
		assert.Equal(t, models.RewardValued, event.RewardEventType, "raw %q", raw)
	}
}

func TestNormalizeTimestampsAreUTC(t *testing.T) {
	n := NewNormalizer(UserFieldYmid)
	n.now = func() time.Time {
		return time.Date(2025, 6, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	}

	event, err := n.Normalize(map[string]string{
		"event_type": "impression",
		"zone_id":    "1",
	})
	require.NoError(t, err)
	assert.Equal(t, time.UTC, event.ReceivedAt.Location())
}

func TestNormalizerInvalidFieldDefaultsToYmid(t *testing.T) {
	n := NewNormalizer(UserIDField("bogus"))
	assert.Equal(t, UserFieldYmid, n.UserField())
}
