package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Carlos20473736/monetag-postback-server/internal/models"
)

func TestDeriveKeys(t *testing.T) {
	event := &models.PostbackEvent{
		EventType: models.EventImpression,
		ZoneID:    "z1",
		UserID:    "u1",
	}

	tests := []struct {
		mode AggregationMode
		want []models.AggregationKey
	}{
		{ModeGlobal, []models.AggregationKey{models.GlobalKey}},
		{ModeZone, []models.AggregationKey{models.ZoneKey("z1")}},
		{ModeUser, []models.AggregationKey{models.UserKey("u1")}},
		{ModeZoneUser, []models.AggregationKey{models.ZoneUserKey("z1", "u1")}},
		{ModeZoneAndUser, []models.AggregationKey{models.ZoneKey("z1"), models.UserKey("u1")}},
	}
	for _, tt := range tests {
		got := DeriveKeys(event, tt.mode)
		assert.Equal(t, tt.want, got, "mode %s", tt.mode)
	}
}

func TestDeriveKeysDeterministic(t *testing.T) {
	event := &models.PostbackEvent{EventType: models.EventClick, ZoneID: "z", UserID: "u"}

	first := DeriveKeys(event, ModeZoneAndUser)
	second := DeriveKeys(event, ModeZoneAndUser)
	assert.Equal(t, first, second)
}

func TestDeriveKeysUnknownModeFallsBackToGlobal(t *testing.T) {
	event := &models.PostbackEvent{EventType: models.EventClick, ZoneID: "z", UserID: "u"}
	got := DeriveKeys(event, AggregationMode("bogus"))
	assert.Equal(t, []models.AggregationKey{models.GlobalKey}, got)
}

func TestKeyStringEncoding(t *testing.T) {
	assert.Equal(t, "global", models.GlobalKey.String())
	assert.Equal(t, "zone:z1", models.ZoneKey("z1").String())
	assert.Equal(t, "user:u1", models.UserKey("u1").String())
	assert.Equal(t, "zone:z1|user:u1", models.ZoneUserKey("z1", "u1").String())
}
