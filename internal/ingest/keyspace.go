package ingest

import (
	"github.com/Carlos20473736/monetag-postback-server/internal/models"
)

// AggregationMode selects the dimension(s) counters are grouped by.
type AggregationMode string

const (
	ModeGlobal   AggregationMode = "global"
	ModeZone     AggregationMode = "zone"
	ModeUser     AggregationMode = "user"
	ModeZoneUser AggregationMode = "zone_user"

	// ModeZoneAndUser emits a zone-level key and a user-level key from the
	// same event. Both updates are applied as one atomic unit by the store.
	ModeZoneAndUser AggregationMode = "zone_and_user"
)

// Valid reports whether the mode is recognized.
func (m AggregationMode) Valid() bool {
	switch m {
	case ModeGlobal, ModeZone, ModeUser, ModeZoneUser, ModeZoneAndUser:
		return true
	}
	return false
}

// DeriveKeys maps a normalized event to its aggregation key set. The mapping
// is deterministic and never re-interprets identifiers the normalizer already
// canonicalized.
func DeriveKeys(event *models.PostbackEvent, mode AggregationMode) []models.AggregationKey {
	switch mode {
	case ModeGlobal:
		return []models.AggregationKey{models.GlobalKey}
	case ModeZone:
		return []models.AggregationKey{models.ZoneKey(event.ZoneID)}
	case ModeUser:
		return []models.AggregationKey{models.UserKey(event.UserID)}
	case ModeZoneUser:
		return []models.AggregationKey{models.ZoneUserKey(event.ZoneID, event.UserID)}
	case ModeZoneAndUser:
		return []models.AggregationKey{
			models.ZoneKey(event.ZoneID),
			models.UserKey(event.UserID),
		}
	}
	return []models.AggregationKey{models.GlobalKey}
}
