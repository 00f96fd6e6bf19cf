package storage

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Carlos20473736/monetag-postback-server/internal/models"
)

func TestRevenueMicros(t *testing.T) {
	tests := []struct {
		amount string
		want   int64
	}{
		{"0", 0},
		{"0.001", 1000},
		{"1.234567", 1234567},
		{"0.000001", 1},
		// Below the stored resolution: rounds half away from zero instead
		// of truncating to nothing.
		{"0.0000004", 0},
		{"0.0000005", 1},
		{"0.0000009", 1},
		{"12.3456789", 12345679},
	}
	for _, tt := range tests {
		got := revenueMicros(decimal.RequireFromString(tt.amount))
		assert.Equal(t, tt.want, got, "amount %s", tt.amount)
	}
}

func TestRecordFromHashRevenueRoundtrip(t *testing.T) {
	key := models.UserKey("u1")
	amount := decimal.RequireFromString("0.004505")

	rec, err := recordFromHash(key, map[string]string{
		"impressions":    "3",
		"clicks":         "1",
		"revenue_micros": decimal.NewFromInt(revenueMicros(amount)).String(),
		"valued":         "4",
		"not_valued":     "0",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(3), rec.Impressions)
	assert.True(t, rec.Revenue.Equal(amount), "got %s", rec.Revenue)
}

func TestRecordFromHashEmptyIsZeroRecord(t *testing.T) {
	rec, err := recordFromHash(models.ZoneKey("z1"), nil)
	require.NoError(t, err)
	assert.True(t, rec.Zero())
	assert.True(t, rec.Revenue.IsZero())
	assert.Nil(t, rec.Session.ExpiresAt)
}
