package storage

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Carlos20473736/monetag-postback-server/internal/models"
)

func TestMemoryEventLogListNewestFirst(t *testing.T) {
	log := NewMemoryEventLog(0)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ev := impression("z1", "u1", "0")
		ev.ID = strconv.Itoa(i)
		require.NoError(t, log.Append(ctx, ev))
	}

	events, err := log.List(ctx, EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 5)
	assert.Equal(t, "4", events[0].ID)
	assert.Equal(t, "0", events[4].ID)
}

func TestMemoryEventLogBounded(t *testing.T) {
	log := NewMemoryEventLog(3)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		ev := impression("z1", "u1", "0")
		ev.ID = strconv.Itoa(i)
		require.NoError(t, log.Append(ctx, ev))
	}

	events, err := log.List(ctx, EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "9", events[0].ID, "oldest entries are dropped first")
}

func TestMemoryEventLogFilters(t *testing.T) {
	log := NewMemoryEventLog(0)
	ctx := context.Background()

	require.NoError(t, log.Append(ctx, impression("z1", "u1", "0")))
	require.NoError(t, log.Append(ctx, click("z1", "u2", "0")))
	require.NoError(t, log.Append(ctx, impression("z2", "u1", "0")))

	events, err := log.List(ctx, EventFilter{ZoneID: "z1"})
	require.NoError(t, err)
	assert.Len(t, events, 2)

	events, err = log.List(ctx, EventFilter{EventType: models.EventClick})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "u2", events[0].UserID)

	events, err = log.List(ctx, EventFilter{ZoneID: "z1", UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, events, 1)

	events, err = log.List(ctx, EventFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
