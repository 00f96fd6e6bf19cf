package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Carlos20473736/monetag-postback-server/internal/models"
)

var testPolicy = Policy{
	ImpressionThreshold: 2,
	ClickThreshold:      1,
	Duration:            900 * time.Second,
}

func userRecord(impressions, clicks int64) *models.CounterRecord {
	rec := models.NewCounterRecord(models.UserKey("u1"))
	rec.Impressions = impressions
	rec.Clicks = clicks
	return rec
}

func TestEvaluateBelowThreshold(t *testing.T) {
	now := time.Now().UTC()

	tests := []struct {
		name        string
		impressions int64
		clicks      int64
	}{
		{"nothing", 0, 0},
		{"impressions only", 5, 0},
		{"clicks only", 0, 5},
		{"one short of impressions", 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Evaluate(userRecord(tt.impressions, tt.clicks), testPolicy, now)
			assert.Equal(t, TransitionNone, d.Transition)
			assert.Equal(t, models.SessionNone, d.Status)
		})
	}
}

func TestEvaluateActivatesWhenBothThresholdsMet(t *testing.T) {
	now := time.Now().UTC()

	d := Evaluate(userRecord(2, 1), testPolicy, now)
	assert.Equal(t, TransitionActivate, d.Transition)
	assert.Equal(t, models.SessionActive, d.Status)
	assert.Equal(t, now.Add(testPolicy.Duration), d.ExpiresAt)
}

func TestEvaluateNoRetriggerWhileActive(t *testing.T) {
	now := time.Now().UTC()
	expires := now.Add(5 * time.Minute)

	rec := userRecord(100, 100)
	rec.Session.ExpiresAt = &expires

	d := Evaluate(rec, testPolicy, now)
	assert.Equal(t, TransitionNone, d.Transition)
	assert.Equal(t, models.SessionActive, d.Status)
}

func TestEvaluateExpiresLapsedSession(t *testing.T) {
	now := time.Now().UTC()
	expires := now.Add(-time.Second)

	rec := userRecord(100, 100)
	rec.Session.ExpiresAt = &expires

	d := Evaluate(rec, testPolicy, now)
	assert.Equal(t, TransitionExpireReset, d.Transition)
	assert.Equal(t, models.SessionExpired, d.Status)
}

func TestEvaluateZeroThresholdsNeverActivate(t *testing.T) {
	now := time.Now().UTC()
	pol := Policy{Duration: time.Minute}

	d := Evaluate(userRecord(1000, 1000), pol, now)
	assert.Equal(t, TransitionNone, d.Transition)
}

func TestStatusAtBoundary(t *testing.T) {
	now := time.Now().UTC()

	var state models.SessionState
	assert.Equal(t, models.SessionNone, state.StatusAt(now))

	// Exactly at expires_at the session is still active; only strictly
	// past the instant counts as lapsed.
	state.ExpiresAt = &now
	assert.Equal(t, models.SessionActive, state.StatusAt(now))
	assert.Equal(t, models.SessionExpired, state.StatusAt(now.Add(time.Nanosecond)))
}

func TestDefaultPolicy(t *testing.T) {
	assert.Equal(t, int64(20), DefaultPolicy.ImpressionThreshold)
	assert.Equal(t, int64(8), DefaultPolicy.ClickThreshold)
	assert.Equal(t, 15*time.Minute, DefaultPolicy.Duration)
}
