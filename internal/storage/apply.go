package storage

import (
	"time"

	"github.com/Carlos20473736/monetag-postback-server/internal/models"
	"github.com/Carlos20473736/monetag-postback-server/internal/session"
)

// applyToRecord mutates one loaded record with one event. Every backend runs
// its increments through here inside its own critical section, so counting
// and session semantics are identical across memory, Postgres and Redis.
//
// For user-scoped keys the order matters: a lapsed session is detected and
// reset before the new event lands, then activation is evaluated against the
// post-increment counters.
func applyToRecord(rec *models.CounterRecord, event *models.PostbackEvent, pol session.Policy, now time.Time) (activated, reset bool) {
	if rec.Key.PerUser() {
		if d := session.Evaluate(rec, pol, now); d.Transition == session.TransitionExpireReset {
			resetRecord(rec)
			reset = true
		}
	}

	incrementRecord(rec, event, now)

	if rec.Key.PerUser() {
		if d := session.Evaluate(rec, pol, now); d.Transition == session.TransitionActivate {
			expires := d.ExpiresAt
			rec.Session.ExpiresAt = &expires
			activated = true
		}
	}
	return activated, reset
}

func incrementRecord(rec *models.CounterRecord, event *models.PostbackEvent, now time.Time) {
	switch event.EventType {
	case models.EventImpression:
		rec.Impressions++
	case models.EventClick:
		rec.Clicks++
	}

	if event.Valued() {
		rec.ValuedEvents++
		rec.Revenue = rec.Revenue.Add(event.EstimatedPrice)
	} else {
		rec.NotValuedEvents++
	}

	rec.LastUpdate = now
}

func resetRecord(rec *models.CounterRecord) {
	key := rec.Key
	*rec = *models.NewCounterRecord(key)
}

// expireIfLapsed applies the lazy expiry-and-reset on read paths.
func expireIfLapsed(rec *models.CounterRecord, now time.Time) bool {
	if !rec.Key.PerUser() {
		return false
	}
	if rec.Session.StatusAt(now) != models.SessionExpired {
		return false
	}
	resetRecord(rec)
	return true
}
