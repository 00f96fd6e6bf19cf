// Package session holds the reward-session lifecycle rules. Every read and
// write path that touches session state goes through Evaluate, so expiry
// semantics cannot drift between endpoints.
package session

import (
	"time"

	"github.com/Carlos20473736/monetag-postback-server/internal/models"
)

// Policy configures the completion thresholds and session duration. Both
// thresholds must be met (impressions AND clicks) to open a session.
type Policy struct {
	ImpressionThreshold int64
	ClickThreshold      int64
	Duration            time.Duration
}

// DefaultPolicy matches the production Monetag integration.
var DefaultPolicy = Policy{
	ImpressionThreshold: 20,
	ClickThreshold:      8,
	Duration:            15 * time.Minute,
}

// Transition is the outcome of evaluating a user record.
type Transition int

const (
	// TransitionNone leaves the session untouched.
	TransitionNone Transition = iota
	// TransitionActivate opens a fresh session; ExpiresAt is set.
	TransitionActivate
	// TransitionExpireReset closes a lapsed session and destroys the user's
	// counters so a new task cycle can begin.
	TransitionExpireReset
)

// Decision tells the store what to do with the record under evaluation. The
// store applies it inside the same atomic unit as the counter increments.
type Decision struct {
	Transition Transition
	ExpiresAt  time.Time
	Status     models.SessionStatus
}

// Evaluate derives the next session transition for a user-scoped record.
//
// State machine: NONE -> ACTIVE when both thresholds are met, with
// ExpiresAt = now + Duration. ACTIVE -> EXPIRED lazily when now is past
// ExpiresAt; the expired session's counters are reset immediately on
// detection. While active, further events do not extend the window.
func Evaluate(rec *models.CounterRecord, pol Policy, now time.Time) Decision {
	switch rec.Session.StatusAt(now) {
	case models.SessionActive:
		return Decision{Transition: TransitionNone, Status: models.SessionActive}

	case models.SessionExpired:
		return Decision{Transition: TransitionExpireReset, Status: models.SessionExpired}

	default:
		if pol.complete(rec) {
			return Decision{
				Transition: TransitionActivate,
				ExpiresAt:  now.Add(pol.Duration),
				Status:     models.SessionActive,
			}
		}
		return Decision{Transition: TransitionNone, Status: models.SessionNone}
	}
}

func (p Policy) complete(rec *models.CounterRecord) bool {
	if p.ImpressionThreshold <= 0 && p.ClickThreshold <= 0 {
		return false
	}
	return rec.Impressions >= p.ImpressionThreshold && rec.Clicks >= p.ClickThreshold
}
