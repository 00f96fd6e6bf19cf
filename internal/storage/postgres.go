package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Carlos20473736/monetag-postback-server/internal/models"
	"github.com/Carlos20473736/monetag-postback-server/internal/session"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PostgresCounterStore implements CounterStore on PostgreSQL. Non-user keys
// are incremented with a single upsert statement; user keys take a row lock
// inside a transaction so the increment-plus-session evaluation is one unit.
type PostgresCounterStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	now    func() time.Time
}

const countersSchema = `
CREATE TABLE IF NOT EXISTS postback_counters (
	key                TEXT PRIMARY KEY,
	kind               TEXT NOT NULL,
	zone_id            TEXT NOT NULL DEFAULT '',
	user_id            TEXT NOT NULL DEFAULT '',
	impressions        BIGINT NOT NULL DEFAULT 0,
	clicks             BIGINT NOT NULL DEFAULT 0,
	revenue            NUMERIC(16, 6) NOT NULL DEFAULT 0,
	valued_events      BIGINT NOT NULL DEFAULT 0,
	not_valued_events  BIGINT NOT NULL DEFAULT 0,
	session_expires_at TIMESTAMPTZ,
	last_update        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_postback_counters_kind ON postback_counters (kind);
CREATE INDEX IF NOT EXISTS idx_postback_counters_zone ON postback_counters (zone_id);
CREATE INDEX IF NOT EXISTS idx_postback_counters_user ON postback_counters (user_id);
`

// NewPostgresCounterStore creates the store and bootstraps its schema.
func NewPostgresCounterStore(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) (*PostgresCounterStore, error) {
	if _, err := pool.Exec(ctx, countersSchema); err != nil {
		return nil, fmt.Errorf("failed to create counters schema: %w", err)
	}
	return &PostgresCounterStore{
		pool:   pool,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Apply increments all keys of one event in a single transaction.
func (s *PostgresCounterStore) Apply(ctx context.Context, event *models.PostbackEvent, keys []models.AggregationKey, pol session.Policy) (*ApplyResult, error) {
	var res *ApplyResult
	err := s.withRetry(ctx, func() error {
		var txErr error
		res, txErr = s.applyOnce(ctx, event, keys, pol)
		return txErr
	})
	return res, err
}

func (s *PostgresCounterStore) applyOnce(ctx context.Context, event *models.PostbackEvent, keys []models.AggregationKey, pol session.Policy) (*ApplyResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	now := s.now().UTC()
	res := &ApplyResult{}

	for _, key := range keys {
		var rec *models.CounterRecord
		if key.PerUser() {
			rec, err = s.applyUserLocked(ctx, tx, key, event, pol, now, res)
		} else {
			rec, err = s.upsertIncrement(ctx, tx, key, event, now)
		}
		if err != nil {
			return nil, err
		}
		res.Records = append(res.Records, rec)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return res, nil
}

// upsertIncrement is the plain UPDATE ... SET x = x + 1 path for keys without
// session state.
func (s *PostgresCounterStore) upsertIncrement(ctx context.Context, tx pgx.Tx, key models.AggregationKey, event *models.PostbackEvent, now time.Time) (*models.CounterRecord, error) {
	imp, clk, val, nval, revenue := eventDeltas(event)

	rec := models.NewCounterRecord(key)
	var revText string
	err := tx.QueryRow(ctx, `
		INSERT INTO postback_counters
			(key, kind, zone_id, user_id, impressions, clicks, revenue, valued_events, not_valued_events, last_update)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (key) DO UPDATE SET
			impressions       = postback_counters.impressions + EXCLUDED.impressions,
			clicks            = postback_counters.clicks + EXCLUDED.clicks,
			revenue           = postback_counters.revenue + EXCLUDED.revenue,
			valued_events     = postback_counters.valued_events + EXCLUDED.valued_events,
			not_valued_events = postback_counters.not_valued_events + EXCLUDED.not_valued_events,
			last_update       = EXCLUDED.last_update
		RETURNING impressions, clicks, revenue::text, valued_events, not_valued_events, last_update
	`, key.String(), string(key.Kind), key.ZoneID, key.UserID,
		imp, clk, revenue.String(), val, nval, now,
	).Scan(&rec.Impressions, &rec.Clicks, &revText, &rec.ValuedEvents, &rec.NotValuedEvents, &rec.LastUpdate)
	if err != nil {
		return nil, err
	}

	if rec.Revenue, err = decimal.NewFromString(revText); err != nil {
		return nil, fmt.Errorf("failed to parse revenue %q: %w", revText, err)
	}
	return rec, nil
}

// applyUserLocked row-locks the user record so two concurrent postbacks
// cannot both observe a pre-threshold count and both open a session.
func (s *PostgresCounterStore) applyUserLocked(ctx context.Context, tx pgx.Tx, key models.AggregationKey, event *models.PostbackEvent, pol session.Policy, now time.Time, res *ApplyResult) (*models.CounterRecord, error) {
	_, err := tx.Exec(ctx, `
		INSERT INTO postback_counters (key, kind, zone_id, user_id, last_update)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO NOTHING
	`, key.String(), string(key.Kind), key.ZoneID, key.UserID, now)
	if err != nil {
		return nil, err
	}

	rec, err := scanRecord(tx.QueryRow(ctx, selectRecordSQL+` WHERE key = $1 FOR UPDATE`, key.String()), key)
	if err != nil {
		return nil, err
	}

	activated, reset := applyToRecord(rec, event, pol, now)
	res.UserRecord = rec
	res.SessionActivated = res.SessionActivated || activated
	res.SessionReset = res.SessionReset || reset

	_, err = tx.Exec(ctx, `
		UPDATE postback_counters SET
			impressions        = $2,
			clicks             = $3,
			revenue            = $4,
			valued_events      = $5,
			not_valued_events  = $6,
			session_expires_at = $7,
			last_update        = $8
		WHERE key = $1
	`, key.String(), rec.Impressions, rec.Clicks, rec.Revenue.String(),
		rec.ValuedEvents, rec.NotValuedEvents, rec.Session.ExpiresAt, rec.LastUpdate)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Get answers with a zero record on a missing key. User keys get the lazy
// expiry-and-reset before the read result is produced.
func (s *PostgresCounterStore) Get(ctx context.Context, key models.AggregationKey) (*models.CounterRecord, error) {
	now := s.now().UTC()

	if key.PerUser() {
		// Destructive reset on detection, same rule as the write path.
		if _, err := s.pool.Exec(ctx, expireSQL+` AND key = $2`, now, key.String()); err != nil {
			return nil, s.mapErr(err)
		}
	}

	rec, err := scanRecord(s.pool.QueryRow(ctx, selectRecordSQL+` WHERE key = $1`, key.String()), key)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.NewCounterRecord(key), nil
	}
	if err != nil {
		return nil, s.mapErr(err)
	}
	return rec, nil
}

// Sum aggregates one dimension. User sessions are swept first so a stale
// expired session never leaks into the totals.
func (s *PostgresCounterStore) Sum(ctx context.Context, kind models.KeyKind) (*models.CounterRecord, error) {
	if kind == models.KeyUser {
		if _, err := s.ExpireLapsed(ctx); err != nil {
			return nil, err
		}
	}

	total := models.NewCounterRecord(models.AggregationKey{Kind: kind})
	var revText string
	var last *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(impressions), 0),
		       COALESCE(SUM(clicks), 0),
		       COALESCE(SUM(revenue), 0)::text,
		       COALESCE(SUM(valued_events), 0),
		       COALESCE(SUM(not_valued_events), 0),
		       MAX(last_update)
		FROM postback_counters WHERE kind = $1
	`, string(kind)).Scan(&total.Impressions, &total.Clicks, &revText, &total.ValuedEvents, &total.NotValuedEvents, &last)
	if err != nil {
		return nil, s.mapErr(err)
	}
	if total.Revenue, err = decimal.NewFromString(revText); err != nil {
		return nil, fmt.Errorf("failed to parse revenue %q: %w", revText, err)
	}
	if last != nil {
		total.LastUpdate = *last
	}
	return total, nil
}

// SumZone folds every composite zone_user row for one zone into a synthetic
// zone record.
func (s *PostgresCounterStore) SumZone(ctx context.Context, zoneID string) (*models.CounterRecord, error) {
	total := models.NewCounterRecord(models.ZoneKey(zoneID))
	var revText string
	var last *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(impressions), 0),
		       COALESCE(SUM(clicks), 0),
		       COALESCE(SUM(revenue), 0)::text,
		       COALESCE(SUM(valued_events), 0),
		       COALESCE(SUM(not_valued_events), 0),
		       MAX(last_update)
		FROM postback_counters WHERE kind = 'zone_user' AND zone_id = $1
	`, zoneID).Scan(&total.Impressions, &total.Clicks, &revText, &total.ValuedEvents, &total.NotValuedEvents, &last)
	if err != nil {
		return nil, s.mapErr(err)
	}
	if total.Revenue, err = decimal.NewFromString(revText); err != nil {
		return nil, fmt.Errorf("failed to parse revenue %q: %w", revText, err)
	}
	if last != nil {
		total.LastUpdate = *last
	}
	return total, nil
}

// Reset deletes matching records.
func (s *PostgresCounterStore) Reset(ctx context.Context, scope ResetScope) (int64, error) {
	var tag pgconn.CommandTag
	var err error
	switch {
	case scope.All:
		tag, err = s.pool.Exec(ctx, `DELETE FROM postback_counters`)
	case scope.ZoneID != "":
		tag, err = s.pool.Exec(ctx, `DELETE FROM postback_counters WHERE zone_id = $1`, scope.ZoneID)
	case scope.UserID != "":
		tag, err = s.pool.Exec(ctx, `DELETE FROM postback_counters WHERE user_id = $1`, scope.UserID)
	default:
		return 0, nil
	}
	if err != nil {
		return 0, s.mapErr(err)
	}
	return tag.RowsAffected(), nil
}

const expireSQL = `
	UPDATE postback_counters SET
		impressions = 0, clicks = 0, revenue = 0,
		valued_events = 0, not_valued_events = 0,
		session_expires_at = NULL
	WHERE kind = 'user' AND session_expires_at IS NOT NULL AND session_expires_at < $1`

// ExpireLapsed resets every user row whose window has passed, in one
// statement so the sweep never holds locks beyond single rows.
func (s *PostgresCounterStore) ExpireLapsed(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, expireSQL, s.now().UTC())
	if err != nil {
		return 0, s.mapErr(err)
	}
	return tag.RowsAffected(), nil
}

const selectRecordSQL = `
	SELECT impressions, clicks, revenue::text, valued_events, not_valued_events, session_expires_at, last_update
	FROM postback_counters`

func scanRecord(row pgx.Row, key models.AggregationKey) (*models.CounterRecord, error) {
	rec := models.NewCounterRecord(key)
	var revText string
	var expires *time.Time
	if err := row.Scan(&rec.Impressions, &rec.Clicks, &revText, &rec.ValuedEvents, &rec.NotValuedEvents, &expires, &rec.LastUpdate); err != nil {
		return nil, err
	}
	var err error
	if rec.Revenue, err = decimal.NewFromString(revText); err != nil {
		return nil, fmt.Errorf("failed to parse revenue %q: %w", revText, err)
	}
	rec.Session.ExpiresAt = expires
	return rec, nil
}

func eventDeltas(event *models.PostbackEvent) (imp, clk, val, nval int64, revenue decimal.Decimal) {
	if event.EventType == models.EventImpression {
		imp = 1
	} else {
		clk = 1
	}
	revenue = decimal.Zero
	if event.Valued() {
		val = 1
		revenue = event.EstimatedPrice
	} else {
		nval = 1
	}
	return imp, clk, val, nval, revenue
}

// withRetry reruns the transaction on serialization or deadlock failures a
// bounded number of times, then degrades to ErrUnavailable.
func (s *PostgresCounterStore) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxApplyRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !retryablePgErr(err) {
			return s.mapErr(err)
		}
		s.logger.Debug("retrying counter transaction", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return fmt.Errorf("%w: retries exhausted: %v", ErrUnavailable, err)
}

func retryablePgErr(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// serialization_failure, deadlock_detected
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func (s *PostgresCounterStore) mapErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
