package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Carlos20473736/monetag-postback-server/internal/models"
	"github.com/Carlos20473736/monetag-postback-server/internal/session"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RedisCounterStore implements CounterStore on Redis. Each record is one hash;
// the increment-plus-session unit is an optimistic WATCH/MULTI transaction
// over the affected hashes, retried a bounded number of times on conflict.
//
// Revenue is held as integer micro-dollars so accumulation stays exact; the
// decimal conversion happens only at the boundary.
type RedisCounterStore struct {
	client *redis.Client
	logger *zap.Logger
	now    func() time.Time
}

const (
	redisCounterPrefix = "pb:counter:"
	redisKindPrefix    = "pb:keys:"
)

// NewRedisCounterStore creates a Redis-backed counter store.
func NewRedisCounterStore(client *redis.Client, logger *zap.Logger) *RedisCounterStore {
	return &RedisCounterStore{
		client: client,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the store clock. Tests only.
func (s *RedisCounterStore) SetClock(now func() time.Time) {
	s.now = now
}

func counterHashKey(key models.AggregationKey) string {
	return redisCounterPrefix + key.String()
}

func kindSetKey(kind models.KeyKind) string {
	return redisKindPrefix + string(kind)
}

// Apply runs the whole key set of one event inside one WATCH transaction.
func (s *RedisCounterStore) Apply(ctx context.Context, event *models.PostbackEvent, keys []models.AggregationKey, pol session.Policy) (*ApplyResult, error) {
	hashKeys := make([]string, len(keys))
	for i, k := range keys {
		hashKeys[i] = counterHashKey(k)
	}

	var res *ApplyResult
	txn := func(tx *redis.Tx) error {
		now := s.now().UTC()
		res = &ApplyResult{}

		records := make([]*models.CounterRecord, len(keys))
		for i, key := range keys {
			rec, err := s.loadTx(ctx, tx, key)
			if err != nil {
				return err
			}
			activated, reset := applyToRecord(rec, event, pol, now)
			records[i] = rec
			res.Records = append(res.Records, rec)
			if key.PerUser() {
				res.UserRecord = rec
				res.SessionActivated = res.SessionActivated || activated
				res.SessionReset = res.SessionReset || reset
			}
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, key := range keys {
				writeRecord(ctx, pipe, key, records[i])
			}
			return nil
		})
		return err
	}

	err := s.watchRetry(ctx, txn, hashKeys...)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Get answers with a zero record on a missing key, expiring a lapsed session
// first for user keys.
func (s *RedisCounterStore) Get(ctx context.Context, key models.AggregationKey) (*models.CounterRecord, error) {
	if key.PerUser() {
		if err := s.expireOne(ctx, key); err != nil {
			return nil, err
		}
	}

	fields, err := s.client.HGetAll(ctx, counterHashKey(key)).Result()
	if err != nil {
		return nil, s.mapErr(err)
	}
	return recordFromHash(key, fields)
}

// Sum aggregates every record of one dimension.
func (s *RedisCounterStore) Sum(ctx context.Context, kind models.KeyKind) (*models.CounterRecord, error) {
	if kind == models.KeyUser {
		if _, err := s.ExpireLapsed(ctx); err != nil {
			return nil, err
		}
	}

	ids, err := s.client.SMembers(ctx, kindSetKey(kind)).Result()
	if err != nil {
		return nil, s.mapErr(err)
	}

	total := models.NewCounterRecord(models.AggregationKey{Kind: kind})
	for _, id := range ids {
		fields, err := s.client.HGetAll(ctx, redisCounterPrefix+id).Result()
		if err != nil {
			return nil, s.mapErr(err)
		}
		rec, err := recordFromHash(models.AggregationKey{Kind: kind}, fields)
		if err != nil {
			return nil, err
		}
		total.Impressions += rec.Impressions
		total.Clicks += rec.Clicks
		total.Revenue = total.Revenue.Add(rec.Revenue)
		total.ValuedEvents += rec.ValuedEvents
		total.NotValuedEvents += rec.NotValuedEvents
		if rec.LastUpdate.After(total.LastUpdate) {
			total.LastUpdate = rec.LastUpdate
		}
	}
	return total, nil
}

// SumZone folds every composite zone_user record for one zone into a
// synthetic zone record.
func (s *RedisCounterStore) SumZone(ctx context.Context, zoneID string) (*models.CounterRecord, error) {
	ids, err := s.client.SMembers(ctx, kindSetKey(models.KeyZoneUser)).Result()
	if err != nil {
		return nil, s.mapErr(err)
	}

	total := models.NewCounterRecord(models.ZoneKey(zoneID))
	for _, id := range ids {
		fields, err := s.client.HGetAll(ctx, redisCounterPrefix+id).Result()
		if err != nil {
			return nil, s.mapErr(err)
		}
		if fields["zone_id"] != zoneID {
			continue
		}
		rec, err := recordFromHash(models.AggregationKey{Kind: models.KeyZoneUser}, fields)
		if err != nil {
			return nil, err
		}
		total.Impressions += rec.Impressions
		total.Clicks += rec.Clicks
		total.Revenue = total.Revenue.Add(rec.Revenue)
		total.ValuedEvents += rec.ValuedEvents
		total.NotValuedEvents += rec.NotValuedEvents
		if rec.LastUpdate.After(total.LastUpdate) {
			total.LastUpdate = rec.LastUpdate
		}
	}
	return total, nil
}

// Reset deletes matching records and their index entries.
func (s *RedisCounterStore) Reset(ctx context.Context, scope ResetScope) (int64, error) {
	var deleted int64
	for _, kind := range []models.KeyKind{models.KeyGlobal, models.KeyZone, models.KeyUser, models.KeyZoneUser} {
		ids, err := s.client.SMembers(ctx, kindSetKey(kind)).Result()
		if err != nil {
			return deleted, s.mapErr(err)
		}
		for _, id := range ids {
			vals, err := s.client.HMGet(ctx, redisCounterPrefix+id, "zone_id", "user_id").Result()
			if err != nil {
				return deleted, s.mapErr(err)
			}
			key := models.AggregationKey{Kind: kind}
			if z, ok := vals[0].(string); ok {
				key.ZoneID = z
			}
			if u, ok := vals[1].(string); ok {
				key.UserID = u
			}
			if !scope.Matches(key) {
				continue
			}
			pipe := s.client.Pipeline()
			pipe.Del(ctx, redisCounterPrefix+id)
			pipe.SRem(ctx, kindSetKey(kind), id)
			if _, err := pipe.Exec(ctx); err != nil {
				return deleted, s.mapErr(err)
			}
			deleted++
		}
	}
	return deleted, nil
}

// ExpireLapsed resets user records whose session window has passed, one
// record per transaction so the sweep never blocks unrelated users.
func (s *RedisCounterStore) ExpireLapsed(ctx context.Context) (int64, error) {
	ids, err := s.client.SMembers(ctx, kindSetKey(models.KeyUser)).Result()
	if err != nil {
		return 0, s.mapErr(err)
	}

	var expired int64
	for _, id := range ids {
		userID := ""
		if v, err := s.client.HGet(ctx, redisCounterPrefix+id, "user_id").Result(); err == nil {
			userID = v
		}
		key := models.UserKey(userID)
		reset, err := s.expireOneReported(ctx, key)
		if err != nil {
			return expired, err
		}
		if reset {
			expired++
		}
	}
	return expired, nil
}

func (s *RedisCounterStore) expireOne(ctx context.Context, key models.AggregationKey) error {
	_, err := s.expireOneReported(ctx, key)
	return err
}

func (s *RedisCounterStore) expireOneReported(ctx context.Context, key models.AggregationKey) (bool, error) {
	var reset bool
	txn := func(tx *redis.Tx) error {
		reset = false
		rec, err := s.loadTx(ctx, tx, key)
		if err != nil {
			return err
		}
		if !expireIfLapsed(rec, s.now().UTC()) {
			return nil
		}
		reset = true
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			writeRecord(ctx, pipe, key, rec)
			return nil
		})
		return err
	}
	if err := s.watchRetry(ctx, txn, counterHashKey(key)); err != nil {
		return false, err
	}
	return reset, nil
}

// watchRetry is the bounded optimistic-transaction loop; redis.TxFailedErr is
// the retryable conflict, anything else degrades to ErrUnavailable.
func (s *RedisCounterStore) watchRetry(ctx context.Context, txn func(*redis.Tx) error, keys ...string) error {
	var err error
	for attempt := 0; attempt < maxApplyRetries; attempt++ {
		err = s.client.Watch(ctx, txn, keys...)
		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return s.mapErr(err)
		}
		s.logger.Debug("retrying counter transaction", zap.Int("attempt", attempt+1))
	}
	return fmt.Errorf("%w: retries exhausted: %v", ErrUnavailable, err)
}

func (s *RedisCounterStore) loadTx(ctx context.Context, tx *redis.Tx, key models.AggregationKey) (*models.CounterRecord, error) {
	fields, err := tx.HGetAll(ctx, counterHashKey(key)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return recordFromHash(key, fields)
}

func writeRecord(ctx context.Context, pipe redis.Pipeliner, key models.AggregationKey, rec *models.CounterRecord) {
	expires := int64(0)
	if rec.Session.ExpiresAt != nil {
		expires = rec.Session.ExpiresAt.Unix()
	}
	pipe.HSet(ctx, counterHashKey(key),
		"kind", string(key.Kind),
		"zone_id", key.ZoneID,
		"user_id", key.UserID,
		"impressions", rec.Impressions,
		"clicks", rec.Clicks,
		"revenue_micros", revenueMicros(rec.Revenue),
		"valued", rec.ValuedEvents,
		"not_valued", rec.NotValuedEvents,
		"expires_at", expires,
		"last_update", rec.LastUpdate.Unix(),
	)
	pipe.SAdd(ctx, kindSetKey(key.Kind), key.String())
}

func recordFromHash(key models.AggregationKey, fields map[string]string) (*models.CounterRecord, error) {
	rec := models.NewCounterRecord(key)
	if len(fields) == 0 {
		return rec, nil
	}

	rec.Impressions = parseInt(fields["impressions"])
	rec.Clicks = parseInt(fields["clicks"])
	rec.Revenue = decimal.New(parseInt(fields["revenue_micros"]), -6)
	rec.ValuedEvents = parseInt(fields["valued"])
	rec.NotValuedEvents = parseInt(fields["not_valued"])
	if ts := parseInt(fields["last_update"]); ts > 0 {
		rec.LastUpdate = time.Unix(ts, 0).UTC()
	}
	if exp := parseInt(fields["expires_at"]); exp > 0 {
		t := time.Unix(exp, 0).UTC()
		rec.Session.ExpiresAt = &t
	}
	if rec.Key.ZoneID == "" {
		rec.Key.ZoneID = fields["zone_id"]
	}
	if rec.Key.UserID == "" {
		rec.Key.UserID = fields["user_id"]
	}
	return rec, nil
}

// revenueMicros converts a decimal amount to integer micro-dollars, the
// resolution this backend stores. Sub-microdollar components round
// half-up rather than truncate.
func revenueMicros(d decimal.Decimal) int64 {
	return d.Round(6).Shift(6).IntPart()
}

func (s *RedisCounterStore) mapErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func parseInt(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
