// Package tracker orchestrates postback ingestion: normalization, key
// derivation, atomic counter application, session lifecycle, audit logging
// and read projections.
package tracker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Carlos20473736/monetag-postback-server/internal/geo"
	"github.com/Carlos20473736/monetag-postback-server/internal/ingest"
	"github.com/Carlos20473736/monetag-postback-server/internal/metrics"
	"github.com/Carlos20473736/monetag-postback-server/internal/models"
	"github.com/Carlos20473736/monetag-postback-server/internal/session"
	"github.com/Carlos20473736/monetag-postback-server/internal/storage"
)

// Options configures a tracker Service.
type Options struct {
	Mode         ingest.AggregationMode
	UserField    ingest.UserIDField
	Policy       session.Policy
	StoreTimeout time.Duration
}

// Service is the application core shared by every HTTP endpoint.
type Service struct {
	normalizer   *ingest.Normalizer
	mode         ingest.AggregationMode
	store        storage.CounterStore
	events       storage.EventLog
	geo          *geo.Resolver
	metrics      *metrics.Metrics
	logger       *zap.Logger
	policy       session.Policy
	storeTimeout time.Duration
	now          func() time.Time
}

// NewService wires the tracker together. geo may be nil (enrichment off),
// events may be nil (audit log off).
func NewService(opts Options, store storage.CounterStore, events storage.EventLog, resolver *geo.Resolver, m *metrics.Metrics, logger *zap.Logger) *Service {
	if !opts.Mode.Valid() {
		opts.Mode = ingest.ModeZoneAndUser
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 3 * time.Second
	}
	return &Service{
		normalizer:   ingest.NewNormalizer(opts.UserField),
		mode:         opts.Mode,
		store:        store,
		events:       events,
		geo:          resolver,
		metrics:      m,
		logger:       logger,
		policy:       opts.Policy,
		storeTimeout: opts.StoreTimeout,
		now:          time.Now,
	}
}

// SetClock overrides the service clock. Tests only; keeps the session fields
// of read projections on the same clock as the stores.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// IngestResult is what the postback endpoint reports back to the sender.
type IngestResult struct {
	Event            *models.PostbackEvent
	Recorded         bool
	SessionActivated bool
	SessionReset     bool
}

// RequestContext carries edge metadata attached to the event for auditing.
type RequestContext struct {
	IPAddress string
	UserAgent string
}

// Ingest processes one raw postback. Only a *ingest.ValidationError is ever
// returned; storage failures are swallowed after logging so senders always
// get an acknowledgement and never retry-storm the service.
func (s *Service) Ingest(ctx context.Context, params map[string]string, reqCtx RequestContext) (*IngestResult, error) {
	start := time.Now()

	event, err := s.normalizer.Normalize(params)
	if err != nil {
		var verr *ingest.ValidationError
		if errors.As(err, &verr) {
			s.metrics.RecordRejected(verr.Field)
		}
		return nil, err
	}

	event.ID = uuid.New().String()
	event.IPAddress = reqCtx.IPAddress
	event.UserAgent = reqCtx.UserAgent
	if s.geo != nil && reqCtx.IPAddress != "" {
		event.CountryCode = s.geo.CountryCode(reqCtx.IPAddress)
	}

	keys := ingest.DeriveKeys(event, s.mode)

	result := &IngestResult{Event: event}

	applyCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	applied, err := s.store.Apply(applyCtx, event, keys, s.policy)
	if err != nil {
		s.metrics.RecordStorageError("apply")
		s.logger.Error("counter apply failed, event acknowledged but not recorded",
			zap.Error(err),
			zap.String("event_id", event.ID),
			zap.String("zone_id", event.ZoneID),
			zap.String("user_id", event.UserID))
	} else {
		result.Recorded = true
		result.SessionActivated = applied.SessionActivated
		result.SessionReset = applied.SessionReset
		if applied.SessionActivated {
			s.metrics.RecordSessionActivated(event.ZoneID)
			s.logger.Info("reward session activated",
				zap.String("user_id", event.UserID),
				zap.String("zone_id", event.ZoneID))
		}
		if applied.SessionReset {
			s.metrics.RecordSessionExpired(1)
			s.logger.Info("lapsed session reset",
				zap.String("user_id", event.UserID))
		}
	}

	if s.events != nil {
		if err := s.events.Append(applyCtx, event); err != nil {
			s.metrics.RecordStorageError("event_log")
			s.logger.Warn("audit log append failed",
				zap.Error(err),
				zap.String("event_id", event.ID))
		}
	}

	revenue := 0.0
	if event.Valued() {
		revenue, _ = event.EstimatedPrice.Float64()
	}
	s.metrics.RecordPostback(string(event.EventType), string(event.RewardEventType),
		event.ZoneID, revenue, time.Since(start))

	return result, nil
}

// StatsGlobal sums every record of the store's primary dimension.
func (s *Service) StatsGlobal(ctx context.Context) (*models.AggregateView, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	kind := s.primaryKind()
	rec, err := s.store.Sum(ctx, kind)
	if err != nil {
		if rec = s.degradedRecord(err, models.AggregationKey{Kind: kind}); rec == nil {
			return nil, err
		}
	}
	view := models.ViewFromRecord("global", rec)
	view.ZoneID = ""
	view.UserID = ""
	return view, nil
}

// StatsZone returns the aggregate for one zone.
func (s *Service) StatsZone(ctx context.Context, zoneID string) (*models.AggregateView, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	var rec *models.CounterRecord
	var err error
	if s.mode == ingest.ModeZoneUser {
		// Composite mode keeps no standalone zone records; sum the pairs.
		rec, err = s.store.SumZone(ctx, zoneID)
	} else {
		rec, err = s.store.Get(ctx, models.ZoneKey(zoneID))
	}
	if err != nil {
		if rec = s.degradedRecord(err, models.ZoneKey(zoneID)); rec == nil {
			return nil, err
		}
	}
	rec.Key = models.ZoneKey(zoneID)
	return models.ViewFromRecord("zone", rec), nil
}

// StatsUser returns the aggregate for one user, including session fields.
func (s *Service) StatsUser(ctx context.Context, userID string) (*models.AggregateView, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	rec, err := s.store.Get(ctx, models.UserKey(userID))
	if err != nil {
		if rec = s.degradedRecord(err, models.UserKey(userID)); rec == nil {
			return nil, err
		}
	}

	view := models.ViewFromRecord("user", rec)
	view.UserID = userID

	now := s.now().UTC()
	active := rec.Session.ActiveAt(now)
	view.SessionActive = &active
	if active && rec.Session.ExpiresAt != nil {
		expiresAt := rec.Session.ExpiresAt.UTC()
		view.SessionExpiresAt = &expiresAt
		remaining := int64(expiresAt.Sub(now).Seconds())
		if remaining < 0 {
			remaining = 0
		}
		view.SecondsRemaining = &remaining
	}
	return view, nil
}

// degradedRecord implements graceful degradation for the read path: an
// unreachable backend answers with zeroed aggregates instead of an error, so
// dashboards keep polling through a backend hiccup. Anything other than
// ErrUnavailable returns nil and keeps surfacing.
func (s *Service) degradedRecord(err error, key models.AggregationKey) *models.CounterRecord {
	if !errors.Is(err, storage.ErrUnavailable) {
		return nil
	}
	s.metrics.RecordStorageError("stats")
	s.logger.Warn("stats read degraded to zeroed aggregates",
		zap.Error(err),
		zap.String("key", key.String()))
	return models.NewCounterRecord(key)
}

// ListEvents returns recent audit entries, newest first. An unreachable
// audit backend degrades to an empty listing, same contract as stats.
func (s *Service) ListEvents(ctx context.Context, filter storage.EventFilter) ([]*models.PostbackEvent, error) {
	if s.events == nil {
		return []*models.PostbackEvent{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	events, err := s.events.List(ctx, filter)
	if err != nil {
		if !errors.Is(err, storage.ErrUnavailable) {
			return nil, err
		}
		s.metrics.RecordStorageError("event_log")
		s.logger.Warn("event listing degraded to empty result", zap.Error(err))
		return []*models.PostbackEvent{}, nil
	}
	return events, nil
}

// Reset destroys counters in scope. Admin-only; errors are surfaced.
func (s *Service) Reset(ctx context.Context, scope storage.ResetScope) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	deleted, err := s.store.Reset(ctx, scope)
	if err != nil {
		return 0, err
	}

	label := "all"
	switch {
	case scope.ZoneID != "":
		label = "zone"
	case scope.UserID != "":
		label = "user"
	}
	s.metrics.RecordReset(label, deleted)
	s.logger.Info("counters reset",
		zap.String("scope", label),
		zap.String("zone_id", scope.ZoneID),
		zap.String("user_id", scope.UserID),
		zap.Int64("deleted", deleted))
	return deleted, nil
}

// RunSweeper periodically expires lapsed sessions until ctx is cancelled.
// Lazy expiry on read/write is the primary mechanism; the sweep keeps
// storage from accumulating stale session rows for users who went quiet.
// A non-positive interval disables the sweep.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
			expired, err := s.store.ExpireLapsed(sweepCtx)
			cancel()
			if err != nil {
				s.metrics.RecordStorageError("sweep")
				s.logger.Warn("session sweep failed", zap.Error(err))
				continue
			}
			if expired > 0 {
				s.metrics.RecordSessionExpired(expired)
				s.logger.Info("session sweep", zap.Int64("expired", expired))
			}
		}
	}
}

// Mode returns the configured aggregation mode.
func (s *Service) Mode() ingest.AggregationMode {
	return s.mode
}

// UserField returns the configured identifier field name.
func (s *Service) UserField() string {
	return string(s.normalizer.UserField())
}

func (s *Service) primaryKind() models.KeyKind {
	switch s.mode {
	case ingest.ModeGlobal:
		return models.KeyGlobal
	case ingest.ModeZone:
		return models.KeyZone
	case ingest.ModeUser:
		return models.KeyUser
	case ingest.ModeZoneAndUser:
		// Zone and user keys double-count the same events; sum one side.
		return models.KeyZone
	default:
		return models.KeyZoneUser
	}
}
