package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/Carlos20473736/monetag-postback-server/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresEventLog is the append-only audit table for accepted postbacks.
type PostgresEventLog struct {
	pool *pgxpool.Pool
}

const eventsSchema = `
CREATE TABLE IF NOT EXISTS postback_events (
	id                UUID PRIMARY KEY,
	event_type        TEXT NOT NULL,
	zone_id           TEXT NOT NULL,
	user_id           TEXT NOT NULL,
	estimated_price   NUMERIC(12, 6) NOT NULL DEFAULT 0,
	reward_event_type TEXT NOT NULL,
	sub_zone_id       TEXT NOT NULL DEFAULT '',
	request_var       TEXT NOT NULL DEFAULT '',
	ip_address        TEXT NOT NULL DEFAULT '',
	user_agent        TEXT NOT NULL DEFAULT '',
	country_code      TEXT NOT NULL DEFAULT '',
	received_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_postback_events_type ON postback_events (event_type);
CREATE INDEX IF NOT EXISTS idx_postback_events_zone ON postback_events (zone_id);
CREATE INDEX IF NOT EXISTS idx_postback_events_received ON postback_events (received_at);
`

// NewPostgresEventLog creates the log and bootstraps its schema.
func NewPostgresEventLog(ctx context.Context, pool *pgxpool.Pool) (*PostgresEventLog, error) {
	if _, err := pool.Exec(ctx, eventsSchema); err != nil {
		return nil, fmt.Errorf("failed to create events schema: %w", err)
	}
	return &PostgresEventLog{pool: pool}, nil
}

// Append stores one accepted postback.
func (l *PostgresEventLog) Append(ctx context.Context, event *models.PostbackEvent) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO postback_events
			(id, event_type, zone_id, user_id, estimated_price, reward_event_type,
			 sub_zone_id, request_var, ip_address, user_agent, country_code, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`, event.ID, string(event.EventType), event.ZoneID, event.UserID,
		event.EstimatedPrice.String(), string(event.RewardEventType),
		event.SubZoneID, event.RequestVar, event.IPAddress, event.UserAgent,
		event.CountryCode, event.ReceivedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// List returns matching events, most recent first.
func (l *PostgresEventLog) List(ctx context.Context, filter EventFilter) ([]*models.PostbackEvent, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var conds []string
	var args []interface{}
	if filter.EventType != "" {
		args = append(args, string(filter.EventType))
		conds = append(conds, fmt.Sprintf("event_type = $%d", len(args)))
	}
	if filter.ZoneID != "" {
		args = append(args, filter.ZoneID)
		conds = append(conds, fmt.Sprintf("zone_id = $%d", len(args)))
	}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		conds = append(conds, fmt.Sprintf("user_id = $%d", len(args)))
	}

	query := `
		SELECT id, event_type, zone_id, user_id, estimated_price::text, reward_event_type,
		       sub_zone_id, request_var, ip_address, user_agent, country_code, received_at
		FROM postback_events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY received_at DESC LIMIT $%d", len(args))

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var events []*models.PostbackEvent
	for rows.Next() {
		var ev models.PostbackEvent
		var priceText string
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.ZoneID, &ev.UserID, &priceText,
			&ev.RewardEventType, &ev.SubZoneID, &ev.RequestVar, &ev.IPAddress,
			&ev.UserAgent, &ev.CountryCode, &ev.ReceivedAt); err != nil {
			return nil, err
		}
		if ev.EstimatedPrice, err = decimal.NewFromString(priceText); err != nil {
			return nil, fmt.Errorf("failed to parse price %q: %w", priceText, err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}
