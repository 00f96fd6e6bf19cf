package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/Carlos20473736/monetag-postback-server/internal/models"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/shopspring/decimal"
)

// ClickHouseEventLog sinks the raw postback stream into ClickHouse for
// long-term audit and ad-hoc analytics. It is optional; when configured it
// replaces the Postgres audit table as the listing source.
type ClickHouseEventLog struct {
	conn driver.Conn
}

const clickhouseEventsSchema = `
CREATE TABLE IF NOT EXISTS postback_events (
	id                String,
	event_type        LowCardinality(String),
	zone_id           String,
	user_id           String,
	estimated_price   Decimal(12, 6),
	reward_event_type LowCardinality(String),
	sub_zone_id       String,
	request_var       String,
	ip_address        String,
	user_agent        String,
	country_code      LowCardinality(String),
	received_at       DateTime64(3, 'UTC')
) ENGINE = MergeTree()
ORDER BY (zone_id, received_at)
`

// NewClickHouseEventLog creates the log and bootstraps its table.
func NewClickHouseEventLog(ctx context.Context, conn driver.Conn) (*ClickHouseEventLog, error) {
	if err := conn.Exec(ctx, clickhouseEventsSchema); err != nil {
		return nil, fmt.Errorf("failed to create ClickHouse events table: %w", err)
	}
	return &ClickHouseEventLog{conn: conn}, nil
}

// Append inserts one accepted postback.
func (l *ClickHouseEventLog) Append(ctx context.Context, event *models.PostbackEvent) error {
	batch, err := l.conn.PrepareBatch(ctx, `
		INSERT INTO postback_events
			(id, event_type, zone_id, user_id, estimated_price, reward_event_type,
			 sub_zone_id, request_var, ip_address, user_agent, country_code, received_at)
	`)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := batch.Append(
		event.ID, string(event.EventType), event.ZoneID, event.UserID,
		event.EstimatedPrice, string(event.RewardEventType),
		event.SubZoneID, event.RequestVar, event.IPAddress, event.UserAgent,
		event.CountryCode, event.ReceivedAt,
	); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// List returns matching events, most recent first.
func (l *ClickHouseEventLog) List(ctx context.Context, filter EventFilter) ([]*models.PostbackEvent, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var conds []string
	var args []interface{}
	if filter.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, string(filter.EventType))
	}
	if filter.ZoneID != "" {
		conds = append(conds, "zone_id = ?")
		args = append(args, filter.ZoneID)
	}
	if filter.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, filter.UserID)
	}

	query := `
		SELECT id, event_type, zone_id, user_id, estimated_price, reward_event_type,
		       sub_zone_id, request_var, ip_address, user_agent, country_code, received_at
		FROM postback_events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY received_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var events []*models.PostbackEvent
	for rows.Next() {
		var ev models.PostbackEvent
		var eventType, rewardType string
		var price decimal.Decimal
		if err := rows.Scan(&ev.ID, &eventType, &ev.ZoneID, &ev.UserID, &price,
			&rewardType, &ev.SubZoneID, &ev.RequestVar, &ev.IPAddress,
			&ev.UserAgent, &ev.CountryCode, &ev.ReceivedAt); err != nil {
			return nil, err
		}
		ev.EventType = models.EventType(eventType)
		ev.RewardEventType = models.RewardEventType(rewardType)
		ev.EstimatedPrice = price
		events = append(events, &ev)
	}
	return events, rows.Err()
}
