package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"

	"companion-telemetry/internal/model"
)

// ClickHouse inserts each batch into a telemetry events table with a single
// transactional prepared statement.
type ClickHouse struct {
	db *sql.DB
}

// NewClickHouse opens a connection from a DSN and ensures the schema exists.
func NewClickHouse(ctx context.Context, dsn string) (*ClickHouse, error) {
	db, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	c := &ClickHouse{db: db}
	if err := c.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return c, nil
}

// Close releases database resources.
func (c *ClickHouse) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *ClickHouse) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS telemetry_events
(
  event_id     String,
  event_time   DateTime64(3, 'UTC'),
  event_type   LowCardinality(String),
  session_id   String,
  platform     LowCardinality(String),
  app_version  LowCardinality(String),
  screen       LowCardinality(String),
  duration_ms  Int64,
  payload      JSON
)
ENGINE = MergeTree
PARTITION BY toYYYYMM(event_time)
ORDER BY (event_type, event_time, session_id)`
	_, err := c.db.ExecContext(ctx, ddl)
	return err
}

func (c *ClickHouse) Send(ctx context.Context, batch []model.Event) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO telemetry_events (
	event_id, event_time, event_type, session_id,
	platform, app_version, screen, duration_ms, payload
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, evt := range batch {
		payload, err := json.Marshal(evt.Data)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("encode payload: %w", err)
		}
		meta := evt.Metadata
		if meta == nil {
			meta = &model.Metadata{}
		}
		if _, err := stmt.ExecContext(
			ctx,
			evt.ID,
			time.UnixMilli(evt.Timestamp).UTC(),
			evt.Type,
			evt.SessionID,
			meta.Platform,
			meta.AppVersion,
			meta.Screen,
			meta.DurationMS,
			string(payload),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert event: %w", err)
		}
	}
	return tx.Commit()
}
