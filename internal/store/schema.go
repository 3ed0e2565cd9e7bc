package store

import (
	"context"
	"fmt"
	"time"
)

// schema is applied idempotently at startup. market_history carries no
// FK to events on purpose: retention drops whole monthly partitions, and
// a FK would force row-by-row deletes.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS tournaments (
		tournament_id BIGSERIAL PRIMARY KEY,
		name          TEXT NOT NULL,
		country       TEXT NOT NULL DEFAULT '',
		sport         TEXT NOT NULL DEFAULT 'football',
		external_id   TEXT,
		UNIQUE (name, country)
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		event_id                BIGSERIAL PRIMARY KEY,
		shared_key              TEXT UNIQUE NOT NULL,
		home_team               TEXT NOT NULL,
		away_team               TEXT NOT NULL,
		kickoff                 TIMESTAMPTZ NOT NULL,
		tournament_id           BIGINT REFERENCES tournaments(tournament_id),
		primary_external_id     TEXT,
		competitor_external_ids JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_kickoff ON events (kickoff)`,
	`CREATE TABLE IF NOT EXISTS current_markets (
		event_id          BIGINT NOT NULL REFERENCES events(event_id),
		book_slug         TEXT NOT NULL,
		market_id         TEXT NOT NULL,
		line              DOUBLE PRECISION NOT NULL DEFAULT 0,
		outcomes          JSONB NOT NULL,
		last_updated_at   TIMESTAMPTZ NOT NULL,
		last_confirmed_at TIMESTAMPTZ NOT NULL,
		unavailable_since TIMESTAMPTZ,
		PRIMARY KEY (event_id, book_slug, market_id, line)
	)`,
	`CREATE TABLE IF NOT EXISTS market_history (
		event_id    BIGINT NOT NULL,
		book_slug   TEXT NOT NULL,
		market_id   TEXT NOT NULL,
		line        DOUBLE PRECISION NOT NULL DEFAULT 0,
		captured_at TIMESTAMPTZ NOT NULL,
		outcomes    JSONB NOT NULL,
		PRIMARY KEY (event_id, book_slug, market_id, line, captured_at)
	) PARTITION BY RANGE (captured_at)`,
	`CREATE TABLE IF NOT EXISTS event_scrape_status (
		event_id        BIGINT PRIMARY KEY REFERENCES events(event_id),
		scraped_at      TIMESTAMPTZ NOT NULL,
		status          TEXT NOT NULL,
		books_succeeded INT NOT NULL DEFAULT 0,
		first_error     TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS unmapped_markets (
		book_slug        TEXT NOT NULL,
		raw_market_id    TEXT NOT NULL,
		raw_market_name  TEXT NOT NULL DEFAULT '',
		first_seen_at    TIMESTAMPTZ NOT NULL,
		last_seen_at     TIMESTAMPTZ NOT NULL,
		occurrence_count INT NOT NULL DEFAULT 1,
		sample_outcomes  JSONB NOT NULL DEFAULT '[]',
		status           TEXT NOT NULL DEFAULT 'NEW',
		PRIMARY KEY (book_slug, raw_market_id)
	)`,
	`CREATE TABLE IF NOT EXISTS risk_alerts (
		alert_id             BIGSERIAL PRIMARY KEY,
		event_id             BIGINT NOT NULL REFERENCES events(event_id),
		book_slug            TEXT NOT NULL,
		market_id            TEXT NOT NULL,
		line                 DOUBLE PRECISION NOT NULL DEFAULT 0,
		outcome_name         TEXT NOT NULL DEFAULT '',
		alert_type           TEXT NOT NULL,
		severity             TEXT NOT NULL,
		old_value            DOUBLE PRECISION NOT NULL DEFAULT 0,
		new_value            DOUBLE PRECISION NOT NULL DEFAULT 0,
		change_percent       DOUBLE PRECISION NOT NULL DEFAULT 0,
		competitor_direction TEXT NOT NULL DEFAULT '',
		detected_at          TIMESTAMPTZ NOT NULL,
		status               TEXT NOT NULL DEFAULT 'NEW'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_risk_alerts_status ON risk_alerts (status, detected_at)`,
	`CREATE TABLE IF NOT EXISTS market_mappings (
		mapping_id    BIGSERIAL PRIMARY KEY,
		book_slug     TEXT NOT NULL,
		raw_market_id TEXT NOT NULL,
		market_id     TEXT NOT NULL,
		priority      INT NOT NULL DEFAULT 0,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS settings (
		id                     INT PRIMARY KEY CHECK (id = 1),
		scrape_interval_secs   INT NOT NULL,
		enabled_books          TEXT[] NOT NULL,
		batch_size             INT NOT NULL,
		history_retention_days INT NOT NULL,
		alert_retention_days   INT NOT NULL,
		event_grace_secs       INT NOT NULL,
		alerts_enabled         BOOLEAN NOT NULL,
		warning_pct            DOUBLE PRECISION NOT NULL,
		elevated_pct           DOUBLE PRECISION NOT NULL,
		critical_pct           DOUBLE PRECISION NOT NULL,
		lookback_secs          INT NOT NULL
	)`,
}

// EnsureSchema applies the schema and creates the current and next
// month's history partitions.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return s.EnsureHistoryPartitions(ctx, time.Now())
}

// EnsureHistoryPartitions creates the monthly market_history partitions
// covering now and the following month. Idempotent; called at startup
// and from the cleanup job so partitions exist before writes need them.
func (s *Store) EnsureHistoryPartitions(ctx context.Context, now time.Time) error {
	for _, month := range []time.Time{monthStart(now), monthStart(now).AddDate(0, 1, 0)} {
		next := month.AddDate(0, 1, 0)
		stmt := fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s PARTITION OF market_history
			 FOR VALUES FROM ('%s') TO ('%s')`,
			partitionName(month),
			month.Format("2006-01-02"),
			next.Format("2006-01-02"),
		)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create history partition %s: %w", partitionName(month), err)
		}
	}
	return nil
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func partitionName(month time.Time) string {
	return fmt.Sprintf("market_history_%s", month.Format("200601"))
}
