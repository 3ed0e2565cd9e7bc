// Package store owns database access outside the write queue: schema
// bootstrap, settings, event/tournament upserts during discovery, cache
// warmup, read queries for the API, and retention cleanup.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/XavierBriggs/Argus/internal/cache"
	"github.com/XavierBriggs/Argus/internal/mapper"
	"github.com/XavierBriggs/Argus/pkg/models"
)

// Store wraps the shared database handle.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a Store.
func New(db *sql.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// LoadSettings returns the single settings row, seeding it with defaults
// on first startup.
func (s *Store) LoadSettings(ctx context.Context) (models.Settings, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT scrape_interval_secs, enabled_books, batch_size,
		       history_retention_days, alert_retention_days, event_grace_secs,
		       alerts_enabled, warning_pct, elevated_pct, critical_pct, lookback_secs
		FROM settings WHERE id = 1`)

	var (
		intervalSecs, graceSecs, lookbackSecs int
		set                                   models.Settings
		books                                 pq.StringArray
	)
	err := row.Scan(&intervalSecs, &books, &set.BatchSize,
		&set.HistoryRetentionDays, &set.AlertRetentionDays, &graceSecs,
		&set.AlertsEnabled, &set.WarningPct, &set.ElevatedPct, &set.CriticalPct, &lookbackSecs)
	if err == sql.ErrNoRows {
		defaults := models.DefaultSettings()
		if err := s.SaveSettings(ctx, defaults); err != nil {
			return models.Settings{}, fmt.Errorf("seed settings: %w", err)
		}
		return defaults, nil
	}
	if err != nil {
		return models.Settings{}, fmt.Errorf("load settings: %w", err)
	}

	set.ScrapeInterval = time.Duration(intervalSecs) * time.Second
	set.EventGrace = time.Duration(graceSecs) * time.Second
	set.LookbackWindow = time.Duration(lookbackSecs) * time.Second
	set.EnabledBooks = []string(books)
	return set, nil
}

// SaveSettings upserts the single settings row. Changes take effect at
// the next cycle's snapshot.
func (s *Store) SaveSettings(ctx context.Context, set models.Settings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (
			id, scrape_interval_secs, enabled_books, batch_size,
			history_retention_days, alert_retention_days, event_grace_secs,
			alerts_enabled, warning_pct, elevated_pct, critical_pct, lookback_secs
		) VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			scrape_interval_secs = EXCLUDED.scrape_interval_secs,
			enabled_books = EXCLUDED.enabled_books,
			batch_size = EXCLUDED.batch_size,
			history_retention_days = EXCLUDED.history_retention_days,
			alert_retention_days = EXCLUDED.alert_retention_days,
			event_grace_secs = EXCLUDED.event_grace_secs,
			alerts_enabled = EXCLUDED.alerts_enabled,
			warning_pct = EXCLUDED.warning_pct,
			elevated_pct = EXCLUDED.elevated_pct,
			critical_pct = EXCLUDED.critical_pct,
			lookback_secs = EXCLUDED.lookback_secs`,
		int(set.ScrapeInterval.Seconds()), pq.Array(set.EnabledBooks), set.BatchSize,
		set.HistoryRetentionDays, set.AlertRetentionDays, int(set.EventGrace.Seconds()),
		set.AlertsEnabled, set.WarningPct, set.ElevatedPct, set.CriticalPct,
		int(set.LookbackWindow.Seconds()),
	)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// LoadOverrides returns the operator mapping overrides for the mapper.
func (s *Store) LoadOverrides(ctx context.Context) ([]mapper.Override, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT book_slug, raw_market_id, market_id, priority, created_at
		FROM market_mappings`)
	if err != nil {
		return nil, fmt.Errorf("load overrides: %w", err)
	}
	defer rows.Close()

	var overrides []mapper.Override
	for rows.Next() {
		var o mapper.Override
		if err := rows.Scan(&o.BookSlug, &o.RawMarketID, &o.MarketID, &o.Priority, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan override: %w", err)
		}
		overrides = append(overrides, o)
	}
	return overrides, rows.Err()
}

// UpsertTournaments inserts or refreshes tournaments and returns ids
// keyed by (name, country).
func (s *Store) UpsertTournaments(ctx context.Context, tournaments []models.Tournament) (map[string]int64, error) {
	ids := make(map[string]int64, len(tournaments))
	if len(tournaments) == 0 {
		return ids, nil
	}

	names := make([]string, len(tournaments))
	countries := make([]string, len(tournaments))
	externalIDs := make([]string, len(tournaments))
	for i, t := range tournaments {
		names[i] = t.Name
		countries[i] = t.Country
		externalIDs[i] = t.ExternalID
	}

	rows, err := s.db.QueryContext(ctx, `
		INSERT INTO tournaments (name, country, external_id)
		SELECT UNNEST($1::text[]), UNNEST($2::text[]), UNNEST($3::text[])
		ON CONFLICT (name, country) DO UPDATE SET external_id = EXCLUDED.external_id
		RETURNING tournament_id, name, country`,
		pq.Array(names), pq.Array(countries), pq.Array(externalIDs))
	if err != nil {
		return nil, fmt.Errorf("upsert tournaments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id            int64
			name, country string
		)
		if err := rows.Scan(&id, &name, &country); err != nil {
			return nil, fmt.Errorf("scan tournament: %w", err)
		}
		ids[TournamentKey(name, country)] = id
	}
	return ids, rows.Err()
}

// TournamentKey builds the lookup key UpsertTournaments returns ids by.
func TournamentKey(name, country string) string {
	return name + "\x00" + country
}

// UpsertEvents inserts newly discovered events and refreshes existing
// ones by shared key, assigning EventID on each passed event.
func (s *Store) UpsertEvents(ctx context.Context, events []models.Event) error {
	if len(events) == 0 {
		return nil
	}

	sharedKeys := make([]string, len(events))
	homes := make([]string, len(events))
	aways := make([]string, len(events))
	kickoffs := make([]time.Time, len(events))
	tournamentIDs := make([]sql.NullInt64, len(events))
	primaryIDs := make([]sql.NullString, len(events))
	competitorIDs := make([]string, len(events))

	for i, e := range events {
		sharedKeys[i] = e.SharedKey
		homes[i] = e.HomeTeam
		aways[i] = e.AwayTeam
		kickoffs[i] = e.Kickoff
		if e.TournamentID != 0 {
			tournamentIDs[i] = sql.NullInt64{Int64: e.TournamentID, Valid: true}
		}
		if e.PrimaryExternalID != nil {
			primaryIDs[i] = sql.NullString{String: *e.PrimaryExternalID, Valid: true}
		}
		blob, err := json.Marshal(e.CompetitorExternalIDs)
		if err != nil {
			return fmt.Errorf("marshal competitor ids: %w", err)
		}
		competitorIDs[i] = string(blob)
	}

	rows, err := s.db.QueryContext(ctx, `
		INSERT INTO events (
			shared_key, home_team, away_team, kickoff,
			tournament_id, primary_external_id, competitor_external_ids
		)
		SELECT UNNEST($1::text[]), UNNEST($2::text[]), UNNEST($3::text[]),
		       UNNEST($4::timestamptz[]), UNNEST($5::bigint[]),
		       UNNEST($6::text[]), UNNEST($7::jsonb[])
		ON CONFLICT (shared_key) DO UPDATE SET
			home_team = EXCLUDED.home_team,
			away_team = EXCLUDED.away_team,
			kickoff = EXCLUDED.kickoff,
			tournament_id = COALESCE(EXCLUDED.tournament_id, events.tournament_id),
			primary_external_id = EXCLUDED.primary_external_id,
			competitor_external_ids = EXCLUDED.competitor_external_ids
		RETURNING event_id, shared_key`,
		pq.Array(sharedKeys), pq.Array(homes), pq.Array(aways),
		pq.Array(kickoffs), pq.Array(tournamentIDs),
		pq.Array(primaryIDs), pq.Array(competitorIDs))
	if err != nil {
		return fmt.Errorf("upsert events: %w", err)
	}
	defer rows.Close()

	idsByKey := make(map[string]int64, len(events))
	for rows.Next() {
		var (
			id  int64
			key string
		)
		if err := rows.Scan(&id, &key); err != nil {
			return fmt.Errorf("scan event id: %w", err)
		}
		idsByKey[key] = id
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for i := range events {
		events[i].EventID = idsByKey[events[i].SharedKey]
	}
	return nil
}

// WarmCache populates the cache from current_markets for events whose
// kickoff is within the grace window. Runs once at startup, before the
// API starts serving.
func (s *Store) WarmCache(ctx context.Context, c *cache.Cache, grace time.Duration) error {
	cutoff := time.Now().Add(-grace)

	events, err := s.eventsSince(ctx, cutoff)
	if err != nil {
		return err
	}
	c.TrackEvents(events)

	rows, err := s.db.QueryContext(ctx, `
		SELECT cm.event_id, cm.book_slug, cm.market_id, cm.line, cm.outcomes,
		       cm.last_updated_at, cm.last_confirmed_at, cm.unavailable_since
		FROM current_markets cm
		JOIN events e ON e.event_id = cm.event_id
		WHERE e.kickoff > $1
		ORDER BY cm.event_id, cm.book_slug`, cutoff)
	if err != nil {
		return fmt.Errorf("warmup query: %w", err)
	}
	defer rows.Close()

	snapshots := make(map[models.SnapshotKey]models.BookSnapshot)
	for rows.Next() {
		var (
			eventID     int64
			book        string
			state       models.MarketState
			line        float64
			outcomes    []byte
			unavailable sql.NullTime
		)
		if err := rows.Scan(&eventID, &book, &state.MarketID, &line, &outcomes,
			&state.LastUpdatedAt, &state.LastConfirmedAt, &unavailable); err != nil {
			return fmt.Errorf("scan warmup row: %w", err)
		}
		if line != models.LineSentinel {
			state.Line = &line
		}
		if unavailable.Valid {
			t := unavailable.Time
			state.UnavailableSince = &t
		}
		if err := json.Unmarshal(outcomes, &state.Outcomes); err != nil {
			s.logger.Warn("skipping warmup row with bad outcomes",
				"event_id", eventID, "book", book, "market", state.MarketID)
			continue
		}

		key := models.SnapshotKey{EventID: eventID, BookSlug: book}
		snap := snapshots[key]
		if state.LastConfirmedAt.After(snap.LastConfirmedAt) {
			snap.LastConfirmedAt = state.LastConfirmedAt
			snap.CapturedAt = state.LastConfirmedAt
		}
		snap.Markets = append(snap.Markets, state)
		snapshots[key] = snap
	}
	if err := rows.Err(); err != nil {
		return err
	}

	c.Apply(snapshots)
	s.logger.Info("cache warmed", "events", len(events), "book_entries", len(snapshots))
	return nil
}

func (s *Store) eventsSince(ctx context.Context, cutoff time.Time) ([]models.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, shared_key, home_team, away_team, kickoff,
		       COALESCE(tournament_id, 0), primary_external_id, competitor_external_ids
		FROM events WHERE kickoff > $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var (
			e         models.Event
			primaryID sql.NullString
			compIDs   []byte
		)
		if err := rows.Scan(&e.EventID, &e.SharedKey, &e.HomeTeam, &e.AwayTeam,
			&e.Kickoff, &e.TournamentID, &primaryID, &compIDs); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if primaryID.Valid {
			id := primaryID.String
			e.PrimaryExternalID = &id
		}
		if err := json.Unmarshal(compIDs, &e.CompetitorExternalIDs); err != nil {
			e.CompetitorExternalIDs = map[string]string{}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// HistoryPoint is one step of a market's price time-series.
type HistoryPoint struct {
	CapturedAt time.Time        `json:"captured_at"`
	Outcomes   []models.Outcome `json:"outcomes"`
}

// HistorySeries returns the ordered price history for one market.
func (s *Store) HistorySeries(ctx context.Context, eventID int64, book, marketID string, line *float64) ([]HistoryPoint, error) {
	lineKey := models.MarketKey{MarketID: marketID, Line: line}.LineKey()
	rows, err := s.db.QueryContext(ctx, `
		SELECT captured_at, outcomes
		FROM market_history
		WHERE event_id = $1 AND book_slug = $2 AND market_id = $3 AND line = $4
		ORDER BY captured_at`, eventID, book, marketID, lineKey)
	if err != nil {
		return nil, fmt.Errorf("history query: %w", err)
	}
	defer rows.Close()

	var series []HistoryPoint
	for rows.Next() {
		var (
			p    HistoryPoint
			blob []byte
		)
		if err := rows.Scan(&p.CapturedAt, &blob); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		if err := json.Unmarshal(blob, &p.Outcomes); err != nil {
			return nil, fmt.Errorf("decode history outcomes: %w", err)
		}
		series = append(series, p)
	}
	return series, rows.Err()
}

// ListAlerts returns alerts filtered by status (empty = all), newest
// first, capped at limit.
func (s *Store) ListAlerts(ctx context.Context, status models.AlertStatus, limit int) ([]models.RiskAlert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT alert_id, event_id, book_slug, market_id, line, outcome_name,
		       alert_type, severity, old_value, new_value, change_percent,
		       competitor_direction, detected_at, status
		FROM risk_alerts
		WHERE ($1 = '' OR status = $1)
		ORDER BY detected_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.RiskAlert
	for rows.Next() {
		var (
			a    models.RiskAlert
			line float64
		)
		if err := rows.Scan(&a.ID, &a.EventID, &a.BookSlug, &a.MarketID, &line,
			&a.OutcomeName, &a.Type, &a.Severity, &a.OldValue, &a.NewValue,
			&a.ChangePercent, &a.CompetitorDirection, &a.DetectedAt, &a.Status); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		if line != models.LineSentinel {
			a.Line = &line
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// AcknowledgeAlert marks one alert ACKNOWLEDGED.
func (s *Store) AcknowledgeAlert(ctx context.Context, alertID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE risk_alerts SET status = $1 WHERE alert_id = $2`,
		string(models.AlertAcknowledged), alertID)
	if err != nil {
		return fmt.Errorf("acknowledge alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MarkPastAlerts derives PAST status for alerts whose event has kicked
// off. Called periodically by the scheduler's maintenance job.
func (s *Store) MarkPastAlerts(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE risk_alerts a SET status = $1
		FROM events e
		WHERE e.event_id = a.event_id AND a.status = $2 AND e.kickoff < $3`,
		string(models.AlertPast), string(models.AlertNew), now)
	if err != nil {
		return 0, fmt.Errorf("mark past alerts: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListUnmapped returns unmapped market records for operator review.
func (s *Store) ListUnmapped(ctx context.Context, status models.UnmappedStatus, limit int) ([]models.UnmappedMarket, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT book_slug, raw_market_id, raw_market_name, first_seen_at,
		       last_seen_at, occurrence_count, sample_outcomes, status
		FROM unmapped_markets
		WHERE ($1 = '' OR status = $1)
		ORDER BY last_seen_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list unmapped: %w", err)
	}
	defer rows.Close()

	var records []models.UnmappedMarket
	for rows.Next() {
		var (
			u       models.UnmappedMarket
			samples []byte
		)
		if err := rows.Scan(&u.BookSlug, &u.RawMarketID, &u.RawMarketName,
			&u.FirstSeenAt, &u.LastSeenAt, &u.OccurrenceCount, &samples, &u.Status); err != nil {
			return nil, fmt.Errorf("scan unmapped: %w", err)
		}
		if err := json.Unmarshal(samples, &u.SampleOutcomes); err != nil {
			u.SampleOutcomes = nil
		}
		records = append(records, u)
	}
	return records, rows.Err()
}

// SetUnmappedStatus transitions one unmapped record's review status.
func (s *Store) SetUnmappedStatus(ctx context.Context, book, rawID string, status models.UnmappedStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE unmapped_markets SET status = $1 WHERE book_slug = $2 AND raw_market_id = $3`,
		string(status), book, rawID)
	if err != nil {
		return fmt.Errorf("set unmapped status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Cleanup applies retention. Deletion order is child-to-parent so FK
// constraints never trip: history partitions carry no FK and drop first,
// then alerts, current markets, scrape status, and finally the expired
// events themselves.
func (s *Store) Cleanup(ctx context.Context, set models.Settings, now time.Time) error {
	historyCutoff := now.AddDate(0, 0, -set.HistoryRetentionDays)
	if err := s.dropExpiredPartitions(ctx, historyCutoff); err != nil {
		return err
	}

	alertCutoff := now.AddDate(0, 0, -set.AlertRetentionDays)
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM risk_alerts WHERE detected_at < $1`, alertCutoff); err != nil {
		return fmt.Errorf("cleanup alerts: %w", err)
	}

	eventCutoff := now.AddDate(0, 0, -set.HistoryRetentionDays)
	steps := []string{
		`DELETE FROM risk_alerts WHERE event_id IN (SELECT event_id FROM events WHERE kickoff < $1)`,
		`DELETE FROM current_markets WHERE event_id IN (SELECT event_id FROM events WHERE kickoff < $1)`,
		`DELETE FROM event_scrape_status WHERE event_id IN (SELECT event_id FROM events WHERE kickoff < $1)`,
		`DELETE FROM events WHERE kickoff < $1`,
	}
	for _, stmt := range steps {
		if _, err := s.db.ExecContext(ctx, stmt, eventCutoff); err != nil {
			return fmt.Errorf("cleanup events: %w", err)
		}
	}

	return s.EnsureHistoryPartitions(ctx, now)
}

// dropExpiredPartitions drops monthly history partitions that end before
// the cutoff.
func (s *Store) dropExpiredPartitions(ctx context.Context, cutoff time.Time) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.relname
		FROM pg_inherits i
		JOIN pg_class c ON c.oid = i.inhrelid
		JOIN pg_class p ON p.oid = i.inhparent
		WHERE p.relname = 'market_history'`)
	if err != nil {
		return fmt.Errorf("list history partitions: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("scan partition name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	const prefix = "market_history_"
	for _, name := range names {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		month, err := time.Parse("200601", strings.TrimPrefix(name, prefix))
		if err != nil {
			continue
		}
		if month.AddDate(0, 1, 0).Before(cutoff) {
			if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, pq.QuoteIdentifier(name))); err != nil {
				return fmt.Errorf("drop partition %s: %w", name, err)
			}
			s.logger.Info("dropped expired history partition", "partition", name)
		}
	}
	return nil
}

// LastScrapeStatuses returns the latest per-event scrape status for the
// operator surface.
func (s *Store) LastScrapeStatuses(ctx context.Context, limit int) ([]models.EventScrapeStatus, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, scraped_at, status, books_succeeded, COALESCE(first_error, '')
		FROM event_scrape_status
		ORDER BY scraped_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list scrape statuses: %w", err)
	}
	defer rows.Close()

	var statuses []models.EventScrapeStatus
	for rows.Next() {
		var st models.EventScrapeStatus
		if err := rows.Scan(&st.EventID, &st.ScrapedAt, &st.Status, &st.BooksSucceeded, &st.FirstError); err != nil {
			return nil, fmt.Errorf("scan scrape status: %w", err)
		}
		statuses = append(statuses, st)
	}
	return statuses, rows.Err()
}
