// Package writer owns all market-row persistence. A single consumer
// goroutine drains a bounded queue of write batches; each batch commits
// in one transaction, and only after commit does the consumer apply the
// batch to the cache and broadcast, so subscribers never see state the
// database does not have.
package writer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/XavierBriggs/Argus/internal/broadcast"
	"github.com/XavierBriggs/Argus/internal/cache"
	"github.com/XavierBriggs/Argus/pkg/models"
)

const defaultQueueDepth = 8

// Broadcaster publishes envelopes to websocket subscribers. Satisfied by
// *broadcast.Hub; a no-op implementation is fine in tests.
type Broadcaster interface {
	Publish(topic, msgType string, data any)
}

// Writer is the write queue and its single consumer.
type Writer struct {
	db          *sql.DB
	cache       *cache.Cache
	broadcaster Broadcaster
	redis       *redis.Client // nil when stream publishing is disabled
	stream      string
	logger      *slog.Logger

	queue chan *models.WriteBatch
	wg    sync.WaitGroup
}

// New creates a Writer. redisClient may be nil.
func New(db *sql.DB, c *cache.Cache, b Broadcaster, redisClient *redis.Client, stream string, logger *slog.Logger) *Writer {
	return &Writer{
		db:          db,
		cache:       c,
		broadcaster: b,
		redis:       redisClient,
		stream:      stream,
		logger:      logger,
		queue:       make(chan *models.WriteBatch, defaultQueueDepth),
	}
}

// Start launches the consumer goroutine.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for batch := range w.queue {
			err := w.process(ctx, batch)
			if batch.Result != nil {
				batch.Result <- err
			}
		}
	}()
}

// Stop closes the queue and waits for in-flight batches to finish.
// Callers must not Enqueue after Stop.
func (w *Writer) Stop() {
	close(w.queue)
	w.wg.Wait()
}

// Enqueue hands a batch to the consumer. Blocks when the queue is full,
// which backpressures the coordinator instead of growing memory.
func (w *Writer) Enqueue(batch *models.WriteBatch) {
	w.queue <- batch
}

func (w *Writer) process(ctx context.Context, batch *models.WriteBatch) error {
	if batch.Empty() {
		return nil
	}

	// Shutdown cancels the coordinator, which stops enqueuing; a batch
	// already handed to the consumer still commits whole.
	ctx = context.WithoutCancel(ctx)

	start := time.Now()
	if err := w.commit(ctx, batch); err != nil {
		w.logger.Error("batch commit failed",
			"cycle_id", batch.CycleID, "batch_id", batch.BatchID, "error", err)
		return err
	}

	// Cache and broadcast strictly after commit, in commit order.
	w.cache.Apply(batch.Snapshots)
	w.announce(ctx, batch)

	w.logger.Info("batch committed",
		"cycle_id", batch.CycleID,
		"batch_id", batch.BatchID,
		"upserts", len(batch.Upserts),
		"flips", len(batch.Flips),
		"alerts", len(batch.Alerts),
		"elapsed", time.Since(start))
	return nil
}

// commit writes one batch in a single transaction. Step order keeps the
// statements independent: current-market rows first, then history, then
// the bookkeeping tables.
func (w *Writer) commit(ctx context.Context, batch *models.WriteBatch) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	changed := make([]models.MarketUpsert, 0, len(batch.Upserts))
	confirmed := make([]models.MarketUpsert, 0, len(batch.Upserts))
	for _, u := range batch.Upserts {
		if u.Changed {
			changed = append(changed, u)
		} else {
			confirmed = append(confirmed, u)
		}
	}

	if err := w.upsertChanged(ctx, tx, changed); err != nil {
		return fmt.Errorf("upsert changed markets: %w", err)
	}
	if err := w.confirmUnchanged(ctx, tx, confirmed); err != nil {
		return fmt.Errorf("confirm unchanged markets: %w", err)
	}
	if err := w.insertHistory(ctx, tx, changed); err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	if err := w.applyFlips(ctx, tx, batch.Flips); err != nil {
		return fmt.Errorf("apply availability flips: %w", err)
	}
	if err := w.upsertUnmapped(ctx, tx, batch.Unmapped); err != nil {
		return fmt.Errorf("upsert unmapped markets: %w", err)
	}
	if err := w.insertAlerts(ctx, tx, batch.Alerts); err != nil {
		return fmt.Errorf("insert alerts: %w", err)
	}
	if err := w.upsertStatuses(ctx, tx, batch.Statuses); err != nil {
		return fmt.Errorf("upsert scrape statuses: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// upsertChanged inserts new and changed markets. A present market always
// clears unavailable_since, which is how a reappearing market loses its
// unavailable flag without a separate statement.
func (w *Writer) upsertChanged(ctx context.Context, tx *sql.Tx, upserts []models.MarketUpsert) error {
	if len(upserts) == 0 {
		return nil
	}

	eventIDs := make([]int64, len(upserts))
	books := make([]string, len(upserts))
	marketIDs := make([]string, len(upserts))
	lines := make([]float64, len(upserts))
	outcomes := make([]string, len(upserts))
	capturedAts := make([]time.Time, len(upserts))

	for i, u := range upserts {
		eventIDs[i] = u.EventID
		books[i] = u.BookSlug
		marketIDs[i] = u.MarketID
		lines[i] = lineValue(u.Line)
		blob, err := json.Marshal(u.Outcomes)
		if err != nil {
			return fmt.Errorf("marshal outcomes: %w", err)
		}
		outcomes[i] = string(blob)
		capturedAts[i] = u.CapturedAt
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO current_markets (
			event_id, book_slug, market_id, line, outcomes,
			last_updated_at, last_confirmed_at, unavailable_since
		)
		SELECT UNNEST($1::bigint[]), UNNEST($2::text[]), UNNEST($3::text[]),
		       UNNEST($4::double precision[]), UNNEST($5::jsonb[]),
		       UNNEST($6::timestamptz[]), UNNEST($6::timestamptz[]), NULL
		ON CONFLICT (event_id, book_slug, market_id, line) DO UPDATE SET
			outcomes = EXCLUDED.outcomes,
			last_updated_at = EXCLUDED.last_updated_at,
			last_confirmed_at = EXCLUDED.last_confirmed_at,
			unavailable_since = NULL`,
		pq.Array(eventIDs), pq.Array(books), pq.Array(marketIDs),
		pq.Array(lines), pq.Array(outcomes), pq.Array(capturedAts))
	return err
}

// confirmUnchanged bumps last_confirmed_at for markets whose prices did
// not move. Clears unavailable_since too: present and unchanged still
// means available.
func (w *Writer) confirmUnchanged(ctx context.Context, tx *sql.Tx, upserts []models.MarketUpsert) error {
	if len(upserts) == 0 {
		return nil
	}

	eventIDs := make([]int64, len(upserts))
	books := make([]string, len(upserts))
	marketIDs := make([]string, len(upserts))
	lines := make([]float64, len(upserts))
	capturedAts := make([]time.Time, len(upserts))

	for i, u := range upserts {
		eventIDs[i] = u.EventID
		books[i] = u.BookSlug
		marketIDs[i] = u.MarketID
		lines[i] = lineValue(u.Line)
		capturedAts[i] = u.CapturedAt
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE current_markets cm
		SET last_confirmed_at = batch.confirmed_at, unavailable_since = NULL
		FROM (
			SELECT UNNEST($1::bigint[]) AS event_id, UNNEST($2::text[]) AS book_slug,
			       UNNEST($3::text[]) AS market_id, UNNEST($4::double precision[]) AS line,
			       UNNEST($5::timestamptz[]) AS confirmed_at
		) batch
		WHERE cm.event_id = batch.event_id AND cm.book_slug = batch.book_slug
		  AND cm.market_id = batch.market_id AND cm.line = batch.line`,
		pq.Array(eventIDs), pq.Array(books), pq.Array(marketIDs),
		pq.Array(lines), pq.Array(capturedAts))
	return err
}

// insertHistory appends one history row per new or changed market.
func (w *Writer) insertHistory(ctx context.Context, tx *sql.Tx, upserts []models.MarketUpsert) error {
	if len(upserts) == 0 {
		return nil
	}

	eventIDs := make([]int64, len(upserts))
	books := make([]string, len(upserts))
	marketIDs := make([]string, len(upserts))
	lines := make([]float64, len(upserts))
	outcomes := make([]string, len(upserts))
	capturedAts := make([]time.Time, len(upserts))

	for i, u := range upserts {
		eventIDs[i] = u.EventID
		books[i] = u.BookSlug
		marketIDs[i] = u.MarketID
		lines[i] = lineValue(u.Line)
		blob, err := json.Marshal(u.Outcomes)
		if err != nil {
			return fmt.Errorf("marshal outcomes: %w", err)
		}
		outcomes[i] = string(blob)
		capturedAts[i] = u.CapturedAt
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO market_history (event_id, book_slug, market_id, line, captured_at, outcomes)
		SELECT UNNEST($1::bigint[]), UNNEST($2::text[]), UNNEST($3::text[]),
		       UNNEST($4::double precision[]), UNNEST($5::timestamptz[]), UNNEST($6::jsonb[])
		ON CONFLICT DO NOTHING`,
		pq.Array(eventIDs), pq.Array(books), pq.Array(marketIDs),
		pq.Array(lines), pq.Array(capturedAts), pq.Array(outcomes))
	return err
}

// applyFlips stamps unavailable_since on markets that disappeared. The
// IS NULL guard makes the statement idempotent: a market already flagged
// keeps its original timestamp.
func (w *Writer) applyFlips(ctx context.Context, tx *sql.Tx, flips []models.AvailabilityFlip) error {
	if len(flips) == 0 {
		return nil
	}

	eventIDs := make([]int64, len(flips))
	books := make([]string, len(flips))
	marketIDs := make([]string, len(flips))
	lines := make([]float64, len(flips))
	ats := make([]time.Time, len(flips))

	for i, f := range flips {
		eventIDs[i] = f.EventID
		books[i] = f.BookSlug
		marketIDs[i] = f.MarketID
		lines[i] = lineValue(f.Line)
		ats[i] = f.At
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE current_markets cm
		SET unavailable_since = batch.at
		FROM (
			SELECT UNNEST($1::bigint[]) AS event_id, UNNEST($2::text[]) AS book_slug,
			       UNNEST($3::text[]) AS market_id, UNNEST($4::double precision[]) AS line,
			       UNNEST($5::timestamptz[]) AS at
		) batch
		WHERE cm.event_id = batch.event_id AND cm.book_slug = batch.book_slug
		  AND cm.market_id = batch.market_id AND cm.line = batch.line
		  AND cm.unavailable_since IS NULL`,
		pq.Array(eventIDs), pq.Array(books), pq.Array(marketIDs),
		pq.Array(lines), pq.Array(ats))
	return err
}

// upsertUnmapped records unrecognized raw markets for operator review.
// Repeat sightings bump the occurrence count and last_seen_at; the
// review status and first samples are left alone.
func (w *Writer) upsertUnmapped(ctx context.Context, tx *sql.Tx, unmapped []models.UnmappedMarket) error {
	if len(unmapped) == 0 {
		return nil
	}

	books := make([]string, len(unmapped))
	rawIDs := make([]string, len(unmapped))
	rawNames := make([]string, len(unmapped))
	firstSeens := make([]time.Time, len(unmapped))
	lastSeens := make([]time.Time, len(unmapped))
	counts := make([]int, len(unmapped))
	samples := make([]string, len(unmapped))

	for i, u := range unmapped {
		books[i] = u.BookSlug
		rawIDs[i] = u.RawMarketID
		rawNames[i] = u.RawMarketName
		firstSeens[i] = u.FirstSeenAt
		lastSeens[i] = u.LastSeenAt
		counts[i] = u.OccurrenceCount
		blob, err := json.Marshal(u.SampleOutcomes)
		if err != nil {
			return fmt.Errorf("marshal sample outcomes: %w", err)
		}
		samples[i] = string(blob)
	}

	rows, err := tx.QueryContext(ctx, `
		INSERT INTO unmapped_markets (
			book_slug, raw_market_id, raw_market_name,
			first_seen_at, last_seen_at, occurrence_count, sample_outcomes
		)
		SELECT UNNEST($1::text[]), UNNEST($2::text[]), UNNEST($3::text[]),
		       UNNEST($4::timestamptz[]), UNNEST($5::timestamptz[]),
		       UNNEST($6::int[]), UNNEST($7::jsonb[])
		ON CONFLICT (book_slug, raw_market_id) DO UPDATE SET
			raw_market_name = EXCLUDED.raw_market_name,
			last_seen_at = EXCLUDED.last_seen_at,
			occurrence_count = unmapped_markets.occurrence_count + EXCLUDED.occurrence_count
		RETURNING book_slug, raw_market_id, (xmax = 0)`,
		pq.Array(books), pq.Array(rawIDs), pq.Array(rawNames),
		pq.Array(firstSeens), pq.Array(lastSeens), pq.Array(counts), pq.Array(samples))
	if err != nil {
		return err
	}
	defer rows.Close()

	// xmax = 0 marks freshly inserted rows; only those are announced so
	// operators are not re-alerted every cycle.
	fresh := make(map[string]bool, len(unmapped))
	for rows.Next() {
		var (
			book, rawID string
			inserted    bool
		)
		if err := rows.Scan(&book, &rawID, &inserted); err != nil {
			return err
		}
		if inserted {
			fresh[book+"\x00"+rawID] = true
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for i := range unmapped {
		if fresh[unmapped[i].BookSlug+"\x00"+unmapped[i].RawMarketID] {
			unmapped[i].FreshlySeen = true
		}
	}
	return nil
}

// insertAlerts persists risk alerts and assigns their ids for broadcast.
func (w *Writer) insertAlerts(ctx context.Context, tx *sql.Tx, alerts []models.RiskAlert) error {
	if len(alerts) == 0 {
		return nil
	}

	eventIDs := make([]int64, len(alerts))
	books := make([]string, len(alerts))
	marketIDs := make([]string, len(alerts))
	lines := make([]float64, len(alerts))
	outcomeNames := make([]string, len(alerts))
	types := make([]string, len(alerts))
	severities := make([]string, len(alerts))
	oldValues := make([]float64, len(alerts))
	newValues := make([]float64, len(alerts))
	changePcts := make([]float64, len(alerts))
	directions := make([]string, len(alerts))
	detectedAts := make([]time.Time, len(alerts))
	statuses := make([]string, len(alerts))

	for i, a := range alerts {
		eventIDs[i] = a.EventID
		books[i] = a.BookSlug
		marketIDs[i] = a.MarketID
		lines[i] = lineValue(a.Line)
		outcomeNames[i] = a.OutcomeName
		types[i] = string(a.Type)
		severities[i] = string(a.Severity)
		oldValues[i] = a.OldValue
		newValues[i] = a.NewValue
		changePcts[i] = a.ChangePercent
		directions[i] = a.CompetitorDirection
		detectedAts[i] = a.DetectedAt
		statuses[i] = string(a.Status)
	}

	rows, err := tx.QueryContext(ctx, `
		INSERT INTO risk_alerts (
			event_id, book_slug, market_id, line, outcome_name,
			alert_type, severity, old_value, new_value, change_percent,
			competitor_direction, detected_at, status
		)
		SELECT UNNEST($1::bigint[]), UNNEST($2::text[]), UNNEST($3::text[]),
		       UNNEST($4::double precision[]), UNNEST($5::text[]),
		       UNNEST($6::text[]), UNNEST($7::text[]),
		       UNNEST($8::double precision[]), UNNEST($9::double precision[]),
		       UNNEST($10::double precision[]), UNNEST($11::text[]),
		       UNNEST($12::timestamptz[]), UNNEST($13::text[])
		RETURNING alert_id`,
		pq.Array(eventIDs), pq.Array(books), pq.Array(marketIDs),
		pq.Array(lines), pq.Array(outcomeNames), pq.Array(types),
		pq.Array(severities), pq.Array(oldValues), pq.Array(newValues),
		pq.Array(changePcts), pq.Array(directions), pq.Array(detectedAts),
		pq.Array(statuses))
	if err != nil {
		return err
	}
	defer rows.Close()

	i := 0
	for rows.Next() {
		if i >= len(alerts) {
			break
		}
		if err := rows.Scan(&alerts[i].ID); err != nil {
			return err
		}
		i++
	}
	return rows.Err()
}

// upsertStatuses records the per-event scrape outcome, overwriting the
// previous cycle's row.
func (w *Writer) upsertStatuses(ctx context.Context, tx *sql.Tx, statuses []models.EventScrapeStatus) error {
	if len(statuses) == 0 {
		return nil
	}

	eventIDs := make([]int64, len(statuses))
	scrapedAts := make([]time.Time, len(statuses))
	states := make([]string, len(statuses))
	succeeded := make([]int, len(statuses))
	firstErrors := make([]string, len(statuses))

	for i, st := range statuses {
		eventIDs[i] = st.EventID
		scrapedAts[i] = st.ScrapedAt
		states[i] = string(st.Status)
		succeeded[i] = st.BooksSucceeded
		firstErrors[i] = st.FirstError
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO event_scrape_status (event_id, scraped_at, status, books_succeeded, first_error)
		SELECT UNNEST($1::bigint[]), UNNEST($2::timestamptz[]), UNNEST($3::text[]),
		       UNNEST($4::int[]), UNNEST($5::text[])
		ON CONFLICT (event_id) DO UPDATE SET
			scraped_at = EXCLUDED.scraped_at,
			status = EXCLUDED.status,
			books_succeeded = EXCLUDED.books_succeeded,
			first_error = EXCLUDED.first_error`,
		pq.Array(eventIDs), pq.Array(scrapedAts), pq.Array(states),
		pq.Array(succeeded), pq.Array(firstErrors))
	return err
}

// oddsUpdate aggregates one commit's changed events into a single
// websocket payload.
type oddsUpdate struct {
	EventIDs     []int64   `json:"event_ids"`
	ChangedCount int       `json:"changed_count"`
	CycleID      int64     `json:"cycle_id"`
	CommittedAt  time.Time `json:"committed_at"`
}

// riskAlertNotice summarizes one commit's new alerts.
type riskAlertNotice struct {
	AlertCount int               `json:"alert_count"`
	EventIDs   []int64           `json:"event_ids"`
	Severities []models.Severity `json:"severities"`
}

// unmappedNotice summarizes freshly seen unmapped markets.
type unmappedNotice struct {
	NewCount int                      `json:"new_count"`
	Samples  []models.UnmappedMarket `json:"samples"`
}

const unmappedSampleCap = 5

// announce fans the committed batch out to websocket topics and the
// optional Redis stream, one envelope per topic per commit. Failures
// here are logged, never surfaced: the database already has the data.
func (w *Writer) announce(ctx context.Context, batch *models.WriteBatch) {
	if len(batch.ChangedEventIDs) > 0 {
		w.broadcaster.Publish(broadcast.TopicOddsUpdates, "odds_update", oddsUpdate{
			EventIDs:     batch.ChangedEventIDs,
			ChangedCount: batch.ChangedCount,
			CycleID:      batch.CycleID,
			CommittedAt:  time.Now().UTC(),
		})
	}

	if len(batch.Alerts) > 0 {
		notice := riskAlertNotice{AlertCount: len(batch.Alerts)}
		seenEvents := make(map[int64]bool, len(batch.Alerts))
		seenSeverities := make(map[models.Severity]bool, 3)
		for _, a := range batch.Alerts {
			if !seenEvents[a.EventID] {
				seenEvents[a.EventID] = true
				notice.EventIDs = append(notice.EventIDs, a.EventID)
			}
			if !seenSeverities[a.Severity] {
				seenSeverities[a.Severity] = true
				notice.Severities = append(notice.Severities, a.Severity)
			}
		}
		w.broadcaster.Publish(broadcast.TopicRiskAlerts, "risk_alert", notice)
	}

	var fresh []models.UnmappedMarket
	for _, u := range batch.Unmapped {
		if u.FreshlySeen {
			fresh = append(fresh, u)
		}
	}
	if len(fresh) > 0 {
		samples := fresh
		if len(samples) > unmappedSampleCap {
			samples = samples[:unmappedSampleCap]
		}
		w.broadcaster.Publish(broadcast.TopicUnmappedAlerts, "unmapped_alert", unmappedNotice{
			NewCount: len(fresh),
			Samples:  samples,
		})
	}

	if w.redis != nil && len(batch.ChangedEventIDs) > 0 {
		w.publishStream(ctx, batch)
	}
}

// publishStream appends one entry per changed event to the Redis stream
// for downstream consumers outside this process.
func (w *Writer) publishStream(ctx context.Context, batch *models.WriteBatch) {
	pipe := w.redis.Pipeline()
	for _, eventID := range batch.ChangedEventIDs {
		payload, err := json.Marshal(map[string]any{
			"event_id": eventID,
			"cycle_id": batch.CycleID,
			"batch_id": batch.BatchID,
		})
		if err != nil {
			continue
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: w.stream,
			Values: map[string]any{"data": payload},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.logger.Warn("redis stream publish failed", "stream", w.stream, "error", err)
	}
}

func lineValue(line *float64) float64 {
	if line == nil {
		return models.LineSentinel
	}
	return *line
}
