// Package coordinator runs the scrape cycle: concurrent discovery
// across books, priority-ordered batching, parallel per-event scraping,
// detection, and write-batch emission. One cycle at a time; triggers
// while a cycle runs are rejected.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/XavierBriggs/Argus/internal/detector"
	"github.com/XavierBriggs/Argus/internal/mapper"
	"github.com/XavierBriggs/Argus/internal/registry"
	"github.com/XavierBriggs/Argus/pkg/contracts"
	"github.com/XavierBriggs/Argus/pkg/models"
)

// ErrCycleRunning is returned when a cycle is triggered while one is in
// flight.
var ErrCycleRunning = errors.New("scrape cycle already running")

// Catalog is the slice of the store the coordinator needs.
type Catalog interface {
	LoadOverrides(ctx context.Context) ([]mapper.Override, error)
	UpsertTournaments(ctx context.Context, tournaments []models.Tournament) (map[string]int64, error)
	UpsertEvents(ctx context.Context, events []models.Event) error
}

// BatchSink receives completed write batches. Satisfied by the writer.
type BatchSink interface {
	Enqueue(batch *models.WriteBatch)
}

// StateSource is the slice of the cache the coordinator needs.
type StateSource interface {
	State(eventIDs []int64) map[int64]map[string]models.BookSnapshot
	TrackEvents(events []models.Event)
	EvictBefore(cutoff time.Time) int
}

// Coordinator owns the cycle and its priority queue.
type Coordinator struct {
	books   *registry.BookRegistry
	catalog Catalog
	state   StateSource
	sink    BatchSink
	logger  *slog.Logger

	cycleSeq atomic.Int64
	running  atomic.Bool
}

// New creates a Coordinator.
func New(books *registry.BookRegistry, catalog Catalog, state StateSource, sink BatchSink, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		books:   books,
		catalog: catalog,
		state:   state,
		sink:    sink,
		logger:  logger,
	}
}

// Running reports whether a cycle is in flight.
func (c *Coordinator) Running() bool {
	return c.running.Load()
}

// Run starts one cycle and returns its finite progress sequence. The
// channel closes after cycle_complete. Settings are snapshotted by the
// caller; mid-cycle changes apply from the next cycle.
func (c *Coordinator) Run(ctx context.Context, set models.Settings) (<-chan models.Progress, error) {
	if !c.running.CompareAndSwap(false, true) {
		return nil, ErrCycleRunning
	}

	cycleID := c.cycleSeq.Add(1)
	ch := make(chan models.Progress, 16)
	go func() {
		defer close(ch)
		defer c.running.Store(false)
		c.runCycle(ctx, set, cycleID, ch)
	}()
	return ch, nil
}

func (c *Coordinator) runCycle(ctx context.Context, set models.Settings, cycleID int64, ch chan<- models.Progress) {
	now := time.Now().UTC()
	counts := models.CycleCounts{}
	var cycleErr error

	emit := func(p models.Progress) {
		p.At = time.Now().UTC()
		select {
		case ch <- p:
		case <-ctx.Done():
		}
	}

	finish := func() {
		evicted := c.state.EvictBefore(now.Add(-set.EventGrace))
		if evicted > 0 {
			c.logger.Info("evicted stale events from cache", "cycle_id", cycleID, "evicted", evicted)
		}
		p := models.Progress{Kind: models.ProgressCycleComplete, Counts: &counts}
		if cycleErr != nil {
			p.Error = cycleErr.Error()
		}
		emit(p)
	}
	defer finish()

	// Phase 1: discovery on all enabled books concurrently.
	emit(models.Progress{Kind: models.ProgressDiscoveryStarted})

	enabled := c.books.Enabled(set.BookEnabled)
	discovered, perBookCounts, discoveryErrs := c.discover(ctx, enabled)
	counts.Errors += discoveryErrs
	emit(models.Progress{Kind: models.ProgressDiscoveryComplete, PerBookCounts: perBookCounts})

	merged, tournaments := c.merge(discovered, now, set.LookbackWindow)
	counts.Events = len(merged)
	if len(merged) == 0 {
		return
	}

	events, err := c.persistCatalog(ctx, merged, tournaments)
	if err != nil {
		cycleErr = err
		return
	}
	c.state.TrackEvents(events)

	overrides, err := c.catalog.LoadOverrides(ctx)
	if err != nil {
		cycleErr = err
		return
	}
	m := mapper.New(overrides)

	primarySlug := ""
	if primary, ok := c.books.Primary(); ok {
		primarySlug = primary.Slug()
	}

	// Phases 2 through 4: drain the priority queue in batches.
	queue := newEventQueue(events, now)
	unmapped := newUnmappedBuffer()
	batchID := 0

	for queue.Len() > 0 {
		if ctx.Err() != nil {
			cycleErr = ctx.Err()
			return
		}

		batchID++
		batch := queue.popBatch(set.BatchSize)
		counts.Batches++
		emit(models.Progress{Kind: models.ProgressBatchScraping, BatchID: batchID, Events: len(batch)})

		scrapeStart := time.Now()
		results := c.scrapeBatch(ctx, batch, enabled, primarySlug, m, unmapped)
		emit(models.Progress{
			Kind:       models.ProgressBatchScraped,
			BatchID:    batchID,
			Events:     len(batch),
			DurationMS: time.Since(scrapeStart).Milliseconds(),
		})

		storeStart := time.Now()
		counts.Errors += fetchErrors(results)
		wb, batchNew := c.detect(results, set, primarySlug, cycleID, batchID)
		if err := c.commitBatch(ctx, wb); err != nil {
			cycleErr = fmt.Errorf("batch %d: %w", batchID, err)
			counts.Errors++
			continue
		}
		counts.Commits++
		counts.NewMarkets += batchNew
		counts.Changed += wb.ChangedCount
		counts.Alerts += len(wb.Alerts)
		emit(models.Progress{
			Kind:       models.ProgressBatchStored,
			BatchID:    batchID,
			Events:     len(batch),
			DurationMS: time.Since(storeStart).Milliseconds(),
		})
	}

	// Unmapped entries buffer across the whole cycle and flush once.
	if flush := unmapped.drain(); len(flush) > 0 {
		counts.Unmapped = len(flush)
		wb := &models.WriteBatch{
			CycleID:  cycleID,
			BatchID:  batchID + 1,
			Unmapped: flush,
			Result:   make(chan error, 1),
		}
		if err := c.commitBatch(ctx, wb); err != nil && cycleErr == nil {
			cycleErr = fmt.Errorf("unmapped flush: %w", err)
		}
	}
}

func (c *Coordinator) commitBatch(ctx context.Context, wb *models.WriteBatch) error {
	if wb.Empty() {
		return nil
	}
	c.sink.Enqueue(wb)
	select {
	case err := <-wb.Result:
		return err
	case <-ctx.Done():
		// The in-flight commit finishes; remaining batches are skipped by
		// the caller's ctx check.
		return <-wb.Result
	}
}

// discover fans discovery out to every enabled book. A failing book is
// logged and skipped; the others proceed.
func (c *Coordinator) discover(ctx context.Context, enabled []contracts.BookClient) (map[string][]models.RawEvent, map[string]int, int) {
	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		discovered = make(map[string][]models.RawEvent, len(enabled))
		perBook    = make(map[string]int, len(enabled))
		errCount   int
	)

	for _, book := range enabled {
		wg.Add(1)
		go func(book contracts.BookClient) {
			defer wg.Done()
			raw, err := book.DiscoverEvents(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.logger.Error("discovery failed", "book", book.Slug(), "error", err)
				errCount++
				perBook[book.Slug()] = 0
				return
			}
			discovered[book.Slug()] = raw
			perBook[book.Slug()] = len(raw)
		}(book)
	}
	wg.Wait()
	return discovered, perBook, errCount
}

// mergedEvent pairs a merged event with the tournament key it belongs
// to, resolved to a database id in persistCatalog.
type mergedEvent struct {
	event         models.Event
	tournamentKey string
}

// merge folds per-book discoveries into one event per shared key. The
// primary book's metadata wins when books disagree; events without a
// shared key, already kicked off, or kicking off beyond the lookback
// window are dropped. A zero lookback keeps everything upcoming.
func (c *Coordinator) merge(discovered map[string][]models.RawEvent, now time.Time, lookback time.Duration) ([]mergedEvent, []models.Tournament) {
	primarySlug := ""
	if primary, ok := c.books.Primary(); ok {
		primarySlug = primary.Slug()
	}

	type pending struct {
		event       models.Event
		tournament  models.Tournament
		fromPrimary bool
	}
	byKey := make(map[string]*pending)

	slugs := make([]string, 0, len(discovered))
	for slug := range discovered {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)

	for _, slug := range slugs {
		for _, raw := range discovered[slug] {
			if raw.SharedKey == "" {
				continue
			}

			p := byKey[raw.SharedKey]
			if p == nil {
				p = &pending{
					event: models.Event{
						SharedKey:             raw.SharedKey,
						CompetitorExternalIDs: make(map[string]string),
					},
				}
				byKey[raw.SharedKey] = p
			}

			isPrimary := slug == primarySlug
			if isPrimary {
				id := raw.ExternalID
				p.event.PrimaryExternalID = &id
			} else {
				p.event.CompetitorExternalIDs[slug] = raw.ExternalID
			}

			if isPrimary || !p.fromPrimary {
				p.event.HomeTeam = raw.HomeTeam
				p.event.AwayTeam = raw.AwayTeam
				p.event.Kickoff = raw.Kickoff
				if raw.TournamentName != "" {
					p.tournament = models.Tournament{
						Name:       raw.TournamentName,
						Country:    raw.TournamentCountry,
						ExternalID: raw.TournamentExternalID,
					}
				}
				p.fromPrimary = isPrimary
			}
		}
	}

	var (
		merged      []mergedEvent
		tournaments []models.Tournament
		seenTourn   = make(map[string]bool)
	)
	for _, p := range byKey {
		if !p.event.Kickoff.After(now) {
			continue
		}
		if lookback > 0 && p.event.Kickoff.After(now.Add(lookback)) {
			continue
		}
		me := mergedEvent{event: p.event}
		if p.tournament.Name != "" {
			me.tournamentKey = tournamentKey(p.tournament)
			if !seenTourn[me.tournamentKey] {
				seenTourn[me.tournamentKey] = true
				tournaments = append(tournaments, p.tournament)
			}
		}
		merged = append(merged, me)
	}
	return merged, tournaments
}

func tournamentKey(t models.Tournament) string {
	return t.Name + "\x00" + t.Country
}

// persistCatalog upserts tournaments and events synchronously so events
// carry database ids before any market rows reference them.
func (c *Coordinator) persistCatalog(ctx context.Context, merged []mergedEvent, tournaments []models.Tournament) ([]models.Event, error) {
	tournamentIDs, err := c.catalog.UpsertTournaments(ctx, tournaments)
	if err != nil {
		return nil, fmt.Errorf("upsert tournaments: %w", err)
	}

	events := make([]models.Event, len(merged))
	for i, me := range merged {
		events[i] = me.event
		if id, ok := tournamentIDs[me.tournamentKey]; ok {
			events[i].TournamentID = id
		}
	}

	if err := c.catalog.UpsertEvents(ctx, events); err != nil {
		return nil, fmt.Errorf("upsert events: %w", err)
	}
	return events, nil
}

// eventResult is one event's scrape outcome across books.
type eventResult struct {
	event  models.Event
	mapped map[string][]models.MappedMarket
	errs   map[string]error
}

// scrapeBatch fetches markets for every (event, book) pair in the batch
// concurrently. Adapters enforce their own in-flight limits, so batch
// size never violates a book's rate configuration.
func (c *Coordinator) scrapeBatch(ctx context.Context, batch []models.Event, enabled []contracts.BookClient, primarySlug string, m *mapper.Mapper, unmapped *unmappedBuffer) []eventResult {
	results := make([]eventResult, len(batch))
	var wg sync.WaitGroup

	for i, event := range batch {
		wg.Add(1)
		go func(i int, event models.Event) {
			defer wg.Done()
			results[i] = c.scrapeEvent(ctx, event, enabled, primarySlug, m, unmapped)
		}(i, event)
	}
	wg.Wait()
	return results
}

func (c *Coordinator) scrapeEvent(ctx context.Context, event models.Event, enabled []contracts.BookClient, primarySlug string, m *mapper.Mapper, unmapped *unmappedBuffer) eventResult {
	res := eventResult{
		event:  event,
		mapped: make(map[string][]models.MappedMarket),
		errs:   make(map[string]error),
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, book := range enabled {
		externalID, offered := event.ExternalID(book.Slug(), primarySlug)
		if !offered {
			continue
		}

		wg.Add(1)
		go func(book contracts.BookClient, externalID string) {
			defer wg.Done()
			raws, err := book.FetchEventMarkets(ctx, externalID)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.logger.Warn("event scrape failed",
					"book", book.Slug(), "shared_key", event.SharedKey, "error", err)
				res.errs[book.Slug()] = err
				return
			}

			mapped := make([]models.MappedMarket, 0, len(raws))
			for _, raw := range raws {
				mm, ok := m.Normalize(book.Slug(), raw)
				if !ok {
					unmapped.add(book.Slug(), raw, time.Now().UTC())
					continue
				}
				mapped = append(mapped, mm)
			}
			res.mapped[book.Slug()] = mapped
		}(book, externalID)
	}
	wg.Wait()
	return res
}

// detect runs the change, availability, and risk passes over one batch
// and assembles its write batch. The second return is the batch's count
// of never-before-seen markets.
func (c *Coordinator) detect(results []eventResult, set models.Settings, primarySlug string, cycleID int64, batchID int) (*models.WriteBatch, int) {
	capturedAt := time.Now().UTC()
	eventIDs := make([]int64, 0, len(results))
	for _, r := range results {
		eventIDs = append(eventIDs, r.event.EventID)
	}
	prev := c.state.State(eventIDs)

	wb := &models.WriteBatch{
		CycleID:   cycleID,
		BatchID:   batchID,
		Snapshots: make(map[models.SnapshotKey]models.BookSnapshot),
		Result:    make(chan error, 1),
	}

	matched := detector.NewMatchedSet(primarySlug)
	var moves []detector.PriceMove
	newMarkets := 0

	for _, r := range results {
		changes := detector.DetectChanges(detector.EventInput{
			Event:      r.event,
			Prev:       prev[r.event.EventID],
			New:        r.mapped,
			CapturedAt: capturedAt,
		})

		wb.Upserts = append(wb.Upserts, changes.Upserts...)
		wb.Flips = append(wb.Flips, changes.Flips...)
		for book, snap := range changes.Snapshots {
			wb.Snapshots[models.SnapshotKey{EventID: r.event.EventID, BookSlug: book}] = snap
		}
		moves = append(moves, changes.Moves...)
		wb.ChangedCount += changes.ChangedCount
		newMarkets += changes.NewCount
		if changes.NewCount+changes.ChangedCount > 0 {
			wb.ChangedEventIDs = append(wb.ChangedEventIDs, r.event.EventID)
		}

		for book, markets := range r.mapped {
			matched.AddMarkets(r.event.EventID, book, markets)
		}

		wb.Statuses = append(wb.Statuses, scrapeStatus(r, capturedAt))
	}

	wb.Alerts = detector.DetectRisk(detector.RiskInput{
		Settings:    set,
		PrimarySlug: primarySlug,
		Moves:       moves,
		Flips:       wb.Flips,
		Matched:     matched,
		Now:         capturedAt,
	})
	return wb, newMarkets
}

// scrapeStatus classifies one event's outcome: any book succeeding is
// COMPLETED, total failure is FAILED with the first error recorded.
func scrapeStatus(r eventResult, at time.Time) models.EventScrapeStatus {
	st := models.EventScrapeStatus{
		EventID:        r.event.EventID,
		ScrapedAt:      at,
		BooksSucceeded: len(r.mapped),
	}
	if len(r.mapped) > 0 {
		st.Status = models.ScrapeCompleted
	} else {
		st.Status = models.ScrapeFailed
	}

	books := make([]string, 0, len(r.errs))
	for book := range r.errs {
		books = append(books, book)
	}
	sort.Strings(books)
	if len(books) > 0 {
		st.FirstError = fmt.Sprintf("%s: %v", books[0], r.errs[books[0]])
	}
	return st
}

func fetchErrors(results []eventResult) int {
	n := 0
	for _, r := range results {
		n += len(r.errs)
	}
	return n
}

// unmappedBuffer accumulates unmapped sightings for a whole cycle,
// deduplicated by (book, raw market id).
type unmappedBuffer struct {
	mu      sync.Mutex
	entries map[string]*models.UnmappedMarket
}

func newUnmappedBuffer() *unmappedBuffer {
	return &unmappedBuffer{entries: make(map[string]*models.UnmappedMarket)}
}

func (b *unmappedBuffer) add(book string, raw models.RawMarket, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := book + "\x00" + raw.RawMarketID
	if e, ok := b.entries[key]; ok {
		e.OccurrenceCount++
		e.LastSeenAt = now
		return
	}

	samples := make([]string, 0, 3)
	for _, o := range raw.Outcomes {
		if len(samples) == 3 {
			break
		}
		samples = append(samples, o.Name)
	}
	b.entries[key] = &models.UnmappedMarket{
		BookSlug:        book,
		RawMarketID:     raw.RawMarketID,
		RawMarketName:   raw.RawMarketName,
		FirstSeenAt:     now,
		LastSeenAt:      now,
		OccurrenceCount: 1,
		SampleOutcomes:  samples,
		Status:          models.UnmappedNew,
	}
}

func (b *unmappedBuffer) drain() []models.UnmappedMarket {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]models.UnmappedMarket, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, *e)
	}
	b.entries = make(map[string]*models.UnmappedMarket)
	sort.Slice(out, func(i, j int) bool {
		if out[i].BookSlug != out[j].BookSlug {
			return out[i].BookSlug < out[j].BookSlug
		}
		return out[i].RawMarketID < out[j].RawMarketID
	})
	return out
}
