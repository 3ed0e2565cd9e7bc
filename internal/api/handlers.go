package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/XavierBriggs/Argus/internal/broadcast"
	"github.com/XavierBriggs/Argus/internal/cache"
	"github.com/XavierBriggs/Argus/internal/scheduler"
	"github.com/XavierBriggs/Argus/internal/store"
	"github.com/XavierBriggs/Argus/pkg/models"
)

type handlers struct {
	cache     *cache.Cache
	store     *store.Store
	scheduler *scheduler.Scheduler
	hub       *broadcast.Hub
	logger    *slog.Logger
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"cached_events": h.cache.Len(),
		"subscribers":   h.hub.Subscribers(),
	})
}

type eventSummary struct {
	EventID   int64               `json:"event_id"`
	SharedKey string              `json:"shared_key"`
	HomeTeam  string              `json:"home_team"`
	AwayTeam  string              `json:"away_team"`
	Kickoff   time.Time           `json:"kickoff"`
	Coverage  int                 `json:"coverage"`
	Books     map[string]bookView `json:"books"`
}

// listEvents returns all cached events sorted by kickoff, each with its
// per-book markets inline.
func (h *handlers) listEvents(w http.ResponseWriter, _ *http.Request) {
	events := h.cache.Events()
	sort.Slice(events, func(i, j int) bool {
		return events[i].Kickoff.Before(events[j].Kickoff)
	})

	out := make([]eventSummary, 0, len(events))
	for _, e := range events {
		out = append(out, eventSummary{
			EventID:   e.EventID,
			SharedKey: e.SharedKey,
			HomeTeam:  e.HomeTeam,
			AwayTeam:  e.AwayTeam,
			Kickoff:   e.Kickoff,
			Coverage:  e.Coverage(),
			Books:     h.bookViews(e.EventID),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

type marketView struct {
	MarketID         string           `json:"canonical_market_id"`
	Line             *float64         `json:"line,omitempty"`
	Outcomes         []models.Outcome `json:"outcomes"`
	Margin           float64          `json:"margin"`
	Available        bool             `json:"available"`
	LastUpdatedAt    time.Time        `json:"last_updated_at"`
	LastConfirmedAt  time.Time        `json:"last_confirmed_at"`
	UnavailableSince *time.Time       `json:"unavailable_since,omitempty"`
}

type bookView struct {
	CapturedAt      time.Time    `json:"captured_at"`
	LastConfirmedAt time.Time    `json:"last_confirmed_at"`
	Markets         []marketView `json:"markets"`
}

// bookViews renders one event's cached per-book state with bookmaker
// margins, markets sorted by canonical id then line.
func (h *handlers) bookViews(eventID int64) map[string]bookView {
	books := make(map[string]bookView)
	for slug, snap := range h.cache.EventBooks(eventID) {
		markets := make([]marketView, 0, len(snap.Markets))
		for _, m := range snap.Markets {
			markets = append(markets, marketView{
				MarketID:         m.MarketID,
				Line:             m.Line,
				Outcomes:         m.Outcomes,
				Margin:           models.Margin(m.Outcomes),
				Available:        m.Available(),
				LastUpdatedAt:    m.LastUpdatedAt,
				LastConfirmedAt:  m.LastConfirmedAt,
				UnavailableSince: m.UnavailableSince,
			})
		}
		sort.Slice(markets, func(i, j int) bool {
			if markets[i].MarketID != markets[j].MarketID {
				return markets[i].MarketID < markets[j].MarketID
			}
			return lineOrd(markets[i].Line) < lineOrd(markets[j].Line)
		})
		books[slug] = bookView{
			CapturedAt:      snap.CapturedAt,
			LastConfirmedAt: snap.LastConfirmedAt,
			Markets:         markets,
		}
	}
	return books
}

// eventDetail returns one event's full cached state.
func (h *handlers) eventDetail(w http.ResponseWriter, r *http.Request) {
	eventID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event id")
		return
	}

	event, ok := h.cache.Event(eventID)
	if !ok {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"event_id":   event.EventID,
		"shared_key": event.SharedKey,
		"home_team":  event.HomeTeam,
		"away_team":  event.AwayTeam,
		"kickoff":    event.Kickoff,
		"books":      h.bookViews(eventID),
	})
}

// eventHistory returns the stored price series for one market.
func (h *handlers) eventHistory(w http.ResponseWriter, r *http.Request) {
	eventID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event id")
		return
	}

	book := r.URL.Query().Get("book")
	marketID := r.URL.Query().Get("market")
	if book == "" || marketID == "" {
		writeError(w, http.StatusBadRequest, "book and market query parameters are required")
		return
	}

	var line *float64
	if raw := r.URL.Query().Get("line"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid line")
			return
		}
		line = &v
	}

	series, err := h.store.HistorySeries(r.Context(), eventID, book, marketID, line)
	if err != nil {
		h.logger.Error("history query failed", "event_id", eventID, "error", err)
		writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"series": series})
}

func (h *handlers) listAlerts(w http.ResponseWriter, r *http.Request) {
	status := models.AlertStatus(r.URL.Query().Get("status"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	alerts, err := h.store.ListAlerts(r.Context(), status, limit)
	if err != nil {
		h.logger.Error("alert listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "alert listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (h *handlers) acknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	alertID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid alert id")
		return
	}

	if err := h.store.AcknowledgeAlert(r.Context(), alertID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "alert not found")
			return
		}
		h.logger.Error("alert acknowledge failed", "alert_id", alertID, "error", err)
		writeError(w, http.StatusInternalServerError, "alert acknowledge failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"acknowledged": alertID})
}

func (h *handlers) listUnmapped(w http.ResponseWriter, r *http.Request) {
	status := models.UnmappedStatus(r.URL.Query().Get("status"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	records, err := h.store.ListUnmapped(r.Context(), status, limit)
	if err != nil {
		h.logger.Error("unmapped listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "unmapped listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unmapped": records})
}

func (h *handlers) setUnmappedStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status models.UnmappedStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	switch body.Status {
	case models.UnmappedNew, models.UnmappedAcknowledged, models.UnmappedMapped, models.UnmappedIgnored:
	default:
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	book := r.PathValue("book")
	rawID := r.PathValue("rawID")
	if err := h.store.SetUnmappedStatus(r.Context(), book, rawID, body.Status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "unmapped market not found")
			return
		}
		h.logger.Error("unmapped status update failed", "book", book, "raw_id", rawID, "error", err)
		writeError(w, http.StatusInternalServerError, "unmapped status update failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": body.Status})
}

func (h *handlers) schedulerStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.scheduler.Status())
}

func (h *handlers) schedulerPause(w http.ResponseWriter, _ *http.Request) {
	if err := h.scheduler.Pause(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.scheduler.Status())
}

func (h *handlers) schedulerResume(w http.ResponseWriter, _ *http.Request) {
	if err := h.scheduler.Resume(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.scheduler.Status())
}

func (h *handlers) schedulerTrigger(w http.ResponseWriter, _ *http.Request) {
	if err := h.scheduler.TriggerNow(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, h.scheduler.Status())
}

// settingsDTO is the wire shape of the settings row; durations travel as
// seconds.
type settingsDTO struct {
	ScrapeIntervalSecs   int      `json:"scrape_interval_secs"`
	EnabledBooks         []string `json:"enabled_books"`
	BatchSize            int      `json:"batch_size"`
	HistoryRetentionDays int      `json:"history_retention_days"`
	AlertRetentionDays   int      `json:"alert_retention_days"`
	EventGraceSecs       int      `json:"event_grace_secs"`
	AlertsEnabled        bool     `json:"alerts_enabled"`
	WarningPct           float64  `json:"warning_pct"`
	ElevatedPct          float64  `json:"elevated_pct"`
	CriticalPct          float64  `json:"critical_pct"`
	LookbackSecs         int      `json:"lookback_secs"`
}

func toDTO(set models.Settings) settingsDTO {
	return settingsDTO{
		ScrapeIntervalSecs:   int(set.ScrapeInterval.Seconds()),
		EnabledBooks:         set.EnabledBooks,
		BatchSize:            set.BatchSize,
		HistoryRetentionDays: set.HistoryRetentionDays,
		AlertRetentionDays:   set.AlertRetentionDays,
		EventGraceSecs:       int(set.EventGrace.Seconds()),
		AlertsEnabled:        set.AlertsEnabled,
		WarningPct:           set.WarningPct,
		ElevatedPct:          set.ElevatedPct,
		CriticalPct:          set.CriticalPct,
		LookbackSecs:         int(set.LookbackWindow.Seconds()),
	}
}

func fromDTO(dto settingsDTO) models.Settings {
	return models.Settings{
		ScrapeInterval:       time.Duration(dto.ScrapeIntervalSecs) * time.Second,
		EnabledBooks:         dto.EnabledBooks,
		BatchSize:            dto.BatchSize,
		HistoryRetentionDays: dto.HistoryRetentionDays,
		AlertRetentionDays:   dto.AlertRetentionDays,
		EventGrace:           time.Duration(dto.EventGraceSecs) * time.Second,
		AlertsEnabled:        dto.AlertsEnabled,
		WarningPct:           dto.WarningPct,
		ElevatedPct:          dto.ElevatedPct,
		CriticalPct:          dto.CriticalPct,
		LookbackWindow:       time.Duration(dto.LookbackSecs) * time.Second,
	}
}

func (h *handlers) getSettings(w http.ResponseWriter, r *http.Request) {
	set, err := h.store.LoadSettings(r.Context())
	if err != nil {
		h.logger.Error("settings load failed", "error", err)
		writeError(w, http.StatusInternalServerError, "settings load failed")
		return
	}
	writeJSON(w, http.StatusOK, toDTO(set))
}

// putSettings replaces the settings row. The next cycle picks the new
// values up at its snapshot.
func (h *handlers) putSettings(w http.ResponseWriter, r *http.Request) {
	var dto settingsDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	set := fromDTO(dto)
	if set.ScrapeInterval <= 0 || set.BatchSize <= 0 || len(set.EnabledBooks) == 0 {
		writeError(w, http.StatusBadRequest, "interval, batch size, and enabled books must be positive")
		return
	}
	if !(set.WarningPct > 0 && set.WarningPct <= set.ElevatedPct && set.ElevatedPct <= set.CriticalPct) {
		writeError(w, http.StatusBadRequest, "thresholds must satisfy 0 < warning <= elevated <= critical")
		return
	}

	if err := h.store.SaveSettings(r.Context(), set); err != nil {
		h.logger.Error("settings save failed", "error", err)
		writeError(w, http.StatusInternalServerError, "settings save failed")
		return
	}
	writeJSON(w, http.StatusOK, toDTO(set))
}

func lineOrd(line *float64) float64 {
	if line == nil {
		return models.LineSentinel
	}
	return *line
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
