package api

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rufus800/challawa-np/internal/health"
	"github.com/rufus800/challawa-np/internal/models"
	"github.com/rufus800/challawa-np/internal/plc"
	"github.com/rufus800/challawa-np/internal/store"
	"github.com/rufus800/challawa-np/pkg/logger"
	"github.com/rufus800/challawa-np/pkg/utils"
)

// LiveSource is the polling side of the API
type LiveSource interface {
	Status() models.LinkStatus
	Snapshot() []models.UnitState
	Stats() plc.ServiceStats
}

// EventQuerier reads persisted trip events
type EventQuerier interface {
	Query(ctx context.Context, f store.Filter) iter.Seq2[models.TripEvent, error]
}

// HealthSource computes health scores on request
type HealthSource interface {
	Score(ctx context.Context, unitID int, lookback time.Duration) (models.HealthScore, error)
	ScoreAll(ctx context.Context, lookback time.Duration) ([]models.HealthScore, error)
}

// Handler contains the HTTP handlers of the API
type Handler struct {
	live     LiveSource
	events   EventQuerier
	health   HealthSource
	lookback time.Duration
	unitName func(int) string

	debug map[string]func() any
	names []string
	now   func() time.Time
}

// NewHandler creates the API handler. lookback is the default health window.
func NewHandler(live LiveSource, events EventQuerier, scores HealthSource, lookback time.Duration, unitName func(int) string) *Handler {
	if unitName == nil {
		unitName = func(int) string { return "" }
	}
	return &Handler{
		live:     live,
		events:   events,
		health:   scores,
		lookback: lookback,
		unitName: unitName,
		debug:    make(map[string]func() any),
		now:      time.Now,
	}
}

// AddDebugSource exposes a component's counters on /api/debug under name
func (h *Handler) AddDebugSource(name string, stats func() any) {
	if _, ok := h.debug[name]; !ok {
		h.names = append(h.names, name)
	}
	h.debug[name] = stats
}

// GetStatus returns the link status and the latest unit states
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status := h.live.Status()
	units := h.live.Snapshot()
	if units == nil {
		units = []models.UnitState{}
	}

	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"units":     units,
		"timestamp": h.now().UnixMilli(),
	})
}

// GetDebug returns the poller counters and every registered component's stats
func (h *Handler) GetDebug(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"poller": h.live.Stats(),
	}
	for _, name := range h.names {
		response[name] = h.debug[name]()
	}
	h.respondWithJSON(w, http.StatusOK, response)
}

// eventRow is a trip event as reported, with its display name and duration
type eventRow struct {
	models.TripEvent
	UnitName        string   `json:"unit_name,omitempty"`
	DurationSeconds *float64 `json:"duration_seconds"`
}

// GetEvents returns the trip events matching start_date, end_date and unit_id
func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	rows := []eventRow{}
	for ev, err := range h.events.Query(r.Context(), filter) {
		if err != nil {
			logger.Error("Trip event query failed", err)
			h.respondWithError(w, http.StatusInternalServerError, "event query failed")
			return
		}
		rows = append(rows, h.row(ev))
	}

	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"events": rows,
		"count":  len(rows),
	})
}

var csvHeader = []string{
	"event_id", "unit_id", "unit_name", "onset_timestamp", "clear_timestamp",
	"duration_seconds", "pressure_at_onset", "speed_at_onset",
}

// GetEventsCSV streams the same query as GetEvents as a CSV download
func (h *Handler) GetEventsCSV(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	next, stop := iter.Pull2(h.events.Query(r.Context(), filter))
	defer stop()

	// The first row decides between an error response and a download.
	first, err, ok := next()
	if ok && err != nil {
		logger.Error("Trip event query failed", err)
		h.respondWithError(w, http.StatusInternalServerError, "event query failed")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="trip_events_%s.csv"`, h.now().Format("20060102_150405")))

	cw := csv.NewWriter(w)
	cw.Write(csvHeader)
	for ok {
		if err != nil {
			// Headers are gone; all that is left is to truncate the file.
			logger.Error("Trip event query failed during CSV export", err)
			break
		}
		cw.Write(h.csvRecord(first))
		first, err, ok = next()
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		logger.Errorf("CSV export write failed: %v", err)
	}
}

// GetHealth returns the health of every observed unit over ?window=
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	window, err := h.parseWindow(r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	scores, err := h.health.ScoreAll(r.Context(), window)
	if err != nil {
		logger.Error("Health computation failed", err)
		h.respondWithError(w, http.StatusInternalServerError, "health computation failed")
		return
	}
	if scores == nil {
		scores = []models.HealthScore{}
	}

	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"window_seconds": window.Seconds(),
		"units":          scores,
	})
}

// GetUnitHealth returns the health of one unit
func (h *Handler) GetUnitHealth(w http.ResponseWriter, r *http.Request) {
	unitID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, "invalid unit id")
		return
	}
	window, err := h.parseWindow(r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	score, err := h.health.Score(r.Context(), unitID, window)
	switch {
	case errors.Is(err, health.ErrNoData):
		h.respondWithError(w, http.StatusNotFound, fmt.Sprintf("no data for unit %d", unitID))
		return
	case err != nil:
		logger.Error("Health computation failed", err)
		h.respondWithError(w, http.StatusInternalServerError, "health computation failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, score)
}

// Liveness reports that the process is serving; the PLC link is informational
func (h *Handler) Liveness(w http.ResponseWriter, r *http.Request) {
	status := h.live.Status()
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"plc_connected": status.Connected,
		"stale":         status.Stale,
		"time":          h.now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) row(ev models.TripEvent) eventRow {
	row := eventRow{TripEvent: ev, UnitName: h.unitName(ev.UnitID)}
	if ev.ClearTimestamp != nil {
		secs := ev.Duration(*ev.ClearTimestamp).Seconds()
		row.DurationSeconds = &secs
	}
	return row
}

func (h *Handler) csvRecord(ev models.TripEvent) []string {
	cleared, duration := "", ""
	if ev.ClearTimestamp != nil {
		cleared = ev.ClearTimestamp.UTC().Format(time.RFC3339Nano)
		duration = utils.FormatFloat(ev.Duration(*ev.ClearTimestamp).Seconds(), 1)
	}
	return []string{
		ev.EventID,
		strconv.Itoa(ev.UnitID),
		h.unitName(ev.UnitID),
		ev.OnsetTimestamp.UTC().Format(time.RFC3339Nano),
		cleared,
		duration,
		utils.FormatFloat(float64(ev.PressureAtOnset), 2),
		utils.FormatFloat(float64(ev.SpeedAtOnset), 1),
	}
}

// parseFilter reads start_date, end_date and unit_id. A bare end date covers the whole day.
func parseFilter(r *http.Request) (store.Filter, error) {
	var f store.Filter
	q := r.URL.Query()

	if v := q.Get("start_date"); v != "" {
		t, err := utils.ParseTimestamp(v)
		if err != nil {
			return f, fmt.Errorf("invalid start_date: %w", err)
		}
		f.From = &t
	}
	if v := q.Get("end_date"); v != "" {
		t, err := utils.ParseRangeEnd(v)
		if err != nil {
			return f, fmt.Errorf("invalid end_date: %w", err)
		}
		f.To = &t
	}
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return f, errors.New("start_date is after end_date")
	}
	if v := q.Get("unit_id"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			return f, fmt.Errorf("invalid unit_id %q", v)
		}
		f.UnitID = &id
	}
	return f, nil
}

// parseWindow accepts Go durations plus a day suffix, e.g. 24h, 90m, 7d
func (h *Handler) parseWindow(r *http.Request) (time.Duration, error) {
	v := r.URL.Query().Get("window")
	if v == "" {
		return h.lookback, nil
	}

	var d time.Duration
	if days, ok := strings.CutSuffix(v, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid window %q", v)
		}
		d = time.Duration(n) * 24 * time.Hour
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return 0, fmt.Errorf("invalid window %q", v)
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("window must be positive, got %q", v)
	}
	return d, nil
}

// respondWithError sends an error response
func (h *Handler) respondWithError(w http.ResponseWriter, code int, message string) {
	h.respondWithJSON(w, code, map[string]string{"error": message})
}

// respondWithJSON sends a JSON response
func (h *Handler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Errorf("Failed to encode JSON response: %v", err)
	}
}
