package server

import (
	"MarginWatch/internal/watcher"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const adminKeyHeader = "x-admin-key"

type configView struct {
	TickInterval string `json:"tick_interval"`
	AlertPercent string `json:"alert_percent"`
	ClosePercent string `json:"close_percent"`
	Workers      int    `json:"workers"`
	StrictSides  bool   `json:"strict_sides"`
}

type tickSummary struct {
	TickID     uuid.UUID      `json:"tick_id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Accounts   int            `json:"accounts"`
	Outcomes   map[string]int `json:"outcomes"`
	ListError  string         `json:"list_error,omitempty"`
}

type statusResponse struct {
	State    watcher.State `json:"state"`
	Config   *configView   `json:"config,omitempty"`
	LastTick *tickSummary  `json:"last_tick,omitempty"`
}

func summarize(r *watcher.TickReport) *tickSummary {
	if r == nil {
		return nil
	}
	return &tickSummary{
		TickID:     r.TickID,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Accounts:   r.Accounts,
		Outcomes:   r.Summary(),
		ListError:  r.ListError,
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	resp := statusResponse{
		State:    s.deps.Watcher.State(),
		LastTick: summarize(s.deps.Watcher.LastReport()),
	}
	if cfg, ok := s.deps.Watcher.Config(); ok {
		resp.Config = &configView{
			TickInterval: cfg.TickInterval.String(),
			AlertPercent: cfg.Thresholds.AlertPercent.String(),
			ClosePercent: cfg.Thresholds.ClosePercent.String(),
			Workers:      cfg.Workers,
			StrictSides:  cfg.StrictSides,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReport(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	report := s.deps.Watcher.LastReport()
	if report == nil {
		writeError(w, http.StatusNotFound, "no tick has completed yet")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleTick runs a tick synchronously and returns its report.
func (s *Server) handleTick(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if s.deps.AdminKey != "" {
		got := r.Header.Get(adminKeyHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.deps.AdminKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid admin key")
			return
		}
	}

	report, err := s.deps.Watcher.RunTick(r.Context())
	switch {
	case errors.Is(err, watcher.ErrTickInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, watcher.ErrNotRunning):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, report)
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
