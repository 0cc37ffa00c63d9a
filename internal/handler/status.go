package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enduid/enduid-server/internal/model"
	"github.com/enduid/enduid-server/internal/service"
)

// StatusHandler serves the check-in counters and the in-flight run.
type StatusHandler struct {
	status StatusReader
	state  RunStateReader
	loc    *time.Location
	now    func() time.Time
}

func NewStatusHandler(status StatusReader, state RunStateReader, loc *time.Location) *StatusHandler {
	if loc == nil {
		loc = time.Local
	}
	return &StatusHandler{status: status, state: state, loc: loc, now: time.Now}
}

type signStatusResponse struct {
	Date      string             `json:"date"`
	Today     service.SignCounts `json:"today"`
	Yesterday service.SignCounts `json:"yesterday"`
	Run       *model.RunState    `json:"run"`
}

func (h *StatusHandler) SignStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := h.now().In(h.loc)

	today, yesterday, err := h.status.Snapshot(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to read sign status")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to read sign status"})
		return
	}

	state, err := h.state.Get(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to read run state")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to read run state"})
		return
	}

	writeJSON(w, http.StatusOK, signStatusResponse{
		Date:      model.SignDate(now),
		Today:     today,
		Yesterday: yesterday,
		Run:       state,
	})
}

// HealthCheck pings one dependency.
type HealthCheck func(ctx context.Context) error

type HealthHandler struct {
	checks  map[string]HealthCheck
	timeout time.Duration
}

func NewHealthHandler(timeout time.Duration, checks map[string]HealthCheck) *HealthHandler {
	return &HealthHandler{checks: checks, timeout: timeout}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			log.Warn().Err(err).Str("check", name).Msg("health check failed")
			results[name] = "error"
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":    overall,
		"checks":    results,
		"timestamp": time.Now().UnixMilli(),
	})
}
