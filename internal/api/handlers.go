package api

import (
	"encoding/json"
	"io"
	"maps"
	"net/http"
	"slices"

	"go.uber.org/zap"

	"github.com/JakeFAU/flowcrawler/internal/crawler"
	"github.com/JakeFAU/flowcrawler/internal/metrics"
)

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz runs every registered check and reports each failure by name.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	failures := map[string]string{}
	for _, name := range slices.Sorted(maps.Keys(s.cfg.Checks)) {
		if err := s.cfg.Checks[name](r.Context()); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) == 0 {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{
		"status":   "unavailable",
		"failures": failures,
	})
}

// submitRequest validates a request message and pushes it to the start queue.
func (s *Server) submitRequest(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	msg, err := crawler.DecodeRequestMessage(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	encoded, err := json.Marshal(msg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode request")
		return
	}
	if err := s.queue.Push(r.Context(), s.cfg.StartKey, encoded); err != nil {
		s.logger.Error("enqueue request failed",
			zap.String("url", msg.URL),
			zap.String("queue", s.cfg.StartKey),
			zap.Error(err),
		)
		writeError(w, http.StatusServiceUnavailable, "enqueue failed")
		return
	}
	metrics.ObserveQueue(s.cfg.StartKey, "pushed")
	writeJSON(w, http.StatusAccepted, map[string]any{
		"queue":     s.cfg.StartKey,
		"url":       msg.URL,
		"stepIndex": msg.StepIndex,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
