package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"active_batches": s.registry.Len(),
	})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleBatches(w http.ResponseWriter, r *http.Request) {
	snap := s.registry.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"batch_count":       len(snap),
		"batch_wait_time":   int(s.registry.WaitDuration().Seconds()),
		"batches":           snap,
		"current_timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleBatchDebug(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"batches": s.registry.Snapshot(),
		"timers":  s.registry.TimerDebug(),
	})
}

func (s *Server) handleTimers(w http.ResponseWriter, r *http.Request) {
	timers := s.registry.TimerDebug()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"timer_count": len(timers),
		"timers":      timers,
	})
}

func (s *Server) handleForceProcess(w http.ResponseWriter, r *http.Request) {
	contactKey := r.PathValue("contactKey")
	slog.Info("admin.force_process", "contact", contactKey)

	if !s.registry.ForceProcess(contactKey) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"status":  "error",
			"message": "no batch found for contact " + contactKey,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "batch for contact " + contactKey + " processed",
	})
}

func (s *Server) handleClearAll(w http.ResponseWriter, r *http.Request) {
	cleared := s.registry.ClearAll()
	slog.Info("admin.batches_cleared", "count", cleared)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "success",
		"batches_cleared": cleared,
	})
}

func (s *Server) handleGetWait(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"batch_wait_seconds": int(s.registry.WaitDuration().Seconds()),
	})
}

func (s *Server) handleSetWait(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Seconds int `json:"seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return
	}
	if body.Seconds < 1 || body.Seconds > 3600 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "seconds must be between 1 and 3600"})
		return
	}

	previous := int(s.registry.WaitDuration().Seconds())
	s.registry.SetWaitDuration(time.Duration(body.Seconds) * time.Second)
	slog.Info("admin.wait_updated", "previous", previous, "seconds", body.Seconds)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":             "success",
		"batch_wait_seconds": body.Seconds,
		"previous_seconds":   previous,
		"note":               "applies to batches created after this change",
	})
}

// handleConfig reports which collaborators are wired up. Secrets never
// appear here.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"server": map[string]interface{}{
			"host": s.cfg.Server.Host,
			"port": s.cfg.Server.Port,
			"auth": s.cfg.Server.Token != "",
		},
		"batching": map[string]interface{}{
			"wait_seconds":           int(s.registry.WaitDuration().Seconds()),
			"max_concurrent_batches": s.cfg.Batching.MaxConcurrentBatches,
			"history_limit":          s.cfg.Batching.HistoryLimit,
		},
		"responder": map[string]interface{}{
			"configured": s.cfg.HasResponder(),
			"model":      s.cfg.Responder.Model,
		},
		"relay": map[string]interface{}{
			"configured": s.cfg.HasRelay(),
		},
		"database": map[string]interface{}{
			"mode": s.databaseMode(),
		},
	})
}

func (s *Server) databaseMode() string {
	if s.cfg.IsPostgresMode() {
		return "postgres"
	}
	return "standalone"
}
