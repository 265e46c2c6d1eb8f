package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/savegress/spendguard/internal/alerts"
	"github.com/savegress/spendguard/internal/detection"
	"github.com/savegress/spendguard/internal/storage"
	"github.com/savegress/spendguard/pkg/models"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	engine  *detection.Engine
	manager *alerts.Manager
}

// NewHandlers creates new handlers
func NewHandlers(engine *detection.Engine, manager *alerts.Manager) *Handlers {
	return &Handlers{engine: engine, manager: manager}
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "spendguard",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// Detection handlers

// CheckRecord runs the duplicate check for a single expense record
func (h *Handlers) CheckRecord(w http.ResponseWriter, r *http.Request) {
	var record models.ExpenseRecord
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.engine.CheckRecord(r.Context(), &record)
	if err != nil {
		if errors.Is(err, detection.ErrInvalidRecord) {
			respondError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respond(w, http.StatusOK, result)
}

// BulkCheck runs the duplicate check for a batch of expense records
func (h *Handlers) BulkCheck(w http.ResponseWriter, r *http.Request) {
	var records []*models.ExpenseRecord
	if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(records) == 0 {
		respondError(w, http.StatusBadRequest, "Empty batch")
		return
	}

	respond(w, http.StatusOK, h.engine.BulkCheck(r.Context(), records))
}

// AnalyzeUser runs the anomalous-spending sweep for one user
func (h *Handlers) AnalyzeUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	found, err := h.engine.AnalyzeUser(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if found == nil {
		found = []*models.FraudAlert{}
	}
	respond(w, http.StatusOK, found)
}

// Alert handlers

// ListAlerts lists alerts newest-first with optional status/kind filters
func (h *Handlers) ListAlerts(w http.ResponseWriter, r *http.Request) {
	filter := storage.AlertFilter{
		Status: models.AlertStatus(r.URL.Query().Get("status")),
		Kind:   models.AlertKind(r.URL.Query().Get("kind")),
	}
	page := storage.Page{
		Limit:  queryInt(r, "limit", alerts.DefaultPageSize),
		Offset: queryInt(r, "offset", 0),
	}

	list, err := h.manager.List(r.Context(), filter, page)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []*models.FraudAlert{}
	}
	respond(w, http.StatusOK, list)
}

// GetAlert gets an alert by ID
func (h *Handlers) GetAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	alert, err := h.manager.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "Alert not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusOK, alert)
}

type reviewRequest struct {
	Status   models.AlertStatus `json:"status"`
	Reviewer string             `json:"reviewer"`
	Notes    string             `json:"notes,omitempty"`
}

// ReviewAlert transitions an alert's review status
func (h *Handlers) ReviewAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	alert, err := h.manager.Review(r.Context(), id, req.Status, req.Reviewer, req.Notes)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			respondError(w, http.StatusNotFound, "Alert not found")
		case errors.Is(err, storage.ErrConflict):
			respondError(w, http.StatusConflict, "Alert was updated concurrently")
		case errors.Is(err, alerts.ErrReviewerRequired),
			errors.Is(err, alerts.ErrInvalidStatus),
			errors.Is(err, alerts.ErrAlreadyFinal):
			respondError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respond(w, http.StatusOK, alert)
}

// GetAlertStats returns aggregate alert statistics
func (h *Handlers) GetAlertStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.manager.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusOK, stats)
}

// Settings handlers

// GetSettings returns the detection settings, seeding defaults on first read
func (h *Handlers) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.engine.Settings(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusOK, settings)
}

// UpdateSettings applies a partial settings update
func (h *Handlers) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var update models.SettingsUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	settings, err := h.engine.UpdateSettings(r.Context(), update)
	if err != nil {
		if errors.Is(err, detection.ErrInvalidSettings) {
			respondError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusOK, settings)
}

// Helper functions

func respond(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respond(w, status, map[string]string{"error": message})
}

func queryInt(r *http.Request, key string, defaultValue int) int {
	if value := r.URL.Query().Get(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
