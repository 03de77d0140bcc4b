package api_v1_status

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"
	log "github.com/sirupsen/logrus"

	"github.com/plantmetric/rollout/pkg/api/middleware"
	"github.com/plantmetric/rollout/pkg/deployment"
	"github.com/plantmetric/rollout/pkg/faults"
	"github.com/plantmetric/rollout/pkg/statestore"
)

// StatusSource exposes deployment state lookups for the status API.
type StatusSource interface {
	GetStatus(ctx context.Context, id string) (*deployment.State, error)
	ListActive() []*deployment.State
}

// HistorySource lists past deployments of a service from the history ledger.
type HistorySource interface {
	History(ctx context.Context, service string, limit int) ([]statestore.HistoryEntry, error)
}

type Handler struct {
	Source StatusSource
	Ledger HistorySource
}

// Status returns the full state record for one deployment, active or
// archived.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	fields := middleware.RequestLogFields(r)
	logger := log.WithFields(fields)

	id := chi.URLParam(r, "id")

	state, err := h.Source.GetStatus(r.Context(), id)
	if err != nil {
		if faults.Is(err, faults.KindValidation) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
		logger.Errorf("Unable to read deployment state: %s", err)
		return
	}

	data, err := json.Marshal(state)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		logger.Errorf("Unable to marshal deployment state: %s", err)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// History returns the most recent ledger entries for a service.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	fields := middleware.RequestLogFields(r)
	logger := log.WithFields(fields)

	if h.Ledger == nil {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}

	service := chi.URLParam(r, "service")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	entries, err := h.Ledger.History(r.Context(), service, limit)
	if err != nil {
		w.WriteHeader(http.StatusBadGateway)
		logger.Errorf("Unable to read deployment history: %s", err)
		return
	}

	data, err := json.Marshal(entries)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		logger.Errorf("Unable to marshal deployment history: %s", err)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// List returns every deployment currently in flight.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	fields := middleware.RequestLogFields(r)
	logger := log.WithFields(fields)

	data, err := json.Marshal(h.Source.ListActive())
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		logger.Errorf("Unable to marshal deployment list: %s", err)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
