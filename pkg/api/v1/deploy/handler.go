package api_v1_deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi"
	log "github.com/sirupsen/logrus"

	"github.com/plantmetric/rollout/pkg/api/middleware"
	"github.com/plantmetric/rollout/pkg/deployment"
	"github.com/plantmetric/rollout/pkg/faults"
)

// Engine is the coordinator surface the deployment API drives.
type Engine interface {
	Deploy(ctx context.Context, cfg *deployment.Config) (*deployment.State, error)
	Rollback(ctx context.Context, id string) error
}

type Handler struct {
	Engine Engine
}

type DeploymentResponse struct {
	ID      string            `json:"id,omitempty"`
	Status  deployment.Status `json:"status,omitempty"`
	Message string            `json:"message,omitempty"`
}

func (r *DeploymentResponse) render(w io.Writer) {
	json.NewEncoder(w).Encode(r)
}

// Deploy accepts a deployment configuration and runs it to a terminal state.
// The request blocks for the duration of the deployment; clients wanting
// progress should watch the status endpoint from a second connection.
func (h *Handler) Deploy(w http.ResponseWriter, r *http.Request) {
	var response DeploymentResponse

	fields := middleware.RequestLogFields(r)
	logger := log.WithFields(fields)

	data, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		response.Message = fmt.Sprintf("unable to read request body: %s", err)
		response.render(w)
		logger.Error(response.Message)
		return
	}

	cfg := &deployment.Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		response.Message = fmt.Sprintf("unable to unmarshal request body: %s", err)
		response.render(w)
		logger.Error(response.Message)
		return
	}

	logger = logger.WithFields(log.Fields{
		"service": cfg.Service,
		"version": cfg.Version,
	})
	logger.Infof("Incoming deployment request")

	state, err := h.Engine.Deploy(r.Context(), cfg)
	if err != nil {
		response.Message = err.Error()
		switch faults.KindOf(err) {
		case faults.KindValidation:
			w.WriteHeader(http.StatusBadRequest)
		case faults.KindConflict:
			w.WriteHeader(http.StatusConflict)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
		response.render(w)
		logger.Errorf("Deployment rejected: %s", err)
		return
	}

	response.ID = state.ID
	response.Status = state.Status
	response.Message = state.Message
	if state.Status == deployment.StatusCompleted {
		w.WriteHeader(http.StatusOK)
	} else {
		// The deployment ran but did not complete; the state carries the
		// details.
		w.WriteHeader(http.StatusUnprocessableEntity)
	}
	response.render(w)
}

// Rollback triggers an emergency rollback of a failed deployment.
func (h *Handler) Rollback(w http.ResponseWriter, r *http.Request) {
	var response DeploymentResponse

	fields := middleware.RequestLogFields(r)
	logger := log.WithFields(fields)

	id := chi.URLParam(r, "id")
	response.ID = id
	logger = logger.WithField("delivery_id", id)
	logger.Infof("Incoming rollback request")

	if err := h.Engine.Rollback(r.Context(), id); err != nil {
		response.Message = err.Error()
		switch faults.KindOf(err) {
		case faults.KindValidation:
			w.WriteHeader(http.StatusBadRequest)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
		response.render(w)
		logger.Errorf("Rollback failed: %s", err)
		return
	}

	response.Status = deployment.StatusRolledBack
	w.WriteHeader(http.StatusOK)
	response.render(w)
}
