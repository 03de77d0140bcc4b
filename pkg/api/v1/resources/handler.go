package api_v1_resources

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/plantmetric/rollout/pkg/api/middleware"
	"github.com/plantmetric/rollout/pkg/batch"
)

// Handler accepts bulk resource operations and feeds them to the per-region
// batch dispatchers. Operations are windowed and executed asynchronously;
// the flush endpoint drains a region's queues and returns the reports.
type Handler struct {
	Dispatchers map[string]*batch.Dispatcher
}

type OperationRequest struct {
	Kind      string          `json:"kind"`
	Group     string          `json:"group,omitempty"`
	Version   string          `json:"version"`
	Resource  string          `json:"resource"`
	Namespace string          `json:"namespace"`
	Name      string          `json:"name,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Patch     json.RawMessage `json:"patch,omitempty"`
	Priority  int             `json:"priority,omitempty"`
}

type Response struct {
	Accepted int    `json:"accepted,omitempty"`
	Message  string `json:"message,omitempty"`
}

func (r *Response) render(w io.Writer) {
	json.NewEncoder(w).Encode(r)
}

func (req *OperationRequest) operation() (batch.Operation, error) {
	op := batch.Operation{
		Kind: batch.OperationKind(req.Kind),
		Resource: schema.GroupVersionResource{
			Group:    req.Group,
			Version:  req.Version,
			Resource: req.Resource,
		},
		Namespace: req.Namespace,
		Name:      req.Name,
		Patch:     req.Patch,
		Priority:  req.Priority,
	}

	switch op.Kind {
	case batch.OperationCreate, batch.OperationUpdate:
		if len(req.Payload) == 0 {
			return op, fmt.Errorf("operation '%s' requires a payload", req.Kind)
		}
		obj := &unstructured.Unstructured{}
		if err := obj.UnmarshalJSON(req.Payload); err != nil {
			return op, fmt.Errorf("invalid payload: %s", err)
		}
		op.Payload = obj
	case batch.OperationPatch:
		if len(req.Name) == 0 || len(req.Patch) == 0 {
			return op, fmt.Errorf("patch operations require a name and a patch body")
		}
	case batch.OperationDelete:
		if len(req.Name) == 0 {
			return op, fmt.Errorf("delete operations require a name")
		}
	default:
		return op, fmt.Errorf("unknown operation kind '%s'", req.Kind)
	}

	if len(req.Resource) == 0 || len(req.Version) == 0 {
		return op, fmt.Errorf("operations must name a resource and an API version")
	}
	return op, nil
}

// Submit enqueues a list of operations for one region.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	var response Response

	fields := middleware.RequestLogFields(r)
	logger := log.WithFields(fields)

	region := chi.URLParam(r, "region")
	dispatcher, ok := h.Dispatchers[region]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		response.Message = fmt.Sprintf("unknown region '%s'", region)
		response.render(w)
		return
	}

	requests := make([]OperationRequest, 0)
	if err := json.NewDecoder(r.Body).Decode(&requests); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		response.Message = fmt.Sprintf("unable to unmarshal request body: %s", err)
		response.render(w)
		logger.Error(response.Message)
		return
	}

	operations := make([]batch.Operation, 0, len(requests))
	for i, req := range requests {
		op, err := req.operation()
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			response.Message = fmt.Sprintf("operation %d: %s", i, err)
			response.render(w)
			logger.Error(response.Message)
			return
		}
		operations = append(operations, op)
	}

	for _, op := range operations {
		dispatcher.AddOperation(r.Context(), op)
	}

	response.Accepted = len(operations)
	w.WriteHeader(http.StatusAccepted)
	response.render(w)
}

type ReportSummary struct {
	Resource   string   `json:"resource"`
	Kind       string   `json:"kind"`
	Namespace  string   `json:"namespace"`
	Successful int      `json:"successful"`
	Failed     int      `json:"failed"`
	DurationMS int64    `json:"durationMs"`
	Errors     []string `json:"errors,omitempty"`
}

// Flush drains a region's pending batches and returns the execution reports.
func (h *Handler) Flush(w http.ResponseWriter, r *http.Request) {
	fields := middleware.RequestLogFields(r)
	logger := log.WithFields(fields)

	region := chi.URLParam(r, "region")
	dispatcher, ok := h.Dispatchers[region]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	reports := dispatcher.Flush(r.Context())

	summaries := make([]ReportSummary, 0, len(reports))
	for _, report := range reports {
		summary := ReportSummary{
			Resource:   report.Key.Resource,
			Kind:       string(report.Key.Kind),
			Namespace:  report.Key.Namespace,
			Successful: report.Successful,
			Failed:     report.Failed,
			DurationMS: report.Duration.Milliseconds(),
		}
		for _, result := range report.Results {
			if result.Err != nil {
				summary.Errors = append(summary.Errors, result.Err.Error())
			}
		}
		summaries = append(summaries, summary)
	}

	data, err := json.Marshal(summaries)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		logger.Errorf("Unable to marshal batch reports: %s", err)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
