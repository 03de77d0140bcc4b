package api_v1_deploy_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"

	api_v1_deploy "github.com/plantmetric/rollout/pkg/api/v1/deploy"
	"github.com/plantmetric/rollout/pkg/deployment"
	"github.com/plantmetric/rollout/pkg/faults"
)

type fakeEngine struct {
	deployState  *deployment.State
	deployErr    error
	rollbackErr  error
	lastRollback string
}

func (f *fakeEngine) Deploy(ctx context.Context, cfg *deployment.Config) (*deployment.State, error) {
	if f.deployErr != nil {
		return nil, f.deployErr
	}
	return f.deployState, nil
}

func (f *fakeEngine) Rollback(ctx context.Context, id string) error {
	f.lastRollback = id
	return f.rollbackErr
}

func deployRequestBody(t *testing.T) []byte {
	body, err := json.Marshal(&deployment.Config{
		Service:  "checkout",
		Version:  "2.4.1",
		Strategy: deployment.StrategyRolling,
		Regions: []deployment.RegionConfig{{
			Name:      "eu-west",
			Namespace: "shop",
			Manifest:  json.RawMessage(`{"kind":"Deployment"}`),
		}},
	})
	assert.NoError(t, err)
	return body
}

func postDeploy(handler *api_v1_deploy.Handler, body []byte) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/api/v1/deploy", bytes.NewReader(body))
	handler.Deploy(recorder, request)
	return recorder
}

func TestDeployReturnsTerminalState(t *testing.T) {
	engine := &fakeEngine{
		deployState: &deployment.State{ID: "d-1", Status: deployment.StatusCompleted},
	}
	handler := &api_v1_deploy.Handler{Engine: engine}

	recorder := postDeploy(handler, deployRequestBody(t))
	assert.Equal(t, http.StatusOK, recorder.Code)

	response := &api_v1_deploy.DeploymentResponse{}
	assert.NoError(t, json.Unmarshal(recorder.Body.Bytes(), response))
	assert.Equal(t, "d-1", response.ID)
	assert.Equal(t, deployment.StatusCompleted, response.Status)
}

func TestDeployReportsFailedDeploymentAsUnprocessable(t *testing.T) {
	engine := &fakeEngine{
		deployState: &deployment.State{ID: "d-1", Status: deployment.StatusFailed, Message: "health checks failed"},
	}
	handler := &api_v1_deploy.Handler{Engine: engine}

	recorder := postDeploy(handler, deployRequestBody(t))
	assert.Equal(t, http.StatusUnprocessableEntity, recorder.Code)

	response := &api_v1_deploy.DeploymentResponse{}
	assert.NoError(t, json.Unmarshal(recorder.Body.Bytes(), response))
	assert.Equal(t, deployment.StatusFailed, response.Status)
	assert.Equal(t, "health checks failed", response.Message)
}

func TestDeployErrorMapping(t *testing.T) {
	for kind, expected := range map[faults.Kind]int{
		faults.KindValidation: http.StatusBadRequest,
		faults.KindConflict:   http.StatusConflict,
		faults.KindTransient:  http.StatusInternalServerError,
	} {
		engine := &fakeEngine{deployErr: faults.New(kind, "rejected")}
		handler := &api_v1_deploy.Handler{Engine: engine}

		recorder := postDeploy(handler, deployRequestBody(t))
		assert.Equal(t, expected, recorder.Code, "fault kind %s", kind)
	}
}

func TestDeployRejectsMalformedBody(t *testing.T) {
	handler := &api_v1_deploy.Handler{Engine: &fakeEngine{}}

	recorder := postDeploy(handler, []byte(`{not json`))
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestRollbackByID(t *testing.T) {
	engine := &fakeEngine{}
	handler := &api_v1_deploy.Handler{Engine: engine}

	router := chi.NewRouter()
	router.Post("/api/v1/rollback/{id}", handler.Rollback)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/api/v1/rollback/d-1", nil)
	router.ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "d-1", engine.lastRollback)

	response := &api_v1_deploy.DeploymentResponse{}
	assert.NoError(t, json.Unmarshal(recorder.Body.Bytes(), response))
	assert.Equal(t, deployment.StatusRolledBack, response.Status)
}

func TestRollbackOfUnknownDeployment(t *testing.T) {
	engine := &fakeEngine{rollbackErr: faults.New(faults.KindValidation, "unknown deployment id")}
	handler := &api_v1_deploy.Handler{Engine: engine}

	router := chi.NewRouter()
	router.Post("/api/v1/rollback/{id}", handler.Rollback)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/api/v1/rollback/nope", nil)
	router.ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}
