package observe_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/plantmetric/rollout/pkg/faults"
	"github.com/plantmetric/rollout/pkg/observe"
)

// The test server stands in for the cluster-local service endpoint; the URL
// template ignores name, variant and namespace and always hits the server.
func newTester(serverURL string) *observe.HTTPTester {
	return observe.NewHTTPTester(serverURL+"/%s/%s/%s", "/healthz")
}

func TestSmokeProbePasses(t *testing.T) {
	var mu sync.Mutex
	paths := make([]string, 0)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tester := newTester(server.URL)
	assert.NoError(t, tester.Smoke(context.Background(), "checkout", "shop", "canary"))
	assert.NoError(t, tester.Integration(context.Background(), "checkout", "shop"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"/checkout/canary/shop/healthz",
		"/checkout/stable/shop/healthz",
	}, paths)
}

func TestSmokeProbeFailsOnErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	err := newTester(server.URL).Smoke(context.Background(), "checkout", "shop", "canary")
	assert.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindHealthCheck))
}

func TestSmokeProbeFailsOnUnreachableService(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	err := newTester(server.URL).Smoke(context.Background(), "checkout", "shop", "canary")
	assert.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindHealthCheck))
}
