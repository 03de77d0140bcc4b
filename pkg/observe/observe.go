// Package observe samples live service metrics and runs smoke tests against
// deployed variants. The metrics provider queries a Prometheus server; the
// tester probes the service's own health endpoints.
package observe

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"time"

	promapi "github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	log "github.com/sirupsen/logrus"

	"github.com/plantmetric/rollout/pkg/deployment"
	"github.com/plantmetric/rollout/pkg/faults"
)

const (
	errorRateQuery  = `sum(rate(http_requests_total{service="%s",namespace="%s",track="%s",code=~"5.."}[2m])) / sum(rate(http_requests_total{service="%s",namespace="%s",track="%s"}[2m])) * 100`
	latencyQuery    = `histogram_quantile(0.95, sum(rate(http_request_duration_seconds_bucket{service="%s",namespace="%s",track="%s"}[2m])) by (le)) * 1000`
	throughputQuery = `sum(rate(http_requests_total{service="%s",namespace="%s",track="%s"}[2m]))`
)

type PrometheusProvider struct {
	api    promv1.API
	logger *log.Entry
}

func NewPrometheusProvider(address string) (*PrometheusProvider, error) {
	client, err := promapi.NewClient(promapi.Config{
		Address: address,
	})
	if err != nil {
		return nil, fmt.Errorf("prometheus client: %w", err)
	}
	return &PrometheusProvider{
		api:    promv1.NewAPI(client),
		logger: log.WithField("component", "observe"),
	}, nil
}

// Sample queries error rate, p95 latency and request throughput for one
// variant of a service. A metric with no data yields zero, not an error;
// freshly deployed variants legitimately have no traffic yet.
func (p *PrometheusProvider) Sample(ctx context.Context, service, namespace, variant string) (deployment.Metrics, error) {
	m := deployment.Metrics{}

	var err error
	m.ErrorRate, err = p.scalar(ctx, fmt.Sprintf(errorRateQuery, service, namespace, variant, service, namespace, variant))
	if err != nil {
		return m, err
	}
	m.LatencyMillis, err = p.scalar(ctx, fmt.Sprintf(latencyQuery, service, namespace, variant))
	if err != nil {
		return m, err
	}
	m.Throughput, err = p.scalar(ctx, fmt.Sprintf(throughputQuery, service, namespace, variant))
	return m, err
}

func (p *PrometheusProvider) scalar(ctx context.Context, query string) (float64, error) {
	value, warnings, err := p.api.Query(ctx, query, time.Now())
	if err != nil {
		return 0, faults.Wrap(faults.KindTransient, err, "query prometheus")
	}
	for _, warning := range warnings {
		p.logger.Warnf("Prometheus query warning: %s", warning)
	}

	vector, ok := value.(model.Vector)
	if !ok || len(vector) == 0 {
		return 0, nil
	}
	sample := float64(vector[0].Value)
	if math.IsNaN(sample) {
		// NaN from an empty rate denominator counts as no data.
		return 0, nil
	}
	return sample, nil
}

// HTTPTester runs smoke and integration tests by probing service endpoints
// through the cluster's ingress.
type HTTPTester struct {
	// URLTemplate expands to a variant's base URL, e.g.
	// "http://%s-%s.%s.svc.cluster.local" for name, variant, namespace.
	URLTemplate string
	SmokePath   string
	Client      *http.Client
	logger      *log.Entry
}

func NewHTTPTester(urlTemplate, smokePath string) *HTTPTester {
	return &HTTPTester{
		URLTemplate: urlTemplate,
		SmokePath:   smokePath,
		Client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: log.WithField("component", "observe"),
	}
}

func (t *HTTPTester) Smoke(ctx context.Context, service, namespace, variant string) error {
	url := fmt.Sprintf(t.URLTemplate, service, variant, namespace) + t.SmokePath
	return t.probe(ctx, url)
}

// Integration exercises the service through its public entrypoint, hitting
// whatever set of variants is currently serving traffic.
func (t *HTTPTester) Integration(ctx context.Context, service, namespace string) error {
	url := fmt.Sprintf(t.URLTemplate, service, "stable", namespace) + t.SmokePath
	return t.probe(ctx, url)
}

func (t *HTTPTester) probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return faults.Wrap(faults.KindHealthCheck, err, "build probe request")
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		return faults.Wrap(faults.KindHealthCheck, err, "probe %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return faults.New(faults.KindHealthCheck, "probe %s returned status %d", url, resp.StatusCode)
	}
	t.logger.Debugf("Probe of %s returned %d", url, resp.StatusCode)
	return nil
}
