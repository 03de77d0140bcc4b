// Package batch amortizes many small resource mutations: operations are
// grouped by (resource kind, operation kind, namespace), held briefly to
// let a batch fill up, then fanned out under a bounded concurrency limit.
// Operation results are independent; one failure never aborts siblings.
package batch

import (
	"context"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/plantmetric/rollout/pkg/faults"
	"github.com/plantmetric/rollout/pkg/metrics"
)

type OperationKind string

const (
	OperationCreate OperationKind = "create"
	OperationUpdate OperationKind = "update"
	OperationPatch  OperationKind = "patch"
	OperationDelete OperationKind = "delete"
)

// Operation is one CRUD-style request against one resource instance.
type Operation struct {
	Kind      OperationKind
	Resource  schema.GroupVersionResource
	Namespace string

	// Name addresses the target for patch and delete; create and update
	// take it from the payload.
	Name     string
	Payload  *unstructured.Unstructured
	Patch    []byte
	Priority int
}

// Key groups operations that may execute in the same batch.
type Key struct {
	Resource  string
	Kind      OperationKind
	Namespace string
}

func (op Operation) key() Key {
	return Key{
		Resource:  op.Resource.Resource,
		Kind:      op.Kind,
		Namespace: op.Namespace,
	}
}

type Result struct {
	Operation Operation
	Err       error
	Duration  time.Duration
	Attempts  int
}

func (r Result) Successful() bool {
	return r.Err == nil
}

// Report aggregates the outcome of one executed batch.
type Report struct {
	Key        Key
	Successful int
	Failed     int
	Duration   time.Duration
	Results    []Result
}

// ResourceClient is the slice of the cluster adapter the dispatcher needs.
type ResourceClient interface {
	CreateResource(ctx context.Context, resource schema.GroupVersionResource, namespace string, obj *unstructured.Unstructured) (*unstructured.Unstructured, error)
	UpdateResource(ctx context.Context, resource schema.GroupVersionResource, namespace string, obj *unstructured.Unstructured) (*unstructured.Unstructured, error)
	PatchResource(ctx context.Context, resource schema.GroupVersionResource, namespace, name string, patch []byte) (*unstructured.Unstructured, error)
	DeleteResource(ctx context.Context, resource schema.GroupVersionResource, namespace, name string) error
}

type Config struct {
	BatchWindow   time.Duration
	MaxBatchSize  int
	Concurrency   int
	RetryAttempts int
	RetryDelay    time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchWindow:   5 * time.Second,
		MaxBatchSize:  100,
		Concurrency:   10,
		RetryAttempts: 3,
		RetryDelay:    time.Second,
	}
}

type pending struct {
	operations []Operation
	timer      *time.Timer
}

type Dispatcher struct {
	client ResourceClient
	cfg    Config
	logger *log.Entry

	mu      sync.Mutex
	queues  map[Key]*pending
	reports []Report
	wg      sync.WaitGroup
}

func NewDispatcher(client ResourceClient, cfg Config) *Dispatcher {
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = DefaultConfig().BatchWindow
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultConfig().MaxBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = DefaultConfig().RetryAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultConfig().RetryDelay
	}

	return &Dispatcher{
		client: client,
		cfg:    cfg,
		logger: log.WithField("component", "batch"),
		queues: make(map[Key]*pending),
	}
}

// AddOperation enqueues one operation. The first operation seen for a batch
// key starts its batch timer; reaching the maximum batch size flushes early.
func (d *Dispatcher) AddOperation(ctx context.Context, op Operation) {
	key := op.key()

	d.mu.Lock()
	queue, ok := d.queues[key]
	if !ok {
		queue = &pending{}
		queue.timer = time.AfterFunc(d.cfg.BatchWindow, func() {
			d.flushKey(ctx, key)
		})
		d.queues[key] = queue
	}
	queue.operations = append(queue.operations, op)
	full := len(queue.operations) >= d.cfg.MaxBatchSize
	d.mu.Unlock()

	if full {
		d.flushKey(ctx, key)
	}
}

// Flush cancels all batch timers, executes every pending batch immediately
// and returns all reports accumulated since the last call. Used at shutdown
// and at the end of a deployment step.
func (d *Dispatcher) Flush(ctx context.Context) []Report {
	d.mu.Lock()
	keys := make([]Key, 0, len(d.queues))
	for key := range d.queues {
		keys = append(keys, key)
	}
	d.mu.Unlock()

	for _, key := range keys {
		d.flushKey(ctx, key)
	}
	d.wg.Wait()

	d.mu.Lock()
	reports := d.reports
	d.reports = nil
	d.mu.Unlock()
	return reports
}

func (d *Dispatcher) flushKey(ctx context.Context, key Key) {
	d.mu.Lock()
	queue, ok := d.queues[key]
	if !ok {
		d.mu.Unlock()
		return
	}
	queue.timer.Stop()
	delete(d.queues, key)
	operations := queue.operations
	d.wg.Add(1)
	d.mu.Unlock()

	defer d.wg.Done()
	report := d.execute(ctx, key, operations)

	d.mu.Lock()
	d.reports = append(d.reports, report)
	d.mu.Unlock()
}

func (d *Dispatcher) execute(ctx context.Context, key Key, operations []Operation) Report {
	started := time.Now()

	// Higher priority operations run first within the batch.
	sort.SliceStable(operations, func(i, j int) bool {
		return operations[i].Priority > operations[j].Priority
	})

	results := make([]Result, len(operations))

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(d.cfg.Concurrency)
	for i := range operations {
		group.Go(func() error {
			results[i] = d.executeOne(ctx, operations[i])
			// Batch siblings are independent; errors are carried in the
			// result, never returned to the group.
			return nil
		})
	}
	_ = group.Wait()

	report := Report{
		Key:      key,
		Duration: time.Since(started),
		Results:  results,
	}
	for _, result := range results {
		metrics.BatchOperation(result.Err)
		if result.Successful() {
			report.Successful++
		} else {
			report.Failed++
		}
	}

	d.logger.WithFields(log.Fields{
		"resource":   key.Resource,
		"operation":  key.Kind,
		"namespace":  key.Namespace,
		"successful": report.Successful,
		"failed":     report.Failed,
	}).Debugf("Batch executed in %s", report.Duration)

	return report
}

func (d *Dispatcher) executeOne(ctx context.Context, op Operation) Result {
	started := time.Now()
	result := Result{Operation: op}

	for attempt := 1; attempt <= d.cfg.RetryAttempts; attempt++ {
		result.Attempts = attempt
		result.Err = d.call(ctx, op)
		if result.Err == nil || !faults.Retryable(result.Err) {
			break
		}
		if attempt == d.cfg.RetryAttempts {
			break
		}

		// Linear backoff between attempts.
		select {
		case <-ctx.Done():
			result.Err = ctx.Err()
			result.Duration = time.Since(started)
			return result
		case <-time.After(d.cfg.RetryDelay * time.Duration(attempt)):
		}
	}

	result.Duration = time.Since(started)
	return result
}

func (d *Dispatcher) call(ctx context.Context, op Operation) error {
	switch op.Kind {
	case OperationCreate:
		_, err := d.client.CreateResource(ctx, op.Resource, op.Namespace, op.Payload)
		return err
	case OperationUpdate:
		_, err := d.client.UpdateResource(ctx, op.Resource, op.Namespace, op.Payload)
		return err
	case OperationPatch:
		_, err := d.client.PatchResource(ctx, op.Resource, op.Namespace, op.Name, op.Patch)
		return err
	case OperationDelete:
		return d.client.DeleteResource(ctx, op.Resource, op.Namespace, op.Name)
	}
	return faults.New(faults.KindValidation, "unknown batch operation kind '%s'", op.Kind)
}
