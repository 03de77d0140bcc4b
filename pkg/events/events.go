// Package events carries progress notifications from the coordinator to
// interested consumers: metrics, audit, and the dashboard. Publication is
// fire-and-forget; a slow or failing subscriber never fails a deployment.
package events

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/plantmetric/rollout/pkg/deployment"
)

type EventType string

const (
	EventStepTransition     EventType = "step-transition"
	EventRegionTransition   EventType = "region-transition"
	EventDeploymentStarted  EventType = "deployment-started"
	EventDeploymentFinished EventType = "deployment-finished"
)

type Event struct {
	Type         EventType                `json:"type"`
	DeploymentID string                   `json:"deploymentId"`
	Service      string                   `json:"service"`
	Step         *deployment.Step         `json:"step,omitempty"`
	Region       *deployment.RegionState  `json:"region,omitempty"`
	Status       deployment.GlobalStatus  `json:"status,omitempty"`
	Regions      []deployment.RegionState `json:"regions,omitempty"`
	Timestamp    time.Time                `json:"timestamp"`
}

type Subscriber interface {
	Notify(event Event)
}

// SubscriberFunc adapts a plain function to the Subscriber interface.
type SubscriberFunc func(event Event)

func (f SubscriberFunc) Notify(event Event) {
	f(event)
}

// Broker fans events out to subscribers. Each delivery runs in its own
// goroutine and recovers from panics, so sinks are isolated from the engine
// and from each other.
type Broker struct {
	mu          sync.RWMutex
	subscribers []Subscriber
}

func NewBroker() *Broker {
	return &Broker{}
}

func (b *Broker) Subscribe(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, subscriber)
}

func (b *Broker) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	subscribers := make([]Subscriber, len(b.subscribers))
	copy(subscribers, b.subscribers)
	b.mu.RUnlock()

	for _, subscriber := range subscribers {
		go func(s Subscriber) {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("Event subscriber panicked on %s event: %v", event.Type, r)
				}
			}()
			s.Notify(event)
		}(subscriber)
	}
}
