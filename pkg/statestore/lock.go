package statestore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/plantmetric/rollout/pkg/faults"
)

const lockKeyPrefix = "lock:"

// lockRecord identifies the holder of a deployment lock.
type lockRecord struct {
	Token        string    `json:"token"`
	DeploymentID string    `json:"deploymentId"`
	AcquiredAt   time.Time `json:"acquiredAt"`
}

// Locker provides per-service mutual exclusion on top of a Store. The TTL
// doubles as the holder's liveness window: once it lapses, a new deployment
// may take the lock over, trading strict exclusivity for availability.
type Locker struct {
	store Store
	ttl   time.Duration
}

func NewLocker(store Store, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Locker{
		store: store,
		ttl:   ttl,
	}
}

// Acquire takes the deployment lock for a service and returns an opaque
// token required for release. A held, unexpired lock yields a conflict.
func (l *Locker) Acquire(ctx context.Context, service, deploymentID string) (string, error) {
	record := lockRecord{
		Token:        uuid.NewString(),
		DeploymentID: deploymentID,
		AcquiredAt:   time.Now(),
	}
	value, err := json.Marshal(record)
	if err != nil {
		return "", err
	}

	err = l.store.SetIfAbsent(ctx, lockKeyPrefix+service, value, l.ttl)
	if err == ErrConflict {
		return "", faults.New(faults.KindConflict, "deployment already in progress for service '%s'", service)
	}
	if err != nil {
		return "", faults.Wrap(faults.KindTransient, err, "acquire deployment lock for '%s'", service)
	}

	return record.Token, nil
}

// Release frees the lock if the token still matches the current holder.
// Releasing a lock that was taken over by someone else is a no-op.
func (l *Locker) Release(ctx context.Context, service, token string) error {
	key := lockKeyPrefix + service

	value, err := l.store.Get(ctx, key)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return faults.Wrap(faults.KindTransient, err, "read deployment lock for '%s'", service)
	}

	record := lockRecord{}
	if err := json.Unmarshal(value, &record); err == nil && record.Token != token {
		log.Warnf("Deployment lock for '%s' is held by deployment %s; leaving it in place", service, record.DeploymentID)
		return nil
	}

	return l.store.Delete(ctx, key)
}
