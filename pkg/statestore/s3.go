package statestore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	log "github.com/sirupsen/logrus"

	"github.com/plantmetric/rollout/pkg/metrics"
)

type S3Config struct {
	Endpoint       string `json:"endpoint"`
	AccessKey      string `json:"access-key"`
	SecretKey      string `json:"secret-key"`
	UseTLS         bool   `json:"secure"`
	BucketName     string `json:"bucket-name"`
	BucketLocation string `json:"bucket-location"`
}

// envelope wraps stored values so that expiry travels with the object.
type envelope struct {
	Value   []byte     `json:"value"`
	Expires *time.Time `json:"expires,omitempty"`
}

func (e envelope) expired() bool {
	return e.Expires != nil && time.Now().After(*e.Expires)
}

// S3 is a Store backed by an S3 compatible object store. SetIfAbsent is a
// read-then-write here, not an atomic compare-and-swap; object stores that
// race two writers may let both through. Use the Postgres backend when the
// lock must hold against concurrent coordinators on separate hosts.
type S3 struct {
	config S3Config
	client *minio.Client
}

var _ Store = &S3{}

func NewS3(cfg S3Config) (*S3, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("while setting up S3 client: %s", err)
	}
	return &S3{
		client: client,
		config: cfg,
	}, nil
}

func (s *S3) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.config.BucketName)
	if err != nil {
		return fmt.Errorf("unable to query S3 bucket status: %s", err)
	}
	if exists {
		return nil
	}
	err = s.client.MakeBucket(ctx, s.config.BucketName, minio.MakeBucketOptions{Region: s.config.BucketLocation})
	if err == nil {
		log.Tracef("S3: created bucket '%s' at location '%s'", s.config.BucketName, s.config.BucketLocation)
	}
	return err
}

func (s *S3) read(ctx context.Context, key string) (*envelope, error) {
	obj, err := s.client.GetObject(ctx, s.config.BucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("while locating s3 object: %s", err)
	}
	defer obj.Close()

	payload, err := io.ReadAll(obj)
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("while reading from s3 bucket: %s", err)
	}

	env := &envelope{}
	err = json.Unmarshal(payload, env)
	if err != nil {
		return nil, fmt.Errorf("while unmarshalling s3 data: %s", err)
	}
	return env, nil
}

func (s *S3) write(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	payload, err := json.Marshal(envelope{Value: value, Expires: expiry(ttl)})
	if err != nil {
		return fmt.Errorf("while marshalling s3 data: %s", err)
	}
	r := bytes.NewReader(payload)
	_, err = s.client.PutObject(ctx, s.config.BucketName, key, r, r.Size(), minio.PutObjectOptions{ContentType: "application/json"})
	if err == nil {
		log.Tracef("S3: wrote %d bytes to %s/%s", len(payload), s.config.BucketName, key)
	}
	return err
}

func (s *S3) Get(ctx context.Context, key string) ([]byte, error) {
	now := time.Now()
	err := s.ensureBucket(ctx)
	if err != nil {
		metrics.StateStoreOperation("s3", now, err)
		return nil, err
	}

	env, err := s.read(ctx, key)
	metrics.StateStoreOperation("s3", now, err)
	if err != nil {
		return nil, err
	}
	if env.expired() {
		return nil, ErrNotFound
	}
	return env.Value, nil
}

func (s *S3) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := time.Now()
	err := s.ensureBucket(ctx)
	if err == nil {
		err = s.write(ctx, key, value, ttl)
	}
	metrics.StateStoreOperation("s3", now, err)
	return err
}

func (s *S3) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := time.Now()
	err := s.ensureBucket(ctx)
	if err != nil {
		metrics.StateStoreOperation("s3", now, err)
		return err
	}

	env, err := s.read(ctx, key)
	if err == nil && !env.expired() {
		metrics.StateStoreOperation("s3", now, nil)
		return ErrConflict
	}
	if err != nil && err != ErrNotFound {
		metrics.StateStoreOperation("s3", now, err)
		return err
	}

	err = s.write(ctx, key, value, ttl)
	metrics.StateStoreOperation("s3", now, err)
	return err
}

func (s *S3) Delete(ctx context.Context, key string) error {
	now := time.Now()
	err := s.client.RemoveObject(ctx, s.config.BucketName, key, minio.RemoveObjectOptions{})
	metrics.StateStoreOperation("s3", now, err)
	return err
}
