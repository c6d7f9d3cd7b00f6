// Package couchbase provides a generic abstraction layer over the Couchbase Go SDK.
// It wraps a single collection with type-safe operations and context support.
package couchbase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/couchbase/gocb/v2"
)

// Config holds the connection settings of a Couchbase cluster.
type Config struct {
	ConnectionString string `env:"CONNECTION_STRING" envDefault:"couchbase://localhost"`
	Username         string `env:"USERNAME" envDefault:"Administrator"`
	Password         string `env:"PASSWORD" envDefault:"password"`
	Bucket           string `env:"BUCKET_NAME" envDefault:"safeconsume"`
	Scope            string `env:"SCOPE_NAME" envDefault:"_default"`
	Collection       string `env:"COLLECTION_NAME" envDefault:"dedup"`
}

// Connect opens the cluster and waits for the bucket to become ready.
func Connect(config Config) (*gocb.Cluster, *gocb.Bucket, error) {
	cluster, err := gocb.Connect(config.ConnectionString, gocb.ClusterOptions{
		Authenticator: gocb.PasswordAuthenticator{
			Username: config.Username,
			Password: config.Password,
		},
		TimeoutsConfig: gocb.TimeoutsConfig{
			ConnectTimeout: 10 * time.Second,
			KVTimeout:      5 * time.Second,
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to cluster: %w", err)
	}

	bucket := cluster.Bucket(config.Bucket)

	if err := waitReady(cluster, func() error { return bucket.WaitUntilReady(5*time.Second, nil) }); err != nil {
		return nil, nil, err
	}

	return cluster, bucket, nil
}

type clusterCloser interface {
	Close(opts *gocb.ClusterCloseOptions) error
}

// waitReady closes the cluster when the bucket never becomes ready.
func waitReady(cluster clusterCloser, ready func() error) error {
	err := ready()
	if err == nil {
		return nil
	}

	if cerr := cluster.Close(nil); cerr != nil {
		return fmt.Errorf("bucket not ready: %w", errors.Join(err, cerr))
	}

	return fmt.Errorf("bucket not ready: %w", err)
}

// Couchbase is a generic wrapper around Couchbase SDK operations.
// It provides type-safe operations for any document type T.
type Couchbase[T any] struct {
	cluster    *gocb.Cluster
	bucket     *gocb.Bucket
	collection *gocb.Collection
}

// NewCouchbase creates a new generic Couchbase wrapper instance.
// All parameters are required and the function will return an error if any are nil.
func NewCouchbase[T any](cluster *gocb.Cluster, bucket *gocb.Bucket, collection *gocb.Collection) (*Couchbase[T], error) {
	if cluster == nil || bucket == nil || collection == nil {
		return nil, errors.New("invalid Couchbase parameters: cluster, bucket, and collection must not be nil")
	}

	return &Couchbase[T]{
		cluster:    cluster,
		bucket:     bucket,
		collection: collection,
	}, nil
}

// Insert creates a new document in Couchbase with the given key and value
// and returns its CAS. Returns an error wrapping gocb.ErrDocumentExists if
// the key is taken.
func (c *Couchbase[T]) Insert(ctx context.Context, key string, value T, insertOptions *gocb.InsertOptions) (gocb.Cas, error) {
	if insertOptions == nil {
		insertOptions = new(gocb.InsertOptions)
	}
	insertOptions.Context = ctx

	res, err := c.collection.Insert(key, value, insertOptions)
	if err != nil {
		return 0, fmt.Errorf("failed to insert document with key %s: %w", key, err)
	}

	return res.Cas(), nil
}

// Remove deletes the document under key if its CAS still equals cas.
// Returns an error wrapping gocb.ErrCasMismatch when it changed.
func (c *Couchbase[T]) Remove(ctx context.Context, key string, cas gocb.Cas) error {
	_, err := c.collection.Remove(key, &gocb.RemoveOptions{Cas: cas, Context: ctx})
	if err != nil {
		return fmt.Errorf("failed to remove document with key %s: %w", key, err)
	}

	return nil
}

// Exists reports whether a live document is stored under key.
func (c *Couchbase[T]) Exists(ctx context.Context, key string) (bool, error) {
	res, err := c.collection.Exists(key, &gocb.ExistsOptions{Context: ctx})
	if err != nil {
		return false, fmt.Errorf("failed to check document with key %s: %w", key, err)
	}

	return res.Exists(), nil
}

// Close closes the Couchbase cluster connection.
func (c *Couchbase[T]) Close() error {
	return c.cluster.Close(nil)
}
