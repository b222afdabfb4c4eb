// Package artifacts reads and writes deployment artifacts in an
// S3-compatible object store.
package artifacts

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dsyorkd/fleet-controller/internal/errors"
	"github.com/dsyorkd/fleet-controller/internal/logger"
)

// Config holds object store connection settings
type Config struct {
	Enabled       bool   `yaml:"enabled"`
	Endpoint      string `yaml:"endpoint"`
	AccessKey     string `yaml:"access_key"`
	SecretKey     string `yaml:"secret_key"`
	Region        string `yaml:"region"`
	UseSSL        bool   `yaml:"use_ssl"`
	DefaultBucket string `yaml:"default_bucket"`
}

// Client wraps a minio client
type Client struct {
	mc     *minio.Client
	config Config
	logger logger.Interface
}

// NewClient creates an object store client. No request is made until first use.
func NewClient(cfg Config, log logger.Interface) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.NewValidationError("endpoint", cfg.Endpoint, "artifact store endpoint is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	return &Client{
		mc:     mc,
		config: cfg,
		logger: log.WithField("component", "artifacts"),
	}, nil
}

func (c *Client) bucket(name string) string {
	if name == "" {
		return c.config.DefaultBucket
	}
	return name
}

// Open streams an object. The object is stat'ed first so a missing key
// fails here rather than on the first read.
func (c *Client) Open(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	bucket = c.bucket(bucket)
	obj, err := c.mc.GetObject(ctx, bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "get object %s/%s", bucket, object)
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).StatusCode == 404 {
			return nil, errors.Wrapf(errors.ErrNotFound, "object %s/%s", bucket, object)
		}
		return nil, errors.Wrapf(err, "stat object %s/%s", bucket, object)
	}
	return obj, nil
}

// Put uploads an artifact, creating the bucket if needed
func (c *Client) Put(ctx context.Context, bucket, object string, r io.Reader, size int64) error {
	bucket = c.bucket(bucket)
	if err := c.ensureBucket(ctx, bucket); err != nil {
		return err
	}

	info, err := c.mc.PutObject(ctx, bucket, object, r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return errors.Wrapf(err, "put object %s/%s", bucket, object)
	}

	c.logger.WithFields(map[string]interface{}{
		"bucket": bucket,
		"object": object,
		"size":   info.Size,
	}).Info("Artifact uploaded")
	return nil
}

func (c *Client) ensureBucket(ctx context.Context, name string) error {
	exists, err := c.mc.BucketExists(ctx, name)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", name, err)
	}
	if exists {
		return nil
	}
	if err := c.mc.MakeBucket(ctx, name, minio.MakeBucketOptions{Region: c.config.Region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", name, err)
	}
	c.logger.WithField("bucket", name).Info("Created artifact bucket")
	return nil
}

// Healthy checks that the store answers
func (c *Client) Healthy(ctx context.Context) error {
	_, err := c.mc.ListBuckets(ctx)
	return err
}

// Endpoint returns the configured endpoint
func (c *Client) Endpoint() string {
	return c.config.Endpoint
}
