package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"petwatch/internal/pipeline"
)

// Config holds object storage settings
type Config struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Endpoint  string `yaml:"endpoint" json:"endpoint" env:"S3_ENDPOINT"`
	AccessKey string `yaml:"access_key" json:"-" env:"S3_ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" json:"-" env:"S3_SECRET_KEY"`
	Bucket    string `yaml:"bucket" json:"bucket" env:"S3_BUCKET"`
	Region    string `yaml:"region" json:"region"`
	UseSSL    bool   `yaml:"use_ssl" json:"use_ssl"`
	Prefix    string `yaml:"prefix" json:"prefix"` // Snapshot archive prefix
}

// Client wraps a MinIO client bound to one bucket
type Client struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewClient creates a client for config.Bucket
func NewClient(config Config) (*Client, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	prefix := config.Prefix
	if prefix == "" {
		prefix = "petwatch"
	}
	return &Client{client: client, bucket: config.Bucket, prefix: strings.Trim(prefix, "/")}, nil
}

// Bucket returns the bound bucket name
func (c *Client) Bucket() string {
	return c.bucket
}

// EnsureBucket creates the bucket if it does not exist
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.client.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := c.client.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

// ListObjects returns every object key under prefix, skipping folders
func (c *Client) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	objectCh := c.client.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	var keys []string
	for object := range objectCh {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", object.Err)
		}
		if strings.HasSuffix(object.Key, "/") {
			continue
		}
		keys = append(keys, object.Key)
	}
	return keys, nil
}

// GetObject downloads one object
func (c *Client) GetObject(ctx context.Context, key string) ([]byte, error) {
	obj, err := c.client.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer obj.Close()

	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, obj); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return buf.Bytes(), nil
}

// PutObject uploads data and returns the object URL
func (c *Client) PutObject(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := c.client.PutObject(ctx, c.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("upload error: %w", err)
	}

	endpoint := c.client.EndpointURL()
	return fmt.Sprintf("%s://%s/%s/%s", endpoint.Scheme, endpoint.Host, c.bucket, key), nil
}

// ArchiveSnapshot stores a session's final statistics as JSON
func (c *Client) ArchiveSnapshot(ctx context.Context, sessionID string, snapshot *pipeline.StatisticsSnapshot) (string, error) {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return c.PutObject(ctx, c.snapshotKey(sessionID), data, "application/json")
}

// ArchiveFrame stores an annotated frame next to the session snapshot
func (c *Client) ArchiveFrame(ctx context.Context, sessionID string, frame []byte) (string, error) {
	return c.PutObject(ctx, path.Join(c.prefix, "sessions", sessionID, "final.jpg"), frame, "image/jpeg")
}

func (c *Client) snapshotKey(sessionID string) string {
	return path.Join(c.prefix, "sessions", sessionID, "snapshot.json")
}
