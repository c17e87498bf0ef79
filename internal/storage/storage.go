package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/vidstash/backend/internal/download"
	apperrors "github.com/vidstash/backend/internal/errors"
)

// Config holds the object storage connection settings.
type Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// ============================================================================
// Bucket client (minio-go) - health, bucket setup, removals
// ============================================================================

// Client provides access to S3-compatible object storage (MinIO).
type Client struct {
	client *minio.Client
	bucket string
}

// New creates a new minio-backed client.
func New(cfg *Config) (*Client, error) {
	// minio-go expects host:port
	endpoint := cfg.Endpoint
	endpoint = strings.TrimPrefix(endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  miniocreds.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &Client{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// EnsureBucket creates the bucket if it doesn't exist.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.client.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		err = c.client.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", c.bucket, err)
		}
	}

	return nil
}

// ObjectExists checks if an object exists in storage.
func (c *Client) ObjectExists(ctx context.Context, key string) (bool, error) {
	_, err := c.client.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence %s: %w", key, err)
	}
	return true, nil
}

// RemovePrefix deletes every object under prefix.
func (c *Client) RemovePrefix(ctx context.Context, prefix string) error {
	objects := c.client.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
	for result := range c.client.RemoveObjects(ctx, c.bucket, objects, minio.RemoveObjectsOptions{}) {
		if result.Err != nil {
			return fmt.Errorf("failed to delete object %s: %w", result.ObjectName, result.Err)
		}
	}
	return nil
}

// Bucket returns the bucket name.
func (c *Client) Bucket() string {
	return c.bucket
}

// Ping checks if the storage is accessible by verifying bucket exists.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.client.BucketExists(ctx, c.bucket)
	return err
}

// ============================================================================
// Archive (aws-sdk-go-v2) - mirrors completed downloads
// ============================================================================

// ArchivedMetadata is written next to every archived file.
type ArchivedMetadata struct {
	JobID       int64      `json:"job_id"`
	UserID      string     `json:"user_id"`
	URL         string     `json:"url"`
	Title       string     `json:"title,omitempty"`
	Thumbnail   string     `json:"thumbnail,omitempty"`
	Duration    string     `json:"duration,omitempty"`
	FileName    string     `json:"file_name"`
	FileSize    int64      `json:"file_size"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Archive uploads completed files to the bucket under jobs/<id>/.
type Archive struct {
	s3     *s3.Client
	bucket *Client
	retry  *apperrors.RetryConfig
}

// NewArchive creates the uploader and the bucket client it removes through.
func NewArchive(cfg *Config) (*Archive, error) {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  awscreds.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true, // required for MinIO
	}
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		if !strings.Contains(endpoint, "://") {
			scheme := "http://"
			if cfg.UseSSL {
				scheme = "https://"
			}
			endpoint = scheme + endpoint
		}
		opts.BaseEndpoint = aws.String(endpoint)
	}

	bucket, err := New(cfg)
	if err != nil {
		return nil, err
	}

	return &Archive{
		s3:     s3.New(opts),
		bucket: bucket,
		retry:  apperrors.StorageRetryConfig(),
	}, nil
}

// Client returns the bucket client, for health checks and setup.
func (a *Archive) Client() *Client {
	return a.bucket
}

func jobPrefix(jobID int64) string {
	return fmt.Sprintf("jobs/%d/", jobID)
}

// ObjectKey returns the key a job's file is archived under.
func ObjectKey(jobID int64, fileName string) string {
	return jobPrefix(jobID) + fileName
}

// MetadataKey returns the key of a job's metadata document.
func MetadataKey(jobID int64) string {
	return jobPrefix(jobID) + "metadata.json"
}

// yt-dlp container formats, which the system mime table may not know.
var mediaTypes = map[string]string{
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".m4a":  "audio/mp4",
	".mp3":  "audio/mpeg",
	".opus": "audio/ogg",
}

func contentType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if t, ok := mediaTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

// BuildMetadata describes a completed job for its archive entry.
func BuildMetadata(job *download.Job, path string, size int64) ArchivedMetadata {
	m := ArchivedMetadata{
		JobID:       job.ID,
		UserID:      job.UserID,
		URL:         job.URL,
		FileName:    filepath.Base(path),
		FileSize:    size,
		CompletedAt: job.CompletedAt,
	}
	if job.Title != nil {
		m.Title = *job.Title
	}
	if job.ThumbnailURL != nil {
		m.Thumbnail = *job.ThumbnailURL
	}
	if job.Duration != nil {
		m.Duration = *job.Duration
	}
	return m
}

// Upload archives the file at path and its metadata document.
func (a *Archive) Upload(ctx context.Context, job *download.Job, path string) error {
	name := filepath.Base(path)

	// a metadata document means an earlier run already archived this job
	if done, err := a.bucket.ObjectExists(ctx, MetadataKey(job.ID)); err == nil && done {
		return nil
	}

	err := apperrors.Retry(ctx, a.retry, func(ctx context.Context) error {
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open file: %w", err)
		}
		defer file.Close()

		info, err := file.Stat()
		if err != nil {
			return fmt.Errorf("failed to stat file: %w", err)
		}

		_, err = a.s3.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(a.bucket.Bucket()),
			Key:           aws.String(ObjectKey(job.ID, name)),
			Body:          file,
			ContentLength: aws.Int64(info.Size()),
			ContentType:   aws.String(contentType(name)),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", name, err)
	}

	var size int64
	if job.FileSize != nil {
		size = *job.FileSize
	}
	metadataJSON, err := json.Marshal(BuildMetadata(job, path, size))
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	err = apperrors.Retry(ctx, a.retry, func(ctx context.Context) error {
		_, err := a.s3.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.bucket.Bucket()),
			Key:         aws.String(MetadataKey(job.ID)),
			Body:        bytes.NewReader(metadataJSON),
			ContentType: aws.String("application/json"),
		})
		return err
	})
	if err != nil {
		// Try to clean up the file if metadata upload fails
		_ = a.Remove(ctx, job.ID)
		return fmt.Errorf("failed to upload metadata: %w", err)
	}

	return nil
}

// Remove deletes everything archived for a job.
func (a *Archive) Remove(ctx context.Context, jobID int64) error {
	return a.bucket.RemovePrefix(ctx, jobPrefix(jobID))
}
