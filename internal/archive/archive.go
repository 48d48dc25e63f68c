// Package archive uploads completed documents to S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const contentTypeMarkdown = "text/markdown; charset=utf-8"

var ErrNotConfigured = errors.New("archive is not configured")

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// Object identifies an uploaded archive entry.
type Object struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	ETag   string `json:"etag"`
	Size   int64  `json:"size"`
}

// Entry is one completed document to archive.
type Entry struct {
	OwnerID     string
	DocumentID  string
	Markdown    []byte
	CompletedAt time.Time
}

type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucket, object string, opts minio.RemoveObjectOptions) error
}

type Archive struct {
	client objectStore
	bucket string
	region string
}

func New(cfg Config) (*Archive, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, ErrNotConfigured
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Archive{client: client, bucket: cfg.Bucket, region: region}, nil
}

// EnsureBucket creates the archive bucket when it does not exist yet.
func (a *Archive) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{Region: a.region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", a.bucket, err)
	}
	return nil
}

// Put uploads the markdown of a completed document. Re-archiving the same
// document overwrites its object.
func (a *Archive) Put(ctx context.Context, entry Entry) (Object, error) {
	if len(entry.Markdown) == 0 {
		return Object{}, errors.New("archive entry has no content")
	}
	key := ObjectKey(entry.OwnerID, entry.DocumentID)
	completedAt := entry.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now()
	}
	info, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(entry.Markdown), int64(len(entry.Markdown)), minio.PutObjectOptions{
		ContentType: contentTypeMarkdown,
		UserMetadata: map[string]string{
			"document-id":  entry.DocumentID,
			"completed-at": completedAt.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return Object{}, fmt.Errorf("put %s: %w", key, err)
	}
	return Object{Bucket: a.bucket, Key: key, ETag: info.ETag, Size: info.Size}, nil
}

// Remove deletes the archived object of a document, if any.
func (a *Archive) Remove(ctx context.Context, ownerID, documentID string) error {
	key := ObjectKey(ownerID, documentID)
	if err := a.client.RemoveObject(ctx, a.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// ObjectKey is the archive path of a document.
func ObjectKey(ownerID, documentID string) string {
	return path.Join("documents", path.Base(ownerID), path.Base(documentID), "document.md")
}
