// Package backup writes JSON snapshots of the catalog to S3-compatible storage
// before destructive maintenance.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"devcommandhub/api/internal/store"
)

// Config holds object storage settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Uploader is the slice of the minio client the snapshotter needs.
type Uploader interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type Snapshotter struct {
	client Uploader
	bucket string
	now    func() time.Time
}

// New connects to the object store and makes sure the bucket exists.
func New(ctx context.Context, cfg Config) (*Snapshotter, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	s := NewWithUploader(client, cfg.Bucket)
	if err := s.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func NewWithUploader(client Uploader, bucket string) *Snapshotter {
	return &Snapshotter{client: client, bucket: bucket, now: time.Now}
}

func (s *Snapshotter) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

type snapshotRecord struct {
	ID           string    `json:"id"`
	Category     string    `json:"category"`
	CommandText  string    `json:"command_text"`
	Description  string    `json:"description"`
	SearchTags   string    `json:"search_tags,omitempty"`
	Status       string    `json:"status,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	CopyCount    int       `json:"copy_count"`
	LikedByUsers []string  `json:"liked_by_users"`
	SubmittedBy  string    `json:"submitted_by,omitempty"`
}

type snapshot struct {
	TakenAt  time.Time        `json:"taken_at"`
	Count    int              `json:"count"`
	Commands []snapshotRecord `json:"commands"`
}

// Snapshot uploads every record as one JSON object and returns its key.
func (s *Snapshotter) Snapshot(ctx context.Context, commands []store.Command) (string, error) {
	takenAt := s.now().UTC()
	doc := snapshot{TakenAt: takenAt, Count: len(commands), Commands: make([]snapshotRecord, 0, len(commands))}
	for _, c := range commands {
		doc.Commands = append(doc.Commands, snapshotRecord{
			ID:           c.ID,
			Category:     string(c.Category),
			CommandText:  c.CommandText,
			Description:  c.Description,
			SearchTags:   c.SearchTags,
			Status:       string(c.Status),
			CreatedAt:    c.CreatedAt.UTC(),
			CopyCount:    c.CopyCount,
			LikedByUsers: c.LikedBy,
			SubmittedBy:  c.SubmittedBy,
		})
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}

	key := fmt.Sprintf("snapshots/commands-%s.json", takenAt.Format("20060102T150405Z"))
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("upload snapshot %s: %w", key, err)
	}
	return key, nil
}
