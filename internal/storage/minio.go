package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/url"
	"path"
	"sort"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIO is a Store backed by an S3-compatible bucket.
type MinIO struct {
	client  *minio.Client
	presign *minio.Client // signs download URLs against the public endpoint
	bucket  string
	logger  *slog.Logger
}

// NewMinIO connects to the object store and, when configured, creates the bucket.
func NewMinIO(ctx context.Context, cfg Config) (*MinIO, error) {
	cfg = cfg.withDefaults()
	if cfg.Endpoint == "" {
		return nil, errors.New("minio endpoint is required")
	}

	newClient := func(endpoint string) (*minio.Client, error) {
		return minio.New(endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
			Secure: cfg.UseSSL,
			Region: cfg.Region,
		})
	}

	client, err := newClient(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	presign := client
	if cfg.PublicEndpoint != "" && cfg.PublicEndpoint != cfg.Endpoint {
		// Region is fixed so signing never needs a round-trip to the public host.
		if presign, err = newClient(cfg.PublicEndpoint); err != nil {
			return nil, fmt.Errorf("create minio presign client: %w", err)
		}
	}

	m := &MinIO{
		client:  client,
		presign: presign,
		bucket:  cfg.Bucket,
		logger:  slog.With("component", "storage", "bucket", cfg.Bucket),
	}

	if cfg.CreateBucket {
		if err := m.ensureBucket(ctx, cfg.Region); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *MinIO) ensureBucket(ctx context.Context, region string) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", m.bucket, err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		// Another replica may have created it between the two calls.
		if resp := minio.ToErrorResponse(err); resp.Code == "BucketAlreadyOwnedByYou" {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", m.bucket, err)
	}
	m.logger.Info("Created bucket")
	return nil
}

func (m *MinIO) Bucket() string { return m.bucket }

func (m *MinIO) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	if contentType == "" {
		contentType = contentTypeFor(key)
	}
	if _, err := m.client.PutObject(ctx, m.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType}); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (m *MinIO) Get(ctx context.Context, key string) (io.ReadCloser, Object, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, Object{}, m.wrap("get", key, err)
	}
	// GetObject is lazy; Stat forces the request so missing keys fail here.
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, Object{}, m.wrap("get", key, err)
	}
	return obj, toObject(info), nil
}

func (m *MinIO) List(ctx context.Context, prefix string) ([]Object, error) {
	var out []Object
	for info := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, info.Err)
		}
		out = append(out, toObject(info))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MinIO) Delete(ctx context.Context, key string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return m.wrap("delete", key, err)
	}
	return nil
}

func (m *MinIO) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	objects := m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})

	listed := 0
	var listErr error
	listDone := make(chan struct{})
	toRemove := make(chan minio.ObjectInfo)
	go func() {
		defer close(listDone)
		defer close(toRemove)
		for info := range objects {
			if info.Err != nil {
				listErr = info.Err
				continue
			}
			select {
			case toRemove <- info:
				listed++
			case <-ctx.Done():
				return
			}
		}
	}()

	failed := 0
	var firstErr error
	for rerr := range m.client.RemoveObjects(ctx, m.bucket, toRemove, minio.RemoveObjectsOptions{}) {
		failed++
		if firstErr == nil {
			firstErr = fmt.Errorf("delete %s: %w", rerr.ObjectName, rerr.Err)
		}
	}
	<-listDone

	if listErr != nil {
		return listed - failed, fmt.Errorf("list %s: %w", prefix, listErr)
	}
	if firstErr == nil {
		firstErr = ctx.Err()
	}
	return listed - failed, firstErr
}

func (m *MinIO) Presign(ctx context.Context, key string, expiry time.Duration) (*url.URL, error) {
	// Check existence first; presigning itself never fails for missing keys.
	if _, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{}); err != nil {
		return nil, m.wrap("presign", key, err)
	}
	params := url.Values{}
	params.Set("response-content-disposition", mime.FormatMediaType("attachment", map[string]string{"filename": path.Base(key)}))
	u, err := m.presign.PresignedGetObject(ctx, m.bucket, key, expiry, params)
	if err != nil {
		return nil, fmt.Errorf("presign %s: %w", key, err)
	}
	return u, nil
}

func (m *MinIO) Ready(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("bucket %s unreachable: %w", m.bucket, err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", m.bucket)
	}
	return nil
}

func (m *MinIO) wrap(op, key string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchObject":
		return fmt.Errorf("%s %s: %w", op, key, ErrObjectNotFound)
	}
	return fmt.Errorf("%s %s: %w", op, key, err)
}

func toObject(info minio.ObjectInfo) Object {
	return Object{
		Key:          info.Key,
		Size:         info.Size,
		LastModified: info.LastModified,
		ContentType:  info.ContentType,
	}
}

func contentTypeFor(key string) string {
	switch path.Ext(key) {
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".pdf":
		return "application/pdf"
	case ".zip":
		return "application/zip"
	default:
		return "application/octet-stream"
	}
}
