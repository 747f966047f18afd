package fs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config holds the configuration for an S3-compatible storage backend.
// It works with AWS S3, MinIO, SeaweedFS, and any other service exposing
// the S3 API.
type S3Config struct {
	// Endpoint is the S3 service host (and optional port), e.g.
	// "s3.amazonaws.com" or "minio:9000".
	Endpoint string

	// AccessKeyID and SecretAccessKey are the S3 credentials.
	AccessKeyID     string
	SecretAccessKey string

	// Bucket stores all objects. Created on startup if absent.
	Bucket string

	// UseSSL enables TLS for the connection.
	UseSSL bool

	// Region is optional; empty uses the bucket's default region.
	Region string
}

// S3Storage implements Backend on an S3-compatible object store.
//
// Object layout inside the configured bucket:
//
//	files/{database}_{key}.json.enc
//	files/{database}_{key}.meta.json
//	templates/{schema_id}.json
//
// S3's strong read-after-write consistency makes each PutObject atomic on
// its own, but the blob/metadata pair still spans two objects; writers must
// serialise through a Locker just as with the filesystem backend. Lock
// files cannot live in the bucket, so S3Storage pairs with MemoryLocks.
type S3Storage struct {
	client *minio.Client
	bucket string

	// Templates are mirrored to a local temp directory so the file-based
	// schema registry can load them at startup.
	localTemplatesDir     string
	localTemplatesDirOnce sync.Once
	localTemplatesDirErr  error
}

// NewS3Storage connects to the endpoint, ensures the bucket exists, and
// returns a ready S3Storage.
func NewS3Storage(cfg S3Config) (*S3Storage, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("S3 endpoint cannot be empty")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket cannot be empty")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check S3 bucket existence: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("failed to create S3 bucket %q: %w", cfg.Bucket, err)
		}
	}

	return &S3Storage{client: client, bucket: cfg.Bucket}, nil
}

func (s *S3Storage) blobKey(database, key string) string {
	return "files/" + entityID(database, key) + ".json.enc"
}

func (s *S3Storage) metaKey(database, key string) string {
	return "files/" + entityID(database, key) + ".meta.json"
}

func (s *S3Storage) templateKey(schemaID string) string {
	return "templates/" + schemaID + ".json"
}

func isNoSuchKey(err error) bool {
	var minioErr minio.ErrorResponse
	return errors.As(err, &minioErr) && minioErr.Code == "NoSuchKey"
}

// Write uploads the encrypted blob and its metadata.
func (s *S3Storage) Write(database, key string, blob []byte, metadata EntityMetadata) error {
	if err := ValidateName(database); err != nil {
		return err
	}
	if err := ValidateName(key); err != nil {
		return err
	}

	metaJSON, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal metadata: %v", ErrWriteFailed, err)
	}

	ctx := context.Background()
	_, err = s.client.PutObject(ctx, s.bucket, s.blobKey(database, key),
		bytes.NewReader(blob), int64(len(blob)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("%w: put blob: %v", ErrWriteFailed, err)
	}

	_, err = s.client.PutObject(ctx, s.bucket, s.metaKey(database, key),
		bytes.NewReader(metaJSON), int64(len(metaJSON)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("%w: put metadata: %v", ErrWriteFailed, err)
	}
	return nil
}

func (s *S3Storage) getObject(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	return io.ReadAll(obj)
}

// Read downloads the encrypted blob and metadata. Both objects absent maps
// to ErrNotFound; exactly one absent, or unparsable metadata, maps to
// ErrCorrupt.
func (s *S3Storage) Read(database, key string) (*Entity, error) {
	if err := ValidateName(database); err != nil {
		return nil, err
	}
	if err := ValidateName(key); err != nil {
		return nil, err
	}

	ctx := context.Background()

	blob, blobErr := s.getObject(ctx, s.blobKey(database, key))
	metaJSON, metaErr := s.getObject(ctx, s.metaKey(database, key))

	switch {
	case isNoSuchKey(blobErr) && isNoSuchKey(metaErr):
		return nil, ErrNotFound
	case isNoSuchKey(blobErr) || isNoSuchKey(metaErr):
		return nil, fmt.Errorf("%w: %s_%s has only half of its object pair", ErrCorrupt, database, key)
	case blobErr != nil:
		return nil, fmt.Errorf("%w: get blob: %v", ErrReadFailed, blobErr)
	case metaErr != nil:
		return nil, fmt.Errorf("%w: get metadata: %v", ErrReadFailed, metaErr)
	}

	var metadata EntityMetadata
	if err := json.Unmarshal(metaJSON, &metadata); err != nil {
		return nil, fmt.Errorf("%w: unparsable metadata for %s_%s", ErrCorrupt, database, key)
	}
	return &Entity{Blob: blob, Metadata: metadata}, nil
}

// Exists reports whether both objects of the pair are present.
func (s *S3Storage) Exists(database, key string) bool {
	if ValidateName(database) != nil || ValidateName(key) != nil {
		return false
	}
	ctx := context.Background()
	if _, err := s.client.StatObject(ctx, s.bucket, s.blobKey(database, key), minio.StatObjectOptions{}); err != nil {
		return false
	}
	if _, err := s.client.StatObject(ctx, s.bucket, s.metaKey(database, key), minio.StatObjectOptions{}); err != nil {
		return false
	}
	return true
}

// Delete removes both objects of the pair. Missing objects are not an error.
func (s *S3Storage) Delete(database, key string) error {
	if err := ValidateName(database); err != nil {
		return err
	}
	if err := ValidateName(key); err != nil {
		return err
	}
	ctx := context.Background()
	if err := s.client.RemoveObject(ctx, s.bucket, s.blobKey(database, key), minio.RemoveObjectOptions{}); err != nil && !isNoSuchKey(err) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	if err := s.client.RemoveObject(ctx, s.bucket, s.metaKey(database, key), minio.RemoveObjectOptions{}); err != nil && !isNoSuchKey(err) {
		return fmt.Errorf("failed to delete metadata: %w", err)
	}
	return nil
}

// List returns the {database}_{key} stems present under files/.
func (s *S3Storage) List() ([]string, error) {
	ctx := context.Background()
	ids := make(map[string]bool)
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    "files/",
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", obj.Err)
		}
		name := strings.TrimPrefix(obj.Key, "files/")
		switch {
		case strings.HasSuffix(name, ".json.enc"):
			ids[strings.TrimSuffix(name, ".json.enc")] = true
		case strings.HasSuffix(name, ".meta.json"):
			ids[strings.TrimSuffix(name, ".meta.json")] = true
		}
	}

	result := make([]string, 0, len(ids))
	for id := range ids {
		result = append(result, id)
	}
	return result, nil
}

// WriteTemplate stores a schema template in S3 and mirrors it to the local
// templates directory so the schema registry picks it up immediately.
func (s *S3Storage) WriteTemplate(schemaID string, schemaData []byte) error {
	if err := ValidateName(schemaID); err != nil {
		return err
	}

	ctx := context.Background()
	_, err := s.client.PutObject(ctx, s.bucket, s.templateKey(schemaID),
		bytes.NewReader(schemaData), int64(len(schemaData)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("failed to put template: %w", err)
	}

	// Best-effort local mirror.
	if dir := s.LocalTemplatesDir(); dir != "" {
		_ = os.WriteFile(filepath.Join(dir, schemaID+".json"), schemaData, 0o644) //nolint:errcheck
	}
	return nil
}

// ReadTemplate retrieves a schema template from S3.
func (s *S3Storage) ReadTemplate(schemaID string) ([]byte, error) {
	if err := ValidateName(schemaID); err != nil {
		return nil, err
	}

	data, err := s.getObject(context.Background(), s.templateKey(schemaID))
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read template: %w", err)
	}
	return data, nil
}

// ListTemplates returns the schema IDs of all templates under templates/.
func (s *S3Storage) ListTemplates() ([]string, error) {
	ctx := context.Background()
	var ids []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    "templates/",
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list templates: %w", obj.Err)
		}
		name := strings.TrimPrefix(obj.Key, "templates/")
		if name == "" || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// LocalTemplatesDir returns a local directory mirroring the bucket's
// templates. On first call it creates a temp directory and downloads every
// template into it; subsequent calls return the same directory. Returns ""
// when the mirror could not be created.
func (s *S3Storage) LocalTemplatesDir() string {
	s.localTemplatesDirOnce.Do(func() {
		dir, err := os.MkdirTemp("", "deltadb-templates-*")
		if err != nil {
			s.localTemplatesDirErr = fmt.Errorf("failed to create local templates dir: %w", err)
			return
		}
		s.localTemplatesDir = dir
		s.syncTemplates(dir)
	})
	if s.localTemplatesDirErr != nil {
		return ""
	}
	return s.localTemplatesDir
}

// syncTemplates downloads every object under templates/ into localDir.
// Failures are skipped; templates can be re-uploaded through the REST API.
func (s *S3Storage) syncTemplates(localDir string) {
	ctx := context.Background()
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    "templates/",
		Recursive: true,
	}) {
		if obj.Err != nil {
			continue
		}
		name := strings.TrimPrefix(obj.Key, "templates/")
		if name == "" || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := s.getObject(ctx, obj.Key)
		if err != nil {
			continue
		}
		_ = os.WriteFile(filepath.Join(localDir, name), data, 0o644) //nolint:errcheck
	}
}
