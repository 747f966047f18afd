// Package fs implements the encrypted-entity FileStore: atomic read/write of
// {blob, metadata} file pairs on a shared filesystem, per-entity advisory
// locking, and an S3-compatible alternative backend.
package fs

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when neither the blob nor the metadata exists.
	ErrNotFound = errors.New("entity not found")
	// ErrCorrupt is returned when exactly one of the pair exists, or the
	// metadata does not parse. The pair is written atomically, so this only
	// happens through external interference.
	ErrCorrupt = errors.New("entity storage corrupt")
	// ErrInvalidName is returned for names outside the allowed charset.
	ErrInvalidName = errors.New("invalid name")
	// ErrWriteFailed wraps I/O failures during Write.
	ErrWriteFailed = errors.New("write operation failed")
	// ErrReadFailed wraps I/O failures during Read.
	ErrReadFailed = errors.New("read operation failed")
)

// EntityMetadata is the plaintext sidecar persisted next to each encrypted
// blob. Field names are a stable on-disk contract.
type EntityMetadata struct {
	KeyID     string    `json:"key_id"`
	Algorithm string    `json:"alg"`
	IV        string    `json:"iv"`  // base64 of the 12-byte nonce
	Tag       string    `json:"tag"` // base64 of the 16-byte GCM tag
	SchemaID  string    `json:"schema_id"`
	Version   int       `json:"version"`
	WriterID  string    `json:"writer_id"`
	Timestamp time.Time `json:"timestamp"`
	Database  string    `json:"database"`
	EntityKey string    `json:"entity_key"`
}

// Entity bundles the encrypted blob with its metadata.
type Entity struct {
	Blob     []byte
	Metadata EntityMetadata
}

// Storage is the local shared-filesystem backend. Layout under the base
// path:
//
//	files/{database}_{key}.json.enc
//	files/{database}_{key}.meta.json
//	files/{database}_{key}.lock
//	templates/{schema_id}.json
type Storage struct {
	basePath string
}

// NewStorage creates a Storage rooted at basePath, creating the files/ and
// templates/ directories as needed.
func NewStorage(basePath string) (*Storage, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}
	for _, dir := range []string{basePath, filepath.Join(basePath, "files"), filepath.Join(basePath, "templates")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return &Storage{basePath: basePath}, nil
}

// FilesDir returns the directory holding blob/metadata/lock files.
func (s *Storage) FilesDir() string {
	return filepath.Join(s.basePath, "files")
}

// TemplatesDir returns the directory holding schema templates.
func (s *Storage) TemplatesDir() string {
	return filepath.Join(s.basePath, "templates")
}

func (s *Storage) blobPath(database, key string) string {
	return filepath.Join(s.FilesDir(), entityID(database, key)+".json.enc")
}

func (s *Storage) metaPath(database, key string) string {
	return filepath.Join(s.FilesDir(), entityID(database, key)+".meta.json")
}

// LockPath returns the per-entity lock file path. Lock files persist; they
// are never deleted.
func (s *Storage) LockPath(database, key string) string {
	return filepath.Join(s.FilesDir(), entityID(database, key)+".lock")
}

// tmpSuffix returns a random ".tmp-xxxxxxxx" suffix so concurrent writers
// never collide on temp names and readers can recognise and ignore strays.
func tmpSuffix() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failure is unrecoverable for this process anyway.
		panic(fmt.Sprintf("fs: rand.Read: %v", err))
	}
	return ".tmp-" + hex.EncodeToString(b[:])
}

// writeFileSync writes data to path and fsyncs before close so the bytes are
// on stable storage before any subsequent rename makes them visible.
func writeFileSync(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}

// Write persists an encrypted blob and its metadata atomically. Each file is
// written to a sibling temp file, fsynced, and renamed over the target; if
// the metadata rename fails after the blob rename succeeded the blob rename
// is rolled back so the pair stays consistent.
//
// The caller must hold the exclusive per-entity lock.
func (s *Storage) Write(database, key string, blob []byte, metadata EntityMetadata) error {
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

	blobPath := s.blobPath(database, key)
	metaPath := s.metaPath(database, key)
	blobTmp := blobPath + tmpSuffix()
	metaTmp := metaPath + tmpSuffix()

	if err := writeFileSync(blobTmp, blob, 0o644); err != nil {
		return fmt.Errorf("%w: write blob: %v", ErrWriteFailed, err)
	}
	if err := writeFileSync(metaTmp, metaJSON, 0o644); err != nil {
		os.Remove(blobTmp) //nolint:errcheck
		return fmt.Errorf("%w: write metadata: %v", ErrWriteFailed, err)
	}

	if err := os.Rename(blobTmp, blobPath); err != nil {
		os.Remove(blobTmp) //nolint:errcheck
		os.Remove(metaTmp) //nolint:errcheck
		return fmt.Errorf("%w: rename blob: %v", ErrWriteFailed, err)
	}
	if err := os.Rename(metaTmp, metaPath); err != nil {
		// Best-effort rollback of the blob rename so neither file updates.
		os.Rename(blobPath, blobTmp) //nolint:errcheck
		os.Remove(metaTmp)           //nolint:errcheck
		return fmt.Errorf("%w: rename metadata: %v", ErrWriteFailed, err)
	}
	return nil
}

// Read loads the encrypted blob and metadata for an entity. Returns
// ErrNotFound when both files are absent and ErrCorrupt when only one of
// the pair exists or the metadata does not parse.
//
// The caller must hold at least the shared per-entity lock.
func (s *Storage) Read(database, key string) (*Entity, error) {
	if err := ValidateName(database); err != nil {
		return nil, err
	}
	if err := ValidateName(key); err != nil {
		return nil, err
	}

	blobPath := s.blobPath(database, key)
	metaPath := s.metaPath(database, key)

	_, blobErr := os.Stat(blobPath)
	_, metaErr := os.Stat(metaPath)
	switch {
	case os.IsNotExist(blobErr) && os.IsNotExist(metaErr):
		return nil, ErrNotFound
	case os.IsNotExist(blobErr) || os.IsNotExist(metaErr):
		return nil, fmt.Errorf("%w: %s_%s has only half of its file pair", ErrCorrupt, database, key)
	}

	blob, err := os.ReadFile(blobPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read blob: %v", ErrReadFailed, err)
	}
	metaJSON, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read metadata: %v", ErrReadFailed, err)
	}

	var metadata EntityMetadata
	if err := json.Unmarshal(metaJSON, &metadata); err != nil {
		return nil, fmt.Errorf("%w: unparsable metadata for %s_%s", ErrCorrupt, database, key)
	}
	return &Entity{Blob: blob, Metadata: metadata}, nil
}

// Exists reports whether both files of the pair are present.
func (s *Storage) Exists(database, key string) bool {
	if ValidateName(database) != nil || ValidateName(key) != nil {
		return false
	}
	_, blobErr := os.Stat(s.blobPath(database, key))
	_, metaErr := os.Stat(s.metaPath(database, key))
	return blobErr == nil && metaErr == nil
}

// Delete removes both files of the pair. Missing files are not an error.
// The caller must hold the exclusive per-entity lock.
func (s *Storage) Delete(database, key string) error {
	if err := ValidateName(database); err != nil {
		return err
	}
	if err := ValidateName(key); err != nil {
		return err
	}
	if err := os.Remove(s.blobPath(database, key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	if err := os.Remove(s.metaPath(database, key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete metadata: %w", err)
	}
	return nil
}

// List returns the {database}_{key} stems present in the files directory.
// Temp files left by an interrupted writer and lock files are skipped.
func (s *Storage) List() ([]string, error) {
	entries, err := os.ReadDir(s.FilesDir())
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	ids := make(map[string]bool)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.Contains(name, ".tmp-") {
			continue
		}
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

// WriteTemplate persists a schema template atomically under templates/.
func (s *Storage) WriteTemplate(schemaID string, schemaData []byte) error {
	if err := ValidateName(schemaID); err != nil {
		return err
	}
	target := filepath.Join(s.TemplatesDir(), schemaID+".json")
	tmp := target + tmpSuffix()
	if err := writeFileSync(tmp, schemaData, 0o644); err != nil {
		return fmt.Errorf("%w: write template: %v", ErrWriteFailed, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return fmt.Errorf("%w: rename template: %v", ErrWriteFailed, err)
	}
	return nil
}

// ReadTemplate loads a schema template from templates/.
func (s *Storage) ReadTemplate(schemaID string) ([]byte, error) {
	if err := ValidateName(schemaID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.TemplatesDir(), schemaID+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read template: %w", err)
	}
	return data, nil
}
