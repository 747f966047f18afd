package fs

import (
	"fmt"
	"os"
	"strings"
)

// Backend is the storage interface satisfied by both the local-filesystem
// Storage and the S3-compatible S3Storage. The engine and the RPC servers
// program against this interface so either backend can be selected at
// startup.
type Backend interface {
	// Write persists an encrypted blob and its metadata atomically.
	Write(database, key string, blob []byte, metadata EntityMetadata) error

	// Read loads an encrypted blob and its metadata.
	Read(database, key string) (*Entity, error)

	// Exists reports whether the entity is present.
	Exists(database, key string) bool

	// Delete removes both files of the entity pair.
	Delete(database, key string) error

	// List returns the {database}_{key} stems present in the store.
	List() ([]string, error)

	// WriteTemplate persists a JSON Schema template.
	WriteTemplate(schemaID string, schemaData []byte) error

	// ReadTemplate retrieves a JSON Schema template.
	ReadTemplate(schemaID string) ([]byte, error)

	// ListTemplates returns the schema IDs of all stored templates.
	ListTemplates() ([]string, error)
}

// ListTemplates returns the schema IDs present under templates/.
func (s *Storage) ListTemplates() ([]string, error) {
	return listTemplateDir(s.TemplatesDir())
}

func listTemplateDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read templates directory: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.Contains(name, ".tmp-") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}
