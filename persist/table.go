package persist

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// KeyField is the document field holding the primary key
const KeyField = "id"

var (
	// ErrTableClosed is returned by every operation on a closed table
	ErrTableClosed = errors.New("table is closed")
	// ErrInvalidKey is returned when a document carries a key that is not a usable string
	ErrInvalidKey = errors.New("invalid document key")
	// ErrDuplicateKey is returned by Add when the key is already present
	ErrDuplicateKey = errors.New("duplicate document key")
)

// Document is a single record as stored in a table
type Document = map[string]any

// Table is a named, string-keyed document collection.
// The encryption layer issues single Add/Get/ToArray calls against it and never
// interprets anything beyond the key field and the envelope markers.
type Table interface {
	// Name returns the table name.
	Name() string

	// Count returns the number of documents in the table.
	Count(ctx context.Context) (int, error)

	// Add inserts doc and returns its key. When the key field is absent a UUID is
	// assigned and written into the stored document. Adding an existing key fails
	// with ErrDuplicateKey.
	Add(ctx context.Context, doc Document) (string, error)

	// Get returns the document stored under key. found is false when there is none.
	Get(ctx context.Context, key string) (doc Document, found bool, err error)

	// ToArray returns every document in insertion order.
	ToArray(ctx context.Context) ([]Document, error)

	// Close releases the resources held by the table.
	Close() error
}

// Pinger is implemented by remote backends that can test connectivity
type Pinger interface {
	Ping(ctx context.Context) error
}

// TableConfig selects and configures a table backend.
//
// Example usage:
//
//	config := TableConfig{
//	    Type:   TableTypeFileSystem,
//	    Config: map[string]interface{}{"base_path": "/data/tables"},
//	}
type TableConfig struct {
	// Type must be one of the TableType constants.
	Type TableType `json:"type" yaml:"type"`

	// Config holds backend specific settings, e.g. "base_path" for the file system
	// or "bucket" and "endpoint" for S3.
	Config map[string]interface{} `json:"config" yaml:"config"`
}

// TableType names a table backend
type TableType string

const (
	TableTypeMemory     TableType = "memory"
	TableTypeFileSystem TableType = "filesystem"
	TableTypeS3         TableType = "s3"
	TableTypeRedis      TableType = "redis"
	TableTypePostgres   TableType = "postgres"
)

// prepareDocument copies doc and resolves its key, assigning a UUID when absent
func prepareDocument(doc Document) (Document, string, error) {
	if doc == nil {
		return nil, "", fmt.Errorf("document cannot be nil")
	}

	out := make(Document, len(doc)+1)
	for k, v := range doc {
		out[k] = v
	}

	raw, ok := out[KeyField]
	if !ok || raw == nil {
		key := uuid.NewString()
		out[KeyField] = key
		return out, key, nil
	}

	key, ok := raw.(string)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s must be a string, got %T", ErrInvalidKey, KeyField, raw)
	}
	if err := validateKey(key); err != nil {
		return nil, "", err
	}
	return out, key, nil
}

// validateKey rejects keys that cannot be mapped safely onto file or object names
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key cannot be empty", ErrInvalidKey)
	}
	if strings.Contains(key, "..") ||
		strings.Contains(key, "/") ||
		strings.Contains(key, "\\") {
		return fmt.Errorf("%w: key contains invalid characters", ErrInvalidKey)
	}
	if len(key) > 255 {
		return fmt.Errorf("%w: key too long (max 255 characters)", ErrInvalidKey)
	}
	return nil
}

// validateTableName validates the table name for use in paths, object keys and identifiers
func validateTableName(name string) error {
	if name == "" {
		return fmt.Errorf("table name cannot be empty")
	}
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-') {
			return fmt.Errorf("table name %q contains invalid characters", name)
		}
	}
	if len(name) > 63 {
		return fmt.Errorf("table name too long (max 63 characters)")
	}
	return nil
}
