package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"southwinds.dev/atrest/internal/codec"
	"southwinds.dev/atrest/internal/misc"
)

// FileSystemTable implements Table on the local filesystem, one file per document.
//
//	basePath/
//	└── <table>/
//	    ├── table.json      # table descriptor (codec, creation time)
//	    ├── index.json      # document keys in insertion order
//	    └── records/
//	        └── <key>.<codec>
type FileSystemTable struct {
	mu         sync.Mutex
	name       string
	tablePath  string
	recordsDir string
	descriptor string
	indexPath  string
	codec      codec.Codec
	index      []string
	keys       map[string]struct{}
	closed     bool
}

// TableDescriptor is persisted next to the records so a table is always reopened
// with the codec it was written with
type TableDescriptor struct {
	Version   string    `json:"version"`
	Name      string    `json:"name"`
	Codec     string    `json:"codec"`
	CreatedAt time.Time `json:"created_at"`
}

// NewFileSystemTable opens or creates the table name under basePath.
// A nil codec selects codec.Default.
func NewFileSystemTable(basePath, name string, c codec.Codec) (*FileSystemTable, error) {
	if err := validateTableName(name); err != nil {
		return nil, err
	}
	if c == nil {
		c = codec.Default
	}

	tablePath := filepath.Join(basePath, name)
	fs := &FileSystemTable{
		name:       name,
		tablePath:  tablePath,
		recordsDir: filepath.Join(tablePath, "records"),
		descriptor: filepath.Join(tablePath, "table.json"),
		indexPath:  filepath.Join(tablePath, "index.json"),
		codec:      c,
		keys:       make(map[string]struct{}),
	}

	for _, dir := range []string{fs.tablePath, fs.recordsDir} {
		if err := os.MkdirAll(dir, misc.DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := fs.initializeDescriptor(); err != nil {
		return nil, fmt.Errorf("failed to initialize table descriptor: %w", err)
	}
	if err := fs.loadIndex(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FileSystemTable) initializeDescriptor() error {
	data, err := os.ReadFile(fs.descriptor)
	if os.IsNotExist(err) {
		desc := TableDescriptor{
			Version:   "1.0.0",
			Name:      fs.name,
			Codec:     fs.codec.Name(),
			CreatedAt: time.Now().UTC(),
		}
		data, err = json.MarshalIndent(desc, "", "  ")
		if err != nil {
			return err
		}
		return writeSecureFile(fs.descriptor, data, misc.FilePermissions)
	}
	if err != nil {
		return err
	}

	var desc TableDescriptor
	if err = json.Unmarshal(data, &desc); err != nil {
		return fmt.Errorf("failed to parse %s: %w", fs.descriptor, err)
	}
	if desc.Codec != fs.codec.Name() {
		return fmt.Errorf("table %s was written with codec %q, opened with %q", fs.name, desc.Codec, fs.codec.Name())
	}
	return nil
}

func (fs *FileSystemTable) loadIndex() error {
	data, err := os.ReadFile(fs.indexPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read index: %w", err)
	}
	if err = json.Unmarshal(data, &fs.index); err != nil {
		return fmt.Errorf("failed to parse index: %w", err)
	}
	for _, k := range fs.index {
		fs.keys[k] = struct{}{}
	}
	return nil
}

func (fs *FileSystemTable) Name() string {
	return fs.name
}

func (fs *FileSystemTable) Count(ctx context.Context) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return 0, ErrTableClosed
	}
	return len(fs.index), nil
}

func (fs *FileSystemTable) Add(ctx context.Context, doc Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	stored, key, err := prepareDocument(doc)
	if err != nil {
		return "", err
	}
	data, err := fs.codec.Marshal(stored)
	if err != nil {
		return "", fmt.Errorf("failed to encode document: %w", err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return "", ErrTableClosed
	}
	if _, exists := fs.keys[key]; exists {
		return "", ErrDuplicateKey
	}

	if err = writeSecureFile(fs.recordPath(key), data, misc.FilePermissions); err != nil {
		return "", err
	}

	index := append(fs.index[:len(fs.index):len(fs.index)], key)
	indexData, err := json.Marshal(index)
	if err != nil {
		return "", fmt.Errorf("failed to encode index: %w", err)
	}
	if err = writeSecureFile(fs.indexPath, indexData, misc.FilePermissions); err != nil {
		_ = os.Remove(fs.recordPath(key))
		return "", err
	}

	fs.index = index
	fs.keys[key] = struct{}{}
	return key, nil
}

func (fs *FileSystemTable) Get(ctx context.Context, key string) (Document, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return nil, false, ErrTableClosed
	}
	if _, exists := fs.keys[key]; !exists {
		return nil, false, nil
	}
	doc, err := fs.readRecord(key)
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

func (fs *FileSystemTable) ToArray(ctx context.Context) ([]Document, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return nil, ErrTableClosed
	}

	out := make([]Document, 0, len(fs.index))
	for _, key := range fs.index {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc, err := fs.readRecord(key)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

func (fs *FileSystemTable) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.closed = true
	return nil
}

func (fs *FileSystemTable) recordPath(key string) string {
	return filepath.Join(fs.recordsDir, key+"."+fs.codec.Name())
}

func (fs *FileSystemTable) readRecord(key string) (Document, error) {
	data, err := os.ReadFile(fs.recordPath(key))
	if err != nil {
		return nil, fmt.Errorf("failed to read record %s: %w", key, err)
	}
	var doc Document
	if err = fs.codec.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode record %s: %w", key, err)
	}
	return doc, nil
}

// writeSecureFile writes data to a temp file in the target directory and renames it
// into place, so readers never observe a partial write
func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}
