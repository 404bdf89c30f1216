package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"southwinds.dev/atrest/internal/codec"
)

const (
	ctxTimeout = 10 * time.Second
)

// S3Table implements Table on an S3 compatible object store through the MinIO client.
//
//	bucket/
//	└── [keyPrefix/]<table>/
//	    ├── index.json          # document keys in insertion order
//	    └── records/
//	        └── <key>.<codec>
//
// Writers in one process are serialized; the index object is rewritten after
// every successful record upload.
type S3Table struct {
	mu         sync.Mutex
	client     *minio.Client
	bucketName string
	keyPrefix  string
	name       string
	codec      codec.Codec
	closed     bool
}

// S3Config contains the configuration required to connect to S3 (MinIO).
type S3Config struct {
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Bucket          string `json:"bucket"`
	KeyPrefix       string `json:"key_prefix"`
	UseSSL          bool   `json:"use_ssl"`
	Region          string `json:"region"`
	Codec           string `json:"codec"`
}

// NewS3Table connects to the object store and ensures the bucket exists
func NewS3Table(config S3Config, name string) (*S3Table, error) {
	if err := validateTableName(name); err != nil {
		return nil, err
	}
	if config.Bucket == "" {
		return nil, fmt.Errorf("s3 table requires a bucket")
	}
	c, err := codec.ByName(config.Codec)
	if err != nil {
		return nil, err
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	table := &S3Table{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  config.KeyPrefix,
		name:       name,
		codec:      c,
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err = table.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}
	return table, nil
}

// NewS3TableFromConfig builds an S3Table from a generic TableConfig
func NewS3TableFromConfig(config TableConfig, name string) (*S3Table, error) {
	if config.Type != TableTypeS3 {
		return nil, fmt.Errorf("invalid table type for MinIO: %s", config.Type)
	}
	return NewS3Table(S3Config{
		Endpoint:        configString(config, "endpoint", ""),
		AccessKeyID:     configString(config, "access_key_id", ""),
		SecretAccessKey: configString(config, "secret_access_key", ""),
		Bucket:          configString(config, "bucket", ""),
		KeyPrefix:       configString(config, "key_prefix", ""),
		UseSSL:          configBool(config, "use_ssl"),
		Region:          configString(config, "region", ""),
		Codec:           configString(config, "codec", ""),
	}, name)
}

func (s3t *S3Table) Name() string {
	return s3t.name
}

func (s3t *S3Table) Count(ctx context.Context) (int, error) {
	s3t.mu.Lock()
	defer s3t.mu.Unlock()
	if s3t.closed {
		return 0, ErrTableClosed
	}
	index, err := s3t.loadIndex(ctx)
	if err != nil {
		return 0, err
	}
	return len(index), nil
}

func (s3t *S3Table) Add(ctx context.Context, doc Document) (string, error) {
	stored, key, err := prepareDocument(doc)
	if err != nil {
		return "", err
	}
	data, err := s3t.codec.Marshal(stored)
	if err != nil {
		return "", fmt.Errorf("failed to encode document: %w", err)
	}

	s3t.mu.Lock()
	defer s3t.mu.Unlock()
	if s3t.closed {
		return "", ErrTableClosed
	}

	index, err := s3t.loadIndex(ctx)
	if err != nil {
		return "", err
	}
	for _, k := range index {
		if k == key {
			return "", ErrDuplicateKey
		}
	}

	recordName := s3t.recordObjectName(key)
	if err = s3t.putObject(ctx, recordName, data, "application/"+s3t.codec.Name()); err != nil {
		return "", fmt.Errorf("failed to store record %s: %w", key, err)
	}

	indexData, err := json.Marshal(append(index, key))
	if err != nil {
		return "", fmt.Errorf("failed to encode index: %w", err)
	}
	if err = s3t.putObject(ctx, s3t.indexObjectName(), indexData, "application/json"); err != nil {
		_ = s3t.client.RemoveObject(ctx, s3t.bucketName, recordName, minio.RemoveObjectOptions{})
		return "", fmt.Errorf("failed to store index: %w", err)
	}
	return key, nil
}

func (s3t *S3Table) Get(ctx context.Context, key string) (Document, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, nil
	}

	s3t.mu.Lock()
	defer s3t.mu.Unlock()
	if s3t.closed {
		return nil, false, ErrTableClosed
	}

	data, err := s3t.getObject(ctx, s3t.recordObjectName(key))
	if err != nil {
		if s3t.isNotFoundError(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to load record %s: %w", key, err)
	}
	doc, err := s3t.decode(key, data)
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

func (s3t *S3Table) ToArray(ctx context.Context) ([]Document, error) {
	s3t.mu.Lock()
	defer s3t.mu.Unlock()
	if s3t.closed {
		return nil, ErrTableClosed
	}

	index, err := s3t.loadIndex(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Document, 0, len(index))
	for _, key := range index {
		data, err := s3t.getObject(ctx, s3t.recordObjectName(key))
		if err != nil {
			return nil, fmt.Errorf("failed to load record %s: %w", key, err)
		}
		doc, err := s3t.decode(key, data)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

// Ping tests connectivity by checking the bucket exists
func (s3t *S3Table) Ping(ctx context.Context) error {
	exists, err := s3t.client.BucketExists(ctx, s3t.bucketName)
	if err != nil {
		return fmt.Errorf("failed to ping S3: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s3t.bucketName)
	}
	return nil
}

func (s3t *S3Table) Close() error {
	s3t.mu.Lock()
	defer s3t.mu.Unlock()
	s3t.closed = true
	return nil
}

func (s3t *S3Table) decode(key string, data []byte) (Document, error) {
	var doc Document
	if err := s3t.codec.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode record %s: %w", key, err)
	}
	return doc, nil
}

func (s3t *S3Table) loadIndex(ctx context.Context) ([]string, error) {
	data, err := s3t.getObject(ctx, s3t.indexObjectName())
	if err != nil {
		if s3t.isNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load index: %w", err)
	}
	var index []string
	if err = json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("failed to parse index: %w", err)
	}
	return index, nil
}

func (s3t *S3Table) getObject(ctx context.Context, objectName string) ([]byte, error) {
	object, err := s3t.client.GetObject(ctx, s3t.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer object.Close()
	return io.ReadAll(object)
}

func (s3t *S3Table) putObject(ctx context.Context, objectName string, data []byte, contentType string) error {
	_, err := s3t.client.PutObject(
		ctx,
		s3t.bucketName,
		objectName,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{
			ContentType: contentType,
			UserMetadata: map[string]string{
				"table":      s3t.name,
				"codec":      s3t.codec.Name(),
				"created-at": time.Now().UTC().Format(time.RFC3339),
			},
		},
	)
	return err
}

func (s3t *S3Table) buildPath(components ...string) string {
	var parts []string
	if cleanPrefix := strings.Trim(s3t.keyPrefix, "/"); cleanPrefix != "" {
		parts = append(parts, cleanPrefix)
	}
	parts = append(parts, s3t.name)
	for _, component := range components {
		if component != "" {
			parts = append(parts, component)
		}
	}
	return strings.Join(parts, "/")
}

func (s3t *S3Table) indexObjectName() string {
	return s3t.buildPath("index.json")
}

func (s3t *S3Table) recordObjectName(key string) string {
	return s3t.buildPath("records", key+"."+s3t.codec.Name())
}

func (s3t *S3Table) ensureBucket(ctx context.Context) error {
	exists, err := s3t.client.BucketExists(ctx, s3t.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", err)
	}

	if !exists {
		err = s3t.client.MakeBucket(ctx, s3t.bucketName, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return nil
}

func (s3t *S3Table) isNotFoundError(err error) bool {
	var errResp minio.ErrorResponse
	if errors.As(err, &errResp) {
		return errResp.Code == "NoSuchKey" || errResp.Code == "NotFound"
	}
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}
