// Package artifact persists trained model artifacts and addresses them by URI.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// ErrNotFound is returned when an artifact URI does not resolve.
var ErrNotFound = errors.New("artifact not found")

// ModelHandle references a stored artifact. Hash identifies its content.
type ModelHandle struct {
	URI  string `json:"uri"`
	Hash string `json:"hash"`
}

// Store saves and loads serialized models.
type Store interface {
	// Put stores data under name and returns its handle. Storing identical
	// content twice yields the same handle.
	Put(ctx context.Context, name string, data []byte) (ModelHandle, error)
	// Get loads the artifact at uri.
	Get(ctx context.Context, uri string) ([]byte, error)
}

// Hash returns the content hash used for idempotent redeploy detection.
func Hash(b []byte) string {
	return strconv.FormatUint(xxhash.Sum64(b), 32)
}

func objectName(name, hash string) string {
	return fmt.Sprintf("%s-%s.json", name, hash)
}

// Config selects and configures a backend.
type Config struct {
	Backend string // local or s3
	Dir     string

	S3Bucket          string
	S3Prefix          string
	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
}

// New builds the store selected by cfg.Backend.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocalStore(cfg.Dir)
	case "s3":
		return NewS3Store(ctx, S3Config{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
	default:
		return nil, fmt.Errorf("unsupported artifact store %q", cfg.Backend)
	}
}

// Scheme returns the URI scheme of uri, e.g. "file" or "s3".
func Scheme(uri string) string {
	i := strings.Index(uri, "://")
	if i < 0 {
		return ""
	}
	return uri[:i]
}
