package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/xxxsen/docqa/internal/config"
)

// ErrNotExist is returned by Open for keys the store does not hold.
var ErrNotExist = errors.New("blob does not exist")

// Store keeps the raw bytes of uploaded files.
type Store interface {
	Type() string
	Save(ctx context.Context, key string, r io.ReadSeeker, size int64, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	URL(key string) string
	Delete(ctx context.Context, key string) error
}

// Object describes a stored blob.
type Object struct {
	Key         string `json:"key"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Put saves r under key and returns where it can be fetched from.
func Put(ctx context.Context, store Store, key string, r io.ReadSeeker, size int64, contentType string) (*Object, error) {
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("file key is required")
	}
	if err := store.Save(ctx, key, r, size, contentType); err != nil {
		return nil, fmt.Errorf("save %s to %s store: %w", key, store.Type(), err)
	}
	return &Object{Key: key, URL: store.URL(key), ContentType: contentType, Size: size}, nil
}

type Factory func(args interface{}) (Store, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

func Register(name string, factory Factory) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || factory == nil {
		return
	}
	registryMu.Lock()
	registry[key] = factory
	registryMu.Unlock()
}

func New(cfg config.FileStoreConfig) (Store, error) {
	key := strings.ToLower(strings.TrimSpace(cfg.Type))
	if key == "" {
		return nil, fmt.Errorf("file_store.type is required")
	}
	registryMu.RLock()
	factory := registry[key]
	registryMu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("unsupported file store type: %s", cfg.Type)
	}
	return factory(cfg.Data)
}

func decodeConfig(args interface{}, dst interface{}) error {
	if args == nil {
		return fmt.Errorf("store config is required")
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode store config: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode store config: %w", err)
	}
	return nil
}
