package chatcore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/redis/go-redis/v9"
)

// SelectionStore remembers the last counterpart each user chatted with, so a
// client can reopen it on the next start. Purely a convenience: nothing in
// the session depends on it succeeding.
type SelectionStore interface {
	LoadSelection(ctx context.Context, userID string) (counterpartID string, err error)
	SaveSelection(ctx context.Context, userID, counterpartID string) error
}

// ============================================================================
// File-backed store
// ============================================================================

// FileSelectionStore keeps selections in a TOML file.
type FileSelectionStore struct {
	path string
	mu   sync.Mutex
}

type selectionFile struct {
	Selections map[string]string `toml:"selections"`
}

func NewFileSelectionStore(path string) *FileSelectionStore {
	return &FileSelectionStore{path: path}
}

func (f *FileSelectionStore) read() (*selectionFile, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &selectionFile{Selections: map[string]string{}}, nil
		}
		return nil, fmt.Errorf("cannot read selections: %w", err)
	}
	var sf selectionFile
	if err := toml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("cannot parse selections: %w", err)
	}
	if sf.Selections == nil {
		sf.Selections = map[string]string{}
	}
	return &sf, nil
}

func (f *FileSelectionStore) LoadSelection(_ context.Context, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sf, err := f.read()
	if err != nil {
		return "", err
	}
	return sf.Selections[userID], nil
}

func (f *FileSelectionStore) SaveSelection(_ context.Context, userID, counterpartID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sf, err := f.read()
	if err != nil {
		return err
	}
	sf.Selections[userID] = counterpartID
	data, err := toml.Marshal(sf)
	if err != nil {
		return fmt.Errorf("cannot marshal selections: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("cannot create selections directory: %w", err)
	}
	if err := os.WriteFile(f.path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write selections: %w", err)
	}
	return nil
}

// ============================================================================
// Redis-backed store
// ============================================================================

// RedisSelectionStore keeps selections in Redis, one key per user.
type RedisSelectionStore struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisSelectionStore stores keys as <prefix><userID>. A zero ttl keeps
// them forever.
func NewRedisSelectionStore(rdb redis.Cmdable, prefix string, ttl time.Duration) *RedisSelectionStore {
	if prefix == "" {
		prefix = "chatcore:selection:"
	}
	return &RedisSelectionStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (r *RedisSelectionStore) LoadSelection(ctx context.Context, userID string) (string, error) {
	v, err := r.rdb.Get(ctx, r.prefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load selection: %w", err)
	}
	return v, nil
}

func (r *RedisSelectionStore) SaveSelection(ctx context.Context, userID, counterpartID string) error {
	if err := r.rdb.Set(ctx, r.prefix+userID, counterpartID, r.ttl).Err(); err != nil {
		return fmt.Errorf("save selection: %w", err)
	}
	return nil
}
