// state/backend.go
package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNoState is returned by a Backend that has never been written.
var ErrNoState = errors.New("no persisted state")

// Backend stores one opaque snapshot. Write must replace the previous snapshot atomically:
// a concurrent or later Read sees either the old or the new snapshot, never a mix.
type Backend interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
}

// FileBackend keeps the snapshot in a single JSON file.
type FileBackend struct {
	path string
}

func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

func (b *FileBackend) Path() string { return b.path }

func (b *FileBackend) Read(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoState
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrNoState
	}
	return data, nil
}

// Write writes to a temporary file in the same directory, syncs it and renames it over the target.
func (b *FileBackend) Write(_ context.Context, data []byte) error {
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(b.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary state file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write to temporary state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync temporary state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close temporary state file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		cleanup()
		return fmt.Errorf("failed to set state file mode: %w", err)
	}
	if err := os.Rename(tmpPath, b.path); err != nil {
		cleanup()
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// RedisClient is the part of a go-redis client the backend uses.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisBackend keeps the snapshot under one key. A single SET replaces it atomically.
type RedisBackend struct {
	client RedisClient
	key    string
}

func NewRedisBackend(client RedisClient, key string) *RedisBackend {
	return &RedisBackend{client: client, key: key}
}

func (b *RedisBackend) Read(ctx context.Context) ([]byte, error) {
	data, err := b.client.Get(ctx, b.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoState
		}
		return nil, fmt.Errorf("redis GET %s: %w", b.key, err)
	}
	return data, nil
}

func (b *RedisBackend) Write(ctx context.Context, data []byte) error {
	if err := b.client.Set(ctx, b.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", b.key, err)
	}
	return nil
}

// MemoryBackend keeps the snapshot in memory.
type MemoryBackend struct {
	mu         sync.Mutex
	data       []byte
	writes     int
	failWrites int
}

func (b *MemoryBackend) Read(_ context.Context) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return nil, ErrNoState
	}
	return append([]byte(nil), b.data...), nil
}

func (b *MemoryBackend) Write(_ context.Context, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failWrites > 0 {
		b.failWrites--
		return errors.New("simulated write failure")
	}
	b.data = append([]byte(nil), data...)
	b.writes++
	return nil
}

// Writes returns how many writes succeeded.
func (b *MemoryBackend) Writes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writes
}

// SetFailWrites makes the next n writes fail.
func (b *MemoryBackend) SetFailWrites(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failWrites = n
}
