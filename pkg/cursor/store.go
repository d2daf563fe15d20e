package cursor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
)

// Store loads and saves the export cursor. Save returns only after the
// cursor is durable.
type Store interface {
	Load(ctx context.Context) (Cursor, error)
	Save(ctx context.Context, c Cursor) error
}

// DefaultFileName is the state file name inside the export directory.
const DefaultFileName = "lastexport.json"

// FileStore keeps the cursor in a pretty-printed JSON file.
type FileStore struct {
	path string
}

// NewFileStore creates a file store at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the state file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the cursor. A missing file yields Default().
func (s *FileStore) Load(ctx context.Context) (Cursor, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return Cursor{}, fmt.Errorf("read cursor file: %w", err)
	}

	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, fmt.Errorf("decode cursor file %s: %w", s.path, err)
	}
	return c, nil
}

// Save writes the cursor through a synced temp file renamed over the target.
func (s *FileStore) Save(ctx context.Context, c Cursor) (err error) {
	data, err := json.MarshalIndent(normalize(c), "", "  ")
	if err != nil {
		return fmt.Errorf("encode cursor: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync state file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close state file: %w", err)
	}
	if err = os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// RedisKeyPrefix prefixes the per-stack cursor key.
const RedisKeyPrefix = "drawingexport:cursor:"

// RedisStore keeps the cursor as a JSON string in Redis without expiry.
type RedisStore struct {
	redis *redis.Client
	key   string
}

// NewRedisStore creates a Redis store for one stack.
func NewRedisStore(redisClient *redis.Client, stack string) *RedisStore {
	return &RedisStore{
		redis: redisClient,
		key:   RedisKeyPrefix + stack,
	}
}

// Key returns the Redis key holding the cursor.
func (s *RedisStore) Key() string {
	return s.key
}

// Load reads the cursor. A missing key yields Default().
func (s *RedisStore) Load(ctx context.Context) (Cursor, error) {
	data, err := s.redis.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Default(), nil
	}
	if err != nil {
		return Cursor{}, fmt.Errorf("get cursor from redis: %w", err)
	}

	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, fmt.Errorf("decode cursor %s: %w", s.key, err)
	}
	return c, nil
}

// Save stores the cursor.
func (s *RedisStore) Save(ctx context.Context, c Cursor) error {
	data, err := json.Marshal(normalize(c))
	if err != nil {
		return fmt.Errorf("encode cursor: %w", err)
	}
	if err := s.redis.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("set cursor in redis: %w", err)
	}
	return nil
}

// normalize makes the zero Cursor serialize like Default().
func normalize(c Cursor) Cursor {
	if c.Date == "" {
		c.Date = EpochWatermark
	}
	if c.BadRevisions == nil {
		c.BadRevisions = map[string]BadRevision{}
	}
	return c
}
