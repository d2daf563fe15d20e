package cursor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_LoadMissing(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), DefaultFileName))

	c, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestFileStore_SaveLoad(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(filepath.Join(dir, "state", DefaultFileName))
	ctx := context.Background()

	rev := drawingRevision("r1", "D1", "A", "2024-03-05T12:00:00Z")
	c, err := Default().Advance("", &rev)
	require.NoError(t, err)
	c = c.MarkBad(drawingRevision("r2", "D2", "B", ""), "Failed to find document")

	require.NoError(t, store.Save(ctx, c))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, c, loaded)

	data, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "{\n  \"date\""), "state file should be indented with two spaces")

	entries, err := os.ReadDir(filepath.Dir(store.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files should remain")
}

func TestFileStore_Overwrite(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), DefaultFileName))
	ctx := context.Background()

	first := Default()
	first.PartNumber = "first"
	require.NoError(t, store.Save(ctx, first))

	second := Default()
	second.PartNumber = "second"
	require.NoError(t, store.Save(ctx, second))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", loaded.PartNumber)
}

func TestFileStore_LegacyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	require.NoError(t, os.WriteFile(path, []byte(`{"revCreatedDate":"2022-02-02T02:02:02Z","offset":"12"}`), 0o644))

	c, err := NewFileStore(path).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2022-02-02T02:02:02Z", c.Date)
	assert.Zero(t, c.Offset)
	assert.NotNil(t, c.BadRevisions)
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o644))

	_, err := NewFileStore(path).Load(context.Background())
	assert.Error(t, err)
}

func TestFileStore_SaveZeroCursor(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), DefaultFileName))
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, Cursor{}))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, Default(), loaded)
}

// setupTestRedis creates a test Redis client or skips the test.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use a separate DB for tests
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

func TestRedisStore_SaveLoad(t *testing.T) {
	client := setupTestRedis(t)
	store := NewRedisStore(client, "cad")
	ctx := context.Background()

	assert.Equal(t, "drawingexport:cursor:cad", store.Key())

	c, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, Default(), c)

	c = c.MarkBad(drawingRevision("r1", "D1", "A", ""), "Failed to find document")
	c.Offset = 3
	require.NoError(t, store.Save(ctx, c))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, c, loaded)

	ttl, err := client.TTL(ctx, store.Key()).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(-1), int64(ttl), "cursor key must not expire")
}
