package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdirTemp runs the test inside an empty directory so a stray .env is not loaded.
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestFromEnv_Defaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "cad", cfg.Stack)
	assert.Equal(t, DefaultCredentialsFile, cfg.CredentialsFile)
	assert.Equal(t, filepath.Join("pdfoutput", "cad"), cfg.ExportDir)
	assert.Equal(t, filepath.Join("pdfoutput", "cad", "lastexport.json"), cfg.StateFile)
	assert.Equal(t, BackendFile, cfg.StateBackend)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Log.Pretty)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 600*time.Second, cfg.TranslationTimeout)
	assert.Equal(t, 10*time.Minute, cfg.RequestTimeout)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 0, cfg.MaxPages)
	assert.False(t, cfg.Mirror.Enabled())
}

func TestFromEnv_Environment(t *testing.T) {
	chdirTemp(t)

	t.Setenv("DRAWING_EXPORT_STACK", "staging")
	t.Setenv("DRAWING_EXPORT_DIR", "/data/out")
	t.Setenv("DRAWING_EXPORT_STATE_BACKEND", "REDIS")
	t.Setenv("DRAWING_EXPORT_REDIS_URL", "redis://localhost:6379/2")
	t.Setenv("DRAWING_EXPORT_LOG_PRETTY", "true")
	t.Setenv("DRAWING_EXPORT_POLL_INTERVAL", "2s")
	t.Setenv("DRAWING_EXPORT_TRANSLATION_TIMEOUT", "90")
	t.Setenv("DRAWING_EXPORT_MAX_RETRIES", "5")
	t.Setenv("DRAWING_EXPORT_SCHEDULE", "*/15 * * * *")
	t.Setenv("DRAWING_EXPORT_S3_BUCKET", "drawings")
	t.Setenv("DRAWING_EXPORT_S3_ACCESS_KEY_ID", "AKIDEXAMPLE")
	t.Setenv("DRAWING_EXPORT_S3_SECRET_ACCESS_KEY", "secret")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.Stack)
	assert.Equal(t, "/data/out", cfg.ExportDir)
	assert.Equal(t, filepath.Join("/data/out", "lastexport.json"), cfg.StateFile)
	assert.Equal(t, BackendRedis, cfg.StateBackend)
	assert.True(t, cfg.Log.Pretty)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 90*time.Second, cfg.TranslationTimeout)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, "*/15 * * * *", cfg.Schedule)
	assert.True(t, cfg.Mirror.Enabled())
	assert.Equal(t, "AKIDEXAMPLE", cfg.Mirror.AccessKeyID)
	assert.Equal(t, "secret", cfg.Mirror.SecretAccessKey)
}

func TestFromEnv_InvalidNumbersFallBack(t *testing.T) {
	chdirTemp(t)

	t.Setenv("DRAWING_EXPORT_MAX_RETRIES", "many")
	t.Setenv("DRAWING_EXPORT_POLL_INTERVAL", "soon")
	t.Setenv("DRAWING_EXPORT_LOG_PRETTY", "maybe")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.False(t, cfg.Log.Pretty)
}

func TestFromEnv_DotEnv(t *testing.T) {
	dir := chdirTemp(t)

	content := "DRAWING_EXPORT_STACK=dotenv\nDRAWING_EXPORT_MAX_PAGES=4\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(content), 0o600))

	t.Cleanup(func() {
		os.Unsetenv("DRAWING_EXPORT_STACK")
		os.Unsetenv("DRAWING_EXPORT_MAX_PAGES")
	})

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "dotenv", cfg.Stack)
	assert.Equal(t, 4, cfg.MaxPages)
}

func TestFromEnv_OptionsOverrideEnvironment(t *testing.T) {
	chdirTemp(t)

	t.Setenv("DRAWING_EXPORT_STACK", "env")

	cfg, err := FromEnv(func(c *Config) {
		c.Stack = "flag"
		c.MaxPages = 2
	})
	require.NoError(t, err)

	assert.Equal(t, "flag", cfg.Stack)
	assert.Equal(t, filepath.Join("pdfoutput", "flag"), cfg.ExportDir)
	assert.Equal(t, 2, cfg.MaxPages)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown backend",
			modify:  func(c *Config) { c.StateBackend = "etcd" },
			wantErr: `invalid state backend "etcd"`,
		},
		{
			name:    "redis without url",
			modify:  func(c *Config) { c.StateBackend = BackendRedis },
			wantErr: "REDIS_URL is required",
		},
		{
			name:    "zero poll interval",
			modify:  func(c *Config) { c.PollInterval = 0 },
			wantErr: "poll interval must be positive",
		},
		{
			name:    "zero translation timeout",
			modify:  func(c *Config) { c.TranslationTimeout = 0 },
			wantErr: "translation timeout must be positive",
		},
		{
			name:    "zero request timeout",
			modify:  func(c *Config) { c.RequestTimeout = 0 },
			wantErr: "request timeout must be positive",
		},
		{
			name:    "negative retries",
			modify:  func(c *Config) { c.MaxRetries = -1 },
			wantErr: "max retries must be >= 0",
		},
		{
			name:    "negative max pages",
			modify:  func(c *Config) { c.MaxPages = -3 },
			wantErr: "max pages must be >= 0",
		},
		{
			name:    "s3 access key without secret",
			modify:  func(c *Config) { c.Mirror.AccessKeyID = "AKIDEXAMPLE" },
			wantErr: "must be set together",
		},
		{
			name:    "bad schedule",
			modify:  func(c *Config) { c.Schedule = "every tuesday" },
			wantErr: "invalid schedule",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chdirTemp(t)

			_, err := FromEnv(tt.modify)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
