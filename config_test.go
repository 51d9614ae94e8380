package meet

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	return path
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
[recorder]
output_dir = "/var/records"
min_port = 40000
max_port = 41000
compose_grace_delay_ms = 5000

[compose]
width = 1920
height = 1080
crf = 18
api_domain = "https://meet.example.com/"

[compose.s3]
endpoint = "s3.example.com"
bucket_name = "records"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/records", cfg.Recorder.OutputDir)
	assert.Equal(t, 40000, cfg.Recorder.MinPort)
	assert.Equal(t, 5*time.Second, cfg.Recorder.ComposeGraceDelay())

	// Untouched keys keep their defaults.
	assert.Equal(t, "127.0.0.1", cfg.Recorder.TargetIP)
	assert.Equal(t, time.Second, cfg.Recorder.KeyframeDelay())

	composerCfg := cfg.Compose.ComposerConfig()
	assert.Equal(t, 1920, composerCfg.Size.W)
	assert.Equal(t, 18, composerCfg.CRF)

	require.NotNil(t, cfg.Compose.S3)
	assert.Equal(t, "records", cfg.Compose.S3.BucketName)
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
[recorder]
output_dirr = "/var/records"
`)

	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "unknown config keys")
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Parallel()

	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}
