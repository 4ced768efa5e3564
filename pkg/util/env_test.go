package util

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDurationEnvOr(t *testing.T) {
	t.Setenv("MAMORI_TEST_DUR", "250")
	assert.Equal(t, 250*time.Millisecond, GetDurationEnvOr("MAMORI_TEST_DUR", time.Second))

	t.Setenv("MAMORI_TEST_DUR", "3s")
	assert.Equal(t, 3*time.Second, GetDurationEnvOr("MAMORI_TEST_DUR", time.Second))

	t.Setenv("MAMORI_TEST_DUR", "garbage")
	assert.Equal(t, time.Second, GetDurationEnvOr("MAMORI_TEST_DUR", time.Second))

	assert.Equal(t, time.Minute, GetDurationEnvOr("MAMORI_TEST_UNSET_DUR", time.Minute))
}

func TestIntAndBoolEnv(t *testing.T) {
	t.Setenv("MAMORI_TEST_INT", "42")
	t.Setenv("MAMORI_TEST_BOOL", "true")
	assert.Equal(t, int64(42), GetIntEnv("MAMORI_TEST_INT"))
	assert.Equal(t, int64(7), GetIntEnvOr("MAMORI_TEST_INT_UNSET", 7))
	assert.True(t, GetBoolEnv("MAMORI_TEST_BOOL"))
	assert.Equal(t, "fallback", GetEnvOr("MAMORI_TEST_STR_UNSET", "fallback"))
}

func TestLoadEnvKeepsExisting(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(wd)

	content := "# comment\nMAMORI_FROM_FILE=hello\nexport MAMORI_QUOTED=\"quoted\"\nMAMORI_PRESET=file\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env.test"), []byte(content), 0o600))

	t.Setenv("MAMORI_PRESET", "process")
	require.NoError(t, LoadEnv("test"))
	defer os.Unsetenv("MAMORI_FROM_FILE")
	defer os.Unsetenv("MAMORI_QUOTED")

	assert.Equal(t, "hello", os.Getenv("MAMORI_FROM_FILE"))
	assert.Equal(t, "quoted", os.Getenv("MAMORI_QUOTED"))
	assert.Equal(t, "process", os.Getenv("MAMORI_PRESET"))

	assert.Error(t, LoadEnv("missing-env-name-that-does-not-exist"))
}
