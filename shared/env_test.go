package shared

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetenv(t *testing.T) {
	t.Setenv("SALON_TEST_INT", "42")
	t.Setenv("SALON_TEST_BAD", "forty")
	t.Setenv("SALON_TEST_DUR", "30")

	v, err := Getenv(GetenvInt, "SALON_TEST_INT", true, 0)
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	_, err = Getenv(GetenvInt, "SALON_TEST_BAD", false, 7)
	assert.Error(t, err)

	d, err := Getenv(GetenvDuration, "SALON_TEST_DUR", false, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)

	def, err := Getenv(GetenvString, "SALON_TEST_UNSET", false, "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", def)

	_, err = Getenv(GetenvString, "SALON_TEST_UNSET", true, "")
	assert.Error(t, err)

	assert.Panics(t, func() { MustGetenv(GetenvInt, "SALON_TEST_BAD", false, 0) })
}

func TestLoadDotenv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("# comment\nexport SALON_DOTENV_A=\"quoted\"\nSALON_DOTENV_B=plain\nSALON_DOTENV_KEEP=file\n"), 0o600))
	t.Setenv("SALON_DOTENV_KEEP", "process")
	t.Cleanup(func() {
		os.Unsetenv("SALON_DOTENV_A")
		os.Unsetenv("SALON_DOTENV_B")
	})

	require.NoError(t, LoadDotenv(path))
	assert.Equal(t, "quoted", os.Getenv("SALON_DOTENV_A"))
	assert.Equal(t, "plain", os.Getenv("SALON_DOTENV_B"))
	assert.Equal(t, "process", os.Getenv("SALON_DOTENV_KEEP"))

	assert.NoError(t, LoadDotenv(filepath.Join(t.TempDir(), "missing")))

	bad := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(bad, []byte("not a pair\n"), 0o600))
	assert.Error(t, LoadDotenv(bad))
}
