package verify

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func TestMD5_KnownValue(t *testing.T) {
	path := writeTemp(t, []byte("test"))
	hash, err := MD5(path)
	require.NoError(t, err)
	assert.Equal(t, "098f6bcd4621d373cade4e832627b4f6", hash)
}

func TestMD5_NotFound(t *testing.T) {
	_, err := MD5(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOT_FOUND")
}

func TestVerify_Success(t *testing.T) {
	path := writeTemp(t, []byte("test"))
	err := Verify(path, "098F6BCD4621D373CADE4E832627B4F6")
	require.NoError(t, err)
}

func TestVerify_Mismatch(t *testing.T) {
	path := writeTemp(t, []byte("test"))
	err := Verify(path, "00000000000000000000000000000000"[:32])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MD5_MISMATCH")
}

func TestVerify_InvalidHashFormat(t *testing.T) {
	path := writeTemp(t, []byte("test"))
	err := Verify(path, "not-hex-and-wrong-length")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INVALID_HASH_FORMAT")
}
