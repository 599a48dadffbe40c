package versionstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromoteVersion(t *testing.T) {
	base := t.TempDir()
	s := New(base)

	_, err := s.CreateVersionDir("1.0.0")
	require.NoError(t, err)
	require.NoError(t, s.PromoteVersion("1.0.0"))

	cur, ok := s.GetCurrentVersion()
	require.True(t, ok)
	assert.Equal(t, "1.0.0", cur)

	_, err = s.CreateVersionDir("2.0.0")
	require.NoError(t, err)
	require.NoError(t, s.PromoteVersion("2.0.0"))

	cur, _ = s.GetCurrentVersion()
	assert.Equal(t, "2.0.0", cur)
	prev, ok := s.GetPreviousVersion()
	require.True(t, ok)
	assert.Equal(t, "1.0.0", prev)
}

func TestPromoteVersion_LeavesNoTempArtifact(t *testing.T) {
	base := t.TempDir()
	s := New(base)
	_, err := s.CreateVersionDir("1.0.0")
	require.NoError(t, err)
	require.NoError(t, s.PromoteVersion("1.0.0"))

	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp.")
	}
}

func TestCreateVersionDir_AlreadyExists(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.CreateVersionDir("1.0.0")
	require.NoError(t, err)
	_, err = s.CreateVersionDir("1.0.0")
	require.Error(t, err)
}

func TestRollback(t *testing.T) {
	base := t.TempDir()
	s := New(base)
	for _, v := range []string{"0.0.1", "0.9.0", "1.0.0"} {
		_, err := s.CreateVersionDir(v)
		require.NoError(t, err)
	}
	require.NoError(t, s.PromoteVersion("0.0.1"))
	require.NoError(t, s.SetFactoryVersion("0.0.1"))
	require.NoError(t, s.PromoteVersion("0.9.0"))
	require.NoError(t, s.PromoteVersion("1.0.0"))

	require.NoError(t, s.RollbackToPrevious())
	cur, _ := s.GetCurrentVersion()
	assert.Equal(t, "0.9.0", cur)

	require.NoError(t, s.RollbackToFactory())
	cur, _ = s.GetCurrentVersion()
	assert.Equal(t, "0.0.1", cur)
}

func TestRollbackToPrevious_NoneRecorded(t *testing.T) {
	s := New(t.TempDir())
	err := s.RollbackToPrevious()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NO_PREVIOUS")
}

func TestDeleteVersion_RefusesActive(t *testing.T) {
	base := t.TempDir()
	s := New(base)
	_, err := s.CreateVersionDir("1.0.0")
	require.NoError(t, err)
	require.NoError(t, s.PromoteVersion("1.0.0"))

	err = s.DeleteVersion("1.0.0")
	require.Error(t, err)
}

func TestVerifyFactoryVersion(t *testing.T) {
	base := t.TempDir()
	s := New(base)
	assert.False(t, s.VerifyFactoryVersion())

	dir, err := s.CreateVersionDir("0.0.1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker"), []byte("x"), 0o644))
	require.NoError(t, s.SetFactoryVersion("0.0.1"))

	assert.True(t, s.VerifyFactoryVersion())
}

func TestListVersions(t *testing.T) {
	s := New(t.TempDir())
	for _, v := range []string{"1.0.0", "0.9.0"} {
		_, err := s.CreateVersionDir(v)
		require.NoError(t, err)
	}
	versions, err := s.ListVersions()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1.0.0", "0.9.0"}, versions)
}
