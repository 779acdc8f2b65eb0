package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSequentialRotator_ValidParameters_ReturnsCorrectInstance(t *testing.T) {
	rotator := NewSequentialRotator("test.log", 50, 30, 10)

	assert.Equal(t, "test.log", rotator.filename)
	assert.Equal(t, int64(50)*1024*1024, rotator.maxSize)
	assert.Equal(t, 30, rotator.maxAge)
	assert.Equal(t, 10, rotator.maxBackups)
}

func TestSequentialRotator_Write_CreatesFileAndTracksSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "2026-01-02.log")
	rotator := NewSequentialRotator(path, 1, 0, 0)
	defer func() {
		require.NoError(t, rotator.Close())
	}()

	payload := []byte("log line\n")
	n, err := rotator.Write(payload)

	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, int64(len(payload)), rotator.size)
	assert.FileExists(t, path)
}

func TestSequentialRotator_Write_RotatesWhenSizeExceeded(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "2026-01-02.log")

	rotator := NewSequentialRotator(path, 1, 0, 0)
	// Shrink the limit so a couple of writes force a rotation.
	rotator.maxSize = 16
	defer func() {
		require.NoError(t, rotator.Close())
	}()

	_, err := rotator.Write([]byte(strings.Repeat("a", 12)))
	require.NoError(t, err)
	_, err = rotator.Write([]byte(strings.Repeat("b", 12)))
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dir, "2026-01-02.1.log"))
	assert.FileExists(t, path)
}

func TestSequentialRotator_Cleanup_RemovesExcessBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "2026-01-02.log")

	for i := 1; i <= 4; i++ {
		backup := filepath.Join(dir, fmt.Sprintf("2026-01-02.%d.log", i))
		require.NoError(t, os.WriteFile(backup, []byte("old"), 0644))
	}

	rotator := NewSequentialRotator(path, 1, 0, 2)
	rotator.cleanup()

	remaining, err := filepath.Glob(filepath.Join(dir, "2026-01-02.*.log"))
	require.NoError(t, err)
	assert.Len(t, remaining, 2)
}

func TestSequentialRotator_Close_WithoutWrites_ReturnsNil(t *testing.T) {
	rotator := NewSequentialRotator(filepath.Join(t.TempDir(), "x.log"), 1, 0, 0)
	assert.NoError(t, rotator.Close())
}
