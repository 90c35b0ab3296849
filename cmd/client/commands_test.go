package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/chatdrop/pkg/filestore"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line    string
		wantCmd string
		wantArg string
	}{
		{"hello there", "", "hello there"},
		{"/files", "/files", ""},
		{"/UPLOAD  notes.txt ", "/upload", "notes.txt"},
		{"/download my file.txt", "/download", "my file.txt"},
	}

	for _, tt := range tests {
		cmd, arg := parseCommand(tt.line)
		assert.Equal(t, tt.wantCmd, cmd, tt.line)
		assert.Equal(t, tt.wantArg, arg, tt.line)
	}
}

func TestResolveUploadPath(t *testing.T) {
	assert.Equal(t, filepath.Join("/uploads", "a.txt"), resolveUploadPath("/uploads", "a.txt"))
	assert.Equal(t, "/abs/a.txt", resolveUploadPath("/uploads", "/abs/a.txt"))
	assert.Equal(t, "a.txt", resolveUploadPath("", "a.txt"))
}

func TestSaveDownload(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "downloads")

	path, err := saveDownload(dir, "report.txt", []byte("contents"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "report.txt"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "contents", string(data))

	_, err = os.Stat(path + ".part")
	assert.True(t, os.IsNotExist(err))

	_, err = saveDownload(dir, "../escape.txt", []byte("x"))
	assert.ErrorIs(t, err, filestore.ErrInvalidName)
}
