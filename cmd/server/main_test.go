package main

import (
	"flag"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/chatdrop/pkg/filestore"
	"github.com/aeolun/chatdrop/pkg/server"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("chatdrop-server", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Int("port", 0, "")
	fs.String("files", "", "")
	fs.String("db", "", "")
	return fs
}

func TestApplyOverrides(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		wantPort  int
		wantFiles string
		wantDB    string
	}{
		{"no flags keep the file", nil, 12345, "~/files", "~/users.db"},
		{"values replace the file", []string{"--port", "7000", "--files", "/srv/files", "--db", "/srv/users.db"}, 7000, "/srv/files", "/srv/users.db"},
		{"empty files selects memory", []string{"--files", ""}, 12345, "", "~/users.db"},
		{"empty db selects static users", []string{"--db="}, 12345, "~/files", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFlagSet()
			require.NoError(t, fs.Parse(tt.args))

			config := server.DefaultTOMLConfig()
			config.Server.TCPPort = 12345
			config.Server.FilesDir = "~/files"
			config.Server.DatabasePath = "~/users.db"

			require.NoError(t, applyOverrides(fs, &config))
			assert.Equal(t, tt.wantPort, config.Server.TCPPort)
			assert.Equal(t, tt.wantFiles, config.Server.FilesDir)
			assert.Equal(t, tt.wantDB, config.Server.DatabasePath)
		})
	}
}

func TestOpenFileStoreInMemoryWhenUnset(t *testing.T) {
	fs := newFlagSet()
	require.NoError(t, fs.Parse([]string{"--files", ""}))

	config := server.DefaultTOMLConfig()
	config.Server.FilesDir = t.TempDir()
	require.NoError(t, applyOverrides(fs, &config))

	store, err := openFileStore(config)
	require.NoError(t, err)
	assert.IsType(t, &filestore.MemStore{}, store)
}
