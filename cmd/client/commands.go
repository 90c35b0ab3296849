package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aeolun/chatdrop/pkg/filestore"
)

const helpText = `Commands:
  /files             list files on the server
  /upload <path>     upload a local file
  /download <name>   download a file into the download directory
  /quit              log out and exit
  /help              show this help
Anything else is sent as a chat message.`

// parseCommand splits "/cmd arg" input. Plain chat returns an empty command.
func parseCommand(line string) (cmd, arg string) {
	if !strings.HasPrefix(line, "/") {
		return "", line
	}
	cmd, arg, _ = strings.Cut(line, " ")
	return strings.ToLower(cmd), strings.TrimSpace(arg)
}

// resolveUploadPath makes a relative path relative to the upload directory
func resolveUploadPath(uploadDir, path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	if filepath.IsAbs(path) || uploadDir == "" {
		return path
	}
	return filepath.Join(uploadDir, path)
}

// saveDownload writes data to dir/name, refusing names that would escape dir
func saveDownload(dir, name string, data []byte) (string, error) {
	if err := filestore.ValidateName(name); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create download directory: %w", err)
	}

	path := filepath.Join(dir, name)
	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return path, nil
}
