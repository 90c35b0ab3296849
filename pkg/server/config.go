package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/aeolun/chatdrop/pkg/database"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server ServerSection         `toml:"server"`
	Limits LimitsSection         `toml:"limits"`
	Users  []database.Credential `toml:"users"`
}

type ServerSection struct {
	TCPPort       int    `toml:"tcp_port"`
	HTTPPort      int    `toml:"http_port"`
	FilesDir      string `toml:"files_dir"`
	DatabasePath  string `toml:"database_path"`
	CompressFiles bool   `toml:"compress_files"`
}

type LimitsSection struct {
	MaxConnections      int    `toml:"max_connections"`
	MaxMessageLength    int    `toml:"max_message_length"`
	MaxUploadBytes      uint64 `toml:"max_upload_bytes"`
	WriteTimeoutSeconds int    `toml:"write_timeout_seconds"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	TCPPort          int
	HTTPPort         int // 0 disables the HTTP listener
	MaxConnections   int // 0 = unlimited
	MaxMessageLength int
	MaxUploadBytes   uint64
	WriteTimeout     time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:          12345,
		HTTPPort:         0,
		MaxConnections:   1000,
		MaxMessageLength: 4096,
		MaxUploadBytes:   1 << 30, // 1 GB
		WriteTimeout:     30 * time.Second,
	}
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	cfg := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:       cfg.TCPPort,
			HTTPPort:      9090,
			FilesDir:      "~/.chatdrop/files",
			DatabasePath:  "~/.chatdrop/users.db",
			CompressFiles: false,
		},
		Limits: LimitsSection{
			MaxConnections:      cfg.MaxConnections,
			MaxMessageLength:    cfg.MaxMessageLength,
			MaxUploadBytes:      cfg.MaxUploadBytes,
			WriteTimeoutSeconds: int(cfg.WriteTimeout / time.Second),
		},
		Users: database.DefaultUsers(),
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := ExpandPath(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// Unwritable location is not fatal, run with defaults
		_ = writeDefaultConfig(path, config)
		return config, nil
	}

	var config TOMLConfig
	meta, err := toml.DecodeFile(path, &config)
	if err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	// A file without any [[users]] keeps the default accounts
	if !meta.IsDefined("users") {
		config.Users = database.DefaultUsers()
	}

	return config, nil
}

func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# chatdrop server configuration
# This file was auto-generated with default values
# Set http_port = 0 to disable /metrics, /health and /ws

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}
	cfg.HTTPPort = c.Server.HTTPPort

	if c.Limits.MaxConnections != 0 {
		cfg.MaxConnections = c.Limits.MaxConnections
	}
	if c.Limits.MaxMessageLength != 0 {
		cfg.MaxMessageLength = c.Limits.MaxMessageLength
	}
	if c.Limits.MaxUploadBytes != 0 {
		cfg.MaxUploadBytes = c.Limits.MaxUploadBytes
	}
	if c.Limits.WriteTimeoutSeconds != 0 {
		cfg.WriteTimeout = time.Duration(c.Limits.WriteTimeoutSeconds) * time.Second
	}

	return cfg
}

// GetDatabasePath returns the database path with ~ expanded. An empty
// path means credentials are kept in memory only.
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	if strings.TrimSpace(c.Server.DatabasePath) == "" {
		return "", nil
	}
	return ExpandPath(c.Server.DatabasePath)
}

// GetFilesDir returns the files directory with ~ expanded. An empty
// directory means uploads are kept in memory only.
func (c *TOMLConfig) GetFilesDir() (string, error) {
	if strings.TrimSpace(c.Server.FilesDir) == "" {
		return "", nil
	}
	return ExpandPath(c.Server.FilesDir)
}

// ExpandPath replaces a leading ~/ with the user's home directory
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
