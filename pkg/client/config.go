package client

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the client config file
type TOMLConfig struct {
	Connection ConnectionSection `toml:"connection"`
	Local      LocalSection      `toml:"local"`
	UI         UISection         `toml:"ui"`
}

type ConnectionSection struct {
	DefaultServer         string `toml:"default_server"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
}

type LocalSection struct {
	DownloadDir  string `toml:"download_dir"`
	UploadDir    string `toml:"upload_dir"`
	LastUsername string `toml:"last_username"`
}

type UISection struct {
	ShowTimestamps bool `toml:"show_timestamps"`
}

// ConfigError represents a structured configuration error
type ConfigError struct {
	Path       string
	Message    string
	LineNumber int // 0 if not a parse error
}

func (e *ConfigError) Error() string {
	if e.LineNumber > 0 {
		return fmt.Sprintf("%s: %s (line %d)", e.Path, e.Message, e.LineNumber)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// getXDGConfigHome returns the XDG config directory
func getXDGConfigHome() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return xdg
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".config")
}

// getXDGDataHome returns the XDG data directory
func getXDGDataHome() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return xdg
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".local", "share")
}

// DefaultConfigPath is where the client looks for its config file
func DefaultConfigPath() string {
	return filepath.Join(getXDGConfigHome(), "chatdrop", "client.toml")
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	dataHome := getXDGDataHome()

	return TOMLConfig{
		Connection: ConnectionSection{
			DefaultServer:         "localhost:" + defaultTCPPort,
			RequestTimeoutSeconds: int(DefaultRequestTimeout / time.Second),
		},
		Local: LocalSection{
			DownloadDir: filepath.Join(dataHome, "chatdrop", "downloads"),
			UploadDir:   ".",
		},
		UI: UISection{
			ShowTimestamps: true,
		},
	}
}

// LoadClientConfig loads configuration from a TOML file, creates default if not found
func LoadClientConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// Not being able to persist defaults is no reason to stop
			return config, nil
		}
		return config, nil
	}

	// Start from defaults so missing keys keep their default values
	config := DefaultTOMLConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		lineNum := extractLineNumber(err.Error())
		var parseErr toml.ParseError
		if errors.As(err, &parseErr) {
			lineNum = parseErr.Position.Line
		}
		return TOMLConfig{}, &ConfigError{
			Path:       path,
			Message:    cleanErrorMessage(err.Error()),
			LineNumber: lineNum,
		}
	}

	if err := validateConfig(&config); err != nil {
		return TOMLConfig{}, &ConfigError{
			Path:    path,
			Message: err.Error(),
		}
	}

	return config, nil
}

var lineNumberPattern = regexp.MustCompile(`line (\d+)`)

// extractLineNumber tries to extract a line number from a TOML parse error
func extractLineNumber(errMsg string) int {
	matches := lineNumberPattern.FindStringSubmatch(errMsg)
	if len(matches) > 1 {
		if num, err := strconv.Atoi(matches[1]); err == nil {
			return num
		}
	}
	return 0
}

// cleanErrorMessage removes redundant parts from error messages
func cleanErrorMessage(errMsg string) string {
	return strings.TrimPrefix(errMsg, "toml: ")
}

// validateConfig validates configuration values
func validateConfig(config *TOMLConfig) error {
	var problems []string

	if strings.TrimSpace(config.Connection.DefaultServer) != "" {
		if _, err := parseServerAddress(config.Connection.DefaultServer); err != nil {
			problems = append(problems, fmt.Sprintf("Invalid default server: %v", err))
		}
	}

	if config.Connection.RequestTimeoutSeconds < 0 {
		problems = append(problems, "Request timeout cannot be negative")
	}

	if strings.TrimSpace(config.Local.DownloadDir) == "" {
		problems = append(problems, "Download directory cannot be empty")
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed:\n  • %s", strings.Join(problems, "\n  • "))
	}

	return nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# chatdrop client configuration
# This file was auto-generated with default values
# Edit as needed - changes take effect on next client start

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// SaveClientConfig writes config to path, replacing the existing file
func SaveClientConfig(path string, config TOMLConfig) error {
	path, err := expandHome(path)
	if err != nil {
		return err
	}
	return writeDefaultConfig(path, config)
}

// GetServerAddress returns the server address to dial
func (c *TOMLConfig) GetServerAddress() string {
	return strings.TrimSpace(c.Connection.DefaultServer)
}

// GetRequestTimeout returns the request timeout as a duration
func (c *TOMLConfig) GetRequestTimeout() time.Duration {
	return time.Duration(c.Connection.RequestTimeoutSeconds) * time.Second
}

// GetDownloadDir returns the download directory with ~ expanded
func (c *TOMLConfig) GetDownloadDir() (string, error) {
	return expandHome(c.Local.DownloadDir)
}

// GetUploadDir returns the directory relative upload paths resolve against
func (c *TOMLConfig) GetUploadDir() (string, error) {
	dir := c.Local.UploadDir
	if dir == "" {
		dir = "."
	}
	return expandHome(dir)
}

// ResetConfigToDefault resets the config file to default values
// If backup is true, creates a backup with timestamp
func ResetConfigToDefault(path string, backup bool) error {
	path, err := expandHome(path)
	if err != nil {
		return err
	}

	if backup {
		backupPath := fmt.Sprintf("%s.backup-%s", path, time.Now().Format("2006-01-02"))
		if err := copyFile(path, backupPath); err != nil {
			return fmt.Errorf("failed to create backup: %w", err)
		}
	}

	if err := writeDefaultConfig(path, DefaultTOMLConfig()); err != nil {
		return fmt.Errorf("failed to write default config: %w", err)
	}

	return nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// copyFile copies a file from src to dst
func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}
