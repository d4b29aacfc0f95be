package util

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	AppConfigDir = ".config/reelfed"
)

// GetConfigDir returns ~/.config/reelfed, creating it if needed.
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	configDir := filepath.Join(homeDir, AppConfigDir)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	return configDir, nil
}

// ResolveFilePath prefers a file in the working directory, then one in the
// user config directory. When neither exists the user config path is
// returned so the caller can create it there.
func ResolveFilePath(filename string) string {
	if filepath.IsAbs(filename) {
		return filename
	}
	if _, err := os.Stat(filename); err == nil {
		return filename
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return filename
	}

	return filepath.Join(configDir, filename)
}

// ResolveDir resolves a data directory the same way as ResolveFilePath and
// makes sure it exists.
func ResolveDir(dir string) (string, error) {
	resolved := dir
	if !filepath.IsAbs(dir) {
		if st, err := os.Stat(dir); err != nil || !st.IsDir() {
			resolved = ResolveFilePath(dir)
		}
	}
	if err := os.MkdirAll(resolved, 0755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", resolved, err)
	}
	return resolved, nil
}
