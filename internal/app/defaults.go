package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// ConfigFileName is the config file looked up in the working directory.
const ConfigFileName = "kozeki.toml"

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - KOZEKI_CONFIG_PATH: config file location (default: ./kozeki.toml)
//   - KOZEKI_HOME: base directory of the site (default: the working directory)
func GetDefaults() (map[string]string, error) {
	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	configPath := os.Getenv("KOZEKI_CONFIG_PATH")
	if configPath == "" {
		configPath = filepath.Join(baseDir, ConfigFileName)
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

// getBaseDir returns the site directory, checking KOZEKI_HOME first and
// falling back to the working directory.
func getBaseDir() (string, error) {
	if path := os.Getenv("KOZEKI_HOME"); path != "" {
		return path, nil
	}

	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("cannot determine working directory: %w", err)
	}
	return wd, nil
}
