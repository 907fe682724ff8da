package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Filesystem types.
const (
	FilesystemLocal  = "local"
	FilesystemMemory = "memory"
	FilesystemS3     = "s3"
)

// StateFileName is the name of the state store inside the cache directory.
const StateFileName = "state.sqlite3"

// Config represents the main configuration for kozeki.
type Config struct {
	// BaseDir anchors every relative path of the config. ReadFromFile sets
	// it to the config file's directory when left empty.
	BaseDir        string `toml:"base_dir"`
	LogDir         string `toml:"log_dir,omitempty"`
	LogLevel       string `toml:"log_level,omitempty"`
	CacheDirectory string `toml:"cache_directory,omitempty"`

	Source      FilesystemConfig `toml:"source"`
	Destination FilesystemConfig `toml:"destination"`

	CollectionListIncludedPrefix []string                  `toml:"collection_list_included_prefix,omitempty"`
	CollectionOptions            []CollectionOptionsConfig `toml:"collection_options,omitempty"`
	HideCollectionsInItem        bool                      `toml:"hide_collections_in_item"`
	UseEventTimeAsMtime          bool                      `toml:"use_event_time_as_mtime"`
	MtimeTolerance               Duration                  `toml:"mtime_tolerance"`

	// QueueWorkers sizes the destination write queue. Zero uses the default.
	QueueWorkers int      `toml:"queue_workers,omitempty"`
	Ignore       []string `toml:"ignore,omitempty"`

	// BuildInfo enables the build metadata block and adds these keys to it.
	BuildInfo map[string]any `toml:"build_info,omitempty"`
}

// FilesystemConfig represents configuration for a source or destination tree.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type FilesystemConfig struct {
	Type string `toml:"type"` // "local", "memory", or "s3"

	// Local-specific fields (only used when Type == "local")
	Root string `toml:"root,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket          string `toml:"s3_bucket,omitempty"`
	S3Prefix          string `toml:"s3_prefix,omitempty"`
	S3Region          string `toml:"s3_region,omitempty"`
	S3Endpoint        string `toml:"s3_endpoint,omitempty"`
	S3CacheControl    string `toml:"s3_cache_control,omitempty"`
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`
}

// CollectionOptionsConfig configures collections whose name starts with Prefix.
type CollectionOptionsConfig struct {
	Prefix          string   `toml:"prefix"`
	MaxItems        int      `toml:"max_items,omitempty"`
	Paginate        bool     `toml:"paginate,omitempty"`
	MetaKeys        []string `toml:"meta_keys,omitempty"`
	HideCollections *bool    `toml:"hide_collections,omitempty"`
}

// Duration is a time.Duration written as a Go duration string ("1.5s").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

// NewConfig creates a Config for a site rooted at baseDir, reading from
// ./src and writing to ./dist with state cached under ./.cache.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir:        baseDir,
		LogLevel:       "info",
		CacheDirectory: ".cache",
		Source:         FilesystemConfig{Type: FilesystemLocal, Root: "src"},
		Destination:    FilesystemConfig{Type: FilesystemLocal, Root: "dist"},
		Ignore:         []string{".*", "*~", "*.swp"},
	}
}

// ResolvePath anchors a relative path at BaseDir.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.BaseDir, p)
}

// StatePath returns where the state store lives, or ":memory:" when no
// cache directory is configured.
func (c *Config) StatePath() string {
	if c.CacheDirectory == "" {
		return ":memory:"
	}
	return filepath.Join(c.ResolvePath(c.CacheDirectory), StateFileName)
}

// Validate reports configuration errors that would only surface mid-build.
func (c *Config) Validate() error {
	for name, fs := range map[string]FilesystemConfig{"source": c.Source, "destination": c.Destination} {
		if err := fs.validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level: %s", c.LogLevel)
	}
	if c.QueueWorkers < 0 {
		return fmt.Errorf("queue_workers must not be negative, got %d", c.QueueWorkers)
	}
	if c.MtimeTolerance.Duration < 0 {
		return fmt.Errorf("mtime_tolerance must not be negative, got %s", c.MtimeTolerance)
	}
	return nil
}

func (f FilesystemConfig) validate() error {
	switch f.Type {
	case FilesystemLocal:
		if f.Root == "" {
			return fmt.Errorf("root required for local filesystem")
		}
	case FilesystemMemory:
	case FilesystemS3:
		if f.S3Bucket == "" {
			return fmt.Errorf("s3_bucket required for s3 filesystem")
		}
	default:
		return fmt.Errorf("unknown filesystem type: %q", f.Type)
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path. A relative or
// empty base_dir is anchored at the config file's directory.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	if !filepath.IsAbs(cfg.BaseDir) {
		dir, err := filepath.Abs(filepath.Dir(path))
		if err != nil {
			return nil, fmt.Errorf("resolving config directory: %w", err)
		}
		cfg.BaseDir = filepath.Join(dir, cfg.BaseDir)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
