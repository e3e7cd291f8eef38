package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
)

const (
	defaultMaxParallelism = 16
	defaultMaxDepth       = 2
	defaultTagLanguage    = "zh-cn"
)

var defaultCoverVariants = []string{"main", "sam", "240x240"}

/// RootFolder is one configured library root: an alias plus its absolute path.
type RootFolder struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// S3Config holds the options for accessing the object store used to offload
// cover assets. Empty host disables offloading.
type S3Config struct {
	Host            string `json:"host"`
	Bucket          string `json:"bucket"`
	Region          string `json:"region"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	SessionToken    string `json:"session_token"`
	ForcePathStyle  bool   `json:"force_path_style"`
}

// Config describes the application level configuration loaded from json.
type Config struct {
	RootFolders              []RootFolder `json:"root_folders"`
	DatabasePath             string       `json:"database_path"`
	CoverDir                 string       `json:"cover_dir"`
	MaxParallelism           int          `json:"max_parallelism"`
	ScannerMaxRecursionDepth int          `json:"scanner_max_recursion_depth"`
	TagLanguage              string       `json:"tag_language"`
	SkipCleanup              bool         `json:"skip_cleanup"`
	CoverVariants            []string     `json:"cover_variants"`
	// DurationExcludePattern matches relative track paths that must not
	// contribute to the total work duration, e.g. an alternate cut without
	// sound effects.
	DurationExcludePattern string   `json:"duration_exclude_pattern"`
	SourceOrder            []string `json:"source_order"`
	CoverOffload           S3Config `json:"cover_offload"`
}

var defaultConfig *Config

// SetDefault assigns the global configuration instance.
func SetDefault(cfg *Config) {
	defaultConfig = cfg
}

// Default returns the configured global configuration instance.
func Default() *Config {
	return defaultConfig
}

// LoadFirst tries to load configuration from the given paths, returning the
// first successfully decoded configuration. If none of the paths contain a
// readable config, an error is returned.
func LoadFirst(paths ...string) (*Config, error) {
	var lastErr error
	for _, path := range paths {
		if path == "" {
			continue
		}
		cfg, err := Load(path)
		if errors.Is(err, os.ErrNotExist) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, err
		}
		return cfg, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("config not found in paths: %v", paths)
	}
	return nil, lastErr
}

// Load reads configuration from a single json file path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.MaxParallelism <= 0 {
		c.MaxParallelism = defaultMaxParallelism
	}
	if c.ScannerMaxRecursionDepth <= 0 {
		c.ScannerMaxRecursionDepth = defaultMaxDepth
	}
	if c.TagLanguage == "" {
		c.TagLanguage = defaultTagLanguage
	}
	if len(c.CoverVariants) == 0 {
		c.CoverVariants = append([]string(nil), defaultCoverVariants...)
	}
	if len(c.SourceOrder) == 0 {
		c.SourceOrder = []string{"dlsite", "asmrone"}
	}
}

// Validate performs basic validation of the configuration.
func (c *Config) Validate() error {
	if len(c.RootFolders) == 0 {
		return errors.New("config.root_folders must not be empty")
	}
	seen := make(map[string]struct{}, len(c.RootFolders))
	for _, rf := range c.RootFolders {
		if rf.Name == "" || rf.Path == "" {
			return errors.New("config.root_folders entries need both name and path")
		}
		if _, ok := seen[rf.Name]; ok {
			return fmt.Errorf("config.root_folders has duplicated name %q", rf.Name)
		}
		seen[rf.Name] = struct{}{}
	}
	if c.DatabasePath == "" {
		return errors.New("config.database_path must be set")
	}
	if c.CoverDir == "" {
		return errors.New("config.cover_dir must be set")
	}
	if c.DurationExcludePattern != "" {
		if _, err := regexp.Compile(c.DurationExcludePattern); err != nil {
			return fmt.Errorf("config.duration_exclude_pattern invalid: %w", err)
		}
	}
	if c.CoverOffload.Host != "" && c.CoverOffload.Bucket == "" {
		return errors.New("config.cover_offload.bucket must be set when offload host is set")
	}
	return nil
}

// OffloadEnabled reports whether cover assets should be mirrored to the
// object store.
func (c *Config) OffloadEnabled() bool {
	return c.CoverOffload.Host != ""
}

// FindRootFolder returns the configured root folder with the given alias.
func (c *Config) FindRootFolder(name string) (RootFolder, bool) {
	for _, rf := range c.RootFolders {
		if rf.Name == name {
			return rf, true
		}
	}
	return RootFolder{}, false
}
