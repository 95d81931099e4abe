package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds application configuration.
type Config struct {
	// DBMaxOpenConns limits the maximum number of open database connections.
	// The default of 1 serializes writers, which keeps SQLite from returning
	// "database is locked" under concurrent intake.
	DBMaxOpenConns int `json:"db_max_open_conns,omitempty"`

	// DBMaxIdleConns limits the maximum number of idle database connections.
	DBMaxIdleConns int `json:"db_max_idle_conns,omitempty"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level,omitempty"`

	// LogEncoding is "json" or "console".
	LogEncoding string `json:"log_encoding,omitempty"`

	// LogWriteTimeoutMS bounds every best-effort record write made by intake.
	LogWriteTimeoutMS int `json:"log_write_timeout_ms,omitempty"`

	// MatchThreshold is the minimum token similarity for an approved artifact
	// to auto-complete a task. Exact signature matches always qualify.
	MatchThreshold float64 `json:"match_threshold,omitempty"`

	// ArtifactMaxChars is the maximum size of an artifact's content.
	ArtifactMaxChars int `json:"artifact_max_chars,omitempty"`

	// Router scoring.
	WeightCategory   float64 `json:"weight_category,omitempty"`
	WeightCapability float64 `json:"weight_capability,omitempty"`
	WeightLoad       float64 `json:"weight_load,omitempty"`
	MinConfidence    float64 `json:"min_confidence,omitempty"`
	LoadCap          int     `json:"load_cap,omitempty"`
	FallbackHandler  string  `json:"fallback_handler,omitempty"`
	CASRetries       int     `json:"cas_retries,omitempty"`

	// LoadStaleAfterMinutes ages out assignments that never saw a completion.
	LoadStaleAfterMinutes int `json:"load_stale_after_minutes,omitempty"`

	// Distillation.
	LeaseTTLSeconds        int `json:"lease_ttl_seconds,omitempty"`
	MaxWindowDays          int `json:"max_window_days,omitempty"`
	DistillIntervalMinutes int `json:"distill_interval_minutes,omitempty"`

	// HTTPAddr is the listen address for `linkops serve`.
	HTTPAddr string `json:"http_addr,omitempty"`

	// RedisURL switches the distillation lease to Redis when set.
	RedisURL string `json:"redis_url,omitempty"`

	// Kafka intake and dispatch. Both are disabled when KafkaBrokers is empty.
	KafkaBrokers        []string `json:"kafka_brokers,omitempty"`
	KafkaGroup          string   `json:"kafka_group,omitempty"`
	IntakeTopic         string   `json:"intake_topic,omitempty"`
	CompletionTopic     string   `json:"completion_topic,omitempty"`
	DispatchTopicPrefix string   `json:"dispatch_topic_prefix,omitempty"`

	// AllowedPaths is an allowlist of directories for knowledge exports.
	// Paths outside <base>/exports require either being in this list or AllowUnsafePaths=true.
	AllowedPaths []string `json:"allowed_paths,omitempty"`

	// AllowUnsafePaths disables directory restrictions for exports
	// (symlink and extension checks still apply).
	AllowUnsafePaths bool `json:"allow_unsafe_paths,omitempty"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	DisabledTools []string `json:"disabled_tools,omitempty"`

	// DisabledTypes is a list of tool type prefixes to disable entirely
	// (task, record, artifact, knowledge, category, distill, digest, load).
	DisabledTypes []string `json:"disabled_types,omitempty"`

	// BaseDir is where the database, exports and routing table live.
	BaseDir string `json:"-"`

	// Routing is loaded from routing.yaml, never from config.json.
	Routing *Routing `json:"-"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DBMaxOpenConns:         1,
		DBMaxIdleConns:         1,
		LogLevel:               "info",
		LogEncoding:            "json",
		LogWriteTimeoutMS:      2000,
		MatchThreshold:         0.85,
		ArtifactMaxChars:       8000,
		WeightCategory:         0.4,
		WeightCapability:       0.3,
		WeightLoad:             0.3,
		MinConfidence:          0.5,
		LoadCap:                10,
		FallbackHandler:        "manual",
		CASRetries:             5,
		LoadStaleAfterMinutes:  24 * 60,
		LeaseTTLSeconds:        15 * 60,
		MaxWindowDays:          31,
		DistillIntervalMinutes: 60,
		HTTPAddr:               "127.0.0.1:8088",
		KafkaGroup:             "linkops",
		IntakeTopic:            "linkops.intake",
		CompletionTopic:        "linkops.completions",
		DispatchTopicPrefix:    "linkops.tasks.",
		Routing:                DefaultRouting(),
	}
}

// LogWriteTimeout returns the record write timeout used by intake.
func (c *Config) LogWriteTimeout() time.Duration {
	return time.Duration(c.LogWriteTimeoutMS) * time.Millisecond
}

// LoadStaleAfter returns the age after which an open assignment is dropped.
func (c *Config) LoadStaleAfter() time.Duration {
	return time.Duration(c.LoadStaleAfterMinutes) * time.Minute
}

// LeaseTTL returns how long a distillation lease is held before it expires.
func (c *Config) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSeconds) * time.Second
}

// MaxWindow returns the longest accepted distillation window.
func (c *Config) MaxWindow() time.Duration {
	return time.Duration(c.MaxWindowDays) * 24 * time.Hour
}

// DistillInterval returns the scheduler period.
func (c *Config) DistillInterval() time.Duration {
	return time.Duration(c.DistillIntervalMinutes) * time.Minute
}

// Load loads configuration from baseDir/config.json and baseDir/routing.yaml.
// Returns defaults for whichever file doesn't exist.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.linkops.
func Load(baseDir string) (*Config, error) {
	cfg, err := loadFile(filepath.Join(baseDir, "config.json"))
	if err != nil {
		return nil, err
	}
	return attach(cfg, baseDir)
}

// LoadWithRepo loads configuration from both global (~/.linkops) and repo (.linkops) directories.
// Repo config is found by walking upward from startDir to find the nearest .linkops/config.json.
// Repo config takes precedence for scalar values; arrays are merged (deduplicated).
func LoadWithRepo(globalDir, startDir string) (*Config, error) {
	global, err := loadFileRaw(filepath.Join(globalDir, "config.json"))
	if err != nil {
		return nil, err
	}

	repo, err := loadFileRaw(FindRepoConfig(startDir))
	if err != nil {
		return nil, err
	}

	return attach(Merge(Merge(DefaultConfig(), global), repo), globalDir)
}

// FindRepoConfig walks upward from startDir to find the nearest .linkops/config.json.
// Returns the path if found, or empty string if not found.
func FindRepoConfig(startDir string) string {
	if startDir == "" {
		return ""
	}
	dir := startDir
	for {
		configPath := filepath.Join(dir, ".linkops", "config.json")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func attach(cfg *Config, baseDir string) (*Config, error) {
	routing, err := LoadRouting(filepath.Join(baseDir, RoutingFile))
	if err != nil {
		return nil, err
	}
	cfg.BaseDir = baseDir
	cfg.Routing = routing
	return cfg, nil
}

// loadFileRaw loads configuration from a specific file path.
// Returns zero-valued config if the file doesn't exist (not defaults).
func loadFileRaw(configPath string) (*Config, error) {
	if configPath == "" {
		return &Config{}, nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFile loads configuration from a specific file path.
// Returns default config if the file doesn't exist.
func loadFile(configPath string) (*Config, error) {
	cfg, err := loadFileRaw(configPath)
	if err != nil {
		return nil, err
	}
	return Merge(DefaultConfig(), cfg), nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; arrays are merged and deduplicated.
func Merge(base, overlay *Config) *Config {
	result := &Config{
		DBMaxOpenConns:         pickInt(overlay.DBMaxOpenConns, base.DBMaxOpenConns),
		DBMaxIdleConns:         pickInt(overlay.DBMaxIdleConns, base.DBMaxIdleConns),
		LogLevel:               pickString(overlay.LogLevel, base.LogLevel),
		LogEncoding:            pickString(overlay.LogEncoding, base.LogEncoding),
		LogWriteTimeoutMS:      pickInt(overlay.LogWriteTimeoutMS, base.LogWriteTimeoutMS),
		MatchThreshold:         pickFloat(overlay.MatchThreshold, base.MatchThreshold),
		ArtifactMaxChars:       pickInt(overlay.ArtifactMaxChars, base.ArtifactMaxChars),
		WeightCategory:         pickFloat(overlay.WeightCategory, base.WeightCategory),
		WeightCapability:       pickFloat(overlay.WeightCapability, base.WeightCapability),
		WeightLoad:             pickFloat(overlay.WeightLoad, base.WeightLoad),
		MinConfidence:          pickFloat(overlay.MinConfidence, base.MinConfidence),
		LoadCap:                pickInt(overlay.LoadCap, base.LoadCap),
		FallbackHandler:        pickString(overlay.FallbackHandler, base.FallbackHandler),
		CASRetries:             pickInt(overlay.CASRetries, base.CASRetries),
		LoadStaleAfterMinutes:  pickInt(overlay.LoadStaleAfterMinutes, base.LoadStaleAfterMinutes),
		LeaseTTLSeconds:        pickInt(overlay.LeaseTTLSeconds, base.LeaseTTLSeconds),
		MaxWindowDays:          pickInt(overlay.MaxWindowDays, base.MaxWindowDays),
		DistillIntervalMinutes: pickInt(overlay.DistillIntervalMinutes, base.DistillIntervalMinutes),
		HTTPAddr:               pickString(overlay.HTTPAddr, base.HTTPAddr),
		RedisURL:               pickString(overlay.RedisURL, base.RedisURL),
		KafkaGroup:             pickString(overlay.KafkaGroup, base.KafkaGroup),
		IntakeTopic:            pickString(overlay.IntakeTopic, base.IntakeTopic),
		CompletionTopic:        pickString(overlay.CompletionTopic, base.CompletionTopic),
		DispatchTopicPrefix:    pickString(overlay.DispatchTopicPrefix, base.DispatchTopicPrefix),
		BaseDir:                pickString(overlay.BaseDir, base.BaseDir),
	}

	// Booleans: overlay wins if true, else base
	result.AllowUnsafePaths = base.AllowUnsafePaths || overlay.AllowUnsafePaths

	// Arrays: merge and deduplicate
	result.KafkaBrokers = mergeStringSlice(base.KafkaBrokers, overlay.KafkaBrokers)
	result.AllowedPaths = mergeStringSlice(base.AllowedPaths, overlay.AllowedPaths)
	result.DisabledTools = mergeStringSlice(base.DisabledTools, overlay.DisabledTools)
	result.DisabledTypes = mergeStringSlice(base.DisabledTypes, overlay.DisabledTypes)

	result.Routing = overlay.Routing
	if result.Routing == nil {
		result.Routing = base.Routing
	}

	return result
}

func pickInt(overlay, base int) int {
	if overlay != 0 {
		return overlay
	}
	return base
}

func pickFloat(overlay, base float64) float64 {
	if overlay != 0 {
		return overlay
	}
	return base
}

func pickString(overlay, base string) string {
	if overlay != "" {
		return overlay
	}
	return base
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, s := range append(append([]string{}, a...), b...) {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}
