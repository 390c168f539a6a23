package config

import (
	_ "embed"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type Config struct {
	Store     StoreConfig
	Database  DatabaseConfig
	Embedding EmbeddingConfig
	Cache     CacheConfig
	Scan      ScanConfig
	Detection DetectionConfig
	Web       WebConfig
	Log       LogConfig
	Settings  SettingsDefaults
}

// StoreConfig selects the key-value backend.
type StoreConfig struct {
	Driver     string // memory, sqlite or postgres (default memory)
	SQLitePath string // defaults to face-blocker.db
}

type DatabaseConfig struct {
	URL          string // PostgreSQL connection URL
	MaxOpenConns int    // Maximum open connections (default 25)
	MaxIdleConns int    // Maximum idle connections (default 5)
}

type EmbeddingConfig struct {
	URL string // defaults to http://localhost:8000
}

type CacheConfig struct {
	MaxBytes int           `yaml:"max_bytes"`
	MaxAge   time.Duration `yaml:"max_age"`
}

type ScanConfig struct {
	Delay            time.Duration `yaml:"delay"`
	MutationDebounce time.Duration `yaml:"mutation_debounce"`
}

type DetectionConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	MinImageDimension int           `yaml:"min_image_dimension"`
	Metric            string        `yaml:"metric"` // euclidean or cosine
}

type WebConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string // extra CORS origins, localhost and extension pages are always allowed
}

type LogConfig struct {
	Debug bool
	JSON  bool
}

// SettingsDefaults are the values used for user settings that were never stored.
type SettingsDefaults struct {
	BlockingEnabled     bool    `yaml:"blocking_enabled"`
	MaxScans            int     `yaml:"max_scans"`
	MinWidth            int     `yaml:"min_width"`
	MinHeight           int     `yaml:"min_height"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
}

// Builtin mirrors defaults.yaml.
type Builtin struct {
	Cache     CacheConfig      `yaml:"cache"`
	Scan      ScanConfig       `yaml:"scan"`
	Detection DetectionConfig  `yaml:"detection"`
	Settings  SettingsDefaults `yaml:"settings"`
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envDuration reads an environment variable as a time.Duration such as "500ms" or "168h".
func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return d
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return defaultVal
}

// envList splits a comma-separated environment variable, dropping empty items.
func envList(key string) []string {
	var out []string
	for item := range strings.SplitSeq(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// Defaults returns the embedded defaults without consulting the environment.
func Defaults() Builtin {
	var d Builtin
	if err := yaml.Unmarshal(defaultsYAML, &d); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}
	return d
}

func Load() *Config {
	d := Defaults()

	return &Config{
		Store: StoreConfig{
			Driver:     envString("STORE_DRIVER", "memory"),
			SQLitePath: envString("SQLITE_PATH", "face-blocker.db"),
		},
		Database: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", 5),
		},
		Embedding: EmbeddingConfig{
			URL: envString("EMBEDDING_URL", "http://localhost:8000"),
		},
		Cache: CacheConfig{
			MaxBytes: envInt("CACHE_MAX_BYTES", d.Cache.MaxBytes),
			MaxAge:   envDuration("CACHE_MAX_AGE", d.Cache.MaxAge),
		},
		Scan: ScanConfig{
			Delay:            envDuration("SCAN_DELAY", d.Scan.Delay),
			MutationDebounce: envDuration("MUTATION_DEBOUNCE", d.Scan.MutationDebounce),
		},
		Detection: DetectionConfig{
			Timeout:           envDuration("DETECT_TIMEOUT", d.Detection.Timeout),
			MinImageDimension: envInt("MIN_IMAGE_DIMENSION", d.Detection.MinImageDimension),
			Metric:            envString("FACE_DISTANCE_METRIC", d.Detection.Metric),
		},
		Web: WebConfig{
			Host: envString("WEB_HOST", "0.0.0.0"),
			Port: envInt("WEB_PORT", 8080),

			AllowedOrigins: envList("WEB_ALLOWED_ORIGINS"),
		},
		Log: LogConfig{
			Debug: envBool("LOG_DEBUG", false),
			JSON:  envBool("LOG_JSON", false),
		},
		Settings: d.Settings,
	}
}
