// Package config provides the configuration schema and loader for the dexter
// capture service.
package config

import (
	"time"

	"github.com/MrWong99/dexter/internal/auth"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// StorageBackend selects the blob store implementation.
type StorageBackend string

const (
	// StorageSupabase stores frames in a Supabase Storage bucket.
	StorageSupabase StorageBackend = "supabase"

	// StorageLocal stores frames on the local filesystem and serves them
	// under /blobs/.
	StorageLocal StorageBackend = "local"
)

// IsValid reports whether b is a recognised storage backend.
func (b StorageBackend) IsValid() bool {
	return b == StorageSupabase || b == StorageLocal
}

// CatalogBackend selects the metadata table implementation.
type CatalogBackend string

const (
	CatalogPostgres CatalogBackend = "postgres"
	CatalogSQLite   CatalogBackend = "sqlite"
)

// IsValid reports whether b is a recognised catalog backend.
func (b CatalogBackend) IsValid() bool {
	return b == CatalogPostgres || b == CatalogSQLite
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":8080"
	DefaultPollInterval     = 1 * time.Second
	DefaultFallbackInterval = 30 * time.Second
	DefaultRequestTimeout   = 30 * time.Second
	DefaultSignedURLTTL     = 5 * time.Minute
	DefaultBucket           = "mentra_scenes"
	DefaultWakeWord         = "dexter"
	DefaultLocalRoot        = "./data/blobs"
	DefaultSQLitePath       = "./data/catalog.sqlite"
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Commands CommandsConfig `yaml:"commands"`
	Capture  CaptureConfig  `yaml:"capture"`
	Storage  StorageConfig  `yaml:"storage"`
	Catalog  CatalogConfig  `yaml:"catalog"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// PublicURL is the externally reachable base URL. Local signed blob URLs
	// are built on it.
	PublicURL string `yaml:"public_url"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// AllowedOrigins are origin patterns accepted on the device websocket in
	// addition to same-origin requests.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// AuthConfig lists the static bearer tokens.
type AuthConfig struct {
	Tokens []auth.Token `yaml:"tokens"`
}

// CommandsConfig tunes voice command recognition.
type CommandsConfig struct {
	// WakeWord anchors every command. Defaults to "dexter".
	WakeWord string `yaml:"wake_word"`

	// PhoneticWakeWord accepts near-homophones of the wake word.
	PhoneticWakeWord bool `yaml:"phonetic_wake_word"`
}

// CaptureConfig controls the capture scheduler and device requests.
type CaptureConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	FallbackInterval time.Duration `yaml:"fallback_interval"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
}

// StorageConfig selects and configures the blob store.
type StorageConfig struct {
	Backend      StorageBackend `yaml:"backend"`
	Bucket       string         `yaml:"bucket"`
	SignedURLTTL time.Duration  `yaml:"signed_url_ttl"`
	Supabase     SupabaseConfig `yaml:"supabase"`
	Local        LocalConfig    `yaml:"local"`
}

// SupabaseConfig holds the Supabase project credentials.
type SupabaseConfig struct {
	URL        string `yaml:"url"`
	ServiceKey string `yaml:"service_key"`
}

// LocalConfig configures the filesystem blob store.
type LocalConfig struct {
	Root       string `yaml:"root"`
	SigningKey string `yaml:"signing_key"`
}

// CatalogConfig selects and configures the metadata table.
type CatalogConfig struct {
	Backend     CatalogBackend `yaml:"backend"`
	PostgresDSN string         `yaml:"postgres_dsn"`
	SQLitePath  string         `yaml:"sqlite_path"`

	// Migrate runs the embedded schema migrations on startup (postgres only).
	Migrate bool `yaml:"migrate"`
}
