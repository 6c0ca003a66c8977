package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/dexter/internal/auth"
)

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	if err := ApplyEnv(cfg, nil); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Environment overrides are not applied.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// envOverrides are the settings that may come from the environment. Secrets
// belong here rather than in the YAML file.
type envOverrides struct {
	ListenAddr      string            `env:"DEXTER_LISTEN_ADDR"`
	PublicURL       string            `env:"DEXTER_PUBLIC_URL"`
	LogLevel        string            `env:"DEXTER_LOG_LEVEL"`
	SupabaseURL     string            `env:"SUPABASE_URL"`
	SupabaseService string            `env:"SUPABASE_SERVICE_ROLE"`
	DatabaseURL     string            `env:"DATABASE_URL"`
	SigningKey      string            `env:"DEXTER_SIGNING_KEY"`
	Tokens          map[string]string `env:"DEXTER_AUTH_TOKENS" envSeparator:"," envKeyValSeparator:":"`
}

// ApplyEnv overlays environment variables onto cfg. A nil environ reads the
// process environment. Set variables win over file values; tokens from
// DEXTER_AUTH_TOKENS ("token:user_id,...") are appended to the file's.
func ApplyEnv(cfg *Config, environ map[string]string) error {
	var o envOverrides
	if err := env.ParseWithOptions(&o, env.Options{Environment: environ}); err != nil {
		return fmt.Errorf("config: parse environment: %w", err)
	}

	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Server.ListenAddr, o.ListenAddr)
	set(&cfg.Server.PublicURL, o.PublicURL)
	if o.LogLevel != "" {
		cfg.Server.LogLevel = LogLevel(o.LogLevel)
	}
	set(&cfg.Storage.Supabase.URL, o.SupabaseURL)
	set(&cfg.Storage.Supabase.ServiceKey, o.SupabaseService)
	set(&cfg.Catalog.PostgresDSN, o.DatabaseURL)
	set(&cfg.Storage.Local.SigningKey, o.SigningKey)
	for token, user := range o.Tokens {
		cfg.Auth.Tokens = append(cfg.Auth.Tokens, auth.Token{Token: token, UserID: user})
	}
	return nil
}

// ApplyDefaults fills every unset field that has a default. Backends are
// inferred from the credentials present when not set explicitly.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.PublicURL == "" {
		host := cfg.Server.ListenAddr
		if strings.HasPrefix(host, ":") {
			host = "localhost" + host
		}
		cfg.Server.PublicURL = "http://" + host
	}
	cfg.Server.PublicURL = strings.TrimRight(cfg.Server.PublicURL, "/")

	if cfg.Commands.WakeWord == "" {
		cfg.Commands.WakeWord = DefaultWakeWord
	}

	if cfg.Capture.PollInterval == 0 {
		cfg.Capture.PollInterval = DefaultPollInterval
	}
	if cfg.Capture.FallbackInterval == 0 {
		cfg.Capture.FallbackInterval = DefaultFallbackInterval
	}
	if cfg.Capture.RequestTimeout == 0 {
		cfg.Capture.RequestTimeout = DefaultRequestTimeout
	}

	if cfg.Storage.Backend == "" {
		if cfg.Storage.Supabase.URL != "" {
			cfg.Storage.Backend = StorageSupabase
		} else {
			cfg.Storage.Backend = StorageLocal
		}
	}
	if cfg.Storage.Bucket == "" {
		cfg.Storage.Bucket = DefaultBucket
	}
	if cfg.Storage.SignedURLTTL == 0 {
		cfg.Storage.SignedURLTTL = DefaultSignedURLTTL
	}
	if cfg.Storage.Backend == StorageLocal && cfg.Storage.Local.Root == "" {
		cfg.Storage.Local.Root = DefaultLocalRoot
	}

	if cfg.Catalog.Backend == "" {
		if cfg.Catalog.PostgresDSN != "" {
			cfg.Catalog.Backend = CatalogPostgres
		} else {
			cfg.Catalog.Backend = CatalogSQLite
		}
	}
	if cfg.Catalog.Backend == CatalogSQLite && cfg.Catalog.SQLitePath == "" {
		cfg.Catalog.SQLitePath = DefaultSQLitePath
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.PublicURL != "" {
		if u, err := url.Parse(cfg.Server.PublicURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("server.public_url %q must be an absolute URL", cfg.Server.PublicURL))
		}
	}

	// Auth
	if len(cfg.Auth.Tokens) == 0 {
		slog.Warn("auth.tokens is empty; every API request will be rejected")
	}
	seen := make(map[string]int, len(cfg.Auth.Tokens))
	for i, t := range cfg.Auth.Tokens {
		prefix := fmt.Sprintf("auth.tokens[%d]", i)
		if t.Token == "" {
			errs = append(errs, fmt.Errorf("%s.token is required", prefix))
		} else if prev, ok := seen[t.Token]; ok {
			errs = append(errs, fmt.Errorf("%s.token is a duplicate of auth.tokens[%d]", prefix, prev))
		} else {
			seen[t.Token] = i
		}
		if t.UserID == "" {
			errs = append(errs, fmt.Errorf("%s.user_id is required", prefix))
		}
	}

	// Commands
	if strings.ContainsAny(strings.TrimSpace(cfg.Commands.WakeWord), " \t") {
		errs = append(errs, fmt.Errorf("commands.wake_word %q must be a single word", cfg.Commands.WakeWord))
	}

	// Capture
	if cfg.Capture.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("capture.poll_interval %s must not be negative", cfg.Capture.PollInterval))
	}
	if cfg.Capture.FallbackInterval < 0 {
		errs = append(errs, fmt.Errorf("capture.fallback_interval %s must not be negative", cfg.Capture.FallbackInterval))
	}
	if cfg.Capture.PollInterval > 0 && cfg.Capture.FallbackInterval > 0 && cfg.Capture.FallbackInterval < cfg.Capture.PollInterval {
		errs = append(errs, fmt.Errorf("capture.fallback_interval %s is shorter than capture.poll_interval %s", cfg.Capture.FallbackInterval, cfg.Capture.PollInterval))
	}
	if cfg.Capture.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("capture.request_timeout %s must not be negative", cfg.Capture.RequestTimeout))
	}

	// Storage
	if cfg.Storage.Backend != "" && !cfg.Storage.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("storage.backend %q is invalid; valid values: supabase, local", cfg.Storage.Backend))
	}
	if cfg.Storage.SignedURLTTL < 0 {
		errs = append(errs, fmt.Errorf("storage.signed_url_ttl %s must not be negative", cfg.Storage.SignedURLTTL))
	}
	switch cfg.Storage.Backend {
	case StorageSupabase:
		if cfg.Storage.Supabase.URL == "" {
			errs = append(errs, errors.New("storage.supabase.url is required when storage.backend is supabase"))
		}
		if cfg.Storage.Supabase.ServiceKey == "" {
			errs = append(errs, errors.New("storage.supabase.service_key is required when storage.backend is supabase"))
		}
	case StorageLocal:
		if cfg.Storage.Local.SigningKey == "" {
			errs = append(errs, errors.New("storage.local.signing_key is required when storage.backend is local"))
		}
	}

	// Catalog
	if cfg.Catalog.Backend != "" && !cfg.Catalog.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("catalog.backend %q is invalid; valid values: postgres, sqlite", cfg.Catalog.Backend))
	}
	if cfg.Catalog.Backend == CatalogPostgres && cfg.Catalog.PostgresDSN == "" {
		errs = append(errs, errors.New("catalog.postgres_dsn is required when catalog.backend is postgres"))
	}
	if cfg.Catalog.Migrate && cfg.Catalog.Backend != CatalogPostgres {
		slog.Warn("catalog.migrate only applies to the postgres backend; sqlite applies its schema on open")
	}

	return errors.Join(errs...)
}
