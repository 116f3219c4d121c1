package cloudrelay

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Duration parses from human-friendly strings (e.g., "10s") or numeric seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if data[0] == '"' {
		var value string
		if err := json.Unmarshal(data, &value); err != nil {
			return err
		}
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		d.Duration = parsed
		return nil
	}
	var seconds int64
	if err := json.Unmarshal(data, &seconds); err != nil {
		return err
	}
	d.Duration = time.Duration(seconds) * time.Second
	return nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var seconds int64
	if err := value.Decode(&seconds); err == nil {
		d.Duration = time.Duration(seconds) * time.Second
		return nil
	}
	var text string
	if err := value.Decode(&text); err == nil {
		parsed, err := time.ParseDuration(text)
		if err != nil {
			return err
		}
		d.Duration = parsed
		return nil
	}
	return errors.New("invalid duration format")
}

// User is a caller allowed to use the cloud API endpoint.
type User struct {
	Name  string `json:"name" yaml:"name"`
	Token string `json:"token" yaml:"token"`
}

// Config is the relay configuration. Credential material can come from an
// inline block, a key file or the environment.
type Config struct {
	Listen          string                     `json:"listen" yaml:"listen"`
	LogLevel        string                     `json:"log_level" yaml:"log_level"`
	Environment     string                     `json:"environment" yaml:"environment"`
	Provider        string                     `json:"provider" yaml:"provider"`
	ProjectID       string                     `json:"project_id" yaml:"project_id"`
	CredentialsFile string                     `json:"credentials_file" yaml:"credentials_file"`
	Credentials     *ServiceAccountCredentials `json:"credentials,omitempty" yaml:"credentials,omitempty"`
	Scope           string                     `json:"scope" yaml:"scope"`
	TokenEndpoint   string                     `json:"token_endpoint" yaml:"token_endpoint"`
	UniverseDomain  string                     `json:"universe_domain" yaml:"universe_domain"`
	APIVersion      string                     `json:"api_version" yaml:"api_version"`
	RequestTimeout  Duration                   `json:"request_timeout" yaml:"request_timeout"`
	MaxResponseSize int64                      `json:"max_response_bytes" yaml:"max_response_bytes"`
	StaticDir       string                     `json:"static_dir" yaml:"static_dir"`
	AllowedOrigins  []string                   `json:"allowed_origins" yaml:"allowed_origins"`
	Users           []User                     `json:"users" yaml:"users"`
}

func DefaultConfig() Config {
	return Config{
		Listen:          ":8080",
		LogLevel:        "info",
		Environment:     "development",
		Provider:        providerGCP,
		Scope:           defaultScope,
		UniverseDomain:  gcpUniverseDomain,
		APIVersion:      gcpAPIVersion,
		RequestTimeout:  Duration{Duration: defaultRequestTimeout},
		MaxResponseSize: defaultMaxAPIResponseSize,
	}
}

// LoadEnvFile loads KEY=value pairs from path into the process environment
// without overriding variables that are already set. A missing file is fine.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		format := detectFormat(path)
		if err := decodeConfig(format, data, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}

	if err := applyEnv(&cfg, os.Getenv); err != nil {
		return cfg, fmt.Errorf("apply environment: %w", err)
	}
	ensureDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors. Individual credential fields
// are checked by AuthManager.Initialize, which can name every missing one.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address cannot be empty")
	}

	if c.RequestTimeout.Duration <= 0 {
		return errors.New("request_timeout must be positive")
	}

	if c.MaxResponseSize <= 0 {
		return errors.New("max_response_bytes must be positive")
	}

	for _, origin := range c.AllowedOrigins {
		if origin == "*" || !strings.Contains(origin, "://") {
			return fmt.Errorf("allowed_origins: %q is not an origin", origin)
		}
	}

	if _, err := NewProvider(c.Provider, c.providerOptions()); err != nil {
		return err
	}

	if c.TokenEndpoint != "" {
		if _, err := ParseEndpoint(c.TokenEndpoint); err != nil {
			return fmt.Errorf("token_endpoint: %w", err)
		}
	}

	if c.Credentials == nil && c.CredentialsFile == "" {
		return errors.New("credentials are required: set credentials_file, an inline credentials block or GCP_* environment variables")
	}
	if c.Credentials == nil {
		if _, err := LoadServiceAccountFile(c.CredentialsFile); err != nil {
			return fmt.Errorf("credentials_file invalid: %w", err)
		}
	}

	if c.StaticDir != "" {
		info, err := os.Stat(c.StaticDir)
		if err != nil {
			return fmt.Errorf("static_dir: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("static_dir %s is not a directory", c.StaticDir)
		}
	}

	if len(c.Users) > 0 {
		seen := make(map[string]string, len(c.Users))
		for _, user := range c.Users {
			if user.Name == "" {
				return errors.New("user name cannot be empty")
			}
			if user.Token == "" {
				return fmt.Errorf("user %s: token cannot be empty", user.Name)
			}
			if len(user.Token) < 16 {
				return fmt.Errorf("user %s: token too short (minimum 16 characters)", user.Name)
			}
			if existingUser, exists := seen[user.Token]; exists {
				return fmt.Errorf("duplicate token for users %s and %s", existingUser, user.Name)
			}
			seen[user.Token] = user.Name
		}
	}

	return nil
}

// InitConfig resolves the credential sources into AuthManager input. An
// inline credentials block wins over credentials_file.
func (c *Config) InitConfig() (InitConfig, error) {
	var creds ServiceAccountCredentials
	switch {
	case c.Credentials != nil:
		creds = *c.Credentials
	case c.CredentialsFile != "":
		loaded, err := LoadServiceAccountFile(c.CredentialsFile)
		if err != nil {
			return InitConfig{}, err
		}
		creds = loaded
	}
	return InitConfig{
		ProjectID:     c.ProjectID,
		Scope:         c.Scope,
		TokenEndpoint: c.TokenEndpoint,
		Credentials:   creds,
	}, nil
}

func (c *Config) providerOptions() ProviderOptions {
	return ProviderOptions{
		UniverseDomain: c.UniverseDomain,
		APIVersion:     c.APIVersion,
	}
}

// applyEnv overlays environment variables on cfg. Set variables win over the
// config file.
func applyEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv("CLOUD_RELAY_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := getenv("CLOUD_RELAY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("CLOUD_RELAY_ENV"); v != "" {
		cfg.Environment = v
	}
	if v := getenv("CLOUD_RELAY_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = nil
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, origin)
			}
		}
	}
	if v := getenv("GCP_PROJECT_ID"); v != "" {
		cfg.ProjectID = v
	}
	if v := getenv("GOOGLE_APPLICATION_CREDENTIALS"); v != "" && cfg.CredentialsFile == "" {
		cfg.CredentialsFile = v
	}
	if v := getenv("GCP_CREDENTIALS"); v != "" {
		creds, err := ParseServiceAccountJSON([]byte(v))
		if err != nil {
			return fmt.Errorf("GCP_CREDENTIALS: %w", err)
		}
		cfg.Credentials = &creds
	}

	email, key := getenv("GCP_CLIENT_EMAIL"), getenv("GCP_PRIVATE_KEY")
	if email != "" || key != "" {
		if cfg.Credentials == nil {
			cfg.Credentials = &ServiceAccountCredentials{}
		}
		if email != "" {
			cfg.Credentials.ClientEmail = email
		}
		if key != "" {
			cfg.Credentials.PrivateKey = key
		}
	}
	return nil
}

func detectFormat(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		return "json"
	case ".yml", ".yaml":
		return "yaml"
	default:
		return "yaml" // prefer YAML when ambiguous
	}
}

func decodeConfig(format string, data []byte, cfg *Config) error {
	switch format {
	case "json":
		return json.Unmarshal(data, cfg)
	case "yaml":
		return yaml.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("unsupported config format: %s", format)
	}
}

func ensureDefaults(cfg *Config) {
	defaults := DefaultConfig()
	if cfg.Listen == "" {
		cfg.Listen = defaults.Listen
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	if cfg.Environment == "" {
		cfg.Environment = defaults.Environment
	}
	if cfg.Provider == "" {
		cfg.Provider = defaults.Provider
	}
	if cfg.Scope == "" {
		cfg.Scope = defaults.Scope
	}
	if cfg.UniverseDomain == "" {
		cfg.UniverseDomain = defaults.UniverseDomain
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaults.APIVersion
	}
	if cfg.RequestTimeout.Duration == 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.MaxResponseSize == 0 {
		cfg.MaxResponseSize = defaults.MaxResponseSize
	}
}
