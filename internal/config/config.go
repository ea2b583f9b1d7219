package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for genaichat.
type Config struct {
	General   GeneralConfig   `json:"general" yaml:"general"`
	Endpoint  EndpointConfig  `json:"endpoint" yaml:"endpoint"`
	Documents DocumentsConfig `json:"documents" yaml:"documents"`
	Channels  ChannelsConfig  `json:"channels" yaml:"channels"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	Ledger    LedgerConfig    `json:"ledger" yaml:"ledger"`
	API       APIConfig       `json:"api" yaml:"api"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel" yaml:"logLevel"`
	LogFile  string `json:"logFile,omitempty" yaml:"logFile,omitempty"` // optional log file path
}

// EndpointConfig selects and configures the generation endpoint.
type EndpointConfig struct {
	Mode           string            `json:"mode" yaml:"mode"` // "api" | "browser"
	APIBase        string            `json:"apiBase,omitempty" yaml:"apiBase,omitempty"`
	APIKey         string            `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	Model          string            `json:"model,omitempty" yaml:"model,omitempty"`
	TimeoutSeconds int               `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	ProfileDir     string            `json:"profileDir,omitempty" yaml:"profileDir,omitempty"`
	Selectors      map[string]string `json:"selectors,omitempty" yaml:"selectors,omitempty"`
}

// Endpoint modes.
const (
	ModeAPI     = "api"
	ModeBrowser = "browser"
)

type DocumentsConfig struct {
	MaxUploadBytes        int64 `json:"maxUploadBytes" yaml:"maxUploadBytes"`
	ExtractTimeoutSeconds int   `json:"extractTimeoutSeconds" yaml:"extractTimeoutSeconds"` // 0 = no limit
}

type ChannelsConfig struct {
	Web      WebConfig      `json:"web" yaml:"web"`
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
}

type WebConfig struct {
	Host string  `json:"host" yaml:"host"`
	Port int     `json:"port" yaml:"port"`
	Auth WebAuth `json:"auth" yaml:"auth"`
}

type WebAuth struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	Username     string `json:"username" yaml:"username"`
	PasswordHash string `json:"passwordHash" yaml:"passwordHash"` // hex sha256
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled" yaml:"enabled"`
	Token     string         `json:"token" yaml:"token"`
	AllowFrom FlexStringList `json:"allowFrom" yaml:"allowFrom"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// LedgerConfig configures the exchange ledger. Only metadata is stored,
// never message text.
type LedgerConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	DBPath  string `json:"dbPath" yaml:"dbPath"`
}

// APIConfig configures the server-side generation gateway.
type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	APIKey  string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
}

// DefaultConfigDir returns the default config directory (~/.genaichat).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".genaichat"
	}
	return filepath.Join(home, ".genaichat")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// LoadEnv loads .env files from the config directory and the working
// directory. Variables already set in the environment win.
func LoadEnv(configPath string) error {
	candidates := []string{filepath.Join(filepath.Dir(ExpandPath(configPath)), ".env"), ".env"}
	seen := make(map[string]bool, len(candidates))
	for _, p := range candidates {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(abs); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(abs); err != nil {
			return fmt.Errorf("load %s: %w", abs, err)
		}
	}
	return nil
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := unmarshal(path, data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	// Defaults carry placeholders too.
	cfg.Endpoint.APIKey = ExpandEnvVars(cfg.Endpoint.APIKey)
	cfg.Endpoint.ProfileDir = ExpandPath(cfg.Endpoint.ProfileDir)
	cfg.Ledger.DBPath = ExpandPath(cfg.Ledger.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func unmarshal(path string, data []byte, cfg *Config) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, cfg)
	}
	return json.Unmarshal(data, cfg)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // keep the placeholder visible
		}
		return val
	})
}

// Unresolved reports whether s still holds a ${VAR} placeholder.
func Unresolved(s string) bool {
	return envVarPattern.MatchString(s)
}

// Save writes cfg as JSON, or YAML when path ends in .yaml/.yml.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	switch cfg.Endpoint.Mode {
	case ModeAPI:
		if cfg.Endpoint.APIBase == "" {
			errs = append(errs, "endpoint.apiBase is required for api mode")
		}
		if cfg.Endpoint.Model == "" {
			errs = append(errs, "endpoint.model is required for api mode")
		}
	case ModeBrowser:
	default:
		errs = append(errs, "endpoint.mode must be one of: api, browser")
	}
	if cfg.Endpoint.TimeoutSeconds < 1 || cfg.Endpoint.TimeoutSeconds > 600 {
		errs = append(errs, "endpoint.timeoutSeconds must be between 1 and 600")
	}

	if cfg.Documents.MaxUploadBytes < 1 {
		errs = append(errs, "documents.maxUploadBytes must be >= 1")
	}
	if cfg.Documents.ExtractTimeoutSeconds < 0 {
		errs = append(errs, "documents.extractTimeoutSeconds must be >= 0")
	}

	if cfg.Channels.Web.Port < 0 || cfg.Channels.Web.Port > 65535 {
		errs = append(errs, "channels.web.port must be between 0 and 65535")
	}
	if a := cfg.Channels.Web.Auth; a.Enabled && (a.Username == "" || a.PasswordHash == "") {
		errs = append(errs, "channels.web.auth requires username and passwordHash when enabled")
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		errs = append(errs, "channels.telegram.token is required when telegram is enabled")
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}
	if cfg.Ledger.Enabled && cfg.Ledger.DBPath == "" {
		errs = append(errs, "ledger.dbPath is required when the ledger is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
