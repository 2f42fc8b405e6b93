package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

const (
	envWeComCorpID  = "WEGATE_WECOM_CORP_ID"
	envWeComSecret  = "WEGATE_WECOM_SECRET"
	envWeComToken   = "WEGATE_WECOM_TOKEN"
	envWeComAESKey  = "WEGATE_WECOM_AES_KEY"
	envWeComAgentID = "WEGATE_WECOM_AGENT_ID"

	envWeComAllowFrom = "WEGATE_WECOM_ALLOW_FROM"
)

const encodingAESKeyLength = 43

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	API      APIConfig      `json:"api,omitempty"`
	Channels ChannelsConfig `json:"channels"`
	Gateway  GatewayConfig  `json:"gateway"`
	Logging  LoggingConfig  `json:"logging,omitempty"`
}

// APIConfig points at the platform API root; empty means the production API.
type APIConfig struct {
	BaseURL string `json:"base_url,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// ChannelsConfig stores transport adapter settings.
type ChannelsConfig struct {
	WeCom WeComConfig `json:"wecom"`
}

// WeComConfig configures the WeCom callback channel, one listener per account.
type WeComConfig struct {
	Enabled  bool           `json:"enabled"`
	Accounts []WeComAccount `json:"accounts"`
}

// WeComAccount is the resolved credential bundle for one corp application.
// Secrets are injected here by config and never logged in full.
type WeComAccount struct {
	Name           string       `json:"name"`
	CorpID         string       `json:"corp_id"`
	AgentID        string       `json:"agent_id"`
	Secret         string       `json:"secret"`
	Token          string       `json:"token"`
	EncodingAESKey string       `json:"encoding_aes_key"`
	Port           int          `json:"port"`
	Policy         PolicyConfig `json:"policy"`
}

// PolicyConfig selects the inbound access policy for one account.
type PolicyConfig struct {
	Mode      string   `json:"mode,omitempty"`
	AllowFrom []string `json:"allow_from,omitempty"`
}

// GatewayConfig configures the gateway status endpoint bind settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Validate checks one account's credential bundle. A failing account is fatal
// for that account only; the gateway keeps serving the others.
func (a WeComAccount) Validate() error {
	if strings.TrimSpace(a.CorpID) == "" {
		return fmt.Errorf("account %q: corp_id is required", a.Name)
	}
	if strings.TrimSpace(a.AgentID) == "" {
		return fmt.Errorf("account %q: agent_id is required", a.Name)
	}
	if strings.TrimSpace(a.Secret) == "" {
		return fmt.Errorf("account %q: secret is required", a.Name)
	}
	if strings.TrimSpace(a.Token) == "" {
		return fmt.Errorf("account %q: token is required", a.Name)
	}
	if len(a.EncodingAESKey) != encodingAESKeyLength {
		return fmt.Errorf("account %q: encoding_aes_key must be %d characters", a.Name, encodingAESKeyLength)
	}
	if a.Port < 1 || a.Port > 65535 {
		return fmt.Errorf("account %q: port %d is out of range", a.Name, a.Port)
	}
	return nil
}

// LoadConfig resolves config.json, unmarshals it, and applies environment overrides.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides injects env-driven secrets on top of file config.
//
// Overrides target the first account, covering the common single-account
// deployment where secrets live in the environment instead of the file.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil || len(cfg.Channels.WeCom.Accounts) == 0 {
		return
	}
	account := &cfg.Channels.WeCom.Accounts[0]

	if value := strings.TrimSpace(os.Getenv(envWeComCorpID)); value != "" {
		account.CorpID = value
	}
	if value := strings.TrimSpace(os.Getenv(envWeComSecret)); value != "" {
		account.Secret = value
	}
	if value := strings.TrimSpace(os.Getenv(envWeComToken)); value != "" {
		account.Token = value
	}
	if value := strings.TrimSpace(os.Getenv(envWeComAESKey)); value != "" {
		account.EncodingAESKey = value
	}
	if value := strings.TrimSpace(os.Getenv(envWeComAgentID)); value != "" {
		account.AgentID = value
	}
	if value := strings.TrimSpace(os.Getenv(envWeComAllowFrom)); value != "" {
		account.Policy.AllowFrom = parseCSV(value)
	}
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is WEGATE_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv("WEGATE_CONFIG")); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("WEGATE_CONFIG does not point to a file: %s", value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config.json not found (checked %s and %s)", candidates[0], candidates[1])
}
