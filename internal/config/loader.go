package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. AGENTCORE_SERVER_PORT.
const EnvPrefix = "AGENTCORE"

const configName = "agentcore"

// Loader handles configuration loading
type Loader struct {
	configPath string
	envFiles   []string
}

// NewLoader creates a new config loader. An empty path searches the working
// directory and ~/.agentcore for agentcore.{json,yaml,toml}.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		envFiles:   []string{".env.local", ".env"},
	}
}

// Load reads .env files, the config file and AGENTCORE_* variables, in
// increasing order of precedence over the defaults.
func (l *Loader) Load() (*Config, error) {
	if err := loadEnvFiles(l.envFiles...); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := setDefaults(v, DefaultConfig()); err != nil {
		return nil, err
	}

	if l.configPath != "" {
		if _, err := os.Stat(l.configPath); err == nil {
			v.SetConfigFile(l.configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		if dir, err := defaultDataDir(); err == nil {
			v.AddConfigPath(dir)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if len(cfg.Agent.Profiles) == 0 {
		cfg.Agent.Profiles = profilesFromEnv()
	}

	if cfg.DataDir == "" {
		dir, err := defaultDataDir()
		if err != nil {
			return nil, err
		}
		cfg.DataDir = dir
	}
	if cfg.Session.TranscriptDir == "" {
		cfg.Session.TranscriptDir = filepath.Join(cfg.DataDir, "transcripts")
	}

	return cfg, nil
}

// Save writes the configuration as JSON.
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to resolve config path")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	dir, err := defaultDataDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, configName+".json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}

func defaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".agentcore"), nil
}

// loadEnvFiles loads the given dotenv files without overriding variables
// already present in the environment. Missing files are skipped.
func loadEnvFiles(files ...string) error {
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

// setDefaults registers every leaf of cfg with viper so AutomaticEnv can
// override keys that never appear in a config file.
func setDefaults(v *viper.Viper, cfg *Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode defaults: %w", err)
	}
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("failed to decode defaults: %w", err)
	}
	walkDefaults(v, "", tree)
	return nil
}

func walkDefaults(v *viper.Viper, prefix string, node map[string]any) {
	for key, value := range node {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if child, ok := value.(map[string]any); ok {
			walkDefaults(v, path, child)
			continue
		}
		v.SetDefault(path, value)
	}
}

var providerKeyEnv = []struct {
	provider string
	env      string
}{
	{"anthropic", "ANTHROPIC_API_KEY"},
	{"openai", "OPENAI_API_KEY"},
	{"gemini", "GEMINI_API_KEY"},
}

// profilesFromEnv builds one profile per provider key found in the
// environment, in priority order.
func profilesFromEnv() []ProfileConfig {
	var profiles []ProfileConfig
	for _, entry := range providerKeyEnv {
		key := strings.TrimSpace(os.Getenv(entry.env))
		if key == "" {
			continue
		}
		profiles = append(profiles, ProfileConfig{
			ID:       entry.provider + "-env",
			Provider: entry.provider,
			APIKey:   key,
			Priority: len(profiles) + 1,
		})
	}
	return profiles
}
