package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	pagechat "github.com/MegaGrindStone/pagechat"
	"github.com/MegaGrindStone/pagechat/internal/content"
	"github.com/MegaGrindStone/pagechat/internal/services"
	"gopkg.in/yaml.v3"
)

type config struct {
	Port      string        `yaml:"port"`
	LogLevel  string        `yaml:"logLevel"`
	StorePath string        `yaml:"storePath"`
	LLM       llmConfig     `yaml:"llm"`
	Content   contentConfig `yaml:"content"`
	Relay     relayConfig   `yaml:"relay"`
	Browser   browserConfig `yaml:"browser"`
}

type llmConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"baseURL"`
	APIKey      string  `yaml:"apiKey"`
	Temperature float32 `yaml:"temperature"`
	MaxTokens   int     `yaml:"maxTokens"`
}

type contentConfig struct {
	MaxLength int `yaml:"maxLength"`
}

type relayConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type browserConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Headless   bool   `yaml:"headless"`
	ProfileDir string `yaml:"profileDir"`
}

func defaultConfig() config {
	params := services.DefaultLLMParameters()
	return config{
		Port:     "8080",
		LogLevel: "info",
		LLM: llmConfig{
			Provider:    "openai",
			Model:       services.DefaultModel,
			Temperature: params.Temperature,
			MaxTokens:   params.MaxTokens,
		},
		Content: contentConfig{MaxLength: content.DefaultMaxLength},
		Relay:   relayConfig{Timeout: 10 * time.Second},
		Browser: browserConfig{Headless: true},
	}
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	// The alias type drops this method, so decoding into it doesn't recurse.
	type rawConfig config
	raw := rawConfig(defaultConfig())
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.LLM.Provider != "openai" {
		return fmt.Errorf("unknown llm provider: %s", raw.LLM.Provider)
	}
	if raw.LLM.Model == "" {
		return fmt.Errorf("model is required")
	}
	if raw.LLM.MaxTokens <= 0 {
		return fmt.Errorf("maxTokens must be positive")
	}
	if raw.Content.MaxLength <= 0 {
		return fmt.Errorf("content maxLength must be positive")
	}

	*c = config(raw)
	return nil
}

// loadConfig reads the configuration at path. When the file doesn't exist, the example configuration
// is written there and used.
func loadConfig(path string) (config, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return config{}, fmt.Errorf("error creating config directory: %w", err)
		}
		if err := os.WriteFile(path, pagechat.ExampleConfig, 0600); err != nil {
			return config{}, fmt.Errorf("error writing example config: %w", err)
		}
		return decodeConfig(bytes.NewReader(pagechat.ExampleConfig))
	}
	if err != nil {
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer f.Close()

	return decodeConfig(f)
}

func decodeConfig(r io.Reader) (config, error) {
	cfg := defaultConfig()
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}
	return cfg, nil
}

func (c config) storePath(cfgDir string) string {
	if c.StorePath != "" {
		return c.StorePath
	}
	return filepath.Join(cfgDir, "store.db")
}

func (c config) apiKey() string {
	if c.LLM.APIKey != "" {
		return c.LLM.APIKey
	}
	return os.Getenv("OPENAI_API_KEY")
}

func (c config) openAI() services.OpenAIConfig {
	return services.OpenAIConfig{
		Model:          c.LLM.Model,
		BaseURL:        c.LLM.BaseURL,
		FallbackAPIKey: c.apiKey(),
		Params: services.LLMParameters{
			Temperature: c.LLM.Temperature,
			MaxTokens:   c.LLM.MaxTokens,
		},
	}
}

func (c config) logLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
