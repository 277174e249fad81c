package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// EnvAPIKey is read when completion.apiKey is left empty.
const EnvAPIKey = "OPENAI_API_TOKEN"

// Config is the root configuration for relaybot.
type Config struct {
	General    GeneralConfig    `json:"general"`
	Completion CompletionConfig `json:"completion"`
	Triggers   TriggersConfig   `json:"triggers"`
	Summary    SummaryConfig    `json:"summary"`
	Fetch      FetchConfig      `json:"fetch"`
	Reply      ReplyConfig      `json:"reply"`
	Channels   ChannelsConfig   `json:"channels"`
	Usage      UsageConfig      `json:"usage"`
	Metrics    MetricsConfig    `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel              string `json:"logLevel"`
	LogFile               string `json:"logFile,omitempty"`
	MaxConcurrentMessages int    `json:"maxConcurrentMessages"`
}

// CompletionConfig configures the OpenAI-compatible chat-completion client.
type CompletionConfig struct {
	APIBase        string   `json:"apiBase"`
	APIKey         string   `json:"apiKey,omitempty"`
	Model          string   `json:"model"`
	Temperature    float64  `json:"temperature"`
	TopP           float64  `json:"topP"`
	Retries        int      `json:"retries"` // total attempts on transport failures
	RetryBackoffMs int      `json:"retryBackoffMs,omitempty"`
	TimeoutSeconds int      `json:"timeoutSeconds"`
	Stop           []string `json:"stop,omitempty"`
}

type TriggersConfig struct {
	CommandPrefix string `json:"commandPrefix"`
	Persona       string `json:"persona"`
	MaxTokens     int    `json:"maxTokens"`
}

type SummaryConfig struct {
	Persona           string `json:"persona"`
	MaxTokensPerChunk int    `json:"maxTokensPerChunk"`
	MaxTokens         int    `json:"maxTokens"`
	Encoding          string `json:"encoding"` // "cl100k_base" | "words"
	Concurrency       int    `json:"concurrency"`
	PostRawText       bool   `json:"postRawText"`
}

type FetchConfig struct {
	Mode           string `json:"mode"` // "http" | "browser"
	TimeoutSeconds int    `json:"timeoutSeconds"`
	MaxBytes       int64  `json:"maxBytes,omitempty"`
	ChromePath     string `json:"chromePath,omitempty"`
}

// ReplyConfig fixes where replies go. An empty ChatID answers in the chat
// the message came from.
type ReplyConfig struct {
	ChatID string `json:"chatId,omitempty"`
}

type ChannelsConfig struct {
	Slack    SlackConfig    `json:"slack"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	CLI      CLIConfig      `json:"cli"`
}

type SlackConfig struct {
	Enabled        bool           `json:"enabled"`
	BotToken       string         `json:"botToken"`
	AppToken       string         `json:"appToken"` // required for Socket Mode
	ListenChannels FlexStringList `json:"listenChannels,omitempty"`
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token"`
	AllowFrom FlexStringList `json:"allowFrom,omitempty"`
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	GuildID string `json:"guildId,omitempty"` // optional: restrict to one guild
}

type CLIConfig struct {
	Enabled bool `json:"enabled"`
}

// UsageConfig configures the SQLite ledger of completion calls.
type UsageConfig struct {
	Enabled       bool   `json:"enabled"`
	DBPath        string `json:"dbPath"`
	RetentionDays int    `json:"retentionDays"`
	PruneSchedule string `json:"pruneSchedule"` // cron expression or @descriptor
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Listen   string `json:"listen"`
	Endpoint string `json:"endpoint"`
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

// DefaultConfigDir returns the default config directory (~/.relaybot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relaybot"
	}
	return filepath.Join(home, ".relaybot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// LoadEnvFiles loads .env.local then .env from each dir (the working
// directory when none is given). Variables already set are kept, so
// .env.local wins over .env.
func LoadEnvFiles(dirs ...string) {
	if len(dirs) == 0 {
		dirs = []string{"."}
	}
	for _, dir := range dirs {
		for _, name := range []string{".env.local", ".env"} {
			_ = godotenv.Load(filepath.Join(dir, name))
		}
	}
}

// Load reads a JSON or YAML (by extension) config file over Defaults,
// expanding ${VAR} and ${VAR:-default} first.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	LoadEnvFiles(".", filepath.Dir(path))
	expanded := ExpandEnvVars(string(data))

	cfg := Defaults()
	if err := decode(path, []byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	finish(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// FromEnv builds a config from Defaults and the environment alone, for
// commands run without a config file.
func FromEnv() (*Config, error) {
	LoadEnvFiles()
	cfg := Defaults()
	finish(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func finish(cfg *Config) {
	if key := strings.TrimSpace(cfg.Completion.APIKey); key == "" || strings.HasPrefix(key, "${") {
		cfg.Completion.APIKey = os.Getenv(EnvAPIKey)
	}
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Usage.DBPath = ExpandPath(cfg.Usage.DBPath)
}

// decode unmarshals JSON, or YAML for .yaml/.yml files. YAML goes through a
// generic map so the json tags stay the single source of key names.
func decode(path string, data []byte, cfg *Config) error {
	if !isYAML(path) {
		return json.Unmarshal(data, cfg)
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return err
	}
	if m == nil {
		return nil
	}
	asJSON, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(asJSON, cfg)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty. A reference with
// no value and no default is left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

// Save writes cfg as JSON, or YAML for .yaml/.yml paths.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if isYAML(path) {
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		var doc yaml.Node
		if err := doc.Encode(m); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		quoteControlScalars(&doc)
		if data, err = yaml.Marshal(&doc); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
	}

	return os.WriteFile(path, data, 0o600)
}

// quoteControlScalars double-quotes string scalars holding control
// characters. Block style would not bring back a lone "\n" on load.
func quoteControlScalars(n *yaml.Node) {
	if n.Kind == yaml.ScalarNode && n.ShortTag() == "!!str" && strings.IndexFunc(n.Value, unicode.IsControl) >= 0 {
		n.Style = yaml.DoubleQuotedStyle
	}
	for _, c := range n.Content {
		quoteControlScalars(c)
	}
}

// Validate checks every field and reports all problems at once.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.General.MaxConcurrentMessages < 1 || cfg.General.MaxConcurrentMessages > 100 {
		errs = append(errs, "general.maxConcurrentMessages must be between 1 and 100")
	}
	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Completion.APIBase == "" {
		errs = append(errs, "completion.apiBase is required")
	}
	if cfg.Completion.Retries < 1 || cfg.Completion.Retries > 10 {
		errs = append(errs, "completion.retries must be between 1 and 10")
	}
	if cfg.Completion.Temperature < 0 || cfg.Completion.Temperature > 2 {
		errs = append(errs, "completion.temperature must be between 0 and 2")
	}
	if cfg.Completion.TopP < 0 || cfg.Completion.TopP > 1 {
		errs = append(errs, "completion.topP must be between 0 and 1")
	}
	if cfg.Completion.TimeoutSeconds < 1 {
		errs = append(errs, "completion.timeoutSeconds must be >= 1")
	}
	if cfg.Completion.RetryBackoffMs < 0 {
		errs = append(errs, "completion.retryBackoffMs must be >= 0")
	}

	if strings.TrimSpace(cfg.Triggers.CommandPrefix) == "" {
		errs = append(errs, "triggers.commandPrefix must not be empty")
	}
	if cfg.Triggers.MaxTokens < 1 {
		errs = append(errs, "triggers.maxTokens must be >= 1")
	}

	if cfg.Summary.MaxTokensPerChunk < 1 {
		errs = append(errs, "summary.maxTokensPerChunk must be >= 1")
	}
	if cfg.Summary.MaxTokens < 1 {
		errs = append(errs, "summary.maxTokens must be >= 1")
	}
	if cfg.Summary.Concurrency < 1 || cfg.Summary.Concurrency > 16 {
		errs = append(errs, "summary.concurrency must be between 1 and 16")
	}
	switch cfg.Summary.Encoding {
	case "cl100k_base", "words":
	default:
		errs = append(errs, "summary.encoding must be one of: cl100k_base, words")
	}

	switch cfg.Fetch.Mode {
	case "http", "browser":
	default:
		errs = append(errs, "fetch.mode must be one of: http, browser")
	}
	if cfg.Fetch.TimeoutSeconds < 1 {
		errs = append(errs, "fetch.timeoutSeconds must be >= 1")
	}

	if cfg.Channels.Slack.Enabled && (cfg.Channels.Slack.BotToken == "" || cfg.Channels.Slack.AppToken == "") {
		errs = append(errs, "channels.slack: botToken and appToken are required")
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		errs = append(errs, "channels.telegram.token is required")
	}
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token == "" {
		errs = append(errs, "channels.discord.token is required")
	}

	if cfg.Usage.Enabled && cfg.Usage.DBPath == "" {
		errs = append(errs, "usage.dbPath is required when usage is enabled")
	}
	if cfg.Usage.RetentionDays < 0 {
		errs = append(errs, "usage.retentionDays must be >= 0")
	}
	if cfg.Usage.PruneSchedule != "" {
		if _, err := cron.ParseStandard(cfg.Usage.PruneSchedule); err != nil {
			errs = append(errs, fmt.Sprintf("usage.pruneSchedule: %v", err))
		}
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		errs = append(errs, "metrics.listen is required when metrics are enabled")
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
