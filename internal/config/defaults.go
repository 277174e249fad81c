package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:              "info",
			MaxConcurrentMessages: 5,
		},
		Completion: CompletionConfig{
			APIBase:        "https://api.openai.com/v1",
			Model:          "gpt-3.5-turbo",
			Temperature:    0.7,
			TopP:           1,
			Retries:        3,
			TimeoutSeconds: 120,
		},
		Triggers: TriggersConfig{
			CommandPrefix: "private",
			Persona:       "You're a chatbot.",
			MaxTokens:     256,
		},
		Summary: SummaryConfig{
			Persona:           "As a news reporter AI,",
			MaxTokensPerChunk: 2000,
			MaxTokens:         256,
			Encoding:          "cl100k_base",
			Concurrency:       1,
			PostRawText:       true,
		},
		Fetch: FetchConfig{
			Mode:           "http",
			TimeoutSeconds: 30,
			MaxBytes:       2 << 20,
		},
		Channels: ChannelsConfig{
			CLI: CLIConfig{Enabled: true},
		},
		Usage: UsageConfig{
			Enabled:       true,
			DBPath:        "~/.relaybot/usage.db",
			RetentionDays: 90,
			PruneSchedule: "@daily",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Listen:   "127.0.0.1:9464",
			Endpoint: "/metrics",
		},
	}
}

// Template is the config written by `relaybot init`. Secrets are left as
// environment references.
func Template() *Config {
	cfg := Defaults()
	cfg.Completion.APIKey = "${" + EnvAPIKey + "}"
	cfg.Channels.Slack = SlackConfig{
		BotToken: "${SLACK_BOT_TOKEN}",
		AppToken: "${SLACK_APP_TOKEN}",
	}
	cfg.Channels.Telegram.Token = "${TELEGRAM_BOT_TOKEN}"
	cfg.Channels.Discord.Token = "${DISCORD_BOT_TOKEN}"
	return cfg
}
