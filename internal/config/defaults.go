package config

const (
	DefaultAPIBase = "https://generativelanguage.googleapis.com/v1beta"
	DefaultModel   = "gemini-2.0-flash-lite"
)

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Endpoint: EndpointConfig{
			Mode:           ModeAPI,
			APIBase:        DefaultAPIBase,
			APIKey:         "${GEMINI_API_KEY}",
			Model:          DefaultModel,
			TimeoutSeconds: 60,
			ProfileDir:     "~/.genaichat/chrome-profile",
		},
		Documents: DocumentsConfig{
			MaxUploadBytes:        20 << 20,
			ExtractTimeoutSeconds: 120,
		},
		Channels: ChannelsConfig{
			Web: WebConfig{
				Host: "127.0.0.1",
				Port: 8080,
			},
			Telegram: TelegramConfig{
				Enabled: false,
			},
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
		Ledger: LedgerConfig{
			Enabled: false,
			DBPath:  "~/.genaichat/ledger.db",
		},
		API: APIConfig{
			Enabled: false,
		},
	}
}
