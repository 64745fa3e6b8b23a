// Package config loads docgate configuration from a JSON config file with
// environment variable overrides.
package config

type Config struct {
	Server    ServerConfig
	Generator GeneratorConfig
	Queue     QueueConfig
	Gateway   GatewayConfig
	Storage   StorageConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port int
}

type GeneratorConfig struct {
	// Binary is the opencode executable name or path.
	Binary string
	// FallbackAPIKey is the process-wide credential used when a request
	// carries no key and the user has none stored. Secret: env only.
	FallbackAPIKey string
}

type QueueConfig struct {
	// BaseURL of the PocketBase instance holding cli_commands.
	BaseURL string
	// PollIntervalMS between poller ticks.
	PollIntervalMS int
}

type GatewayConfig struct {
	// BaseURL the poller calls for document generation.
	BaseURL string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 3001,
		},
		Generator: GeneratorConfig{
			Binary: "opencode",
		},
		Queue: QueueConfig{
			BaseURL:        "http://127.0.0.1:8090",
			PollIntervalMS: 3000,
		},
		Gateway: GatewayConfig{
			BaseURL: "http://localhost:3001",
		},
		Storage: StorageConfig{
			DataDir: "./pb_data",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON config file at
// $XDG_CONFIG_HOME/docgate/config.json and applies environment overrides.
//
// Environment variables (DOCGATE_*, plus OPENAI_API_KEY and POCKETBASE_URL
// for compatibility with the dashboard deployment) override file values.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	return cfg, nil
}
