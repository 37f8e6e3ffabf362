package config

import (
	"path/filepath"
	"strings"
)

type Config struct {
	Server    ServerConfig
	Ollama    OllamaConfig
	Storage   StorageConfig
	MCP       MCPConfig
	Agent     AgentConfig
	Log       LogConfig
	Telemetry TelemetryConfig
}

type ServerConfig struct {
	Port  int
	Token string
}

type OllamaConfig struct {
	BaseURL    string
	ChatModel  string
	EmbedModel string
}

type StorageConfig struct {
	DataDir string
}

// MCPConfig locates the tool server. Command wins over URL.
type MCPConfig struct {
	Command string
	Args    []string
	URL     string
}

type AgentConfig struct {
	MaxIterations   int
	HistoryCapacity int
	ExtractionSlice int
	MaxContextSize  int
	ErrorMarkers    []string
}

type LogConfig struct {
	Level string
}

type TelemetryConfig struct {
	TraceStdout bool
}

// DBPath is the SQLite database the agent writes into.
func (c Config) DBPath() string {
	return filepath.Join(c.Storage.DataDir, "agent.db")
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			ChatModel:  "llama3.1",
			EmbedModel: "nomic-embed-text",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Agent: AgentConfig{
			MaxIterations:   5,
			HistoryCapacity: 32768,
			ExtractionSlice: 6000,
			MaxContextSize:  32768,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the YAML file at FilePath and applies
// SQLAGENT_* environment overrides on top. Secrets such as the server
// token are read from the environment only.
func Load() (Config, error) {
	return loadWith(newFileBackend(FilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// splitList parses a comma-separated value, dropping blank items.
func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
