package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kList // comma-separated strings
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "SQLAGENT_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "SQLAGENT_SERVER_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "ollama.base_url", typ: kString, env: "SQLAGENT_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.chat_model", typ: kString, env: "SQLAGENT_OLLAMA_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.ChatModel },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "SQLAGENT_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "SQLAGENT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "mcp.command", typ: kString, env: "SQLAGENT_MCP_COMMAND",
		apply:   func(cfg *Config, v any) { cfg.MCP.Command = v.(string) },
		extract: func(cfg Config) any { return cfg.MCP.Command },
	},
	{
		key: "mcp.args", typ: kList, env: "SQLAGENT_MCP_ARGS",
		apply:   func(cfg *Config, v any) { cfg.MCP.Args = v.([]string) },
		extract: func(cfg Config) any { return strings.Join(cfg.MCP.Args, ",") },
	},
	{
		key: "mcp.url", typ: kString, env: "SQLAGENT_MCP_URL",
		apply:   func(cfg *Config, v any) { cfg.MCP.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.MCP.URL },
	},
	{
		key: "agent.max_iterations", typ: kInt, env: "SQLAGENT_AGENT_MAX_ITERATIONS",
		apply:   func(cfg *Config, v any) { cfg.Agent.MaxIterations = v.(int) },
		extract: func(cfg Config) any { return cfg.Agent.MaxIterations },
	},
	{
		key: "agent.history_capacity", typ: kInt, env: "SQLAGENT_AGENT_HISTORY_CAPACITY",
		apply:   func(cfg *Config, v any) { cfg.Agent.HistoryCapacity = v.(int) },
		extract: func(cfg Config) any { return cfg.Agent.HistoryCapacity },
	},
	{
		key: "agent.extraction_slice", typ: kInt, env: "SQLAGENT_AGENT_EXTRACTION_SLICE",
		apply:   func(cfg *Config, v any) { cfg.Agent.ExtractionSlice = v.(int) },
		extract: func(cfg Config) any { return cfg.Agent.ExtractionSlice },
	},
	{
		key: "agent.max_context_size", typ: kInt, env: "SQLAGENT_AGENT_MAX_CONTEXT_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Agent.MaxContextSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Agent.MaxContextSize },
	},
	{
		key: "agent.error_markers", typ: kList, env: "SQLAGENT_AGENT_ERROR_MARKERS",
		apply:   func(cfg *Config, v any) { cfg.Agent.ErrorMarkers = v.([]string) },
		extract: func(cfg Config) any { return strings.Join(cfg.Agent.ErrorMarkers, ",") },
	},
	{
		key: "log.level", typ: kString, env: "SQLAGENT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "telemetry.trace_stdout", typ: kBool, env: "SQLAGENT_TELEMETRY_TRACE_STDOUT",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.TraceStdout = v.(bool) },
		extract: func(cfg Config) any { return cfg.Telemetry.TraceStdout },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString, kList:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok {
				continue
			}
			if s.typ == kList {
				s.apply(cfg, splitList(v))
			} else {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kList:
			s.apply(cfg, splitList(raw))
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
