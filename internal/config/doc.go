// Package config handles configuration loading for llmconnect.
//
// # Overview
//
// Configuration is loaded from a YAML file, or a TOML file when the path ends
// in .toml, with environment variable expansion.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from LLMCONNECT_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/llmconnect/config.yaml
//  3. ~/.config/llmconnect/config.yaml
//
// LLMCONNECT_DB_PATH overrides database.path.
//
// # Environment Variable Expansion
//
//	providers:
//	  openai:
//	    api_key: "${OPENAI_API_KEY}"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "127.0.0.1:8080"
//	  grpc_addr: "127.0.0.1:50051"   # gRPC health; omit to disable
//
//	database:
//	  driver: "sqlite"               # sqlite, bolt, json
//	  path: "~/.local/share/llmconnect/llmconnect.db"
//
//	providers:
//	  openai:
//	    api_key: "${OPENAI_API_KEY}"
//	    default_model: "gpt-4o-mini"
//	    timeout: "2m"
//	  ollama:
//	    models: ["llama3.2"]
//	  echo:
//	    token_delay: "50ms"
//
//	defaults:
//	  provider: "openai"
//	  system_prompt: "You are a helpful assistant."
//	  inference_parameters:
//	    temperature: 0.7
//
//	stream:
//	  min_token_interval: "50ms"
//	  heartbeat_interval: "15s"
//
//	generation:
//	  timeout: "5m"
//	  shutdown_grace: "5s"
//
//	idempotency:
//	  ttl: "10m"
//	  max_entries: 10000
//
//	logging:
//	  level: "info"                  # debug, info, warn, error
//	  format: "text"                 # text, json
package config
