// Package config handles configuration loading for the agent runtime.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and duration parsing; CLI flags override
// loaded values at the command layer.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	server:
//	  password: "${JAIBBER_PASSWORD}"
//	anthropic:
//	  api_key: "${ANTHROPIC_API_KEY}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	tuning:
//	  chunk_window: "200ms"
//	  generation_timeout: "120s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server connection:
//
//	server:
//	  url: "https://chat.example.com"
//	  username: "echo-bot"
//	  password: "${JAIBBER_PASSWORD}"
//
// Agent identity:
//
//	agent:
//	  name: "Echo"
//	  instructions: "You are a helpful teammate."
//	  machine_name: "workstation"
//	  projects: ["proj-1", "proj-2"]   # empty = all visible projects
//
// Generation backend:
//
//	anthropic:
//	  api_key: "${ANTHROPIC_API_KEY}"
//	  model: "claude-sonnet-4-20250514"
//	  max_tokens: 8192
//
// Routing and streaming:
//
//	tuning:
//	  max_response_depth: 3
//	  context_window: 20
//	  chunk_window: "200ms"
//	  generation_timeout: "120s"
//
// Local archive:
//
//	archive:
//	  enabled: true
//	  path: "~/.local/share/jaibber/archive.db"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
//	cfg, err := config.Load("/etc/jaibber/agent.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
