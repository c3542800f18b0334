// Package config handles configuration loading for fleetcore.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from FLEETCORE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/fleetcore/server.yaml
//  3. ~/.config/fleetcore/server.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  session_secret: "${FLEETCORE_SESSION_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	scheduler:
//	  sweep_interval: "30s"
//	  command_ttl: "1h"
//	ingest:
//	  retention: "720h"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # API, downloads, embedded ingest
//
// Database:
//
//	database:
//	  path: "/var/lib/fleetcore/fleetcore.db"
//
// Ingestion (embedded mounts the receiver on the main server; standalone
// runs its own listener):
//
//	ingest:
//	  enabled: true
//	  embedded: true
//	  listen_addr: "0.0.0.0:9090"  # standalone mode only
//	  retention: "720h"            # omit to keep messages forever
//
// Scheduler:
//
//	scheduler:
//	  sweep_interval: "30s"
//	  command_ttl: "1h"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load("/etc/fleetcore/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
