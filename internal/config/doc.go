// Package config loads and validates the engine configuration from YAML,
// with ${VAR} environment expansion and defaults for every tunable.
package config
