// Package config loads and validates the streamer's YAML configuration.
// ${VAR} references in the file are expanded from the environment before
// parsing.
package config
