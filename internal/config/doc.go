// Package config provides configuration loading and validation for the MeshPe client engine.
// It reads a YAML file on top of built-in defaults, applies MESHPE_* environment overrides
// (optionally sourced from a .env file), and validates every section before use.
package config
