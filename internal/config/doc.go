// Package config loads, normalizes, and validates memento's TOML
// configuration.
package config
