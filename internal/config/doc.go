// Package config defines the service configuration and loads it with viper
// from an optional YAML file and SCRY_-prefixed environment variables.
// Loaded values are checked with validator struct tags before use.
package config
