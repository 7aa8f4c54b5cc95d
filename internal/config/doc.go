// Package config provides configuration loading and validation for the model inference service.
// It handles YAML-based configuration with struct validation covering the TCP server,
// model artifact location, monitoring API and logging parameters.
package config
