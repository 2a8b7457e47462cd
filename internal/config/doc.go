// Package config provides configuration loading and validation for the
// audio assurance service. It handles YAML-based configuration with
// per-section validation and ${ENV} expansion for secrets.
package config
