// Package config provides YAML configuration loading and validation for the
// call relay service, with environment overrides for secrets.
package config
