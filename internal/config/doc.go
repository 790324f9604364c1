// Package config loads the MetaHost daemon configuration from YAML, applies
// defaults relative to the configuration directory and lets secrets be
// overridden from the environment.
package config
