// Package config loads service configuration. Values come from three layers
// in increasing precedence: built-in defaults, an optional YAML file, and
// STAGEHAND_* environment variables.
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("stagehand.yaml").
//	    Load()
package config
