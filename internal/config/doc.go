// Package config loads, normalizes, and validates storyloom configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// STORYLOOM_POSTGRES_DSN and STORYLOOM_EXECUTOR_URL. The Config type
// centralizes every knob the daemon and CLI need, from the job store backend
// to worker pool sizing and stage retry policy.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
