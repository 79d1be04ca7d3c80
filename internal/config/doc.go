// Package config loads, normalizes, and validates extractd's TOML
// configuration. Defaults are embedded so the daemon runs with no config
// file present; a sample file can be materialized with WriteSample.
package config
