// Package config resolves project and relay settings from files and the
// environment.
//
// Ownership boundary:
// - project settings: .env (viper) overlaid by cloudscript.toml
// - relay settings: relay.toml
// - validation of both
//
// Command-line flags are applied by the caller after loading.
package config
