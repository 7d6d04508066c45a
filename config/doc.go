// Package config loads and validates node configuration.
//
// Values come from defaults, then .env and .env.local, then RESPKV_
// environment variables, then whatever a viper instance has set from a
// config file or command line flags.
package config
