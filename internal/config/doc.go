// Package config provides environment-based configuration for the
// broadcast server and the relay gateway. Every field has a default so
// a bare `go run` works against a local simulation directory.
package config
