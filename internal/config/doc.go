// Package config provides centralized configuration management for the
// concierge runtime. A single JSON file describes the HTTP surface, storage
// and queue backends, execution policy, settlement parameters and logging.
package config
