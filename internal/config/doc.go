// Package config provides centralized configuration management for the
// gateway daemon, covering the HTTP surface, storage drivers, provider
// credentials, caches and the ledger queue. Values missing from the file
// fall back to defaults that keep the gateway bootable in store-less mode.
package config
