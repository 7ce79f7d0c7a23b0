// Package config handles configuration loading, parsing, and validation
// from environment variables and an optional YAML file. It provides typed
// access to the engine's tunables (concurrency, admission thresholds,
// heartbeat cadence, scheduling strategy, retry and timeout defaults) while
// keeping configuration details separate from the queue logic.
package config
