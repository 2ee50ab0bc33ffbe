// Package config provides configuration loading and validation for the session engine.
// It handles YAML-based configuration with per-section struct validation covering
// audio capture, VAD, recording, playback, caching, and remote collaborators.
package config
