// Package playback queues and plays synthesized reply audio through the
// speaker, enforcing that every opened track is released.
package playback
