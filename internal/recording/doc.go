// Package recording owns the microphone capture lifecycle: start, voice
// activity driven or manual stop, and WAV encoding of the captured audio.
package recording
