// Package vad implements threshold-based voice activity detection over
// loudness samples, driving speech start/end events and automatic stop
// requests for hands-free recording.
package vad
