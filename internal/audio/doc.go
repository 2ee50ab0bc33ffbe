// Package audio handles microphone capture, PCM buffering, loudness sampling,
// and WAV encoding. The capture device feeds a per-recording buffer; the sampler
// produces the volume/spectrum stream that drives voice activity detection.
package audio
