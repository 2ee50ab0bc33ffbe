package audio

import "time"

// MIMEWAV is the MIME type of WAV-encoded blobs produced by this package.
const MIMEWAV = "audio/wav"

// Blob is an opaque encoded-audio payload. The engine never inspects the
// container beyond the MIME type; remote collaborators produce and consume
// the bytes as-is.
type Blob struct {
	Data     []byte
	MIME     string
	Duration time.Duration
}

// Empty reports whether the blob carries no audio data.
func (b *Blob) Empty() bool {
	return b == nil || len(b.Data) == 0
}
