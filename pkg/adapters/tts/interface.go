package tts

import (
	"bytes"
	"context"
)

// Synthesizer defines the contract for any request/response speech synthesis vendor.
type Synthesizer interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Synthesize turns text into an encoded audio asset.
	Synthesize(ctx context.Context, req Request) (Result, error)
}

// Request is one synthesis call.
type Request struct {
	Text  string
	Voice string
}

// Result carries an opaque encoded audio asset.
type Result struct {
	Audio []byte
	// Format is "wav", "mp3" or empty when unknown.
	Format string
}

// Audio formats recognised by SniffFormat.
const (
	FormatWAV = "wav"
	FormatMP3 = "mp3"
)

// SniffFormat guesses the container of an audio blob from its magic bytes.
func SniffFormat(audio []byte) string {
	switch {
	case len(audio) >= 12 && bytes.Equal(audio[0:4], []byte("RIFF")) && bytes.Equal(audio[8:12], []byte("WAVE")):
		return FormatWAV
	case len(audio) >= 3 && bytes.Equal(audio[0:3], []byte("ID3")):
		return FormatMP3
	case len(audio) >= 2 && audio[0] == 0xFF && audio[1]&0xE0 == 0xE0:
		return FormatMP3
	default:
		return ""
	}
}
