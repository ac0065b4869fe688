// Package transcribe defines streaming speech-to-text for live calls.
//
// A [Provider] opens one [Session] per audio stream. Sessions accept raw
// 16-bit little-endian PCM and emit two streams of [Transcript] values:
// low-latency partials for live captions and authoritative finals for the
// call transcript.
package transcribe

import (
	"context"
	"time"
)

// StreamConfig describes the audio fed into a session.
type StreamConfig struct {
	// SampleRate in Hz. Call audio is decoded at 48000.
	SampleRate int

	// Channels is the number of interleaved channels.
	Channels int

	// Language is a BCP-47 tag. Empty lets the provider pick its default.
	Language string

	// Keywords are recognition hints such as participant names.
	Keywords []Keyword
}

// Keyword boosts recognition of an uncommon term.
type Keyword struct {
	Term  string
	Boost float64
}

// Transcript is one recognition result.
type Transcript struct {
	Text       string
	Final      bool
	Confidence float64
	Words      []Word

	// Start is the offset of the utterance from the session start.
	Start time.Duration
}

// Word holds per-word timing when the provider reports it.
type Word struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// Session is an open transcription stream. All methods are safe for
// concurrent use. Close is idempotent and closes both result channels.
type Session interface {
	SendAudio(chunk []byte) error
	Partials() <-chan Transcript
	Finals() <-chan Transcript
	Close() error
}

// Provider opens transcription sessions.
type Provider interface {
	StartStream(ctx context.Context, cfg StreamConfig) (Session, error)
}
