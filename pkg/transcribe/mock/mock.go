// Package mock provides test doubles for the transcribe interfaces.
//
// Use Provider to check the StreamConfig callers open sessions with, and
// Session to feed controlled transcripts and inspect delivered audio.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/circlecall/pkg/transcribe"
)

// Provider is a mock [transcribe.Provider].
type Provider struct {
	mu sync.Mutex

	// Session is returned by StartStream. When nil a fresh [Session] with
	// buffered channels is returned for every call.
	Session transcribe.Session

	StartStreamErr error

	// StartStreamCalls records every StreamConfig passed to StartStream.
	StartStreamCalls []transcribe.StreamConfig

	// Sessions records every session handed out.
	Sessions []transcribe.Session
}

var _ transcribe.Provider = (*Provider)(nil)

// StartStream records the call.
func (p *Provider) StartStream(_ context.Context, cfg transcribe.StreamConfig) (transcribe.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, cfg)
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	s := p.Session
	if s == nil {
		s = NewSession()
	}
	p.Sessions = append(p.Sessions, s)
	return s, nil
}

// Calls returns the number of StartStream calls.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// Session is a mock [transcribe.Session]. Tests push results with
// [Session.Emit]; Close closes both channels once.
type Session struct {
	mu     sync.Mutex
	closed bool

	PartialsCh chan transcribe.Transcript
	FinalsCh   chan transcribe.Transcript

	SendAudioErr error

	// Audio holds a copy of every chunk passed to SendAudio.
	Audio      [][]byte
	CloseCalls int
}

var _ transcribe.Session = (*Session)(nil)

// NewSession returns a session with buffered result channels.
func NewSession() *Session {
	return &Session{
		PartialsCh: make(chan transcribe.Transcript, 16),
		FinalsCh:   make(chan transcribe.Transcript, 16),
	}
}

// SendAudio records a copy of chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Audio = append(s.Audio, append([]byte(nil), chunk...))
	return s.SendAudioErr
}

// Partials returns PartialsCh.
func (s *Session) Partials() <-chan transcribe.Transcript { return s.PartialsCh }

// Finals returns FinalsCh.
func (s *Session) Finals() <-chan transcribe.Transcript { return s.FinalsCh }

// Emit delivers t on the channel matching t.Final. It is a no-op after
// Close.
func (s *Session) Emit(t transcribe.Transcript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t.Final {
		s.FinalsCh <- t
	} else {
		s.PartialsCh <- t
	}
}

// AudioChunks returns the number of SendAudio calls.
func (s *Session) AudioChunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Audio)
}

// Close closes both channels on first call.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCalls++
	if !s.closed {
		s.closed = true
		close(s.PartialsCh)
		close(s.FinalsCh)
	}
	return nil
}
