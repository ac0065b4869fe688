package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrCollectorClosed is returned by [Collector.Feed] after Close.
var ErrCollectorClosed = errors.New("transcribe: collector closed")

// Collector keeps one [Session] per speaker, opened on that speaker's first
// audio, and reports every result together with the speaker id.
type Collector struct {
	provider Provider
	cfg      StreamConfig
	onResult func(speaker string, t Transcript)

	mu       sync.Mutex
	sessions map[string]Session
	closed   bool
	wg       sync.WaitGroup
}

// NewCollector returns a collector opening sessions with cfg. onResult runs
// on a per-speaker goroutine.
func NewCollector(p Provider, cfg StreamConfig, onResult func(speaker string, t Transcript)) *Collector {
	return &Collector{
		provider: p,
		cfg:      cfg,
		onResult: onResult,
		sessions: make(map[string]Session),
	}
}

// Feed sends a PCM chunk for speaker.
func (c *Collector) Feed(ctx context.Context, speaker string, pcm []byte) error {
	s, err := c.session(ctx, speaker)
	if err != nil {
		return err
	}
	return s.SendAudio(pcm)
}

func (c *Collector) session(ctx context.Context, speaker string) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrCollectorClosed
	}
	if s, ok := c.sessions[speaker]; ok {
		return s, nil
	}
	s, err := c.provider.StartStream(ctx, c.cfg)
	if err != nil {
		return nil, fmt.Errorf("transcribe: start stream for %s: %w", speaker, err)
	}
	c.sessions[speaker] = s
	c.wg.Add(2)
	go c.forward(speaker, s.Partials())
	go c.forward(speaker, s.Finals())
	slog.Debug("transcribe: session opened", "speaker", speaker, "language", c.cfg.Language)
	return s, nil
}

func (c *Collector) forward(speaker string, ch <-chan Transcript) {
	defer c.wg.Done()
	for t := range ch {
		if t.Text == "" {
			continue
		}
		c.onResult(speaker, t)
	}
}

// Drop closes the session of a speaker who left.
func (c *Collector) Drop(speaker string) {
	c.mu.Lock()
	s, ok := c.sessions[speaker]
	delete(c.sessions, speaker)
	c.mu.Unlock()
	if ok {
		_ = s.Close()
	}
}

// Close closes every session and waits for pending results to be reported.
func (c *Collector) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sessions := c.sessions
	c.sessions = nil
	c.mu.Unlock()

	var errs []error
	for speaker, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("transcribe: close %s: %w", speaker, err))
		}
	}
	c.wg.Wait()
	return errors.Join(errs...)
}
