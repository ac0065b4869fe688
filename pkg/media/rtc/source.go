package rtc

import (
	"errors"
	"image"
	"sync"

	"github.com/MrWong99/circlecall/pkg/media"
	"github.com/MrWong99/circlecall/pkg/media/device"
)

// SourceSwitch is a [media.FrameSource] that forwards to a replaceable
// underlying source. The video pump reads from a switch so a compositor's
// output can take the camera's place without renegotiation.
type SourceSwitch struct {
	mu      sync.RWMutex
	primary media.FrameSource
	current media.FrameSource
}

var _ media.FrameSource = (*SourceSwitch)(nil)

// NewSourceSwitch returns a switch reading from primary.
func NewSourceSwitch(primary media.FrameSource) *SourceSwitch {
	return &SourceSwitch{primary: primary, current: primary}
}

// Primary returns the source the switch was created with.
func (s *SourceSwitch) Primary() media.FrameSource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.primary
}

// Set routes reads to src. A nil src restores the primary source.
func (s *SourceSwitch) Set(src media.FrameSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if src == nil {
		src = s.primary
	}
	s.current = src
}

// Current returns the source reads are routed to.
func (s *SourceSwitch) Current() media.FrameSource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *SourceSwitch) ID() string { return s.Primary().ID() }

// Read reads from the current source. A replacement that has ended is
// dropped and reads fall back to the primary source.
func (s *SourceSwitch) Read() (image.Image, func(), error) {
	cur := s.Current()
	img, release, err := cur.Read()
	if err == nil || !errors.Is(err, device.ErrEnded) {
		return img, release, err
	}
	s.mu.Lock()
	primary := s.primary
	if s.current == cur {
		s.current = primary
	}
	s.mu.Unlock()
	if cur == primary {
		return img, release, err
	}
	return primary.Read()
}

// Close closes the primary source. Replacement sources are owned by whoever
// installed them.
func (s *SourceSwitch) Close() error { return s.Primary().Close() }
