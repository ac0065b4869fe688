// Package device enumerates capture devices and opens local audio, camera
// and screen sources for the transport adapters.
//
// [Source] is the low-level capture backend ([System] on Linux via
// pion/mediadevices, [Synthetic] everywhere). [Directory] layers enumeration
// state on top: selected devices, re-enumeration on plug/unplug and
// constraint building.
package device

import (
	"context"
	"errors"

	"github.com/MrWong99/circlecall/pkg/media"
)

var (
	// ErrNoDevice is returned when no device of the requested kind exists.
	ErrNoDevice = errors.New("device: no matching device")

	// ErrEnded is returned by reads on a source that has been stopped or
	// ended on its own.
	ErrEnded = errors.New("device: source ended")
)

// Kind classifies a capture device.
type Kind string

const (
	KindAudioInput Kind = "audioinput"
	KindVideoInput Kind = "videoinput"
)

// Info describes one capture device. Label is empty until the capture
// permission has been granted at least once.
type Info struct {
	ID      string
	Kind    Kind
	Label   string
	Default bool
}

// Constraints select and shape a capture.
type Constraints struct {
	DeviceID   string
	Width      int
	Height     int
	FrameRate  int
	SampleRate int
	Channels   int
}

// PCM frame layout produced by every [PCMSource].
const (
	SampleRate    = 48000
	Channels      = 1
	FrameSamples  = 960 // 20 ms at 48 kHz
	FrameDuration = 20  // milliseconds
)

// PCMSource yields signed 16-bit PCM frames of exactly [FrameSamples]
// samples per channel at [SampleRate].
type PCMSource interface {
	ID() string
	ReadPCM() ([]int16, error)
	Close() error
}

// EndNotifier is implemented by sources that can end on their own, such as
// a screen capture stopped through an operating-system control.
type EndNotifier interface {
	OnEnded(fn func())
}

// Source is a capture backend.
type Source interface {
	Enumerate(ctx context.Context) ([]Info, error)
	OpenAudio(ctx context.Context, c Constraints) (PCMSource, error)
	OpenVideo(ctx context.Context, c Constraints) (media.FrameSource, error)
	OpenScreen(ctx context.Context, c Constraints) (media.FrameSource, error)
}
