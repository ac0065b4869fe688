//go:build !linux

package device

import (
	"context"
	"fmt"

	"github.com/MrWong99/circlecall/pkg/media"
)

// System has no capture drivers on this platform; every open fails.
type System struct{}

var _ Source = System{}

func (System) Enumerate(context.Context) ([]Info, error) { return nil, nil }

func (System) OpenAudio(context.Context, Constraints) (PCMSource, error) {
	return nil, fmt.Errorf("device: microphone capture unavailable: %w", media.ErrDevice)
}

func (System) OpenVideo(context.Context, Constraints) (media.FrameSource, error) {
	return nil, fmt.Errorf("device: camera capture unavailable: %w", media.ErrDevice)
}

func (System) OpenScreen(context.Context, Constraints) (media.FrameSource, error) {
	return nil, fmt.Errorf("device: screen capture unavailable: %w", media.ErrDevice)
}
