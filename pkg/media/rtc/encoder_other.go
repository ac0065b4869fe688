//go:build !linux

package rtc

import (
	"fmt"

	"github.com/MrWong99/circlecall/pkg/media"
	"github.com/MrWong99/circlecall/pkg/media/device"
)

// NewVP8Encoder is unavailable without libvpx bindings on this platform.
func NewVP8Encoder(media.FrameSource, device.Profile) (VideoEncoder, error) {
	return nil, fmt.Errorf("rtc: vp8 encoding: %w", media.ErrUnsupported)
}
