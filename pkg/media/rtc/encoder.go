package rtc

import (
	"github.com/MrWong99/circlecall/pkg/media"
	"github.com/MrWong99/circlecall/pkg/media/device"
)

// VideoEncoder pulls raw frames from its source and yields encoded VP8
// frames.
type VideoEncoder interface {
	Read() ([]byte, func(), error)
	Close() error
}

// EncoderFactory builds a VP8 encoder reading from src.
type EncoderFactory func(src media.FrameSource, p device.Profile) (VideoEncoder, error)
