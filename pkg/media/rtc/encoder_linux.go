//go:build linux

package rtc

import (
	"fmt"

	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"

	"github.com/MrWong99/circlecall/pkg/media"
	"github.com/MrWong99/circlecall/pkg/media/device"
)

// NewVP8Encoder encodes src with libvpx through pion/mediadevices.
func NewVP8Encoder(src media.FrameSource, p device.Profile) (VideoEncoder, error) {
	params, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("rtc: vp8 params: %w", err)
	}
	if p.Bitrate > 0 {
		params.BitRate = p.Bitrate * 1000
	}
	enc, err := params.BuildVideoEncoder(video.ReaderFunc(src.Read), prop.Media{
		Video: prop.Video{
			Width:     p.Width,
			Height:    p.Height,
			FrameRate: float32(p.FrameRate),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("rtc: build vp8 encoder: %w", err)
	}
	return enc, nil
}
