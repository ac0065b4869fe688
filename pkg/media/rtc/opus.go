package rtc

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/circlecall/pkg/media/device"
)

const opusMaxPacket = 4000

type opusEncoder struct {
	enc *gopus.Encoder
}

func newOpusEncoder() (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(device.SampleRate, device.Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("rtc: create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc}, nil
}

func (e *opusEncoder) encode(pcm []int16) ([]byte, error) {
	out, err := e.enc.Encode(pcm, device.FrameSamples, opusMaxPacket)
	if err != nil {
		return nil, fmt.Errorf("rtc: opus encode: %w", err)
	}
	return out, nil
}

// OpusDecoder turns received Opus packets into PCM frames in the
// [device.PCMSource] layout.
type OpusDecoder struct {
	dec *gopus.Decoder
}

// NewOpusDecoder returns a mono 48 kHz decoder.
func NewOpusDecoder() (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(device.SampleRate, device.Channels)
	if err != nil {
		return nil, fmt.Errorf("rtc: create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec}, nil
}

// Decode decodes one packet.
func (d *OpusDecoder) Decode(pkt []byte) ([]int16, error) {
	pcm, err := d.dec.Decode(pkt, device.FrameSamples, false)
	if err != nil {
		return nil, fmt.Errorf("rtc: opus decode: %w", err)
	}
	return pcm, nil
}

// PCMBytes encodes samples as little-endian linear16.
func PCMBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}
