package rtc

import (
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/MrWong99/circlecall/pkg/media"
)

// statsSampler turns cumulative pion counters into rates.
type statsSampler struct {
	at       time.Time
	sent     uint64
	received uint64
}

func (s *statsSampler) sample(report webrtc.StatsReport) *media.Metrics {
	now := time.Now()
	m := &media.Metrics{UpdatedAt: now}

	var sent, received uint64
	var lost int64
	var packets uint64
	for _, st := range report {
		switch v := st.(type) {
		case webrtc.ICECandidatePairStats:
			if v.Nominated && v.CurrentRoundTripTime > 0 {
				m.RoundTrip = time.Duration(v.CurrentRoundTripTime * float64(time.Second))
			}
		case webrtc.InboundRTPStreamStats:
			received += v.BytesReceived
			lost += int64(v.PacketsLost)
			packets += uint64(v.PacketsReceived)
			if v.Kind == "video" {
				m.FrameWidth = int(v.FrameWidth)
				m.FrameHeight = int(v.FrameHeight)
				m.FramesPerSecond = v.FramesPerSecond
			}
		case webrtc.OutboundRTPStreamStats:
			sent += v.BytesSent
		}
	}

	if total := float64(packets) + float64(max(lost, 0)); total > 0 {
		m.PacketLoss = float64(max(lost, 0)) / total
	}
	if !s.at.IsZero() {
		if dt := now.Sub(s.at).Seconds(); dt > 0 {
			if sent >= s.sent {
				m.SendBitrate = int64(float64(sent-s.sent) * 8 / dt)
			}
			if received >= s.received {
				m.ReceiveBitrate = int64(float64(received-s.received) * 8 / dt)
			}
		}
	}
	s.at, s.sent, s.received = now, sent, received
	return m
}
