// Package rtc holds the pion/webrtc plumbing shared by every transport:
// API construction, a peer-connection wrapper with candidate buffering,
// Opus/VP8 sample pumps, stats sampling and a JSON-RPC websocket used by the
// SFU clients for signaling.
package rtc

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// ICEServer is a STUN or TURN server.
type ICEServer struct {
	URLs       []string `yaml:"urls" json:"urls"`
	Username   string   `yaml:"username" json:"username,omitempty"`
	Credential string   `yaml:"credential" json:"credential,omitempty"`
}

// DefaultICEServers is used when no servers are configured.
var DefaultICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

// Options configures [NewAPI].
type Options struct {
	// Logger receives pion's internal logs. Defaults to slog.Default().
	Logger *slog.Logger

	// DisconnectedTimeout is how long ICE may be disconnected before the
	// connection is considered failed. Defaults to 30s so brief relay
	// outages do not end a call.
	DisconnectedTimeout time.Duration
}

// NewAPI returns a pion API with the default codecs (Opus, VP8, ...),
// the default interceptors (NACK, RTCP reports, TWCC) and pion's logging
// routed to slog.
func NewAPI(o Options) (*webrtc.API, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("rtc: register codecs: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("rtc: register interceptors: %w", err)
	}

	if o.DisconnectedTimeout == 0 {
		o.DisconnectedTimeout = 30 * time.Second
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(o.DisconnectedTimeout, 4*o.DisconnectedTimeout, 2*time.Second)
	se.LoggerFactory = NewLoggerFactory(logger)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	), nil
}

func iceServers(servers []ICEServer) []webrtc.ICEServer {
	if len(servers) == 0 {
		servers = DefaultICEServers
	}
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		is := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			is.Credential = s.Credential
		}
		out = append(out, is)
	}
	return out
}
