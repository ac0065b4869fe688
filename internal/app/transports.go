package app

import (
	"errors"
	"fmt"

	"github.com/MrWong99/circlecall/internal/config"
	"github.com/MrWong99/circlecall/pkg/media"
	"github.com/MrWong99/circlecall/pkg/media/altsfu"
	"github.com/MrWong99/circlecall/pkg/media/device"
	"github.com/MrWong99/circlecall/pkg/media/meshsfu"
	"github.com/MrWong99/circlecall/pkg/media/p2p"
	"github.com/MrWong99/circlecall/pkg/signal"
)

// RegisterTransports registers the built-in transport adapters with reg.
func RegisterTransports(reg *config.Registry) {
	reg.Register(media.KindMeshSFU, newMeshSFU)
	reg.Register(media.KindAltSFU, newAltSFU)
	reg.Register(media.KindP2P, newP2P)
}

// NewRegistry returns a registry holding the built-in transports.
func NewRegistry() *config.Registry {
	reg := config.NewRegistry()
	RegisterTransports(reg)
	return reg
}

func depsConfig(deps config.TransportDeps) (*config.Config, error) {
	if deps.Devices == nil {
		return nil, errors.New("app: transport deps: Devices must not be nil")
	}
	if deps.Config == nil {
		return &config.Config{}, nil
	}
	return deps.Config, nil
}

func newMeshSFU(deps config.TransportDeps) (media.Provider, error) {
	cfg, err := depsConfig(deps)
	if err != nil {
		return nil, err
	}
	mc := cfg.Transport.MeshSFU
	client, err := meshsfu.NewRTCClient(meshsfu.RTCClientConfig{
		URL:        mc.URL,
		API:        deps.API,
		ICEServers: cfg.ICEServers,
		Devices:    deps.Devices,
	})
	if err != nil {
		return nil, fmt.Errorf("app: mesh-sfu client: %w", err)
	}
	opts := []meshsfu.Option{
		meshsfu.WithDevices(cfg.Devices.Microphone, cfg.Devices.Camera),
		meshsfu.WithScreenAudio(mc.ScreenAudio),
	}
	if mc.UIDRetries > 0 {
		opts = append(opts, meshsfu.WithUIDRetries(mc.UIDRetries, mc.UIDBackoff))
	}
	if d := cfg.Transport.MetricsInterval; d > 0 {
		opts = append(opts, meshsfu.WithMetricsInterval(d))
	}
	return meshsfu.New(client, opts...), nil
}

func newAltSFU(deps config.TransportDeps) (media.Provider, error) {
	cfg, err := depsConfig(deps)
	if err != nil {
		return nil, err
	}
	ac := cfg.Transport.AltSFU
	room, err := altsfu.NewRTCRoom(altsfu.RTCRoomConfig{
		URL:        ac.URL,
		API:        deps.API,
		ICEServers: cfg.ICEServers,
		Devices:    deps.Devices,
	})
	if err != nil {
		return nil, fmt.Errorf("app: alt-sfu room: %w", err)
	}
	opts := []altsfu.Option{
		altsfu.WithDevices(cfg.Devices.Microphone, cfg.Devices.Camera),
		altsfu.WithScreenAudio(ac.ScreenAudio),
	}
	if ac.IdentityRetries > 0 {
		opts = append(opts, altsfu.WithIdentityRetries(ac.IdentityRetries, ac.IdentityBackoff))
	}
	if d := cfg.Transport.MetricsInterval; d > 0 {
		opts = append(opts, altsfu.WithMetricsInterval(d))
	}
	return altsfu.New(room, opts...), nil
}

func newP2P(deps config.TransportDeps) (media.Provider, error) {
	cfg, err := depsConfig(deps)
	if err != nil {
		return nil, err
	}
	sc := cfg.Signaling
	if sc.URL == "" {
		return nil, errors.New("app: peer-to-peer transport: signaling url must not be empty")
	}
	if deps.UserID == "" || deps.MatchID == "" {
		return nil, errors.New("app: peer-to-peer transport: user and match id are required")
	}

	var sigOpts []signal.Option
	if sc.ReconnectAttempts > 0 {
		sigOpts = append(sigOpts, signal.WithReconnect(sc.ReconnectAttempts, sc.ReconnectBackoff, sc.MaxBackoff))
	}
	if sc.HeartbeatInterval > 0 {
		sigOpts = append(sigOpts, signal.WithHeartbeatInterval(sc.HeartbeatInterval))
	}
	sig := signal.New(sc.URL, deps.UserID, deps.MatchID, sigOpts...)

	newPeer, err := p2p.NewRTCPeerFactory(p2p.RTCPeerConfig{
		API:        deps.API,
		ICEServers: cfg.ICEServers,
		Devices:    deps.Devices,
		Profile:    device.DefaultProfile,
	})
	if err != nil {
		_ = sig.Close()
		return nil, fmt.Errorf("app: peer factory: %w", err)
	}

	opts := []p2p.Option{
		p2p.WithDevices(cfg.Devices.Microphone, cfg.Devices.Camera),
	}
	if d := cfg.Transport.P2P.CallTimeout; d > 0 {
		opts = append(opts, p2p.WithCallTimeout(d))
	}
	if d := cfg.Transport.MetricsInterval; d > 0 {
		opts = append(opts, p2p.WithMetricsInterval(d))
	}
	if deps.Transcriber != nil {
		opts = append(opts, p2p.WithTranscriber(deps.Transcriber))
	}
	return p2p.New(sig, newPeer, opts...), nil
}
