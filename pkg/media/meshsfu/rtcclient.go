package meshsfu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/MrWong99/circlecall/pkg/media"
	"github.com/MrWong99/circlecall/pkg/media/blur"
	"github.com/MrWong99/circlecall/pkg/media/device"
	"github.com/MrWong99/circlecall/pkg/media/rtc"
)

// RPC methods spoken with the SFU. Requests carry an id and expect a reply;
// the server pushes the remaining ones as notifications.
const (
	methodJoin          = "join"
	methodLeave         = "leave"
	methodOffer         = "offer"
	methodAnswer        = "answer"
	methodTrickle       = "trickle"
	methodSubscribe     = "subscribe"
	methodUnsubscribe   = "unsubscribe"
	methodUserInfo      = "user-info"
	methodTranscription = "transcription"
	methodPeerJoined    = "peer-joined"
	methodPeerLeft      = "peer-left"
	methodPublished     = "published"
	methodUnpublished   = "unpublished"
	methodVolumes       = "volumes"
	methodTranscript    = "transcript"
	methodError         = "error"

	codeUIDConflict = "UID_CONFLICT"
)

type joinParams struct {
	SID   string                    `json:"sid"`
	UID   string                    `json:"uid"`
	Token string                    `json:"token,omitempty"`
	Offer webrtc.SessionDescription `json:"offer"`
}

type joinResult struct {
	UID    string                    `json:"uid"`
	Answer webrtc.SessionDescription `json:"answer"`
}

type negotiation struct {
	Desc webrtc.SessionDescription `json:"desc"`
}

type trickle struct {
	Candidate rtc.Candidate `json:"candidate"`
}

type mediaRef struct {
	UID  string    `json:"uid"`
	Kind MediaType `json:"kind"`
	Name string    `json:"name,omitempty"`
}

type userInfo struct {
	UID  string `json:"uid,omitempty"`
	Info string `json:"info"`
}

type transcription struct {
	Enabled  bool   `json:"enabled"`
	Language string `json:"language,omitempty"`
}

type transcriptNote struct {
	UID   string `json:"uid"`
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// RTCClientConfig configures an [RTCClient].
type RTCClientConfig struct {
	// URL is the SFU's websocket signaling endpoint.
	URL    string
	Header http.Header

	// API builds peer connections. Defaults to [rtc.NewAPI] with default
	// options.
	API        *webrtc.API
	ICEServers []rtc.ICEServer

	// Devices opens local captures.
	Devices device.Source

	// Encoder builds VP8 encoders. Defaults to [rtc.NewVP8Encoder].
	Encoder rtc.EncoderFactory

	// Segmenter backs the blur extension. Defaults to the adaptive
	// segmenter.
	Segmenter blur.SegmenterFactory
}

// RTCClient implements [Client] with one pion peer connection per call and
// a JSON-RPC signaling socket. Remote media is offered by the SFU through
// server-initiated renegotiation after each subscribe.
type RTCClient struct {
	cfg RTCClientConfig
	ext *blur.Extension

	// neg serialises offer/answer exchanges.
	neg sync.Mutex

	mu      sync.Mutex
	state   ConnectionState
	uid     string
	rpc     *rtc.RPC
	peer    *rtc.Peer
	handler func(Event)
	senders map[string]*rtc.SampleTrack
	remote  map[string]*rtc.RemotePlayer
	waiters map[string][]chan *rtc.RemotePlayer
	leaving bool
}

var _ Client = (*RTCClient)(nil)

// NewRTCClient returns a disconnected client.
func NewRTCClient(cfg RTCClientConfig) (*RTCClient, error) {
	if cfg.URL == "" {
		return nil, errors.New("meshsfu: URL must not be empty")
	}
	if cfg.Devices == nil {
		return nil, errors.New("meshsfu: Devices must not be nil")
	}
	if cfg.API == nil {
		api, err := rtc.NewAPI(rtc.Options{})
		if err != nil {
			return nil, err
		}
		cfg.API = api
	}
	if cfg.Encoder == nil {
		cfg.Encoder = rtc.NewVP8Encoder
	}
	c := &RTCClient{
		cfg:     cfg,
		state:   StateDisconnected,
		senders: make(map[string]*rtc.SampleTrack),
		remote:  make(map[string]*rtc.RemotePlayer),
		waiters: make(map[string][]chan *rtc.RemotePlayer),
	}
	c.ext = blur.NewExtension(c.switchFor, cfg.Segmenter)
	return c, nil
}

// ConnectionState implements [Client].
func (c *RTCClient) ConnectionState() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *RTCClient) setState(s ConnectionState, reason string) {
	c.mu.Lock()
	prev := c.state
	if prev == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.emit(Event{Type: EventConnectionChange, State: s, PrevState: prev, Reason: reason})
}

// OnEvent implements [Client].
func (c *RTCClient) OnEvent(fn func(Event)) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

func (c *RTCClient) emit(ev Event) {
	c.mu.Lock()
	fn := c.handler
	c.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// Join implements [Client].
func (c *RTCClient) Join(ctx context.Context, channel, token, uid string) (string, error) {
	c.setState(StateConnecting, "")
	assigned, err := c.join(ctx, channel, token, uid)
	if err != nil {
		c.closeTransport()
		c.setState(StateDisconnected, "join failed")
		return "", err
	}
	c.setState(StateConnected, "")
	return assigned, nil
}

func (c *RTCClient) join(ctx context.Context, channel, token, uid string) (string, error) {
	rpc, err := rtc.DialRPC(ctx, c.cfg.URL, c.cfg.Header, c.notify)
	if err != nil {
		return "", err
	}
	peer, err := rtc.NewPeer(c.cfg.API, c.cfg.ICEServers)
	if err != nil {
		_ = rpc.Close()
		return "", err
	}
	c.mu.Lock()
	c.rpc, c.peer, c.leaving = rpc, peer, false
	c.mu.Unlock()

	pc := peer.PeerConnection()
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			return "", fmt.Errorf("meshsfu: add %s transceiver: %w", kind, err)
		}
	}
	peer.OnLocalCandidate(func(cand rtc.Candidate) {
		if err := rpc.Notify(context.Background(), methodTrickle, trickle{Candidate: cand}); err != nil {
			slog.Debug("meshsfu: send candidate", "err", err)
		}
	})
	peer.OnRemoteTrack(c.addRemote)
	peer.OnStateChange(c.peerStateChanged)

	sdp, err := peer.CreateOffer(ctx)
	if err != nil {
		return "", err
	}
	var res joinResult
	err = rpc.Call(ctx, methodJoin, joinParams{
		SID:   channel,
		UID:   uid,
		Token: token,
		Offer: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp},
	}, &res)
	var rpcErr *rtc.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == codeUIDConflict {
		return "", fmt.Errorf("%w: %s", ErrUIDConflict, uid)
	}
	if err != nil {
		return "", fmt.Errorf("meshsfu: join %s: %w", channel, err)
	}
	if err := peer.AcceptAnswer(res.Answer.SDP); err != nil {
		return "", err
	}
	if res.UID == "" {
		res.UID = uid
	}
	c.mu.Lock()
	c.uid = res.UID
	c.mu.Unlock()
	go c.watchSignaling(rpc)
	return res.UID, nil
}

func (c *RTCClient) watchSignaling(rpc *rtc.RPC) {
	<-rpc.Done()
	c.mu.Lock()
	current := c.rpc == rpc && !c.leaving
	c.mu.Unlock()
	if current {
		slog.Warn("meshsfu: signaling lost", "err", rpc.Err())
		c.setState(StateDisconnected, "signaling lost")
	}
}

func (c *RTCClient) peerStateChanged(s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateDisconnected:
		c.setState(StateReconnecting, "ice disconnected")
	case webrtc.PeerConnectionStateConnected:
		c.setState(StateConnected, "")
	case webrtc.PeerConnectionStateFailed:
		c.setState(StateDisconnected, "ice failed")
	}
}

// Leave implements [Client].
func (c *RTCClient) Leave(ctx context.Context) error {
	c.mu.Lock()
	rpc := c.rpc
	c.leaving = true
	c.mu.Unlock()
	if rpc == nil {
		return nil
	}
	c.setState(StateDisconnecting, "")
	if err := c.ext.Unpipe(ctx); err != nil {
		slog.Debug("meshsfu: unpipe blur", "err", err)
	}
	if err := rpc.Notify(ctx, methodLeave, struct{}{}); err != nil {
		slog.Debug("meshsfu: notify leave", "err", err)
	}
	c.closeTransport()
	c.setState(StateDisconnected, "leave")
	return nil
}

func (c *RTCClient) closeTransport() {
	c.mu.Lock()
	rpc, peer := c.rpc, c.peer
	c.rpc, c.peer = nil, nil
	c.senders = make(map[string]*rtc.SampleTrack)
	c.remote = make(map[string]*rtc.RemotePlayer)
	c.mu.Unlock()
	if peer != nil {
		if err := peer.Close(); err != nil {
			slog.Debug("meshsfu: close peer", "err", err)
		}
	}
	if rpc != nil {
		_ = rpc.Close()
	}
}

func (c *RTCClient) transport() (*rtc.RPC, *rtc.Peer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpc == nil || c.peer == nil {
		return nil, nil, media.ErrNotConnected
	}
	return c.rpc, c.peer, nil
}

// renegotiate sends a fresh offer after local tracks changed.
func (c *RTCClient) renegotiate(ctx context.Context) error {
	rpc, peer, err := c.transport()
	if err != nil {
		return err
	}
	c.neg.Lock()
	defer c.neg.Unlock()
	sdp, err := peer.CreateOffer(ctx)
	if err != nil {
		return err
	}
	var res negotiation
	if err := rpc.Call(ctx, methodOffer, negotiation{Desc: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}}, &res); err != nil {
		return fmt.Errorf("meshsfu: renegotiate: %w", err)
	}
	return peer.AcceptAnswer(res.Desc.SDP)
}

// answerServer answers an SFU-initiated renegotiation.
func (c *RTCClient) answerServer(desc webrtc.SessionDescription) {
	rpc, peer, err := c.transport()
	if err != nil {
		return
	}
	c.neg.Lock()
	defer c.neg.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sdp, err := peer.AcceptOffer(ctx, desc.SDP)
	if err != nil {
		slog.Warn("meshsfu: apply server offer", "err", err)
		return
	}
	answer := negotiation{Desc: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}}
	if err := rpc.Notify(ctx, methodAnswer, answer); err != nil {
		slog.Warn("meshsfu: send answer", "err", err)
	}
}

// notify handles server notifications on the RPC read goroutine.
func (c *RTCClient) notify(method string, params json.RawMessage) {
	switch method {
	case methodOffer:
		var n negotiation
		if decode(method, params, &n) {
			go c.answerServer(n.Desc)
		}
	case methodTrickle:
		var t trickle
		if !decode(method, params, &t) {
			return
		}
		if _, peer, err := c.transport(); err == nil {
			if err := peer.AddCandidate(t.Candidate); err != nil {
				slog.Debug("meshsfu: add candidate", "err", err)
			}
		}
	case methodPeerJoined, methodPeerLeft, methodPublished, methodUnpublished:
		var ref mediaRef
		if !decode(method, params, &ref) {
			return
		}
		c.emit(Event{Type: refEvents[method], UID: ref.UID, Name: ref.Name, MediaType: ref.Kind})
	case methodUserInfo:
		var u userInfo
		if decode(method, params, &u) {
			c.emit(Event{Type: EventUserInfoUpdated, UID: u.UID, Info: u.Info})
		}
	case methodVolumes:
		var vs []Volume
		if decode(method, params, &vs) {
			c.emit(Event{Type: EventVolumeIndicator, Volumes: vs})
		}
	case methodTranscript:
		var t transcriptNote
		if decode(method, params, &t) {
			c.emit(Event{Type: EventTranscript, UID: t.UID, Text: t.Text, Final: t.Final})
		}
	case methodError:
		var e rtc.RPCError
		if decode(method, params, &e) {
			c.emit(Event{Type: EventException, Err: &e})
		}
	default:
		slog.Debug("meshsfu: unknown notification", "method", method)
	}
}

var refEvents = map[string]EventType{
	methodPeerJoined:  EventUserJoined,
	methodPeerLeft:    EventUserLeft,
	methodPublished:   EventUserPublished,
	methodUnpublished: EventUserUnpublished,
}

func decode(method string, params json.RawMessage, v any) bool {
	if err := json.Unmarshal(params, v); err != nil {
		slog.Warn("meshsfu: malformed notification", "method", method, "err", err)
		return false
	}
	return true
}

func remoteKey(uid string, mt MediaType) string { return uid + "/" + string(mt) }

func (c *RTCClient) addRemote(t *webrtc.TrackRemote) {
	mt := MediaAudio
	if t.Kind() == webrtc.RTPCodecTypeVideo {
		mt = MediaVideo
	}
	key := remoteKey(t.StreamID(), mt)
	p := rtc.NewRemotePlayer(t)

	c.mu.Lock()
	c.remote[key] = p
	waiters := c.waiters[key]
	delete(c.waiters, key)
	c.mu.Unlock()
	for _, w := range waiters {
		w <- p
	}

	go func() {
		<-p.Done()
		c.mu.Lock()
		if c.remote[key] == p {
			delete(c.remote, key)
		}
		c.mu.Unlock()
	}()
}

// Subscribe implements [Client]. It returns once the SFU has delivered the
// requested track.
func (c *RTCClient) Subscribe(ctx context.Context, uid string, mt MediaType) (media.Player, error) {
	rpc, _, err := c.transport()
	if err != nil {
		return nil, err
	}
	key := remoteKey(uid, mt)
	ch := make(chan *rtc.RemotePlayer, 1)
	c.mu.Lock()
	if p, ok := c.remote[key]; ok {
		c.mu.Unlock()
		return p, nil
	}
	c.waiters[key] = append(c.waiters[key], ch)
	c.mu.Unlock()

	if err := rpc.Call(ctx, methodSubscribe, mediaRef{UID: uid, Kind: mt}, nil); err != nil {
		return nil, fmt.Errorf("meshsfu: subscribe %s: %w", key, err)
	}
	select {
	case p := <-ch:
		return p, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("meshsfu: subscribe %s: %w", key, ctx.Err())
	}
}

// Unsubscribe implements [Client].
func (c *RTCClient) Unsubscribe(ctx context.Context, uid string, mt MediaType) error {
	rpc, _, err := c.transport()
	if err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.remote, remoteKey(uid, mt))
	c.mu.Unlock()
	return rpc.Call(ctx, methodUnsubscribe, mediaRef{UID: uid, Kind: mt}, nil)
}

// CreateMicrophoneTrack implements [Client].
func (c *RTCClient) CreateMicrophoneTrack(ctx context.Context, deviceID string) (LocalTrack, error) {
	src, err := c.cfg.Devices.OpenAudio(ctx, device.Constraints{
		DeviceID:   deviceID,
		SampleRate: device.SampleRate,
		Channels:   device.Channels,
	})
	if err != nil {
		return nil, err
	}
	capture, err := rtc.NewAudioCapture(src, "local")
	if err != nil {
		return nil, err
	}
	return &captureTrack{c: c, capture: capture}, nil
}

// CreateCameraTrack implements [Client].
func (c *RTCClient) CreateCameraTrack(ctx context.Context, deviceID string, p TrackProfile) (LocalTrack, error) {
	src, err := c.cfg.Devices.OpenVideo(ctx, device.Constraints{
		DeviceID:  deviceID,
		Width:     p.Width,
		Height:    p.Height,
		FrameRate: p.FrameRate,
	})
	if err != nil {
		return nil, err
	}
	prof := device.Profile{Width: p.Width, Height: p.Height, FrameRate: p.FrameRate, Bitrate: p.MaxBitrate}
	capture, err := rtc.NewVideoCapture(src, media.TrackVideo, "local", prof, c.cfg.Encoder)
	if err != nil {
		return nil, err
	}
	return &captureTrack{c: c, capture: capture}, nil
}

// CreateScreenTrack implements [Client]. System audio is not captured.
func (c *RTCClient) CreateScreenTrack(ctx context.Context, withAudio bool) (LocalTrack, LocalTrack, error) {
	src, err := c.cfg.Devices.OpenScreen(ctx, device.Constraints{FrameRate: 15})
	if err != nil {
		return nil, nil, err
	}
	prof := device.Profile{FrameRate: 15, Bitrate: 1200}
	capture, err := rtc.NewVideoCapture(src, media.TrackScreen, "screen", prof, c.cfg.Encoder)
	if err != nil {
		return nil, nil, err
	}
	if withAudio {
		slog.Debug("meshsfu: system audio capture unavailable, sharing video only")
	}
	return &captureTrack{c: c, capture: capture}, nil, nil
}

// Publish implements [Client].
func (c *RTCClient) Publish(ctx context.Context, tracks ...LocalTrack) error {
	_, peer, err := c.transport()
	if err != nil {
		return err
	}
	for _, t := range tracks {
		lt, ok := t.(*captureTrack)
		if !ok || lt.c != c {
			return fmt.Errorf("meshsfu: publish %s: track not created by this client", t.ID())
		}
		st, err := peer.Publish(lt.capture.Sample)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.senders[t.ID()] = st
		c.mu.Unlock()
	}
	return c.renegotiate(ctx)
}

// Unpublish implements [Client].
func (c *RTCClient) Unpublish(ctx context.Context, tracks ...LocalTrack) error {
	_, peer, err := c.transport()
	if err != nil {
		return err
	}
	for _, t := range tracks {
		c.mu.Lock()
		st := c.senders[t.ID()]
		delete(c.senders, t.ID())
		c.mu.Unlock()
		if err := peer.RemoveSampleTrack(st); err != nil {
			return err
		}
	}
	return c.renegotiate(ctx)
}

// Stats implements [Client].
func (c *RTCClient) Stats() *media.Metrics {
	_, peer, err := c.transport()
	if err != nil {
		return nil
	}
	return peer.Metrics()
}

// StartTranscription implements [Client].
func (c *RTCClient) StartTranscription(ctx context.Context, lang string) error {
	rpc, _, err := c.transport()
	if err != nil {
		return err
	}
	return rpc.Call(ctx, methodTranscription, transcription{Enabled: true, Language: lang}, nil)
}

// StopTranscription implements [Client].
func (c *RTCClient) StopTranscription(ctx context.Context) error {
	rpc, _, err := c.transport()
	if err != nil {
		return err
	}
	return rpc.Call(ctx, methodTranscription, transcription{}, nil)
}

// BlurExtension implements [Client]. The extension is created once per
// client.
func (c *RTCClient) BlurExtension(context.Context) (media.BlurExtension, error) {
	return c.ext, nil
}

func (c *RTCClient) switchFor(t *media.Track) (blur.Switch, error) {
	lt, ok := t.Player.(*captureTrack)
	if !ok || lt.c != c {
		return nil, fmt.Errorf("meshsfu: track %s was not created by this client", t.ID)
	}
	sw := lt.capture.Switch()
	if sw == nil {
		return nil, fmt.Errorf("meshsfu: track %s is not a video track", t.ID)
	}
	return sw, nil
}

// captureTrack is a capture created by an [RTCClient].
type captureTrack struct {
	rtc.Preview
	c       *RTCClient
	capture *rtc.Capture
}

func (t *captureTrack) ID() string            { return t.capture.ID() }
func (t *captureTrack) Type() media.TrackType { return t.capture.Type }
func (t *captureTrack) Label() string         { return t.capture.Label }
func (t *captureTrack) Enabled() bool         { return t.capture.Enabled() }
func (t *captureTrack) OnEnded(fn func())     { t.capture.OnEnded(fn) }
func (t *captureTrack) Close()                { t.capture.Close() }

// SetEnabled mutes the capture and tells the other participants.
func (t *captureTrack) SetEnabled(ctx context.Context, enabled bool) error {
	t.capture.SetEnabled(enabled)
	info := InfoUnmuteAudio
	switch {
	case t.capture.Type == media.TrackAudio && !enabled:
		info = InfoMuteAudio
	case t.capture.Type != media.TrackAudio && enabled:
		info = InfoUnmuteVideo
	case t.capture.Type != media.TrackAudio:
		info = InfoMuteVideo
	}
	rpc, _, err := t.c.transport()
	if err != nil {
		return nil
	}
	return rpc.Notify(ctx, methodUserInfo, userInfo{Info: info})
}
