package altsfu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/MrWong99/circlecall/pkg/media"
	"github.com/MrWong99/circlecall/pkg/media/blur"
	"github.com/MrWong99/circlecall/pkg/media/device"
	"github.com/MrWong99/circlecall/pkg/media/rtc"
)

const codeDuplicateIdentity = "DUPLICATE_IDENTITY"

// Peer roles carried by trickle messages.
const (
	rolePublisher  = "publisher"
	roleSubscriber = "subscriber"
)

type joinRequest struct {
	Room     string `json:"room"`
	Identity string `json:"identity"`
	Name     string `json:"name,omitempty"`
	Token    string `json:"token,omitempty"`
}

type joinResponse struct {
	Identity     string            `json:"identity"`
	Participants []participantInfo `json:"participants"`
}

type participantInfo struct {
	Identity string      `json:"identity"`
	Name     string      `json:"name"`
	State    string      `json:"state"`
	Tracks   []trackInfo `json:"tracks"`
}

type trackInfo struct {
	SID    string      `json:"sid"`
	Source TrackSource `json:"source"`
	Muted  bool        `json:"muted"`
}

type sdpMessage struct {
	SDP string `json:"sdp"`
}

type trickleMessage struct {
	Target    string        `json:"target"`
	Candidate rtc.Candidate `json:"candidate"`
}

type addTrackRequest struct {
	CID    string      `json:"cid"`
	Source TrackSource `json:"source"`
	Muted  bool        `json:"muted"`
}

type muteRequest struct {
	SID   string `json:"sid"`
	Muted bool   `json:"muted"`
}

type speakersMessage struct {
	Speakers []string `json:"speakers"`
}

type transcriptionMessage struct {
	Identity string `json:"identity"`
	Text     string `json:"text"`
	Final    bool   `json:"final"`
	Language string `json:"language"`
}

type leaveMessage struct {
	Reason string `json:"reason"`
}

// RTCRoomConfig configures an [RTCRoom].
type RTCRoomConfig struct {
	URL        string
	Header     http.Header
	API        *webrtc.API
	ICEServers []rtc.ICEServer
	Devices    device.Source
	Encoder    rtc.EncoderFactory
	Segmenter  blur.SegmenterFactory
}

// RTCRoom implements [Room] with separate publisher and subscriber peer
// connections sharing one signaling socket.
type RTCRoom struct {
	cfg  RTCRoomConfig
	proc *blur.Extension

	pubNeg sync.Mutex

	mu           sync.Mutex
	state        ConnectionState
	handler      func(RoomEvent)
	rpc          *rtc.RPC
	pub          *rtc.Peer
	sub          *rtc.Peer
	leaving      bool
	participants map[string]participantInfo
	remote       map[string]*remoteTrack
	senders      map[*localTrack]*rtc.SampleTrack
}

var _ Room = (*RTCRoom)(nil)

// NewRTCRoom returns a disconnected room.
func NewRTCRoom(cfg RTCRoomConfig) (*RTCRoom, error) {
	var errs []error
	if cfg.URL == "" {
		errs = append(errs, errors.New("altsfu: URL must not be empty"))
	}
	if cfg.Devices == nil {
		errs = append(errs, errors.New("altsfu: Devices must not be nil"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
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
	r := &RTCRoom{cfg: cfg, state: StateDisconnected}
	r.reset()
	r.proc = blur.NewExtension(r.switchFor, cfg.Segmenter)
	return r, nil
}

func (r *RTCRoom) reset() {
	r.participants = make(map[string]participantInfo)
	r.remote = make(map[string]*remoteTrack)
	r.senders = make(map[*localTrack]*rtc.SampleTrack)
}

// ConnectionState implements [Room].
func (r *RTCRoom) ConnectionState() ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// OnEvent implements [Room].
func (r *RTCRoom) OnEvent(fn func(RoomEvent)) {
	r.mu.Lock()
	r.handler = fn
	r.mu.Unlock()
}

func (r *RTCRoom) emit(ev RoomEvent) {
	r.mu.Lock()
	fn := r.handler
	r.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (r *RTCRoom) setState(s ConnectionState, cause error) {
	r.mu.Lock()
	if r.state == s {
		r.mu.Unlock()
		return
	}
	r.state = s
	r.mu.Unlock()
	r.emit(RoomEvent{Type: RoomConnectionStateChanged, State: s, Err: cause})
}

// Connect implements [Room].
func (r *RTCRoom) Connect(ctx context.Context, opts ConnectOptions) (string, error) {
	r.setState(StateConnecting, nil)
	identity, others, err := r.connect(ctx, opts)
	if err != nil {
		r.close()
		r.setState(StateDisconnected, nil)
		return "", err
	}
	r.setState(StateConnected, nil)
	for _, p := range others {
		r.applyParticipant(p)
	}
	return identity, nil
}

func (r *RTCRoom) connect(ctx context.Context, opts ConnectOptions) (string, []participantInfo, error) {
	rpc, err := rtc.DialRPC(ctx, r.cfg.URL, r.cfg.Header, r.notify)
	if err != nil {
		return "", nil, err
	}
	pub, err := rtc.NewPeer(r.cfg.API, r.cfg.ICEServers)
	if err != nil {
		_ = rpc.Close()
		return "", nil, err
	}
	sub, err := rtc.NewPeer(r.cfg.API, r.cfg.ICEServers)
	if err != nil {
		_ = pub.Close()
		_ = rpc.Close()
		return "", nil, err
	}
	r.mu.Lock()
	r.rpc, r.pub, r.sub, r.leaving = rpc, pub, sub, false
	r.mu.Unlock()

	for role, p := range map[string]*rtc.Peer{rolePublisher: pub, roleSubscriber: sub} {
		p.OnLocalCandidate(func(c rtc.Candidate) {
			if err := rpc.Notify(context.Background(), "trickle", trickleMessage{Target: role, Candidate: c}); err != nil {
				slog.Debug("altsfu: send candidate", "role", role, "err", err)
			}
		})
	}
	sub.OnRemoteTrack(r.trackArrived)
	sub.OnStateChange(r.subscriberState)

	var res joinResponse
	err = rpc.Call(ctx, "join", joinRequest{Room: opts.Room, Identity: opts.Identity, Name: opts.Name, Token: opts.Token}, &res)
	var rpcErr *rtc.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == codeDuplicateIdentity {
		return "", nil, fmt.Errorf("%w: %s", ErrDuplicateIdentity, opts.Identity)
	}
	if err != nil {
		return "", nil, fmt.Errorf("altsfu: join %s: %w", opts.Room, err)
	}
	if res.Identity == "" {
		res.Identity = opts.Identity
	}
	go r.watch(rpc)
	return res.Identity, res.Participants, nil
}

func (r *RTCRoom) watch(rpc *rtc.RPC) {
	<-rpc.Done()
	r.mu.Lock()
	current := r.rpc == rpc && !r.leaving
	r.mu.Unlock()
	if current {
		r.setState(StateDisconnected, fmt.Errorf("signaling lost: %w", rpc.Err()))
	}
}

func (r *RTCRoom) subscriberState(s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateDisconnected:
		r.setState(StateReconnecting, nil)
	case webrtc.PeerConnectionStateConnected:
		r.setState(StateConnected, nil)
	case webrtc.PeerConnectionStateFailed:
		r.setState(StateDisconnected, errors.New("subscriber transport failed"))
	}
}

// Disconnect implements [Room].
func (r *RTCRoom) Disconnect(ctx context.Context) error {
	r.mu.Lock()
	rpc := r.rpc
	r.leaving = true
	r.mu.Unlock()
	if rpc == nil {
		return nil
	}
	if err := r.proc.Unpipe(ctx); err != nil {
		slog.Debug("altsfu: unpipe processor", "err", err)
	}
	if err := rpc.Notify(ctx, "leave", leaveMessage{Reason: "client"}); err != nil {
		slog.Debug("altsfu: notify leave", "err", err)
	}
	r.close()
	r.setState(StateDisconnected, nil)
	return nil
}

func (r *RTCRoom) close() {
	r.mu.Lock()
	rpc, pub, sub := r.rpc, r.pub, r.sub
	remotes := r.remote
	r.rpc, r.pub, r.sub = nil, nil, nil
	r.reset()
	r.mu.Unlock()

	for _, t := range remotes {
		t.Stop()
	}
	for _, p := range []*rtc.Peer{pub, sub} {
		if p == nil {
			continue
		}
		if err := p.Close(); err != nil {
			slog.Debug("altsfu: close peer", "err", err)
		}
	}
	if rpc != nil {
		_ = rpc.Close()
	}
}

func (r *RTCRoom) transport() (*rtc.RPC, *rtc.Peer, *rtc.Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rpc == nil {
		return nil, nil, nil, media.ErrNotConnected
	}
	return r.rpc, r.pub, r.sub, nil
}

func (r *RTCRoom) notify(method string, params json.RawMessage) {
	switch method {
	case "subscriber-offer":
		var m sdpMessage
		if decode(method, params, &m) {
			go r.answerSubscriber(m.SDP)
		}
	case "trickle":
		var m trickleMessage
		if !decode(method, params, &m) {
			return
		}
		_, pub, sub, err := r.transport()
		if err != nil {
			return
		}
		target := pub
		if m.Target == roleSubscriber {
			target = sub
		}
		if err := target.AddCandidate(m.Candidate); err != nil {
			slog.Debug("altsfu: add candidate", "target", m.Target, "err", err)
		}
	case "participant-update":
		var m struct {
			Participants []participantInfo `json:"participants"`
		}
		if decode(method, params, &m) {
			for _, p := range m.Participants {
				r.applyParticipant(p)
			}
		}
	case "speakers-changed":
		var m speakersMessage
		if decode(method, params, &m) {
			r.emit(RoomEvent{Type: RoomActiveSpeakersChanged, Speakers: m.Speakers})
		}
	case "transcription":
		var m transcriptionMessage
		if decode(method, params, &m) {
			r.emit(RoomEvent{
				Type:        RoomTranscriptionReceived,
				Participant: r.participant(m.Identity),
				Segment:     &Segment{Text: m.Text, Final: m.Final, Language: m.Language},
			})
		}
	case "leave":
		var m leaveMessage
		_ = json.Unmarshal(params, &m)
		r.mu.Lock()
		r.leaving = true
		r.mu.Unlock()
		// Closing waits for the read loop this handler runs on.
		go func() {
			r.close()
			r.setState(StateDisconnected, fmt.Errorf("removed by server: %s", m.Reason))
		}()
	default:
		slog.Debug("altsfu: unknown notification", "method", method)
	}
}

func decode(method string, params json.RawMessage, v any) bool {
	if err := json.Unmarshal(params, v); err != nil {
		slog.Warn("altsfu: malformed notification", "method", method, "err", err)
		return false
	}
	return true
}

func (r *RTCRoom) participant(identity string) ParticipantInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.participants[identity]
	return ParticipantInfo{Identity: identity, Name: p.Name}
}

// applyParticipant diffs p against the last known state and emits the
// resulting room events.
func (r *RTCRoom) applyParticipant(p participantInfo) {
	info := ParticipantInfo{Identity: p.Identity, Name: p.Name}

	r.mu.Lock()
	prev, known := r.participants[p.Identity]
	if p.State == "disconnected" {
		delete(r.participants, p.Identity)
	} else {
		r.participants[p.Identity] = p
	}
	var gone []*remoteTrack
	for _, old := range prev.Tracks {
		if p.State == "disconnected" || !hasTrack(p.Tracks, old.SID) {
			if t := r.remote[old.SID]; t != nil {
				gone = append(gone, t)
				delete(r.remote, old.SID)
			}
		}
	}
	r.mu.Unlock()

	if p.State == "disconnected" {
		for _, t := range gone {
			t.Stop()
		}
		if known {
			r.emit(RoomEvent{Type: RoomParticipantDisconnected, Participant: info})
		}
		return
	}
	if !known {
		r.emit(RoomEvent{Type: RoomParticipantConnected, Participant: info})
	}
	for _, t := range gone {
		t.Stop()
		r.emit(RoomEvent{Type: RoomTrackUnsubscribed, Participant: info, Source: t.source})
	}
	for _, t := range p.Tracks {
		was, ok := findTrack(prev.Tracks, t.SID)
		if ok && was.Muted == t.Muted {
			continue
		}
		if !ok && !t.Muted {
			continue
		}
		typ := RoomTrackUnmuted
		if t.Muted {
			typ = RoomTrackMuted
		}
		r.emit(RoomEvent{Type: typ, Participant: info, Source: t.Source})
	}
}

func findTrack(ts []trackInfo, sid string) (trackInfo, bool) {
	for _, t := range ts {
		if t.SID == sid {
			return t, true
		}
	}
	return trackInfo{}, false
}

func hasTrack(ts []trackInfo, sid string) bool {
	_, ok := findTrack(ts, sid)
	return ok
}

// trackArrived turns a subscriber track into a track-subscribed event. The
// stream id carries the publisher's identity and the track id its sid.
func (r *RTCRoom) trackArrived(raw *webrtc.TrackRemote) {
	identity, sid := raw.StreamID(), raw.ID()
	source := SourceMicrophone
	if raw.Kind() == webrtc.RTPCodecTypeVideo {
		source = SourceCamera
	}
	r.mu.Lock()
	p := r.participants[identity]
	if t, ok := findTrack(p.Tracks, sid); ok {
		source = t.Source
	}
	rt := newRemoteTrack(sid, source, raw)
	r.remote[sid] = rt
	r.mu.Unlock()

	r.emit(RoomEvent{
		Type:        RoomTrackSubscribed,
		Participant: ParticipantInfo{Identity: identity, Name: p.Name},
		Track:       rt,
		Source:      source,
	})
}

func (r *RTCRoom) answerSubscriber(sdp string) {
	rpc, _, sub, err := r.transport()
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	answer, err := sub.AcceptOffer(ctx, sdp)
	if err != nil {
		slog.Warn("altsfu: apply subscriber offer", "err", err)
		return
	}
	if err := rpc.Notify(ctx, "subscriber-answer", sdpMessage{SDP: answer}); err != nil {
		slog.Warn("altsfu: send subscriber answer", "err", err)
	}
}

func (r *RTCRoom) negotiatePublisher(ctx context.Context) error {
	rpc, pub, _, err := r.transport()
	if err != nil {
		return err
	}
	r.pubNeg.Lock()
	defer r.pubNeg.Unlock()
	offer, err := pub.CreateOffer(ctx)
	if err != nil {
		return err
	}
	var res sdpMessage
	if err := rpc.Call(ctx, "publisher-offer", sdpMessage{SDP: offer}, &res); err != nil {
		return fmt.Errorf("altsfu: negotiate publisher: %w", err)
	}
	return pub.AcceptAnswer(res.SDP)
}

// CreateLocalTrack implements [Room]. System audio capture is not
// available.
func (r *RTCRoom) CreateLocalTrack(ctx context.Context, src TrackSource, opts CaptureOptions) (LocalTrack, error) {
	var (
		capture *rtc.Capture
		err     error
	)
	switch src {
	case SourceMicrophone:
		pcm, oerr := r.cfg.Devices.OpenAudio(ctx, device.Constraints{
			DeviceID:   opts.DeviceID,
			SampleRate: device.SampleRate,
			Channels:   device.Channels,
		})
		if oerr != nil {
			return nil, oerr
		}
		capture, err = rtc.NewAudioCapture(pcm, uuid.NewString())
	case SourceCamera:
		frames, oerr := r.cfg.Devices.OpenVideo(ctx, device.Constraints{
			DeviceID:  opts.DeviceID,
			Width:     opts.Width,
			Height:    opts.Height,
			FrameRate: opts.FrameRate,
		})
		if oerr != nil {
			return nil, oerr
		}
		prof := device.Profile{Width: opts.Width, Height: opts.Height, FrameRate: opts.FrameRate, Bitrate: opts.MaxBitrate}
		capture, err = rtc.NewVideoCapture(frames, media.TrackVideo, uuid.NewString(), prof, r.cfg.Encoder)
	case SourceScreenShare:
		frames, oerr := r.cfg.Devices.OpenScreen(ctx, device.Constraints{FrameRate: 15})
		if oerr != nil {
			return nil, oerr
		}
		capture, err = rtc.NewVideoCapture(frames, media.TrackScreen, uuid.NewString(), device.Profile{FrameRate: 15, Bitrate: 1500}, r.cfg.Encoder)
	default:
		return nil, fmt.Errorf("altsfu: capture %s: %w", src, media.ErrUnsupported)
	}
	if err != nil {
		return nil, err
	}
	return newLocalTrack(r, src, capture), nil
}

// PublishTrack implements [Room].
func (r *RTCRoom) PublishTrack(ctx context.Context, t LocalTrack) error {
	lt, ok := t.(*localTrack)
	if !ok || lt.room != r {
		return fmt.Errorf("altsfu: publish %s: track not created by this room", t.ID())
	}
	rpc, pub, _, err := r.transport()
	if err != nil {
		return err
	}
	var res struct {
		SID string `json:"sid"`
	}
	req := addTrackRequest{CID: lt.capture.ID(), Source: lt.source, Muted: lt.Muted()}
	if err := rpc.Call(ctx, "add-track", req, &res); err != nil {
		return fmt.Errorf("altsfu: add track: %w", err)
	}
	sender, err := pub.Publish(lt.capture.Sample)
	if err != nil {
		return err
	}
	lt.setSID(res.SID)
	r.mu.Lock()
	r.senders[lt] = sender
	r.mu.Unlock()
	return r.negotiatePublisher(ctx)
}

// UnpublishTrack implements [Room].
func (r *RTCRoom) UnpublishTrack(ctx context.Context, t LocalTrack) error {
	lt, ok := t.(*localTrack)
	if !ok {
		return nil
	}
	rpc, pub, _, err := r.transport()
	if err != nil {
		return err
	}
	r.mu.Lock()
	sender := r.senders[lt]
	delete(r.senders, lt)
	r.mu.Unlock()
	if sender == nil {
		return nil
	}
	if err := pub.RemoveSampleTrack(sender); err != nil {
		return err
	}
	if err := rpc.Call(ctx, "unpublish-track", muteRequest{SID: lt.SID()}, nil); err != nil {
		slog.Warn("altsfu: unpublish track", "sid", lt.SID(), "err", err)
	}
	lt.setSID("")
	return r.negotiatePublisher(ctx)
}

// Stats implements [Room]. Send figures come from the publisher, receive
// figures from the subscriber.
func (r *RTCRoom) Stats() *media.Metrics {
	_, pub, sub, err := r.transport()
	if err != nil {
		return nil
	}
	m := pub.Metrics()
	if in := sub.Metrics(); in != nil {
		if m == nil {
			return in
		}
		m.ReceiveBitrate = in.ReceiveBitrate
		if m.RoundTrip == 0 {
			m.RoundTrip = in.RoundTrip
		}
		m.PacketLoss = max(m.PacketLoss, in.PacketLoss)
	}
	return m
}

// SetTranscription implements [Room].
func (r *RTCRoom) SetTranscription(ctx context.Context, lang string) error {
	rpc, _, _, err := r.transport()
	if err != nil {
		return err
	}
	return rpc.Call(ctx, "transcription", map[string]string{"language": lang}, nil)
}

// BackgroundProcessor implements [Room].
func (r *RTCRoom) BackgroundProcessor(context.Context) (media.BlurExtension, error) {
	return r.proc, nil
}

func (r *RTCRoom) switchFor(t *media.Track) (blur.Switch, error) {
	lt, ok := t.Attachable.(*localTrack)
	if !ok || lt.room != r {
		return nil, fmt.Errorf("altsfu: track %s was not created by this room", t.ID)
	}
	sw := lt.capture.Switch()
	if sw == nil {
		return nil, fmt.Errorf("altsfu: track %s carries no video", t.ID)
	}
	return sw, nil
}

func (r *RTCRoom) sendMute(ctx context.Context, sid string, muted bool) error {
	if sid == "" {
		return nil
	}
	rpc, _, _, err := r.transport()
	if err != nil {
		return nil
	}
	return rpc.Call(ctx, "mute-track", muteRequest{SID: sid, Muted: muted}, nil)
}
