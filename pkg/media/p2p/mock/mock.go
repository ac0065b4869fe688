// Package mock provides scriptable [p2p.Signaler] and [p2p.Peer]
// implementations for adapter tests.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"sync"

	"github.com/MrWong99/circlecall/pkg/media"
	"github.com/MrWong99/circlecall/pkg/media/p2p"
	"github.com/MrWong99/circlecall/pkg/signal"
)

// Sent is one outbound signaling message.
type Sent struct {
	Event string
	To    string

	// Arg is the reason, SDP or candidate string, depending on Event.
	Arg string
}

// Signaler is a mock [p2p.Signaler]. Handlers run synchronously on the
// goroutine calling [Signaler.Deliver].
type Signaler struct {
	ID string

	// ConnectErr fails Connect.
	ConnectErr error

	// SendErr fails every outbound message.
	SendErr error

	// Reply runs after each outbound message is recorded, e.g. to deliver
	// call-accepted in response to initiate-call.
	Reply func(s *Signaler, m Sent)

	mu       sync.Mutex
	state    signal.State
	next     int
	handlers map[string]map[int]func(json.RawMessage)
	stateFns []func(signal.State)
	errFns   []func(error)
	sent     []Sent
	connects int
}

var _ p2p.Signaler = (*Signaler)(nil)

// UserID implements [p2p.Signaler].
func (s *Signaler) UserID() string { return s.ID }

// State implements [p2p.Signaler].
func (s *Signaler) State() signal.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == "" {
		return signal.StateDisconnected
	}
	return s.state
}

// Connect implements [p2p.Signaler].
func (s *Signaler) Connect(context.Context) error {
	s.mu.Lock()
	s.connects++
	if s.ConnectErr != nil {
		s.mu.Unlock()
		return s.ConnectErr
	}
	s.mu.Unlock()
	s.SetState(signal.StateConnected)
	return nil
}

// Connects returns the number of Connect calls.
func (s *Signaler) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// On implements [p2p.Signaler].
func (s *Signaler) On(event string, fn func(json.RawMessage)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers == nil {
		s.handlers = make(map[string]map[int]func(json.RawMessage))
	}
	if s.handlers[event] == nil {
		s.handlers[event] = make(map[int]func(json.RawMessage))
	}
	id := s.next
	s.next++
	s.handlers[event][id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers[event], id)
	}
}

// OnState implements [p2p.Signaler].
func (s *Signaler) OnState(fn func(signal.State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateFns = append(s.stateFns, fn)
}

// OnError implements [p2p.Signaler].
func (s *Signaler) OnError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errFns = append(s.errFns, fn)
}

// Deliver marshals payload and runs the handlers for event.
func (s *Signaler) Deliver(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("mock: marshal %s: %v", event, err))
	}
	s.mu.Lock()
	var fns []func(json.RawMessage)
	for _, fn := range s.handlers[event] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(data)
	}
}

// SetState changes the state and runs the state handlers.
func (s *Signaler) SetState(st signal.State) {
	s.mu.Lock()
	s.state = st
	fns := append(([]func(signal.State))(nil), s.stateFns...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

// Fail runs the error handlers with err.
func (s *Signaler) Fail(err error) {
	s.mu.Lock()
	fns := append(([]func(error))(nil), s.errFns...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

// Sent returns a copy of the outbound messages.
func (s *Signaler) Sent() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sent(nil), s.sent...)
}

// Events returns the event names of the outbound messages, skipping
// candidates.
func (s *Signaler) Events() []string {
	var out []string
	for _, m := range s.Sent() {
		if m.Event != signal.EventICECandidate {
			out = append(out, m.Event)
		}
	}
	return out
}

func (s *Signaler) send(m Sent) error {
	s.mu.Lock()
	if s.SendErr != nil {
		s.mu.Unlock()
		return s.SendErr
	}
	s.sent = append(s.sent, m)
	reply := s.Reply
	s.mu.Unlock()
	if reply != nil {
		reply(s, m)
	}
	return nil
}

// InitiateCall implements [p2p.Signaler].
func (s *Signaler) InitiateCall(_ context.Context, peer string) error {
	return s.send(Sent{Event: signal.EventInitiateCall, To: peer})
}

// AcceptCall implements [p2p.Signaler].
func (s *Signaler) AcceptCall(_ context.Context, peer string) error {
	return s.send(Sent{Event: signal.EventAcceptCall, To: peer})
}

// RejectCall implements [p2p.Signaler].
func (s *Signaler) RejectCall(_ context.Context, peer, reason string) error {
	return s.send(Sent{Event: signal.EventRejectCall, To: peer, Arg: reason})
}

// EndCall implements [p2p.Signaler].
func (s *Signaler) EndCall(_ context.Context, peer string) error {
	return s.send(Sent{Event: signal.EventEndCall, To: peer})
}

// SendOffer implements [p2p.Signaler].
func (s *Signaler) SendOffer(_ context.Context, peer, sdp string) error {
	return s.send(Sent{Event: signal.EventOffer, To: peer, Arg: sdp})
}

// SendAnswer implements [p2p.Signaler].
func (s *Signaler) SendAnswer(_ context.Context, peer, sdp string) error {
	return s.send(Sent{Event: signal.EventAnswer, To: peer, Arg: sdp})
}

// SendCandidate implements [p2p.Signaler].
func (s *Signaler) SendCandidate(_ context.Context, peer string, c signal.Candidate) error {
	return s.send(Sent{Event: signal.EventICECandidate, To: peer, Arg: c.Candidate})
}

// Peer is a mock [p2p.Peer].
type Peer struct {
	// MicErr and CameraErr fail the corresponding open.
	MicErr    error
	CameraErr error

	// Screen is returned by OpenScreen; ScreenErr fails it.
	Screen    media.FrameSource
	ScreenErr error

	// Offer is returned by CreateOffer.
	Offer       string
	StatsResult *media.Metrics

	mu         sync.Mutex
	onCand     func(signal.Candidate)
	onTrack    func(p2p.RemoteTrack)
	onState    func(p2p.PeerState)
	locals     []*LocalTrack
	answers    []string
	offers     []string
	candidates []signal.Candidate
	closes     int
}

var _ p2p.Peer = (*Peer)(nil)

// Factory returns a [p2p.PeerFactory] handing out p.
func (p *Peer) Factory() p2p.PeerFactory {
	return func() (p2p.Peer, error) { return p, nil }
}

func (p *Peer) open(err error, typ media.TrackType, deviceID string) (p2p.LocalTrack, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	t := &LocalTrack{
		TrackID: fmt.Sprintf("%s-%d", typ, len(p.locals)+1),
		Stream:  "local",
		Kind:    typ,
		Device:  deviceID,
	}
	if typ == media.TrackVideo {
		t.CameraSource = &cameraSource{id: t.TrackID}
	}
	p.locals = append(p.locals, t)
	return t, nil
}

// OpenMicrophone implements [p2p.Peer].
func (p *Peer) OpenMicrophone(_ context.Context, deviceID string) (p2p.LocalTrack, error) {
	return p.open(p.MicErr, media.TrackAudio, deviceID)
}

// OpenCamera implements [p2p.Peer].
func (p *Peer) OpenCamera(_ context.Context, deviceID string) (p2p.LocalTrack, error) {
	return p.open(p.CameraErr, media.TrackVideo, deviceID)
}

// OpenScreen implements [p2p.Peer].
func (p *Peer) OpenScreen(context.Context) (media.FrameSource, error) {
	if p.ScreenErr != nil {
		return nil, p.ScreenErr
	}
	return p.Screen, nil
}

// CreateOffer implements [p2p.Peer].
func (p *Peer) CreateOffer(context.Context) (string, error) {
	if p.Offer == "" {
		return "v=0 offer", nil
	}
	return p.Offer, nil
}

// AcceptOffer implements [p2p.Peer]. The answer echoes the offer.
func (p *Peer) AcceptOffer(_ context.Context, sdp string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers = append(p.offers, sdp)
	return "answer to " + sdp, nil
}

// AcceptAnswer implements [p2p.Peer].
func (p *Peer) AcceptAnswer(sdp string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answers = append(p.answers, sdp)
	return nil
}

// AddCandidate implements [p2p.Peer].
func (p *Peer) AddCandidate(c signal.Candidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, c)
	return nil
}

// OnCandidate implements [p2p.Peer].
func (p *Peer) OnCandidate(fn func(signal.Candidate)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCand = fn
}

// OnTrack implements [p2p.Peer].
func (p *Peer) OnTrack(fn func(p2p.RemoteTrack)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = fn
}

// OnState implements [p2p.Peer].
func (p *Peer) OnState(fn func(p2p.PeerState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

// Gather emits a local candidate.
func (p *Peer) Gather(c signal.Candidate) {
	p.mu.Lock()
	fn := p.onCand
	p.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

// Receive delivers a remote track.
func (p *Peer) Receive(t p2p.RemoteTrack) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

// SetState reports a transport state change.
func (p *Peer) SetState(s p2p.PeerState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// Stats implements [p2p.Peer].
func (p *Peer) Stats() *media.Metrics { return p.StatsResult }

// Close implements [p2p.Peer].
func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return nil
}

// Closes returns the number of Close calls.
func (p *Peer) Closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

// Local returns the i-th opened local track.
func (p *Peer) Local(i int) *LocalTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.locals[i]
}

// Applied returns the remote offers and answers applied so far.
func (p *Peer) Applied() (offers, answers []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.offers...), append([]string(nil), p.answers...)
}

// Candidates returns the remote candidates added so far.
func (p *Peer) Candidates() []signal.Candidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]signal.Candidate(nil), p.candidates...)
}

// LocalTrack is a mock [p2p.LocalTrack].
type LocalTrack struct {
	TrackID      string
	Stream       string
	Kind         media.TrackType
	Device       string
	CameraSource media.FrameSource

	mu       sync.Mutex
	disabled bool
	route    media.FrameSource
	tap      func([]int16)
	onEnded  []func()
	closes   int
}

var _ p2p.LocalTrack = (*LocalTrack)(nil)

func (t *LocalTrack) ID() string                { return t.TrackID }
func (t *LocalTrack) StreamID() string          { return t.Stream }
func (t *LocalTrack) Type() media.TrackType     { return t.Kind }
func (t *LocalTrack) Label() string             { return t.Device }
func (t *LocalTrack) Camera() media.FrameSource { return t.CameraSource }

// OnEnded implements [p2p.LocalTrack].
func (t *LocalTrack) OnEnded(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = append(t.onEnded, fn)
}

// SetTap implements [p2p.LocalTrack].
func (t *LocalTrack) SetTap(fn func([]int16)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tap = fn
}

// Route implements [p2p.LocalTrack].
func (t *LocalTrack) Route(src media.FrameSource) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.route = src
}

// SetEnabled implements [p2p.LocalTrack].
func (t *LocalTrack) SetEnabled(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disabled = !v
}

// Enabled implements [p2p.LocalTrack].
func (t *LocalTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.disabled
}

// Close implements [p2p.LocalTrack].
func (t *LocalTrack) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes++
}

// Closes returns the number of Close calls.
func (t *LocalTrack) Closes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

// Routed returns the source frames are routed from; nil means the camera.
func (t *LocalTrack) Routed() media.FrameSource {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.route
}

// Capture feeds pcm to the tap, if any.
func (t *LocalTrack) Capture(pcm []int16) {
	t.mu.Lock()
	fn := t.tap
	t.mu.Unlock()
	if fn != nil {
		fn(pcm)
	}
}

// RemoteTrack is a mock [p2p.RemoteTrack].
type RemoteTrack struct {
	TrackID string
	Stream  string
	Kind    media.TrackType

	mu    sync.Mutex
	tap   func([]int16)
	done  chan struct{}
	ended bool
	stops int
}

var _ p2p.RemoteTrack = (*RemoteTrack)(nil)

// NewRemoteTrack returns a live remote track.
func NewRemoteTrack(id string, typ media.TrackType) *RemoteTrack {
	return &RemoteTrack{TrackID: id, Stream: "remote", Kind: typ, done: make(chan struct{})}
}

func (t *RemoteTrack) ID() string            { return t.TrackID }
func (t *RemoteTrack) StreamID() string      { return t.Stream }
func (t *RemoteTrack) Type() media.TrackType { return t.Kind }
func (t *RemoteTrack) Done() <-chan struct{} { return t.done }

// SetPCMTap implements [p2p.RemoteTrack].
func (t *RemoteTrack) SetPCMTap(fn func([]int16)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tap = fn
	return nil
}

// Speak feeds pcm to the tap, if any.
func (t *RemoteTrack) Speak(pcm []int16) {
	t.mu.Lock()
	fn := t.tap
	t.mu.Unlock()
	if fn != nil {
		fn(pcm)
	}
}

// End closes Done as if the remote side stopped sending.
func (t *RemoteTrack) End() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endLocked()
}

func (t *RemoteTrack) endLocked() {
	if !t.ended {
		t.ended = true
		close(t.done)
	}
}

// Stop implements [p2p.RemoteTrack]. It also ends the track.
func (t *RemoteTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stops++
	t.tap = nil
	t.endLocked()
}

// Stops returns the number of Stop calls.
func (t *RemoteTrack) Stops() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

type cameraSource struct{ id string }

func (c *cameraSource) ID() string { return c.id }

func (c *cameraSource) Read() (image.Image, func(), error) {
	return image.NewRGBA(image.Rect(0, 0, 4, 4)), func() {}, nil
}

func (c *cameraSource) Close() error { return nil }
