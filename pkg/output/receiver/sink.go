// ABOUTME: Network receiver sink: control channel, session negotiation and RTP streaming
// ABOUTME: Surfaces receiver health and catalogued errors, supports remote or software volume
package receiver

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Resonate-Protocol/resonate-eq/pkg/audio"
	"github.com/Resonate-Protocol/resonate-eq/pkg/output"
	"github.com/Resonate-Protocol/resonate-eq/pkg/protocol"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Name is the registry name of the receiver sink
const Name = "airplay"

const (
	queueDepth      = 8
	teardownTimeout = time.Second
)

// Config tunes the control channel and session behaviour
type Config struct {
	ClientName       string
	ControlTimeout   time.Duration
	DiscoveryTimeout time.Duration
	DialAttempts     int
	DialBackoff      time.Duration
	DialBackoffCap   time.Duration
	SyncInterval     time.Duration
	Features         protocol.FeatureSet
	VolumeCurve      output.VolumeCurve
}

// DefaultConfig: 5s requests, 4 dial attempts backing off from 200ms to 2s,
// sender reports and clock exchanges every second
func DefaultConfig() Config {
	return Config{
		ClientName:       "Resonate EQ",
		ControlTimeout:   protocol.DefaultTimeout,
		DiscoveryTimeout: 3 * time.Second,
		DialAttempts:     4,
		DialBackoff:      200 * time.Millisecond,
		DialBackoffCap:   2 * time.Second,
		SyncInterval:     time.Second,
		Features:         DefaultFeatures(),
		VolumeCurve:      output.CurveLogarithmic,
	}
}

// Sink streams to a network receiver
type Sink struct {
	config   Config
	clientID string
	log      *logrus.Entry
	discover func(ctx context.Context, timeout time.Duration) ([]Receiver, error)
	session  *Session
	clock    *ClockSync

	mu       sync.RWMutex
	target   string
	open     bool
	cfg      audio.OutputConfig
	bufferMs int
	remote   Receiver
	sender   *rtpSender
	queue    *output.Queue
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	counters output.Counters

	ctrl    atomic.Pointer[protocol.Client]
	gain    atomic.Uint64
	resyncs atomic.Uint64

	pmu    sync.Mutex
	resume chan struct{} // non-nil while paused

	hmu      sync.RWMutex
	health   protocol.Health
	healthAt time.Time
}

// New creates a receiver sink; zero config fields take their defaults
func New(config Config) *Sink {
	def := DefaultConfig()
	if config.ClientName == "" {
		config.ClientName = def.ClientName
	}
	if config.ControlTimeout <= 0 {
		config.ControlTimeout = def.ControlTimeout
	}
	if config.DiscoveryTimeout <= 0 {
		config.DiscoveryTimeout = def.DiscoveryTimeout
	}
	if config.DialAttempts <= 0 {
		config.DialAttempts = def.DialAttempts
	}
	if config.DialBackoff <= 0 {
		config.DialBackoff = def.DialBackoff
	}
	if config.DialBackoffCap <= 0 {
		config.DialBackoffCap = def.DialBackoffCap
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = def.SyncInterval
	}
	if len(config.Features.Supported) == 0 && len(config.Features.Optional) == 0 {
		config.Features = def.Features
	}
	if config.VolumeCurve == "" {
		config.VolumeCurve = def.VolumeCurve
	}

	s := &Sink{
		config:   config,
		clientID: uuid.NewString(),
		log:      logrus.WithField("component", "receiver"),
		discover: Discover,
		session:  NewSession(),
		clock:    NewClockSync(),
	}
	s.setGain(1)
	s.session.OnTransition(func(from, to State) {
		s.log.Debugf("Session %s -> %s", from, to)
	})
	return s
}

func (s *Sink) Name() string { return Name }

// Capabilities: integer PCM, mono or stereo, at the standard rates
func (s *Sink) Capabilities() output.Capabilities {
	return output.Capabilities{
		SampleRates:    output.StandardRates,
		Formats:        []audio.SampleFormat{audio.FormatS16LE, audio.FormatS24LE},
		MinChannels:    1,
		MaxChannels:    2,
		NeedsDiscovery: true,
		Volume:         true,
	}
}

// SelectDevice picks the receiver by discovered name, hostname or host:port.
// Empty selects the first receiver discovered.
func (s *Sink) SelectDevice(device string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target = device
	return nil
}

// Open connects, negotiates a session and prepares the RTP transport
func (s *Sink) Open(ctx context.Context, cfg audio.OutputConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open {
		return output.ErrAlreadyOpen
	}
	if err := s.Capabilities().Check(cfg); err != nil {
		return output.OpenFailed(Name, "unsupported config", err)
	}
	pt, err := PayloadTypeFor(cfg)
	if err != nil {
		return output.OpenFailed(Name, "unsupported config", err)
	}

	s.session.Fire(EventClose)
	s.session.Reset()
	s.clock.Reset()
	s.resetHealth()

	remote, err := s.resolve(ctx)
	if err != nil {
		return output.OpenFailed(Name, "resolve receiver", err)
	}

	client, err := s.connect(ctx, remote.Addr())
	if err != nil {
		e := fatal(wrapError(CodeConnectionFailed, err))
		s.session.Fail(e)
		return output.OpenFailed(Name, "connect", e)
	}
	s.session.Fire(EventControlOpen)

	accept, features, ssrc, nerr := s.negotiate(ctx, client, cfg, pt, 0)
	if nerr != nil {
		client.Close()
		if s.session.Fail(nerr) != StateError {
			s.session.Fire(EventClose)
		}
		return output.OpenFailed(Name, "negotiate", nerr)
	}
	s.session.setNegotiated(accept.SessionID, ssrc, features)
	s.session.Fire(EventSessionAccepted)

	bufferMs := cfg.BufferMs
	if accept.BufferMs > 0 {
		bufferMs = accept.BufferMs
	}
	sender, err := s.openTransport(remote, accept, cfg, pt, ssrc, features, bufferMs)
	if err != nil {
		client.Close()
		e := fatal(wrapError(CodeConnectionFailed, err))
		s.session.Fail(e)
		return output.OpenFailed(Name, "rtp transport", e)
	}

	s.cfg = cfg
	s.bufferMs = bufferMs
	s.remote = remote
	s.ctrl.Store(client)
	s.sender = sender
	s.counters.Reset()
	s.resyncs.Store(0)
	s.pmu.Lock()
	s.resume = nil
	s.pmu.Unlock()

	bg, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.watch(bg, client, sender, link{remote: remote, cfg: cfg, pt: pt})
	if features.Has(FeatureMicroPll) {
		s.wg.Add(1)
		go s.syncLoop(bg, sender)
	}

	s.queue = output.NewQueue(queueDepth, func(ctx context.Context, c output.Chunk) error {
		return s.emit(ctx, sender, c)
	})
	s.open = true
	s.log.Infof("Session %s with %s (%s): %s, pt %d, features %v",
		accept.SessionID, remote.Name, remote.Addr(), cfg, pt, features.List())
	return nil
}

// resolve turns the selected target into a receiver (must hold s.mu)
func (s *Sink) resolve(ctx context.Context) (Receiver, error) {
	target := s.target
	if host, port, err := net.SplitHostPort(target); err == nil && host != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return Receiver{}, fmt.Errorf("invalid receiver port %q", port)
		}
		return Receiver{Name: target, Hostname: host, Port: p}, nil
	}

	found, err := s.discover(ctx, s.config.DiscoveryTimeout)
	if err != nil {
		return Receiver{}, fmt.Errorf("discovery: %w", err)
	}
	if target == "" {
		if len(found) == 0 {
			return Receiver{}, errors.New("no receivers found")
		}
		return found[0], nil
	}
	for _, r := range found {
		if strings.EqualFold(r.Name, target) ||
			strings.EqualFold(strings.TrimSuffix(r.Hostname, "."), target) ||
			r.Fullname == target {
			return r, nil
		}
		for _, ip := range r.Addresses {
			if ip.String() == target {
				return r, nil
			}
		}
	}
	return Receiver{}, fmt.Errorf("receiver %q not found", target)
}

// connect dials the control channel with exponential backoff
func (s *Sink) connect(ctx context.Context, addr string) (*protocol.Client, error) {
	backoff := s.config.DialBackoff
	var last error
	for attempt := 1; attempt <= s.config.DialAttempts; attempt++ {
		client := protocol.NewClient(protocol.Config{Addr: addr, Timeout: s.config.ControlTimeout})
		err := client.Connect(ctx)
		if err == nil {
			return client, nil
		}
		last = err
		if attempt == s.config.DialAttempts {
			break
		}
		s.log.Warnf("Connect to %s failed (attempt %d/%d), retrying in %s: %v",
			addr, attempt, s.config.DialAttempts, backoff, err)

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
		backoff *= 2
		if backoff > s.config.DialBackoffCap {
			backoff = s.config.DialBackoffCap
		}
	}
	return nil, fmt.Errorf("%s after %d attempts: %w", addr, s.config.DialAttempts, last)
}

// negotiate exchanges hello and session init, proposing ssrc (random when
// zero). An unsupported feature is renegotiated once without it; an SSRC
// conflict is retried once with a fresh SSRC.
func (s *Sink) negotiate(ctx context.Context, client *protocol.Client, cfg audio.OutputConfig, pt uint8, ssrc uint32) (protocol.SessionAccept, Features, uint32, *Error) {
	var accept protocol.SessionAccept

	hello := protocol.Hello{
		Version:  protocol.Version,
		Name:     s.config.ClientName,
		ClientID: s.clientID,
		Features: s.config.Features,
	}
	var reply protocol.Hello
	if _, err := client.Request(ctx, protocol.TypeHello, hello, &reply); err != nil {
		return accept, nil, 0, requestError(err)
	}
	if reply.Version != protocol.Version {
		return accept, nil, 0, NewError(CodeVersionMismatch,
			fmt.Sprintf("receiver speaks %q, want %q", reply.Version, protocol.Version))
	}

	features := Negotiate(s.config.Features, reply.Features)
	if ssrc == 0 {
		ssrc = rand.Uint32()
	}
	renegotiated, reseeded := false, false

	for {
		clockSource := "sender"
		if features.Has(FeatureMicroPll) {
			clockSource = "micro_pll"
		}
		init := protocol.SessionInit{
			Format:      cfg.Format.String(),
			SampleRate:  cfg.SampleRate,
			Channels:    cfg.Channels,
			PayloadType: pt,
			BufferMs:    cfg.BufferMs,
			ClockSource: clockSource,
			SSRC:        ssrc,
			Features:    features.List(),
			VolumeCurve: string(s.config.VolumeCurve),
		}
		_, err := client.Request(ctx, protocol.TypeSessionInit, init, &accept)
		if err == nil {
			if accept.RTPPort <= 0 {
				return accept, nil, 0, NewError(CodeInvalidSessionInit, "session accept without rtp port")
			}
			return accept, finalize(features, accept), ssrc, nil
		}

		e := requestError(err)
		var remote *protocol.RemoteError
		errors.As(err, &remote)
		switch {
		case e.Code == CodeUnsupportedFeature && !renegotiated:
			renegotiated = true
			if remote != nil && remote.Feature != "" {
				features = features.Without(remote.Feature)
			} else {
				features = features.Without(s.config.Features.Optional...)
			}
			s.log.Warnf("Receiver refused features, renegotiating with %v", features.List())
		case e.Code == CodeSSRCConflict && !reseeded:
			reseeded = true
			ssrc = rand.Uint32()
			s.log.Warnf("SSRC conflict, retrying with %08x", ssrc)
		default:
			return accept, nil, 0, e
		}
	}
}

// requestError maps a control request failure onto the catalogue
func requestError(err error) *Error {
	var remote *protocol.RemoteError
	switch {
	case errors.As(err, &remote):
		return fromRemote(remote.ErrorPayload)
	case errors.Is(err, protocol.ErrTimeout):
		return wrapError(CodeTimeout, err)
	default:
		return wrapError(CodeConnectionLost, err)
	}
}

func (s *Sink) openTransport(remote Receiver, accept protocol.SessionAccept, cfg audio.OutputConfig, pt uint8, ssrc uint32, features Features, bufferMs int) (*rtpSender, error) {
	rtpConn, rtcpConn, err := dialTransport(remote, accept, features)
	if err != nil {
		return nil, err
	}

	seq, ts := uint16(rand.Uint32()), rand.Uint32()
	pk := NewPacketizer(pt, ssrc, seq, ts, cfg.FrameBytes())
	pk.EnableExtensions(features.Has(FeatureCrcVerify), features.Has(FeatureGapless))
	s.session.setCursors(seq, ts)

	return newRTPSender(rtpConn, rtcpConn, pk, cfg.SampleRate, cfg.SampleRate*bufferMs/1000), nil
}

// dialTransport opens the RTP socket, plus RTCP when MicroPll is active
func dialTransport(remote Receiver, accept protocol.SessionAccept, features Features) (net.Conn, net.Conn, error) {
	host, _, err := net.SplitHostPort(remote.Addr())
	if err != nil {
		return nil, nil, err
	}
	rtpConn, err := net.Dial("udp", net.JoinHostPort(host, strconv.Itoa(accept.RTPPort)))
	if err != nil {
		return nil, nil, fmt.Errorf("rtp: %w", err)
	}
	var rtcpConn net.Conn
	if features.Has(FeatureMicroPll) {
		port := accept.RTCPPort
		if port == 0 {
			port = accept.RTPPort + 1
		}
		rtcpConn, err = net.Dial("udp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			rtpConn.Close()
			return nil, nil, fmt.Errorf("rtcp: %w", err)
		}
	}
	return rtpConn, rtcpConn, nil
}

// emit runs on the queue worker
func (s *Sink) emit(ctx context.Context, sender *rtpSender, c output.Chunk) error {
	if err := s.waitPlaying(ctx); err != nil {
		return err
	}
	dropped, err := sender.send(ctx, c.Data)
	if err != nil {
		return err
	}
	for i := 0; i < dropped; i++ {
		s.counters.AddOverrun()
	}
	s.counters.AddWritten(c.Frames, len(c.Data))

	seq, ts := sender.Cursors()
	s.session.setCursors(seq, ts)
	if s.session.State() == StateBuffering && sender.SentFrames() >= sender.prefill {
		s.session.Fire(EventBufferReady)
	}
	return nil
}

func (s *Sink) waitPlaying(ctx context.Context) error {
	s.pmu.Lock()
	ch := s.resume
	s.pmu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// link is what a reconnect needs to renegotiate the session
type link struct {
	remote Receiver
	cfg    audio.OutputConfig
	pt     uint8
}

// watch handles receiver events until the session ends. A lost control
// channel is redialled with the dial backoff; it is fatal only once that
// fails.
func (s *Sink) watch(ctx context.Context, client *protocol.Client, sender *rtpSender, l link) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			if ctx.Err() != nil {
				return
			}
			lost := wrapError(CodeConnectionLost, client.Err())
			s.session.Fail(lost)
			s.log.Warnf("Control channel lost, reconnecting: %v", lost)

			next, err := s.reconnect(ctx, sender, l)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				e := fatal(wrapError(CodeConnectionLost, fmt.Errorf("reconnect: %w", err)))
				s.session.Fail(e)
				s.log.Errorf("Control channel lost: %v", e)
				return
			}
			client.Close()
			client = next
		case msg := <-client.Events():
			s.handleEvent(ctx, client, sender, msg)
		}
	}
}

// reconnect redials the receiver, renegotiates with the current SSRC and
// continues the RTP timeline from the current cursors
func (s *Sink) reconnect(ctx context.Context, sender *rtpSender, l link) (*protocol.Client, error) {
	client, err := s.connect(ctx, l.remote.Addr())
	if err != nil {
		return nil, err
	}
	accept, features, ssrc, nerr := s.negotiate(ctx, client, l.cfg, l.pt, s.session.SSRC())
	if nerr != nil {
		client.Close()
		return nil, nerr
	}
	rtpConn, rtcpConn, err := dialTransport(l.remote, accept, features)
	if err != nil {
		client.Close()
		return nil, err
	}
	sender.Retarget(rtpConn, rtcpConn, ssrc, features.Has(FeatureCrcVerify), features.Has(FeatureGapless))
	s.session.setNegotiated(accept.SessionID, ssrc, features)
	s.ctrl.Store(client)

	if err := s.resync(ctx, client, sender, "reconnect"); err != nil {
		s.log.Warnf("Resync after reconnect failed: %v", err)
	}
	s.log.Infof("Reconnected to %s, session %s", l.remote.Addr(), accept.SessionID)
	return client, nil
}

func (s *Sink) handleEvent(ctx context.Context, client *protocol.Client, sender *rtpSender, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeHealth:
		var h protocol.Health
		if err := msg.Decode(&h); err != nil {
			s.log.Warnf("Bad health report: %v", err)
			return
		}
		prev := s.setHealth(h)
		if h.LastError != "" && h.LastError != prev {
			s.handleRemoteError(ctx, client, sender, NewError(Code(h.LastError), "reported in health"))
		}
	case protocol.TypeError:
		var p protocol.ErrorPayload
		if err := msg.Decode(&p); err != nil {
			s.log.Warnf("Bad error report: %v", err)
			return
		}
		s.handleRemoteError(ctx, client, sender, fromRemote(p))
	default:
		s.log.Debugf("Ignoring unsolicited %s", msg.Type)
	}
}

// handleRemoteError resyncs on recoverable errors and records the rest.
// Fatal errors move the session to Error.
func (s *Sink) handleRemoteError(ctx context.Context, client *protocol.Client, sender *rtpSender, e *Error) {
	if Recoverable(e.Code, s.session.Features()) {
		s.session.Fail(e)
		if err := s.resync(ctx, client, sender, string(e.Code)); err != nil {
			s.log.Warnf("Resync after %s failed: %v", e.Code, err)
		}
		return
	}
	if s.session.Fail(e) == StateError {
		s.log.Errorf("Session failed: %v", e)
		return
	}
	if e.Severity >= SeverityError {
		s.log.Errorf("Receiver error: %v", e)
	} else {
		s.log.Warnf("Receiver reported: %v", e)
	}
}

// resync restarts the timeline at the current cursors with a marker packet
func (s *Sink) resync(ctx context.Context, client *protocol.Client, sender *rtpSender, reason string) error {
	seq, ts := sender.Resync()
	s.session.setCursors(seq, ts)
	_, err := client.Request(ctx, protocol.TypeSessionResync,
		protocol.Resync{Sequence: seq, Timestamp: ts, Reason: reason}, nil)
	if err != nil {
		return requestError(err)
	}
	s.resyncs.Add(1)
	s.log.Infof("Resynced at seq %d ts %d (%s)", seq, ts, reason)
	return nil
}

// syncLoop sends sender reports and clock exchanges while MicroPll is active
func (s *Sink) syncLoop(ctx context.Context, sender *rtpSender) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.SyncInterval)
	defer ticker.Stop()

	s.syncOnce(ctx, sender)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncOnce(ctx, sender)
		}
	}
}

func (s *Sink) syncOnce(ctx context.Context, sender *rtpSender) {
	if err := sender.SendReport(time.Now()); err != nil {
		s.log.Debugf("Sender report failed: %v", err)
	}

	client := s.ctrl.Load()
	if client == nil {
		return
	}

	t1 := nowMicros()
	var reply protocol.ClockTime
	if _, err := client.Request(ctx, protocol.TypeClockTime, protocol.ClockTime{T1: t1}, &reply); err != nil {
		if ctx.Err() == nil {
			s.log.Debugf("Clock exchange failed: %v", err)
		}
		return
	}
	s.clock.ProcessSyncResponse(t1, reply.T2, reply.T3, nowMicros())
}

// Write applies software volume, converts to big-endian PCM and queues it
func (s *Sink) Write(ctx context.Context, b audio.Block) error {
	s.mu.RLock()
	if !s.open {
		s.mu.RUnlock()
		return output.ErrNotOpen
	}
	cfg, q := s.cfg, s.queue
	s.mu.RUnlock()

	if s.session.State() == StateError {
		if e := s.session.LastError(); e != nil {
			return e
		}
		return output.ErrNotOpen
	}
	if err := output.CheckBlock(cfg, b); err != nil {
		return err
	}

	samples := b.Samples
	if g := s.softwareGain(); g != 1 {
		scaled := make([]float64, len(samples))
		for i, x := range samples {
			scaled[i] = x * g
		}
		samples = scaled
	}
	data := audio.AppendSamples(make([]byte, 0, len(samples)*cfg.Format.BytesPerSample()),
		samples, cfg.Format, binary.BigEndian)

	if s.session.State() == StateNegotiating {
		s.session.Fire(EventFramesQueued)
	}
	return q.Push(ctx, output.Chunk{Data: data, Frames: b.Frames()})
}

// Drain waits for every queued packet to be sent. A stream shorter than
// the target buffer starts playing here.
func (s *Sink) Drain(ctx context.Context) error {
	s.mu.RLock()
	if !s.open {
		s.mu.RUnlock()
		return output.ErrNotOpen
	}
	q := s.queue
	s.mu.RUnlock()

	if err := q.Drain(ctx); err != nil {
		return err
	}
	if s.session.State() == StateBuffering {
		s.session.Fire(EventBufferReady)
	}
	return nil
}

// Pause asks the receiver to pause; emission holds until Play
func (s *Sink) Pause(ctx context.Context) error {
	client, err := s.control()
	if err != nil {
		return err
	}
	if _, err := client.Request(ctx, protocol.TypePause, nil, nil); err != nil {
		return requestError(err)
	}
	if _, err := s.session.Fire(EventPause); err != nil {
		return err
	}
	s.pmu.Lock()
	if s.resume == nil {
		s.resume = make(chan struct{})
	}
	s.pmu.Unlock()
	return nil
}

// Play resumes after Pause
func (s *Sink) Play(ctx context.Context) error {
	client, err := s.control()
	if err != nil {
		return err
	}
	if _, err := client.Request(ctx, protocol.TypePlay, nil, nil); err != nil {
		return requestError(err)
	}
	if _, err := s.session.Fire(EventPlay); err != nil {
		return err
	}
	s.pmu.Lock()
	if s.resume != nil {
		close(s.resume)
		s.resume = nil
	}
	s.pmu.Unlock()
	return nil
}

// MarkTrackBoundary flags the next packet as a track start when gapless is active
func (s *Sink) MarkTrackBoundary() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.open {
		return output.ErrNotOpen
	}
	if !s.session.Features().Has(FeatureGapless) {
		return output.ErrNotSupported
	}
	s.sender.MarkBoundary()
	return nil
}

func (s *Sink) control() (*protocol.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.open {
		return nil, output.ErrNotOpen
	}
	return s.ctrl.Load(), nil
}

// SetVolume sends a remote volume action when the receiver has the
// feature. Otherwise the gain is applied in software before formatting
// and E601 is returned.
func (s *Sink) SetVolume(ctx context.Context, value float64, curve output.VolumeCurve) error {
	if math.IsNaN(value) || value < 0 || value > 1 {
		return NewError(CodeVolumeOutOfRange, fmt.Sprintf("%g not in [0,1]", value))
	}
	if curve == "" {
		curve = s.config.VolumeCurve
	}

	s.mu.RLock()
	open, client := s.open, s.ctrl.Load()
	s.mu.RUnlock()

	if open && s.session.Features().Has(FeatureRemoteVolume) {
		_, err := client.Request(ctx, protocol.TypeVolume, protocol.VolumeSet{Value: value, Curve: string(curve)}, nil)
		if err != nil {
			return requestError(err)
		}
		s.setGain(1)
		return nil
	}

	s.setGain(curve.Gain(value))
	return NewError(CodeVolumeUnsupported, "receiver has no remote volume, applied in software")
}

func (s *Sink) setGain(g float64) { s.gain.Store(math.Float64bits(g)) }

func (s *Sink) softwareGain() float64 { return math.Float64frombits(s.gain.Load()) }

// Close tears the session down. Idempotent.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		if s.session.State() != StateDisconnected {
			s.session.Fire(EventClose)
		}
		return nil
	}
	s.open = false
	s.cancel()
	s.queue.Close()
	s.wg.Wait()

	client := s.ctrl.Load()
	if client.IsConnected() {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		if _, err := client.Request(ctx, protocol.TypeTeardown, protocol.Teardown{Reason: "shutdown"}, nil); err != nil {
			s.log.Debugf("Teardown: %v", err)
		}
		cancel()
	}
	client.Close()
	if err := s.sender.Close(); err != nil {
		s.log.Debugf("Closing RTP sockets: %v", err)
	}
	s.session.Fire(EventClose)

	stats := s.counters.Snapshot(0)
	s.log.Infof("Session with %s closed (%d frames, %d resyncs)", s.remote.Name, stats.FramesWritten, s.resyncs.Load())
	s.ctrl.Store(nil)
	s.sender = nil
	s.queue = nil
	return nil
}

func (s *Sink) IsOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.open
}

func (s *Sink) Config() audio.OutputConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// LatencyMs is the negotiated receiver buffer plus half the control RTT
func (s *Sink) LatencyMs() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.open {
		return 0
	}
	ms := s.bufferMs
	if s.clock.Samples() > 0 {
		_, rtt, _ := s.clock.Stats()
		ms += int(rtt / 2000)
	}
	return ms
}

// Stats reports the receiver buffer fill when known, else the send queue fill
func (s *Sink) Stats() audio.SinkStats {
	s.mu.RLock()
	open, q, bufferMs := s.open, s.queue, s.bufferMs
	s.mu.RUnlock()

	s.hmu.RLock()
	reported := s.health.BufferMs
	s.hmu.RUnlock()

	fill := 0.0
	switch {
	case reported > 0 && bufferMs > 0:
		fill = float64(reported) / float64(bufferMs)
	case open && q != nil:
		fill = q.Fill()
	}
	return s.counters.Snapshot(fill)
}

// State returns the session state
func (s *Sink) State() State { return s.session.State() }

// Features returns the active session features
func (s *Sink) Features() Features { return s.session.Features() }

// SSRC returns the session's synchronisation source
func (s *Sink) SSRC() uint32 { return s.session.SSRC() }

// Resyncs counts completed resyncs in the current session
func (s *Sink) Resyncs() uint64 { return s.resyncs.Load() }

// Receiver returns the receiver of the current session
func (s *Sink) Receiver() Receiver {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remote
}

// Health returns the latest receiver report merged with local session state
func (s *Sink) Health() output.Health {
	s.hmu.RLock()
	h, at := s.health, s.healthAt
	s.hmu.RUnlock()

	out := output.Health{
		Session:     s.session.State().String(),
		Connection:  h.Connection,
		Playback:    h.Playback,
		BufferMs:    float64(h.BufferMs),
		DriftPPM:    h.DriftPPM,
		PacketsLost: h.PacketsLost,
		UpdatedAt:   at,
	}
	if out.DriftPPM == 0 && s.clock.Samples() > 1 {
		out.DriftPPM = s.clock.DriftPPM()
	}
	if e := s.session.LastError(); e != nil {
		out.LastError = e.Error()
		out.Fatal = e.Fatal()
	}
	return out
}

// setHealth stores a report and returns the previous last_error
func (s *Sink) setHealth(h protocol.Health) string {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	prev := s.health.LastError
	s.health = h
	s.healthAt = time.Now()
	return prev
}

func (s *Sink) resetHealth() {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.health = protocol.Health{}
	s.healthAt = time.Time{}
}

// Discover lists receivers advertising either service type
func (s *Sink) Discover(ctx context.Context, timeout time.Duration) ([]output.Device, error) {
	found, err := s.discover(ctx, timeout)
	if err != nil {
		return nil, err
	}
	devices := make([]output.Device, 0, len(found))
	for _, r := range found {
		devices = append(devices, r.Device())
	}
	return devices, nil
}
