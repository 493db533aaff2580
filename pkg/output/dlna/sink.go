// ABOUTME: HTTP-stream sink serving a live WAV stream to DLNA renderers
// ABOUTME: Pull mode serves /stream.wav; push mode also drives a renderer via AVTransport
package dlna

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Resonate-Protocol/resonate-eq/pkg/audio"
	"github.com/Resonate-Protocol/resonate-eq/pkg/output"
	"github.com/sirupsen/logrus"
)

// Name is the registry name of the HTTP-stream sink
const Name = "dlna"

// StreamPath is the path of the live stream
const StreamPath = "/stream.wav"

const (
	queueDepth       = 8
	clientQueueDepth = 32
	controlTimeout   = 5 * time.Second
)

// Config holds the sink's network settings
type Config struct {
	Bind             string        // listen address for the stream server
	AdvertiseHost    string        // host put into the stream URL; auto-detected when empty
	DiscoveryTimeout time.Duration // SSDP search window for push targets
}

// DefaultConfig listens on all interfaces at port 8790
func DefaultConfig() Config {
	return Config{Bind: "0.0.0.0:8790", DiscoveryTimeout: 3 * time.Second}
}

// Sink streams WAV over HTTP. Each connected client gets its own tail of
// the stream, starting from the most recent buffer_ms of audio.
type Sink struct {
	config   Config
	log      *logrus.Entry
	discover func(ctx context.Context, timeout time.Duration) ([]Renderer, error)

	mu        sync.RWMutex
	open      bool
	cfg       audio.OutputConfig
	target    string
	meta      Metadata
	renderer  *Renderer
	transport *Transport
	server    *http.Server
	streamURL string
	header    []byte
	queue     *output.Queue
	closing   chan struct{}
	counters  output.Counters

	cmu           sync.Mutex
	clients       map[*streamClient]struct{}
	preroll       []prerollChunk
	prerollFrames int
}

type prerollChunk struct {
	output.Chunk
	delivered bool
}

type streamClient struct {
	remote  string
	queue   *output.Queue
	failed  chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

func (c *streamClient) fail() {
	c.once.Do(func() { close(c.failed) })
}

// New creates an HTTP-stream sink
func New(config Config) *Sink {
	if config.Bind == "" {
		config.Bind = DefaultConfig().Bind
	}
	if config.DiscoveryTimeout <= 0 {
		config.DiscoveryTimeout = DefaultConfig().DiscoveryTimeout
	}
	return &Sink{
		config:   config,
		log:      logrus.WithField("component", "dlna"),
		discover: Discover,
		meta:     Metadata{Title: "Resonate EQ"},
	}
}

func (s *Sink) Name() string { return Name }

// Capabilities: stereo integer PCM at the standard rates
func (s *Sink) Capabilities() output.Capabilities {
	return output.Capabilities{
		SampleRates:    output.StandardRates,
		Formats:        []audio.SampleFormat{audio.FormatS16LE, audio.FormatS24LE},
		MinChannels:    2,
		MaxChannels:    2,
		NeedsDiscovery: true,
	}
}

// SelectDevice chooses a renderer for push mode by name, UUID or
// description URL. Empty selects pull mode only.
func (s *Sink) SelectDevice(device string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target = device
	return nil
}

// SetMetadata sets the DIDL-Lite metadata sent with the next push
func (s *Sink) SetMetadata(meta Metadata) error {
	if meta.Title == "" {
		return ErrMissingTitle
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta = meta
	return nil
}

// Open starts the stream server and, when a renderer is selected, tells
// it to play the stream.
func (s *Sink) Open(ctx context.Context, cfg audio.OutputConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open {
		return output.ErrAlreadyOpen
	}
	if err := s.Capabilities().Check(cfg); err != nil {
		return output.OpenFailed(Name, "unsupported config", err)
	}
	header, err := WAVHeader(cfg)
	if err != nil {
		return output.OpenFailed(Name, "wav header", err)
	}

	ln, err := net.Listen("tcp", s.config.Bind)
	if err != nil {
		return output.OpenFailed(Name, "listen", err)
	}
	host := advertiseHost(s.config.AdvertiseHost, ln.Addr())
	port := strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)

	s.cfg = cfg
	s.header = header
	s.streamURL = "http://" + net.JoinHostPort(host, port) + StreamPath
	s.closing = make(chan struct{})
	s.counters.Reset()
	s.cmu.Lock()
	s.clients = make(map[*streamClient]struct{})
	s.preroll = nil
	s.prerollFrames = 0
	s.cmu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc(StreamPath, s.handleStream)
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	server := s.server
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("Stream server error: %v", err)
		}
	}()

	if s.target != "" {
		if err := s.startPush(ctx); err != nil {
			s.stopServer()
			return output.OpenFailed(Name, "push to renderer", err)
		}
	}

	s.queue = output.NewQueue(queueDepth, s.fanout)
	s.open = true
	s.log.Infof("Streaming %s at %s", cfg, s.streamURL)
	return nil
}

// startPush resolves the selected renderer and starts playback on it (must hold s.mu)
func (s *Sink) startPush(ctx context.Context) error {
	renderer, err := s.resolveRenderer(ctx, s.target)
	if err != nil {
		return err
	}
	transport, err := NewTransport(renderer)
	if err != nil {
		if errors.Is(err, ErrNoAVTransport) {
			return fmt.Errorf("%w: %s: %v", output.ErrCapabilityMismatch, renderer.Name, err)
		}
		return err
	}
	didl, err := BuildDIDL(s.meta, s.streamURL, s.cfg)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()
	if err := transport.SetAVTransportURI(cctx, s.streamURL, didl); err != nil {
		return err
	}
	if err := transport.Play(cctx); err != nil {
		return err
	}

	s.renderer = &renderer
	s.transport = transport
	s.log.Infof("Renderer %s (%s) playing %s", renderer.Name, renderer.Location, s.streamURL)
	return nil
}

func (s *Sink) resolveRenderer(ctx context.Context, target string) (Renderer, error) {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		client := &http.Client{Timeout: controlTimeout}
		return FetchRenderer(ctx, client, target)
	}
	renderers, err := s.discover(ctx, s.config.DiscoveryTimeout)
	if err != nil {
		return Renderer{}, err
	}
	for _, r := range renderers {
		if strings.EqualFold(r.Name, target) || r.UUID == strings.TrimPrefix(target, "uuid:") || r.Location == target {
			return r, nil
		}
	}
	return Renderer{}, fmt.Errorf("renderer %q not found", target)
}

// fanout runs on the sink queue worker: keep the chunk as preroll and
// hand it to every connected client. A client whose queue is full loses
// the chunk, counted as an overrun, instead of stalling the others.
func (s *Sink) fanout(ctx context.Context, c output.Chunk) error {
	s.cmu.Lock()
	s.preroll = append(s.preroll, prerollChunk{Chunk: c, delivered: len(s.clients) > 0})
	s.prerollFrames += c.Frames
	limit := s.cfg.BufferFrames()
	for len(s.preroll) > 1 && s.prerollFrames-s.preroll[0].Frames >= limit {
		if !s.preroll[0].delivered {
			s.counters.AddOverrun()
		}
		s.prerollFrames -= s.preroll[0].Frames
		s.preroll = s.preroll[1:]
	}
	clients := make([]*streamClient, 0, len(s.clients))
	for cl := range s.clients {
		clients = append(clients, cl)
	}
	s.cmu.Unlock()

	for _, cl := range clients {
		ok, err := cl.queue.TryPush(c)
		if err != nil {
			cl.fail()
			continue
		}
		if !ok {
			cl.dropped.Add(1)
			s.counters.AddOverrun()
		}
	}
	s.counters.AddWritten(c.Frames, len(c.Data))
	return nil
}

func (s *Sink) handleStream(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	header, closing := s.header, s.closing
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("transferMode.dlna.org", "Streaming")
	w.Header().Set("contentFeatures.dlna.org", ContentFeatures())
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(header); err != nil {
		return
	}
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	cl := &streamClient{remote: r.RemoteAddr, failed: make(chan struct{})}

	s.cmu.Lock()
	cl.queue = output.NewQueue(len(s.preroll)+clientQueueDepth, func(ctx context.Context, c output.Chunk) error {
		if _, err := w.Write(c.Data); err != nil {
			cl.fail()
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	var perr error
	for i := range s.preroll {
		if _, perr = cl.queue.TryPush(s.preroll[i].Chunk); perr != nil {
			break
		}
		s.preroll[i].delivered = true
	}
	if perr == nil {
		s.clients[cl] = struct{}{}
	}
	s.cmu.Unlock()
	if perr != nil {
		cl.queue.Close()
		s.log.Warnf("Stream client %s: preroll: %v", cl.remote, perr)
		return
	}

	s.log.Infof("Stream client connected: %s", cl.remote)

	select {
	case <-r.Context().Done():
	case <-cl.failed:
	case <-closing:
	}

	s.cmu.Lock()
	delete(s.clients, cl)
	s.cmu.Unlock()
	cl.queue.Close()
	if n := cl.dropped.Load(); n > 0 {
		s.log.Warnf("Stream client disconnected: %s (%d chunks dropped)", cl.remote, n)
		return
	}
	s.log.Infof("Stream client disconnected: %s", cl.remote)
}

// Write converts the block to little-endian PCM and queues it
func (s *Sink) Write(ctx context.Context, b audio.Block) error {
	s.mu.RLock()
	if !s.open {
		s.mu.RUnlock()
		return output.ErrNotOpen
	}
	cfg, q := s.cfg, s.queue
	s.mu.RUnlock()

	if err := output.CheckBlock(cfg, b); err != nil {
		return err
	}
	data := audio.ConvertFormat(b, cfg.Format, make([]byte, 0, len(b.Samples)*cfg.Format.BytesPerSample()))
	return q.Push(ctx, output.Chunk{Data: data, Frames: b.Frames()})
}

// Drain waits until every client has been sent all queued audio or has
// disconnected
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

	s.cmu.Lock()
	clients := make([]*streamClient, 0, len(s.clients))
	for cl := range s.clients {
		clients = append(clients, cl)
	}
	s.cmu.Unlock()

	for _, cl := range clients {
		if err := cl.queue.Drain(ctx); err != nil && !errors.Is(err, output.ErrNotOpen) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
	return nil
}

// Close stops the renderer, disconnects clients and the server. Idempotent.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return nil
	}
	s.open = false
	s.queue.Close()

	if s.transport != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.transport.Stop(ctx); err != nil {
			s.log.Warnf("Renderer stop failed: %v", err)
		}
		cancel()
		s.transport = nil
		s.renderer = nil
	}

	s.stopServer()

	s.cmu.Lock()
	s.preroll = nil
	s.prerollFrames = 0
	s.cmu.Unlock()

	s.log.Infof("Stream closed (%d frames sent)", s.counters.Snapshot(0).FramesWritten)
	return nil
}

// stopServer releases stream handlers and shuts the server down (must hold s.mu)
func (s *Sink) stopServer() {
	close(s.closing)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.server.Close()
	}
	s.server = nil
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

// LatencyMs is the preroll depth renderers start from
func (s *Sink) LatencyMs() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.open {
		return 0
	}
	return s.cfg.BufferMs
}

func (s *Sink) Stats() audio.SinkStats {
	s.mu.RLock()
	limit := s.cfg.BufferFrames()
	s.mu.RUnlock()

	s.cmu.Lock()
	frames := s.prerollFrames
	s.cmu.Unlock()

	fill := 0.0
	if limit > 0 {
		fill = float64(frames) / float64(limit)
	}
	return s.counters.Snapshot(fill)
}

// StreamURL returns the advertised stream URL while open
func (s *Sink) StreamURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.open {
		return ""
	}
	return s.streamURL
}

// ClientCount returns the number of connected stream clients
func (s *Sink) ClientCount() int {
	s.cmu.Lock()
	defer s.cmu.Unlock()
	return len(s.clients)
}

// Renderer returns the push target, if one is playing
func (s *Sink) Renderer() (Renderer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.renderer == nil {
		return Renderer{}, false
	}
	return *s.renderer, true
}

// Discover lists renderers reachable over SSDP
func (s *Sink) Discover(ctx context.Context, timeout time.Duration) ([]output.Device, error) {
	renderers, err := s.discover(ctx, timeout)
	if err != nil {
		return nil, err
	}
	devices := make([]output.Device, 0, len(renderers))
	for _, r := range renderers {
		d := output.Device{
			Name:         r.Name,
			ID:           r.UUID,
			Location:     r.Location,
			ServiceType:  MediaRendererType,
			Manufacturer: r.Manufacturer,
			Model:        r.Model,
		}
		for _, svc := range r.Services {
			d.Services = append(d.Services, svc.ServiceType)
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// advertiseHost picks the host renderers should use to reach the stream
func advertiseHost(configured string, addr net.Addr) string {
	if configured != "" {
		return configured
	}
	if tcp, ok := addr.(*net.TCPAddr); ok && !tcp.IP.IsUnspecified() {
		return tcp.IP.String()
	}
	if ips, err := getLocalIPs(); err == nil && len(ips) > 0 {
		return ips[0].String()
	}
	return "127.0.0.1"
}

// getLocalIPs returns non-loopback IPv4 addresses of interfaces that are up
func getLocalIPs() ([]net.IP, error) {
	var ips []net.IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if ipnet.IP.To4() != nil {
					ips = append(ips, ipnet.IP)
				}
			}
		}
	}

	return ips, nil
}
