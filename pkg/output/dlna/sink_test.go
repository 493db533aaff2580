// ABOUTME: Tests for the HTTP-stream sink
// ABOUTME: Covers the pull server, preroll, push via AVTransport and the sink contract
package dlna

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Resonate-Protocol/resonate-eq/pkg/audio"
	"github.com/Resonate-Protocol/resonate-eq/pkg/output"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSink() *Sink {
	s := New(Config{Bind: "127.0.0.1:0"})
	s.discover = func(ctx context.Context, timeout time.Duration) ([]Renderer, error) {
		return nil, nil
	}
	return s
}

func streamConfig() audio.OutputConfig {
	return audio.OutputConfig{SampleRate: 48000, Channels: 2, Format: audio.FormatS16LE, BufferMs: 200}
}

func TestPullStreamHeader(t *testing.T) {
	s := testSink()
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, streamConfig()))
	defer s.Close()

	resp, err := http.Get(s.StreamURL())
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/wav", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("contentFeatures.dlna.org"), DLNAFlags)

	header := make([]byte, WAVHeaderSize)
	_, err = io.ReadFull(resp.Body, header)
	require.NoError(t, err)

	dec := wav.NewDecoder(bytes.NewReader(header))
	dec.ReadInfo()
	require.NoError(t, dec.Err())
	assert.Equal(t, uint16(2), dec.NumChans)
	assert.Equal(t, uint32(48000), dec.SampleRate)
	assert.Equal(t, uint16(16), dec.BitDepth)
	assert.Equal(t, uint16(1), dec.WavAudioFormat)
}

func TestPullStreamDeliversSamples(t *testing.T) {
	s := testSink()
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, streamConfig()))
	defer s.Close()

	resp, err := http.Get(s.StreamURL())
	require.NoError(t, err)
	defer resp.Body.Close()

	header := make([]byte, WAVHeaderSize)
	_, err = io.ReadFull(resp.Body, header)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Write(ctx, audio.NewBlock([]float64{1.0, -1.0, 0, 0}, 48000, 2)))
	require.NoError(t, s.Drain(ctx))

	data := make([]byte, 8)
	_, err = io.ReadFull(resp.Body, data)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0x7f, 0x01, 0x80, 0, 0, 0, 0}, data)

	stats := s.Stats()
	assert.Equal(t, uint64(2), stats.FramesWritten)
	assert.Zero(t, stats.Overruns)
}

func TestIndependentTailsStartFromPreroll(t *testing.T) {
	s := testSink()
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, streamConfig()))
	defer s.Close()

	require.NoError(t, s.Write(ctx, audio.NewBlock([]float64{0.5, 0.5}, 48000, 2)))
	require.NoError(t, s.Drain(ctx))

	for i := 0; i < 2; i++ {
		resp, err := http.Get(s.StreamURL())
		require.NoError(t, err)
		body := make([]byte, WAVHeaderSize+4)
		_, err = io.ReadFull(resp.Body, body)
		resp.Body.Close()
		require.NoError(t, err)
		assert.Equal(t, audio.ConvertFormat(audio.NewBlock([]float64{0.5, 0.5}, 48000, 2), audio.FormatS16LE, nil), body[WAVHeaderSize:])
	}
}

func TestOverrunsWithoutClients(t *testing.T) {
	s := testSink()
	ctx := context.Background()
	cfg := streamConfig()
	cfg.BufferMs = 10 // 480 frames
	require.NoError(t, s.Open(ctx, cfg))
	defer s.Close()

	block := audio.NewBlock(make([]float64, 480), 48000, 2) // 240 frames
	for i := 0; i < 6; i++ {
		require.NoError(t, s.Write(ctx, block))
	}
	require.NoError(t, s.Drain(ctx))

	stats := s.Stats()
	assert.Equal(t, uint64(1440), stats.FramesWritten)
	assert.Equal(t, uint64(4), stats.Overruns)
	assert.InDelta(t, 1.0, stats.BufferFill, 1e-9)
}

func TestSlowClientDoesNotStallOthers(t *testing.T) {
	s := testSink()
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, streamConfig()))
	defer s.Close()

	const chunks = clientQueueDepth * 3
	release := make(chan struct{})
	slow := &streamClient{remote: "slow", failed: make(chan struct{})}
	slow.queue = output.NewQueue(clientQueueDepth, func(ctx context.Context, c output.Chunk) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	defer slow.queue.Close()

	var mu sync.Mutex
	fastFrames := 0
	fast := &streamClient{remote: "fast", failed: make(chan struct{})}
	fast.queue = output.NewQueue(chunks, func(ctx context.Context, c output.Chunk) error {
		mu.Lock()
		fastFrames += c.Frames
		mu.Unlock()
		return nil
	})
	defer fast.queue.Close()

	s.cmu.Lock()
	s.clients[slow] = struct{}{}
	s.clients[fast] = struct{}{}
	s.cmu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < chunks; i++ {
			s.fanout(ctx, output.Chunk{Data: make([]byte, 4), Frames: 1})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fanout blocked behind a stalled client")
	}

	require.NoError(t, fast.queue.Drain(ctx))
	mu.Lock()
	assert.Equal(t, chunks, fastFrames)
	mu.Unlock()

	// the stalled client keeps at most its queue plus the chunk in hand
	dropped := slow.dropped.Load()
	assert.GreaterOrEqual(t, dropped, uint64(chunks-clientQueueDepth-1))
	assert.LessOrEqual(t, dropped, uint64(chunks-clientQueueDepth))
	assert.Equal(t, dropped, s.Stats().Overruns)

	close(release)
	s.cmu.Lock()
	delete(s.clients, slow)
	delete(s.clients, fast)
	s.cmu.Unlock()
}

func TestHeadRequest(t *testing.T) {
	s := testSink()
	require.NoError(t, s.Open(context.Background(), streamConfig()))
	defer s.Close()

	resp, err := http.Head(s.StreamURL())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Streaming", resp.Header.Get("transferMode.dlna.org"))
}

func TestSinkContract(t *testing.T) {
	s := testSink()
	ctx := context.Background()
	block := audio.NewBlock(make([]float64, 4), 48000, 2)

	require.NoError(t, s.Open(ctx, streamConfig()))
	assert.True(t, s.IsOpen())
	assert.Equal(t, 200, s.LatencyMs())
	assert.ErrorIs(t, s.Write(ctx, audio.NewBlock(make([]float64, 4), 44100, 2)), output.ErrFormatMismatch)

	require.NoError(t, s.Close())
	assert.False(t, s.IsOpen())
	assert.Empty(t, s.StreamURL())
	assert.ErrorIs(t, s.Write(ctx, block), output.ErrNotOpen)
	assert.NoError(t, s.Close())
}

func TestOpenRejectsMonoAndFloat(t *testing.T) {
	s := testSink()
	cfg := streamConfig()
	cfg.Channels = 1
	err := s.Open(context.Background(), cfg)
	assert.ErrorIs(t, err, output.ErrCapabilityMismatch)

	cfg = streamConfig()
	cfg.Format = audio.FormatF32
	err = s.Open(context.Background(), cfg)
	var ofe *output.OpenFailedError
	assert.ErrorAs(t, err, &ofe)
}

func TestCloseEndsClientStream(t *testing.T) {
	s := testSink()
	require.NoError(t, s.Open(context.Background(), streamConfig()))

	resp, err := http.Get(s.StreamURL())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Close())
	done := make(chan struct{})
	go func() {
		io.Copy(io.Discard, resp.Body)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("stream not terminated by close")
	}
}

// fakeRenderer serves a device description and records AVTransport actions
type fakeRenderer struct {
	mu      sync.Mutex
	actions []string
	bodies  []string
	server  *httptest.Server
	noAVT   bool
}

func newFakeRenderer(t *testing.T, noAVT bool) *fakeRenderer {
	fr := &fakeRenderer{noAVT: noAVT}
	mux := http.NewServeMux()
	mux.HandleFunc("/desc.xml", func(w http.ResponseWriter, r *http.Request) {
		services := `<service>
      <serviceType>urn:schemas-upnp-org:service:RenderingControl:1</serviceType>
      <serviceId>urn:upnp-org:serviceId:RenderingControl</serviceId>
      <controlURL>/rc</controlURL>
    </service>`
		if !fr.noAVT {
			services += `<service>
      <serviceType>urn:schemas-upnp-org:service:AVTransport:1</serviceType>
      <serviceId>urn:upnp-org:serviceId:AVTransport</serviceId>
      <controlURL>/avt</controlURL>
    </service>`
		}
		fmt.Fprintf(w, `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <device>
    <deviceType>urn:schemas-upnp-org:device:MediaRenderer:1</deviceType>
    <friendlyName>Living Room</friendlyName>
    <manufacturer>Acme</manufacturer>
    <modelName>Streamer 2</modelName>
    <UDN>uuid:1234-abcd</UDN>
    <serviceList>%s</serviceList>
  </device>
</root>`, services)
	})
	mux.HandleFunc("/avt", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fr.mu.Lock()
		fr.actions = append(fr.actions, r.Header.Get("SOAPACTION"))
		fr.bodies = append(fr.bodies, string(body))
		fr.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	fr.server = httptest.NewServer(mux)
	t.Cleanup(fr.server.Close)
	return fr
}

func (fr *fakeRenderer) recorded() ([]string, []string) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return append([]string(nil), fr.actions...), append([]string(nil), fr.bodies...)
}

func TestPushModeDrivesRenderer(t *testing.T) {
	fr := newFakeRenderer(t, false)
	s := testSink()
	require.NoError(t, s.SelectDevice(fr.server.URL+"/desc.xml"))
	require.NoError(t, s.SetMetadata(Metadata{Title: "Evening Mix", Artist: "Various"}))

	require.NoError(t, s.Open(context.Background(), streamConfig()))
	rd, ok := s.Renderer()
	require.True(t, ok)
	assert.Equal(t, "Living Room", rd.Name)

	actions, bodies := fr.recorded()
	require.Len(t, actions, 2)
	assert.Equal(t, `"urn:schemas-upnp-org:service:AVTransport:1#SetAVTransportURI"`, actions[0])
	assert.Equal(t, `"urn:schemas-upnp-org:service:AVTransport:1#Play"`, actions[1])
	assert.Contains(t, bodies[0], "<CurrentURI>"+s.StreamURL()+"</CurrentURI>")
	assert.Contains(t, bodies[0], "Evening Mix")
	assert.Contains(t, bodies[0], "&lt;DIDL-Lite", "metadata is escaped inside the envelope")

	require.NoError(t, s.Close())
	actions, _ = fr.recorded()
	require.Len(t, actions, 3)
	assert.Contains(t, actions[2], "#Stop")
}

func TestPushModeWithoutAVTransport(t *testing.T) {
	fr := newFakeRenderer(t, true)
	s := testSink()
	require.NoError(t, s.SelectDevice(fr.server.URL+"/desc.xml"))

	err := s.Open(context.Background(), streamConfig())
	var ofe *output.OpenFailedError
	require.ErrorAs(t, err, &ofe)
	assert.ErrorIs(t, err, output.ErrCapabilityMismatch)
	assert.False(t, s.IsOpen())
}

func TestPushModeByDiscoveredName(t *testing.T) {
	fr := newFakeRenderer(t, false)
	s := testSink()
	s.discover = func(ctx context.Context, timeout time.Duration) ([]Renderer, error) {
		rd, err := FetchRenderer(ctx, http.DefaultClient, fr.server.URL+"/desc.xml")
		return []Renderer{rd}, err
	}
	require.NoError(t, s.SelectDevice("living room"))
	require.NoError(t, s.Open(context.Background(), streamConfig()))
	defer s.Close()

	actions, _ := fr.recorded()
	assert.Len(t, actions, 2)

	require.NoError(t, s.SelectDevice("kitchen"))
	devices, err := s.Discover(context.Background(), time.Second)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "1234-abcd", devices[0].ID)
	assert.Contains(t, devices[0].Services, AVTransportService)
}

func TestPushModeUnknownRenderer(t *testing.T) {
	s := testSink()
	require.NoError(t, s.SelectDevice("nowhere"))
	err := s.Open(context.Background(), streamConfig())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "not found"))
	assert.False(t, errors.Is(err, output.ErrCapabilityMismatch))
}
