// ABOUTME: WAV capture sink writing the output stream to a file
// ABOUTME: Used for offline verification of the chain; Close finalises the WAV header
package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/Resonate-Protocol/resonate-eq/pkg/audio"
	"github.com/Resonate-Protocol/resonate-eq/pkg/output"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/sirupsen/logrus"
)

// Name is the registry name of the capture sink
const Name = "wav_file"

const (
	queueDepth = 8
	wavPCM     = 1
)

// Sink writes PCM into a WAV file
type Sink struct {
	log *logrus.Entry

	mu       sync.RWMutex
	path     string
	open     bool
	cfg      audio.OutputConfig
	file     *os.File
	enc      *wav.Encoder
	queue    *output.Queue
	counters output.Counters
}

// New creates a capture sink writing to path
func New(path string) *Sink {
	return &Sink{
		path: path,
		log:  logrus.WithField("component", "capture"),
	}
}

func (s *Sink) Name() string { return Name }

// Capabilities: integer PCM at any rate, up to eight channels
func (s *Sink) Capabilities() output.Capabilities {
	return output.Capabilities{
		Formats:     []audio.SampleFormat{audio.FormatS16LE, audio.FormatS24LE},
		MinChannels: 1,
		MaxChannels: 8,
	}
}

// SelectDevice sets the output file path for the next Open
func (s *Sink) SelectDevice(device string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if device != "" {
		s.path = device
	}
	return nil
}

// Path returns the file the sink writes to
func (s *Sink) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}

func (s *Sink) Open(ctx context.Context, cfg audio.OutputConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open {
		return output.ErrAlreadyOpen
	}
	if err := s.Capabilities().Check(cfg); err != nil {
		return output.OpenFailed(Name, "unsupported config", err)
	}
	if s.path == "" {
		return output.OpenFailed(Name, "no path", errors.New("capture path not configured"))
	}

	f, err := os.Create(s.path)
	if err != nil {
		return output.OpenFailed(Name, "create file", err)
	}
	enc := wav.NewEncoder(f, cfg.SampleRate, cfg.Format.BitDepth(), cfg.Channels, wavPCM)

	s.file = f
	s.enc = enc
	s.cfg = cfg
	s.counters.Reset()
	format := &goaudio.Format{NumChannels: cfg.Channels, SampleRate: cfg.SampleRate}
	s.queue = output.NewQueue(queueDepth, func(ctx context.Context, c output.Chunk) error {
		buf := &goaudio.IntBuffer{
			Format:         format,
			Data:           decodeInts(c.Data, cfg.Format),
			SourceBitDepth: cfg.Format.BitDepth(),
		}
		if err := enc.Write(buf); err != nil {
			return fmt.Errorf("write wav: %w", err)
		}
		s.counters.AddWritten(c.Frames, len(c.Data))
		return nil
	})
	s.open = true
	s.log.Infof("Capturing %s to %s", cfg, s.path)
	return nil
}

// decodeInts unpacks little-endian PCM into the encoder's integer samples
func decodeInts(data []byte, format audio.SampleFormat) []int {
	switch format {
	case audio.FormatS24LE:
		out := make([]int, len(data)/3)
		for i := range out {
			b := data[i*3:]
			v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
			out[i] = int(v << 8 >> 8)
		}
		return out
	default:
		out := make([]int, len(data)/2)
		for i := range out {
			out[i] = int(int16(binary.LittleEndian.Uint16(data[i*2:])))
		}
		return out
	}
}

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

// Drain waits for queued blocks and syncs the file
func (s *Sink) Drain(ctx context.Context) error {
	s.mu.RLock()
	if !s.open {
		s.mu.RUnlock()
		return output.ErrNotOpen
	}
	q, f := s.queue, s.file
	s.mu.RUnlock()

	if err := q.Drain(ctx); err != nil {
		return err
	}
	return f.Sync()
}

// Close writes the final header sizes and closes the file. Idempotent.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return nil
	}
	s.open = false
	s.queue.Close()

	var errs []error
	stats := s.counters.Snapshot(0)
	if stats.FramesWritten == 0 {
		// header and empty data chunk
		empty := &goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: s.cfg.Channels, SampleRate: s.cfg.SampleRate}}
		errs = append(errs, s.enc.Write(empty))
	}
	errs = append(errs, s.enc.Close(), s.file.Close())
	s.enc = nil
	s.file = nil
	s.queue = nil
	s.log.Infof("Closed %s (%d frames)", s.path, stats.FramesWritten)
	return errors.Join(errs...)
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

// LatencyMs is zero: nothing is rendered in real time
func (s *Sink) LatencyMs() int { return 0 }

func (s *Sink) Stats() audio.SinkStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fill := 0.0
	if s.open {
		fill = s.queue.Fill()
	}
	return s.counters.Snapshot(fill)
}
