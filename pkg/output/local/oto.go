// ABOUTME: Oto-based playback device
// ABOUTME: Streams PCM into a persistent oto player through a pipe
package local

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Resonate-Protocol/resonate-eq/pkg/audio"
	"github.com/ebitengine/oto/v3"
	"github.com/sirupsen/logrus"
)

// oto allows one context per process, so it is shared across opens
var (
	otoMu     sync.Mutex
	otoShared *oto.Context
	otoShape  audio.OutputConfig
)

// Oto plays through the oto library (shared mode, default device only)
type Oto struct {
	player      *oto.Player
	pipeReader  *io.PipeReader
	pipeWriter  *io.PipeWriter
	bufferBytes int
}

// NewOto creates a new oto device
func NewOto() *Oto {
	return &Oto{}
}

// Open initializes the shared oto context and starts a player
func (o *Oto) Open(cfg audio.OutputConfig, name string, onUnderrun func()) error {
	if name != "" {
		return fmt.Errorf("oto cannot select device %q", name)
	}
	if cfg.Exclusive {
		return fmt.Errorf("oto does not support exclusive mode")
	}

	var format oto.Format
	switch cfg.Format {
	case audio.FormatS16LE:
		format = oto.FormatSignedInt16LE
	case audio.FormatF32:
		format = oto.FormatFloat32LE
	default:
		return fmt.Errorf("unsupported format: %s (supported: S16LE, F32)", cfg.Format)
	}

	otoMu.Lock()
	defer otoMu.Unlock()

	if otoShared == nil {
		op := &oto.NewContextOptions{
			SampleRate:   cfg.SampleRate,
			ChannelCount: cfg.Channels,
			Format:       format,
			BufferSize:   time.Duration(cfg.BufferMs) * time.Millisecond,
		}
		ctx, readyChan, err := oto.NewContext(op)
		if err != nil {
			return fmt.Errorf("failed to create oto context: %w", err)
		}
		<-readyChan
		otoShared = ctx
		otoShape = cfg
	} else {
		if otoShape.SampleRate != cfg.SampleRate || otoShape.Channels != cfg.Channels || otoShape.Format != cfg.Format {
			return fmt.Errorf("oto is already running at %s and cannot be reinitialized", otoShape)
		}
		if err := otoShared.Resume(); err != nil {
			return fmt.Errorf("failed to resume oto context: %w", err)
		}
	}

	o.pipeReader, o.pipeWriter = io.Pipe()
	o.player = otoShared.NewPlayer(o.pipeReader)
	o.player.Play()
	o.bufferBytes = max(cfg.BufferBytes(), 1)

	logrus.WithField("component", "local").Infof("Audio output initialized: %s (oto)", cfg)
	return nil
}

// Write blocks until the player has read data from the pipe
func (o *Oto) Write(ctx context.Context, data []byte) error {
	stop := context.AfterFunc(ctx, func() {
		o.pipeWriter.CloseWithError(ctx.Err())
	})
	defer stop()

	if _, err := o.pipeWriter.Write(data); err != nil {
		return fmt.Errorf("pipe write failed: %w", err)
	}
	return nil
}

// Drain waits for the player buffer to empty
func (o *Oto) Drain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for o.player.BufferedSize() > 0 {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close releases the player and suspends the shared context
func (o *Oto) Close() error {
	if o.pipeWriter != nil {
		o.pipeWriter.Close()
		o.pipeWriter = nil
	}
	if o.player != nil {
		o.player.Close()
		o.player = nil
	}
	if o.pipeReader != nil {
		o.pipeReader.Close()
		o.pipeReader = nil
	}

	otoMu.Lock()
	defer otoMu.Unlock()
	if otoShared != nil {
		return otoShared.Suspend()
	}
	return nil
}

func (o *Oto) Fill() float64 {
	if o.player == nil {
		return 0
	}
	return float64(o.player.BufferedSize()) / float64(o.bufferBytes)
}

func (o *Oto) LatencyMs() int { return 0 }
