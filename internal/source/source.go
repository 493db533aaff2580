// ABOUTME: Upstream audio sources feeding the output manager
// ABOUTME: Opens a sine tone or a WAV, FLAC or MP3 file and streams it in real time
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Resonate-Protocol/resonate-eq/pkg/audio"
	"github.com/sirupsen/logrus"
)

// Source yields interleaved float blocks
type Source interface {
	// Read returns up to frames frames; io.EOF once exhausted
	Read(frames int) (audio.Block, error)
	SampleRate() int
	Channels() int
	Title() string
	Close() error
}

// Writer consumes blocks, normally the output manager
type Writer interface {
	Write(ctx context.Context, b audio.Block) error
}

// Open resolves input to a source: "tone", "tone:<hz>", or a .wav/.flac/.mp3 path
func Open(input string) (Source, error) {
	if input == "tone" || strings.HasPrefix(input, "tone:") {
		freq := 440.0
		if _, f, ok := strings.Cut(input, ":"); ok {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil || v <= 0 {
				return nil, fmt.Errorf("invalid tone frequency: %q", f)
			}
			freq = v
		}
		return NewTone(freq, 48000, 2, 0.5), nil
	}

	if _, err := os.Stat(input); err != nil {
		return nil, fmt.Errorf("audio file not found: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(input)); ext {
	case ".wav":
		return OpenWAV(input)
	case ".flac":
		return OpenFLAC(input)
	case ".mp3":
		return OpenMP3(input)
	default:
		return nil, fmt.Errorf("unsupported audio format: %s (supported: .wav, .flac, .mp3)", ext)
	}
}

// Stream copies src into w in blocks of blockFrames. With realtime set,
// blocks are paced to the source's sample rate. Returns nil at end of input.
func Stream(ctx context.Context, src Source, w Writer, blockFrames int, realtime bool) error {
	log := logrus.WithField("component", "source")
	if blockFrames <= 0 {
		blockFrames = src.SampleRate() / 100
	}
	period := time.Duration(blockFrames) * time.Second / time.Duration(src.SampleRate())
	log.Infof("Streaming %s: %dHz, %dch", src.Title(), src.SampleRate(), src.Channels())

	var ticker *time.Ticker
	if realtime {
		ticker = time.NewTicker(period)
		defer ticker.Stop()
	}

	var frames int64
	for {
		b, err := src.Read(blockFrames)
		if len(b.Samples) > 0 {
			if werr := w.Write(ctx, b); werr != nil {
				return fmt.Errorf("write block: %w", werr)
			}
			frames += int64(b.Frames())
		}
		if errors.Is(err, io.EOF) {
			log.Infof("Finished %s after %d frames", src.Title(), frames)
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", src.Title(), err)
		}

		if ticker != nil {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func titleFromPath(path string) string {
	name := filepath.Base(path)
	return strings.TrimSuffix(name, filepath.Ext(name))
}
