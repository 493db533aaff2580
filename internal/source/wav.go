// ABOUTME: WAV file source
// ABOUTME: Decodes integer PCM through go-audio/wav and scales it to floats
package source

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Resonate-Protocol/resonate-eq/pkg/audio"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAV reads a PCM WAV file
type WAV struct {
	file     *os.File
	decoder  *wav.Decoder
	title    string
	rate     int
	channels int
	scale    float64
	buf      *goaudio.IntBuffer
}

// OpenWAV opens and validates a WAV file
func OpenWAV(path string) (*WAV, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAV file: %w", err)
	}
	w, err := newWAV(f, titleFromPath(path))
	if err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func newWAV(f *os.File, title string) (*WAV, error) {
	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return nil, errors.New("invalid WAV file")
	}
	if d.WavAudioFormat != 1 {
		return nil, fmt.Errorf("unsupported WAV encoding %d (PCM only)", d.WavAudioFormat)
	}
	depth := int(d.BitDepth)
	if depth != 16 && depth != 24 && depth != 32 {
		return nil, fmt.Errorf("unsupported WAV bit depth: %d", depth)
	}
	if err := d.FwdToPCM(); err != nil {
		return nil, fmt.Errorf("seek to PCM data: %w", err)
	}
	return &WAV{
		file:     f,
		decoder:  d,
		title:    title,
		rate:     int(d.SampleRate),
		channels: int(d.NumChans),
		scale:    float64(int64(1) << (depth - 1)),
	}, nil
}

func (w *WAV) Read(frames int) (audio.Block, error) {
	want := frames * w.channels
	if w.buf == nil || len(w.buf.Data) != want {
		w.buf = &goaudio.IntBuffer{Data: make([]int, want)}
	}
	n, err := w.decoder.PCMBuffer(w.buf)
	if err != nil {
		return audio.Block{}, err
	}
	n -= n % w.channels
	if n == 0 {
		return audio.Block{}, io.EOF
	}
	samples := make([]float64, n)
	for i, v := range w.buf.Data[:n] {
		samples[i] = float64(v) / w.scale
	}
	return audio.NewBlock(samples, w.rate, w.channels), nil
}

func (w *WAV) SampleRate() int { return w.rate }
func (w *WAV) Channels() int   { return w.channels }
func (w *WAV) Title() string   { return w.title }
func (w *WAV) Close() error    { return w.file.Close() }
