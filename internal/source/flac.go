// ABOUTME: FLAC file source
// ABOUTME: Parses FLAC frames with mewkiz/flac and interleaves the subframes as floats
package source

import (
	"errors"
	"fmt"
	"io"

	"github.com/Resonate-Protocol/resonate-eq/pkg/audio"
	"github.com/mewkiz/flac"
)

// FLAC decodes a FLAC file frame by frame
type FLAC struct {
	stream   *flac.Stream
	title    string
	rate     int
	channels int
	scale    float64
	pending  []float64
	eof      bool
}

// OpenFLAC opens a FLAC file and reads its stream info
func OpenFLAC(path string) (*FLAC, error) {
	s, err := flac.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open FLAC file: %w", err)
	}
	depth := int(s.Info.BitsPerSample)
	if depth < 4 || depth > 32 {
		s.Close()
		return nil, fmt.Errorf("unsupported FLAC bit depth: %d", depth)
	}
	return &FLAC{
		stream:   s,
		title:    titleFromPath(path),
		rate:     int(s.Info.SampleRate),
		channels: int(s.Info.NChannels),
		scale:    float64(int64(1) << (depth - 1)),
	}, nil
}

func (f *FLAC) Read(frames int) (audio.Block, error) {
	want := frames * f.channels
	for len(f.pending) < want && !f.eof {
		fr, err := f.stream.ParseNext()
		if errors.Is(err, io.EOF) {
			f.eof = true
			break
		}
		if err != nil {
			return audio.Block{}, fmt.Errorf("parse FLAC frame: %w", err)
		}
		chans := make([][]int32, len(fr.Subframes))
		for i, sf := range fr.Subframes {
			chans[i] = sf.Samples
		}
		f.pending = appendInterleaved(f.pending, chans, f.scale)
	}

	n := min(want, len(f.pending))
	if n == 0 {
		return audio.Block{}, io.EOF
	}
	samples := make([]float64, n)
	copy(samples, f.pending[:n])
	f.pending = f.pending[:copy(f.pending, f.pending[n:])]
	return audio.NewBlock(samples, f.rate, f.channels), nil
}

// appendInterleaved interleaves per-channel samples onto dst, scaled to ±1
func appendInterleaved(dst []float64, chans [][]int32, scale float64) []float64 {
	if len(chans) == 0 {
		return dst
	}
	frames := len(chans[0])
	for _, c := range chans[1:] {
		frames = min(frames, len(c))
	}
	for i := 0; i < frames; i++ {
		for _, c := range chans {
			dst = append(dst, float64(c[i])/scale)
		}
	}
	return dst
}

func (f *FLAC) SampleRate() int { return f.rate }
func (f *FLAC) Channels() int   { return f.channels }
func (f *FLAC) Title() string   { return f.title }
func (f *FLAC) Close() error    { return f.stream.Close() }
