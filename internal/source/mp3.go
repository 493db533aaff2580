// ABOUTME: MP3 file source
// ABOUTME: go-mp3 yields 16-bit little-endian stereo which is scaled to floats
package source

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Resonate-Protocol/resonate-eq/pkg/audio"
	"github.com/hajimehoshi/go-mp3"
)

// mp3Reader is the part of mp3.Decoder the source uses
type mp3Reader interface {
	Read([]byte) (int, error)
	SampleRate() int
}

// MP3 decodes an MP3 file
type MP3 struct {
	closer  io.Closer
	decoder mp3Reader
	title   string
	buf     []byte
}

// OpenMP3 opens an MP3 file
func OpenMP3(path string) (*MP3, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open MP3 file: %w", err)
	}
	d, err := mp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode MP3: %w", err)
	}
	return &MP3{closer: f, decoder: d, title: titleFromPath(path)}, nil
}

func (m *MP3) Read(frames int) (audio.Block, error) {
	need := frames * 2 * 2
	if cap(m.buf) < need {
		m.buf = make([]byte, need)
	}
	m.buf = m.buf[:need]

	n, err := io.ReadFull(m.decoder, m.buf)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = nil
	}
	n -= n % 4
	if n == 0 {
		if err == nil {
			err = io.EOF
		}
		return audio.Block{}, err
	}

	samples := audio.DecodeSamples(m.buf[:n], audio.FormatS16LE)
	return audio.NewBlock(samples, m.decoder.SampleRate(), 2), err
}

func (m *MP3) SampleRate() int { return m.decoder.SampleRate() }
func (m *MP3) Channels() int   { return 2 }
func (m *MP3) Title() string   { return m.title }
func (m *MP3) Close() error    { return m.closer.Close() }
