// ABOUTME: Sine tone generator
// ABOUTME: Produces an endless tone on every channel
package source

import (
	"fmt"
	"math"
	"sync"

	"github.com/Resonate-Protocol/resonate-eq/pkg/audio"
)

// Tone generates a sine wave at a fixed amplitude
type Tone struct {
	mu          sync.Mutex
	frequency   float64
	amplitude   float64
	sampleRate  int
	channels    int
	sampleIndex uint64
}

// NewTone creates a tone generator
func NewTone(frequency float64, sampleRate, channels int, amplitude float64) *Tone {
	return &Tone{
		frequency:  frequency,
		amplitude:  amplitude,
		sampleRate: sampleRate,
		channels:   channels,
	}
}

func (t *Tone) Read(frames int) (audio.Block, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	samples := make([]float64, frames*t.channels)
	for i := 0; i < frames; i++ {
		phase := 2 * math.Pi * t.frequency * float64(t.sampleIndex+uint64(i)) / float64(t.sampleRate)
		v := t.amplitude * math.Sin(phase)
		for ch := 0; ch < t.channels; ch++ {
			samples[i*t.channels+ch] = v
		}
	}
	t.sampleIndex += uint64(frames)
	return audio.NewBlock(samples, t.sampleRate, t.channels), nil
}

func (t *Tone) SampleRate() int { return t.sampleRate }
func (t *Tone) Channels() int   { return t.channels }
func (t *Tone) Title() string   { return fmt.Sprintf("%.0fHz tone", t.frequency) }
func (t *Tone) Close() error    { return nil }
