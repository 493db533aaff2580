// ABOUTME: Lock-free counters backing SinkStats
// ABOUTME: Updated from emission goroutines and device callbacks
package output

import (
	"sync/atomic"

	"github.com/Resonate-Protocol/resonate-eq/pkg/audio"
)

// Counters accumulates the rolling stats of a sink
type Counters struct {
	frames    atomic.Uint64
	bytes     atomic.Uint64
	underruns atomic.Uint64
	overruns  atomic.Uint64
}

// AddWritten records frames and bytes delivered downstream
func (c *Counters) AddWritten(frames, bytes int) {
	c.frames.Add(uint64(frames))
	c.bytes.Add(uint64(bytes))
}

func (c *Counters) AddUnderrun() { c.underruns.Add(1) }
func (c *Counters) AddOverrun()  { c.overruns.Add(1) }

// Snapshot returns the counters with the given buffer fill
func (c *Counters) Snapshot(fill float64) audio.SinkStats {
	if fill < 0 {
		fill = 0
	} else if fill > 1 {
		fill = 1
	}
	return audio.SinkStats{
		FramesWritten: c.frames.Load(),
		BytesWritten:  c.bytes.Load(),
		Underruns:     c.underruns.Load(),
		Overruns:      c.overruns.Load(),
		BufferFill:    fill,
	}
}

// Reset zeroes every counter
func (c *Counters) Reset() {
	c.frames.Store(0)
	c.bytes.Store(0)
	c.underruns.Store(0)
	c.overruns.Store(0)
}
