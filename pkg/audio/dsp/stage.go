// ABOUTME: DSP stage contract and mutual-exclusion groups
// ABOUTME: Every chain stage embeds toggle; grouped stages disable their siblings when enabled
package dsp

import (
	"math"
	"sync"
	"sync/atomic"
)

// Stage is one sample processor of the enhancement chain.
// Process works in place on interleaved float64 samples and never allocates.
// A disabled stage leaves the buffer untouched.
type Stage interface {
	Name() string
	SetEnabled(on bool)
	Enabled() bool
	Process(buf []float64)
	Reset()
}

// toggle carries the enabled flag and optional exclusive group of a stage
type toggle struct {
	enabled atomic.Bool
	group   *exclusiveGroup
}

// SetEnabled enables or disables the stage. Enabling a grouped stage
// disables every other member of its group.
func (t *toggle) SetEnabled(on bool) {
	if on && t.group != nil {
		t.group.activate(t)
		return
	}
	t.enabled.Store(on)
}

// Enabled reports whether the stage processes audio
func (t *toggle) Enabled() bool {
	return t.enabled.Load()
}

// exclusiveGroup is a set of stages of which at most one may be enabled
type exclusiveGroup struct {
	name    string
	mu      sync.Mutex
	members []*toggle
}

func newExclusiveGroup(name string, members ...*toggle) *exclusiveGroup {
	g := &exclusiveGroup{name: name, members: members}
	for _, m := range members {
		m.group = g
	}
	return g
}

func (g *exclusiveGroup) activate(t *toggle) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, m := range g.members {
		if m != t {
			m.enabled.Store(false)
		}
	}
	t.enabled.Store(true)
}

func (g *exclusiveGroup) enabledCount() int {
	n := 0
	for _, m := range g.members {
		if m.enabled.Load() {
			n++
		}
	}
	return n
}

func dbToGain(db float64) float64 {
	return math.Pow(10, db/20)
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
