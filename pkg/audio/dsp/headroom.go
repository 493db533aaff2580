// ABOUTME: Headroom and clip-detection prelude stage
// ABOUTME: Applies a fixed gain ahead of the chain and counts/clamps samples above full scale
package dsp

import (
	"math"
	"sync/atomic"
)

// Headroom scales the signal by 10^(dB/20) and, with clip detection on,
// counts and hard-clamps samples that exceed full scale.
type Headroom struct {
	toggle
	gainDB         float64
	eqPeakGainDB   float64
	autoCompensate bool
	clipDetect     bool
	gain           float64
	clipCount      atomic.Uint64
}

// NewHeadroom creates an enabled headroom stage
func NewHeadroom(gainDB float64, clipDetect bool) *Headroom {
	h := &Headroom{gainDB: gainDB, clipDetect: clipDetect}
	h.updateGain()
	h.enabled.Store(true)
	return h
}

func (h *Headroom) Name() string { return StageHeadroom }

// SetGainDB sets the headroom gain (normally <= 0)
func (h *Headroom) SetGainDB(db float64) {
	h.gainDB = db
	h.updateGain()
}

// SetClipDetection toggles clip counting and clamping
func (h *Headroom) SetClipDetection(on bool) { h.clipDetect = on }

// SetAutoCompensate makes the stage absorb the upstream EQ peak boost
func (h *Headroom) SetAutoCompensate(on bool) {
	h.autoCompensate = on
	h.updateGain()
}

// SetEQPeakGain records the largest boost applied by the upstream EQ
func (h *Headroom) SetEQPeakGain(db float64) {
	h.eqPeakGainDB = db
	h.updateGain()
}

// EffectiveGainDB returns the gain actually applied
func (h *Headroom) EffectiveGainDB() float64 {
	db := h.gainDB
	if h.autoCompensate && h.eqPeakGainDB > 0 && -h.eqPeakGainDB < db {
		db = -h.eqPeakGainDB
	}
	return db
}

func (h *Headroom) updateGain() {
	h.gain = dbToGain(h.EffectiveGainDB())
}

// ClipCount returns the number of samples found above full scale
func (h *Headroom) ClipCount() uint64 { return h.clipCount.Load() }

func (h *Headroom) Process(buf []float64) {
	if !h.Enabled() {
		return
	}
	var clipped uint64
	for i, x := range buf {
		x *= h.gain
		if h.clipDetect && math.Abs(x) > 1 {
			clipped++
			x = clamp(x, -1, 1)
		}
		buf[i] = x
	}
	if clipped > 0 {
		h.clipCount.Add(clipped)
	}
}

// Reset is a no-op; the clip counter is a metric, not filter state.
func (h *Headroom) Reset() {}
