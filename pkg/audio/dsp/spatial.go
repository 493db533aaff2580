// ABOUTME: Spatial processors: stereo width, crossfeed and room ambience
// ABOUTME: These stack freely; width and crossfeed only act on stereo input
package dsp

import "math"

// StereoWidth scales the side component of a mid/side decomposition
type StereoWidth struct {
	toggle
	width    float64
	channels int
}

func NewStereoWidth(channels int) *StereoWidth {
	return &StereoWidth{width: 1.5, channels: channels}
}

func (s *StereoWidth) Name() string           { return StageStereoWidth }
func (s *StereoWidth) SetWidth(width float64) { s.width = width }

func (s *StereoWidth) Process(buf []float64) {
	if !s.Enabled() || s.channels != 2 {
		return
	}
	for i := 0; i+1 < len(buf); i += 2 {
		mid := (buf[i] + buf[i+1]) / 2
		side := (buf[i] - buf[i+1]) / 2 * s.width
		buf[i] = mid + side
		buf[i+1] = mid - side
	}
}

func (s *StereoWidth) Reset() {}

// Crossfeed bleeds a low-passed copy of each channel into the opposite ear
type Crossfeed struct {
	toggle
	mix      float64
	channels int
	lpLeft   float64 // filtered right channel, fed to the left ear
	lpRight  float64
}

const crossfeedAlpha = 0.85

func NewCrossfeed(channels int) *Crossfeed {
	return &Crossfeed{mix: 0.6, channels: channels}
}

func (s *Crossfeed) Name() string       { return StageCrossfeed }
func (s *Crossfeed) SetMix(mix float64) { s.mix = mix }

func (s *Crossfeed) Process(buf []float64) {
	if !s.Enabled() || s.channels != 2 {
		return
	}
	amount := 0.3 * s.mix
	for i := 0; i+1 < len(buf); i += 2 {
		l, r := buf[i], buf[i+1]
		s.lpLeft = crossfeedAlpha*s.lpLeft + (1-crossfeedAlpha)*r
		s.lpRight = crossfeedAlpha*s.lpRight + (1-crossfeedAlpha)*l
		buf[i] = l + amount*s.lpLeft
		buf[i+1] = r + amount*s.lpRight
	}
}

func (s *Crossfeed) Reset() {
	s.lpLeft = 0
	s.lpRight = 0
}

// RoomAmbience mixes four parallel feed-forward delay taps into the signal
type RoomAmbience struct {
	toggle
	mix      float64
	channels int
	taps     [4]int
	lines    [][]float64
	pos      int
}

var (
	ambienceDelaysMs = [4]float64{5, 7, 11, 13}
	ambienceGains    = [4]float64{0.4, 0.3, 0.2, 0.15}
)

func NewRoomAmbience(sampleRate, channels int) *RoomAmbience {
	s := &RoomAmbience{mix: 0.15, channels: channels}
	longest := 0
	for i, ms := range ambienceDelaysMs {
		s.taps[i] = int(math.Round(ms * float64(sampleRate) / 1000))
		if s.taps[i] < 1 {
			s.taps[i] = 1
		}
		if s.taps[i] > longest {
			longest = s.taps[i]
		}
	}
	s.lines = make([][]float64, channels)
	for ch := range s.lines {
		s.lines[ch] = make([]float64, longest+1)
	}
	return s
}

func (s *RoomAmbience) Name() string       { return StageRoomAmbience }
func (s *RoomAmbience) SetMix(mix float64) { s.mix = clamp(mix, 0, 1) }

func (s *RoomAmbience) Process(buf []float64) {
	if !s.Enabled() {
		return
	}
	size := len(s.lines[0])
	for f := 0; f+s.channels <= len(buf); f += s.channels {
		for ch := 0; ch < s.channels; ch++ {
			line := s.lines[ch]
			x := buf[f+ch]
			line[s.pos] = x
			var wet float64
			for t, d := range s.taps {
				wet += ambienceGains[t] * line[(s.pos-d+size)%size]
			}
			buf[f+ch] = (1-s.mix)*x + s.mix*wet
		}
		s.pos = (s.pos + 1) % size
	}
}

func (s *RoomAmbience) Reset() {
	for _, line := range s.lines {
		for i := range line {
			line[i] = 0
		}
	}
	s.pos = 0
}
