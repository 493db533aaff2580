// ABOUTME: Sample format conversion and level measurement
// ABOUTME: Converts float64 blocks to on-wire PCM and measures RMS/peak loudness
package audio

import (
	"encoding/binary"
	"math"
)

// SilenceDBFS is reported for blocks with no signal energy
const SilenceDBFS = -120.0

// ConvertFormat appends the block converted to target (little-endian) to out
func ConvertFormat(b Block, target SampleFormat, out []byte) []byte {
	return AppendSamples(out, b.Samples, target, binary.LittleEndian)
}

// AppendSamples appends samples converted to format using the given byte order.
// Out-of-range values are clamped, NaN becomes 0 and ±Inf becomes ±full-scale.
func AppendSamples(out []byte, samples []float64, format SampleFormat, order binary.ByteOrder) []byte {
	bps := format.BytesPerSample()
	if bps == 0 {
		return out
	}
	start := len(out)
	out = grow(out, len(samples)*bps)
	dst := out[start:]

	switch format {
	case FormatF64:
		for i, s := range samples {
			order.PutUint64(dst[i*8:], math.Float64bits(Sanitize(s)))
		}
	case FormatF32:
		for i, s := range samples {
			order.PutUint32(dst[i*4:], math.Float32bits(float32(Sanitize(s))))
		}
	case FormatS24LE:
		bigEndian := order == binary.BigEndian
		for i, s := range samples {
			v := SampleTo24Bit(s)
			if bigEndian {
				dst[i*3] = byte(v >> 16)
				dst[i*3+1] = byte(v >> 8)
				dst[i*3+2] = byte(v)
			} else {
				dst[i*3] = byte(v)
				dst[i*3+1] = byte(v >> 8)
				dst[i*3+2] = byte(v >> 16)
			}
		}
	case FormatS16LE:
		for i, s := range samples {
			order.PutUint16(dst[i*2:], uint16(SampleToInt16(s)))
		}
	}
	return out
}

func grow(b []byte, n int) []byte {
	if cap(b)-len(b) >= n {
		return b[:len(b)+n]
	}
	nb := make([]byte, len(b)+n, 2*cap(b)+n)
	copy(nb, b)
	return nb
}

// Sanitize clamps x to [-1, 1], mapping NaN to 0
func Sanitize(x float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	if x > 1 {
		return 1
	}
	if x < -1 {
		return -1
	}
	return x
}

// SampleToInt16 converts a float sample to 16-bit PCM
func SampleToInt16(x float64) int16 {
	return int16(math.Round(Sanitize(x) * Max16Bit))
}

// SampleTo24Bit converts a float sample to a 24-bit PCM value held in an int32
func SampleTo24Bit(x float64) int32 {
	return int32(math.Round(Sanitize(x) * Max24Bit))
}

// SampleFromInt16 converts 16-bit PCM to float
func SampleFromInt16(s int16) float64 {
	return float64(s) / Max16Bit
}

// SampleFrom24Bit converts 24-bit packed bytes (little-endian) to float
func SampleFrom24Bit(b [3]byte) float64 {
	val := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
	// Sign extend from 24-bit to 32-bit
	if val&0x800000 != 0 {
		val |= ^0xFFFFFF
	}
	return float64(val) / Max24Bit
}

// DecodeSamples converts little-endian PCM bytes back to float samples
func DecodeSamples(data []byte, format SampleFormat) []float64 {
	bps := format.BytesPerSample()
	if bps == 0 {
		return nil
	}
	n := len(data) / bps
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		p := data[i*bps:]
		switch format {
		case FormatF64:
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(p))
		case FormatF32:
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(p)))
		case FormatS24LE:
			out[i] = SampleFrom24Bit([3]byte{p[0], p[1], p[2]})
		case FormatS16LE:
			out[i] = SampleFromInt16(int16(binary.LittleEndian.Uint16(p)))
		}
	}
	return out
}

// CalculateRMSDBFS returns the RMS level of the block in dBFS
func CalculateRMSDBFS(b Block) float64 {
	if len(b.Samples) == 0 {
		return SilenceDBFS
	}
	var sum float64
	for _, s := range b.Samples {
		s = Sanitize(s)
		sum += s * s
	}
	return toDBFS(math.Sqrt(sum / float64(len(b.Samples))))
}

// CalculatePeakDBFS returns the absolute peak of the block in dBFS
func CalculatePeakDBFS(b Block) float64 {
	var peak float64
	for _, s := range b.Samples {
		if math.IsNaN(s) {
			continue
		}
		if a := math.Abs(s); a > peak {
			peak = a
		}
	}
	return toDBFS(peak)
}

func toDBFS(level float64) float64 {
	if level <= 0 {
		return SilenceDBFS
	}
	db := 20 * math.Log10(level)
	if db < SilenceDBFS {
		return SilenceDBFS
	}
	return db
}

// ApplySoftLimiter appends a tanh soft-limited copy of the block to out.
// Samples below the threshold pass unchanged; the result is always within [-1, 1].
func ApplySoftLimiter(b Block, thresholdDB float64, out []float64) []float64 {
	t := math.Pow(10, thresholdDB/20)
	if t >= 1 || math.IsNaN(t) {
		t = 0.999
	}
	knee := 1 - t
	for _, s := range b.Samples {
		if math.IsNaN(s) {
			out = append(out, 0)
			continue
		}
		a := math.Abs(s)
		if a <= t {
			out = append(out, s)
			continue
		}
		var y float64
		if math.IsInf(a, 1) {
			y = 1
		} else {
			y = t + knee*math.Tanh((a-t)/knee)
		}
		if y > 1 {
			y = 1
		}
		out = append(out, math.Copysign(y, s))
	}
	return out
}
