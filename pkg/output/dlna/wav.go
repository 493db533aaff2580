// ABOUTME: WAV envelope for an unbounded PCM stream
// ABOUTME: RIFF/fmt/data header whose length fields are set to the maximum
package dlna

import (
	"encoding/binary"
	"fmt"

	"github.com/Resonate-Protocol/resonate-eq/pkg/audio"
)

// WAVHeaderSize is the size of the canonical RIFF/WAVE header
const WAVHeaderSize = 44

const (
	wavFormatPCM = 1
	// unknownLength marks the stream as open-ended
	unknownLength = 0xFFFFFFFF
)

// WAVHeader returns a 44-byte header for an endless PCM stream
func WAVHeader(cfg audio.OutputConfig) ([]byte, error) {
	if cfg.Format.IsFloat() {
		return nil, fmt.Errorf("wav stream supports integer PCM only, got %s", cfg.Format)
	}
	bps := cfg.Format.BytesPerSample()
	blockAlign := cfg.Channels * bps

	h := make([]byte, WAVHeaderSize)
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], unknownLength)
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(h[22:24], uint16(cfg.Channels))
	binary.LittleEndian.PutUint32(h[24:28], uint32(cfg.SampleRate))
	binary.LittleEndian.PutUint32(h[28:32], uint32(cfg.SampleRate*blockAlign))
	binary.LittleEndian.PutUint16(h[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(h[34:36], uint16(cfg.Format.BitDepth()))
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], unknownLength-36)
	return h, nil
}
