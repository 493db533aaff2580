// ABOUTME: RTP packetization of PCM for the receiver sink
// ABOUTME: Payload type selection, sequence/timestamp cursors and gapless/CRC32 extensions
package receiver

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/Resonate-Protocol/resonate-eq/pkg/audio"
	"github.com/pion/rtp"
)

// RTP payload types
const (
	PayloadTypeL24 uint8 = 96 // dynamic, big-endian 24-bit
	PayloadTypeL16 uint8 = 97 // dynamic, big-endian 16-bit
	// RFC 3551 static types, 44.1 kHz only
	PayloadTypeL16Stereo uint8 = 10
	PayloadTypeL16Mono   uint8 = 11
)

// One-byte header extension ids
const (
	ExtensionGapless uint8 = 1
	ExtensionCRC32   uint8 = 2
)

const (
	rtpVersion         = 2
	maxPayloadBytes    = 1400
	maxFramesPerPacket = 352
)

// PayloadTypeFor picks the payload type for a stream config
func PayloadTypeFor(cfg audio.OutputConfig) (uint8, error) {
	switch cfg.Format {
	case audio.FormatS24LE:
		return PayloadTypeL24, nil
	case audio.FormatS16LE:
		if cfg.SampleRate == 44100 && cfg.Channels == 2 {
			return PayloadTypeL16Stereo, nil
		}
		if cfg.SampleRate == 44100 && cfg.Channels == 1 {
			return PayloadTypeL16Mono, nil
		}
		return PayloadTypeL16, nil
	}
	return 0, fmt.Errorf("no RTP payload type for %s", cfg.Format)
}

// FramesPerPacket keeps each payload under the MTU budget
func FramesPerPacket(frameBytes int) int {
	if frameBytes <= 0 {
		return maxFramesPerPacket
	}
	n := maxPayloadBytes / frameBytes
	if n > maxFramesPerPacket {
		n = maxFramesPerPacket
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Packetizer splits big-endian PCM into RTP packets
type Packetizer struct {
	payloadType uint8
	ssrc        uint32
	sequence    uint16
	timestamp   uint32
	frameBytes  int
	frames      int

	crc     bool
	gapless bool

	marker   bool
	boundary bool

	packets uint32
	octets  uint32
}

// NewPacketizer starts at the given cursors. The first packet carries the marker bit.
func NewPacketizer(payloadType uint8, ssrc uint32, seq uint16, ts uint32, frameBytes int) *Packetizer {
	return &Packetizer{
		payloadType: payloadType,
		ssrc:        ssrc,
		sequence:    seq,
		timestamp:   ts,
		frameBytes:  frameBytes,
		frames:      FramesPerPacket(frameBytes),
		marker:      true,
	}
}

// EnableExtensions turns on the negotiated header extensions
func (p *Packetizer) EnableExtensions(crc, gapless bool) {
	p.crc = crc
	p.gapless = gapless
}

// Packetize splits data (whole frames) into packets, advancing the cursors
func (p *Packetizer) Packetize(data []byte) ([]*rtp.Packet, error) {
	if len(data)%p.frameBytes != 0 {
		return nil, fmt.Errorf("payload of %d bytes is not whole %d-byte frames", len(data), p.frameBytes)
	}
	chunk := p.frames * p.frameBytes
	packets := make([]*rtp.Packet, 0, (len(data)+chunk-1)/chunk)

	for off := 0; off < len(data); off += chunk {
		end := off + chunk
		if end > len(data) {
			end = len(data)
		}
		payload := data[off:end]

		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        rtpVersion,
				Marker:         p.marker,
				PayloadType:    p.payloadType,
				SequenceNumber: p.sequence,
				Timestamp:      p.timestamp,
				SSRC:           p.ssrc,
			},
			Payload: payload,
		}
		if p.gapless && p.boundary {
			if err := pkt.Header.SetExtension(ExtensionGapless, []byte{1}); err != nil {
				return nil, err
			}
			p.boundary = false
		}
		if p.crc {
			sum := make([]byte, 4)
			binary.BigEndian.PutUint32(sum, crc32.ChecksumIEEE(payload))
			if err := pkt.Header.SetExtension(ExtensionCRC32, sum); err != nil {
				return nil, err
			}
		}

		p.marker = false
		p.sequence++
		p.timestamp += uint32(len(payload) / p.frameBytes)
		p.packets++
		p.octets += uint32(len(payload))
		packets = append(packets, pkt)
	}
	return packets, nil
}

// Resync marks the next packet as a discontinuity
func (p *Packetizer) Resync() { p.marker = true }

// MarkBoundary flags the next packet as the first of a new track
func (p *Packetizer) MarkBoundary() { p.boundary = true }

// SetSSRC replaces the synchronisation source
func (p *Packetizer) SetSSRC(ssrc uint32) { p.ssrc = ssrc }

func (p *Packetizer) SSRC() uint32 { return p.ssrc }

// Cursors returns the sequence number and timestamp of the next packet
func (p *Packetizer) Cursors() (uint16, uint32) { return p.sequence, p.timestamp }

// Counts returns packets and payload octets sent, for sender reports
func (p *Packetizer) Counts() (packets, octets uint32) { return p.packets, p.octets }

// VerifyCRC checks a packet's CRC32 extension against its payload
func VerifyCRC(pkt *rtp.Packet) bool {
	ext := pkt.Header.GetExtension(ExtensionCRC32)
	if len(ext) != 4 {
		return false
	}
	return binary.BigEndian.Uint32(ext) == crc32.ChecksumIEEE(pkt.Payload)
}
