// ABOUTME: Tests for RTP packetization and RTCP sender reports
// ABOUTME: Covers payload types, cursor wraparound, markers and header extensions
package receiver

import (
	"testing"
	"time"

	"github.com/Resonate-Protocol/resonate-eq/pkg/audio"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadTypeFor(t *testing.T) {
	tests := []struct {
		rate, channels int
		format         audio.SampleFormat
		want           uint8
	}{
		{44100, 2, audio.FormatS16LE, PayloadTypeL16Stereo},
		{44100, 1, audio.FormatS16LE, PayloadTypeL16Mono},
		{48000, 2, audio.FormatS16LE, PayloadTypeL16},
		{48000, 2, audio.FormatS24LE, PayloadTypeL24},
		{44100, 2, audio.FormatS24LE, PayloadTypeL24},
	}
	for _, tt := range tests {
		pt, err := PayloadTypeFor(audio.OutputConfig{SampleRate: tt.rate, Channels: tt.channels, Format: tt.format})
		require.NoError(t, err)
		assert.Equal(t, tt.want, pt, "%d/%d/%s", tt.rate, tt.channels, tt.format)
	}

	_, err := PayloadTypeFor(audio.OutputConfig{SampleRate: 48000, Channels: 2, Format: audio.FormatF32})
	assert.Error(t, err)
}

func TestFramesPerPacket(t *testing.T) {
	assert.Equal(t, 350, FramesPerPacket(4))
	assert.Equal(t, 233, FramesPerPacket(6))
	assert.Equal(t, 352, FramesPerPacket(2))
	assert.Equal(t, 1, FramesPerPacket(4096))
}

func TestPacketizerCursors(t *testing.T) {
	pk := NewPacketizer(PayloadTypeL16, 0xCAFEBABE, 65534, 0xFFFFFF00, 4)

	pkts, err := pk.Packetize(make([]byte, 4*800))
	require.NoError(t, err)
	require.Len(t, pkts, 3)

	assert.Equal(t, []uint16{65534, 65535, 0}, []uint16{
		pkts[0].SequenceNumber, pkts[1].SequenceNumber, pkts[2].SequenceNumber,
	})
	assert.Equal(t, uint32(0xFFFFFF00), pkts[0].Timestamp)
	assert.Equal(t, uint32(0x0000005E), pkts[1].Timestamp)
	assert.Equal(t, uint32(0x000001BC), pkts[2].Timestamp)
	assert.Len(t, pkts[2].Payload, 100*4)

	assert.True(t, pkts[0].Marker)
	assert.False(t, pkts[1].Marker)
	assert.False(t, pkts[2].Marker)
	for _, p := range pkts {
		assert.Equal(t, uint8(2), p.Version)
		assert.Equal(t, uint32(0xCAFEBABE), p.SSRC)
		assert.False(t, p.Extension)
	}

	seq, ts := pk.Cursors()
	assert.Equal(t, uint16(1), seq)
	assert.Equal(t, uint32(0x00000220), ts)
	packets, octets := pk.Counts()
	assert.Equal(t, uint32(3), packets)
	assert.Equal(t, uint32(3200), octets)
}

func TestPacketizerRejectsPartialFrames(t *testing.T) {
	pk := NewPacketizer(PayloadTypeL24, 1, 0, 0, 6)
	_, err := pk.Packetize(make([]byte, 10))
	assert.Error(t, err)
}

func TestPacketizerResyncSetsMarker(t *testing.T) {
	pk := NewPacketizer(PayloadTypeL16, 1, 0, 0, 4)
	_, err := pk.Packetize(make([]byte, 40))
	require.NoError(t, err)

	pk.Resync()
	pkts, err := pk.Packetize(make([]byte, 40))
	require.NoError(t, err)
	require.Len(t, pkts, 1)
	assert.True(t, pkts[0].Marker)
	assert.Equal(t, uint16(1), pkts[0].SequenceNumber)
	assert.Equal(t, uint32(10), pkts[0].Timestamp)
}

func TestPacketizerExtensions(t *testing.T) {
	pk := NewPacketizer(PayloadTypeL16, 1, 0, 0, 4)
	pk.EnableExtensions(true, true)
	pk.MarkBoundary()

	payload := make([]byte, 4*400)
	for i := range payload {
		payload[i] = byte(i)
	}
	pkts, err := pk.Packetize(payload)
	require.NoError(t, err)
	require.Len(t, pkts, 2)

	assert.Equal(t, []byte{1}, pkts[0].Header.GetExtension(ExtensionGapless))
	assert.Nil(t, pkts[1].Header.GetExtension(ExtensionGapless))
	for _, p := range pkts {
		assert.True(t, p.Extension)
		assert.True(t, VerifyCRC(p))
	}

	// round trip through the wire format
	raw, err := pkts[1].Marshal()
	require.NoError(t, err)
	decoded := &rtp.Packet{}
	require.NoError(t, decoded.Unmarshal(raw))
	assert.True(t, VerifyCRC(decoded))

	decoded.Payload[0] ^= 0xFF
	assert.False(t, VerifyCRC(decoded))
}

func TestNTPTime(t *testing.T) {
	assert.Equal(t, uint64(ntpEpochOffset)<<32, NTPTime(time.Unix(0, 0)))
	assert.Equal(t, uint64(ntpEpochOffset+1)<<32|1<<31, NTPTime(time.Unix(1, 500_000_000)))
}

func TestSenderReport(t *testing.T) {
	now := time.Unix(1700000000, 0)
	data, err := senderReport(0x1234, now, 48000, 10, 14000)
	require.NoError(t, err)

	pkts, err := rtcp.Unmarshal(data)
	require.NoError(t, err)
	require.Len(t, pkts, 1)
	sr, ok := pkts[0].(*rtcp.SenderReport)
	require.True(t, ok)
	assert.Equal(t, uint32(0x1234), sr.SSRC)
	assert.Equal(t, NTPTime(now), sr.NTPTime)
	assert.Equal(t, uint32(48000), sr.RTPTime)
	assert.Equal(t, uint32(10), sr.PacketCount)
	assert.Equal(t, uint32(14000), sr.OctetCount)
}
