// ABOUTME: Tests for paced RTP/RTCP emission
// ABOUTME: Sender report timing and socket retargeting on loopback UDP
package receiver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loopbackPair(t *testing.T) (*net.UDPConn, net.Conn) {
	t.Helper()
	l, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	c, err := net.Dial("udp", l.LocalAddr().String())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return l, c
}

func readRTPPacket(t *testing.T, l *net.UDPConn) *rtp.Packet {
	t.Helper()
	buf := make([]byte, 2048)
	require.NoError(t, l.SetReadDeadline(time.Now().Add(time.Second)))
	n, _, err := l.ReadFrom(buf)
	require.NoError(t, err)
	pkt := &rtp.Packet{}
	require.NoError(t, pkt.Unmarshal(buf[:n]))
	return pkt
}

func readSenderReport(t *testing.T, l *net.UDPConn) *rtcp.SenderReport {
	t.Helper()
	buf := make([]byte, 1500)
	require.NoError(t, l.SetReadDeadline(time.Now().Add(time.Second)))
	n, _, err := l.ReadFrom(buf)
	require.NoError(t, err)
	pkts, err := rtcp.Unmarshal(buf[:n])
	require.NoError(t, err)
	require.Len(t, pkts, 1)
	sr, ok := pkts[0].(*rtcp.SenderReport)
	require.True(t, ok)
	return sr
}

func TestSenderReportUsesLastSentTimestamp(t *testing.T) {
	rtpL, rtpC := loopbackPair(t)
	rtcpL, rtcpC := loopbackPair(t)
	pk := NewPacketizer(PayloadTypeL16, 0xABCD, 10, 1000, 4)
	sender := newRTPSender(rtpC, rtcpC, pk, 48000, 48000)

	// before anything is sent the next cursor is the reference
	require.NoError(t, sender.SendReport(time.Now()))
	assert.Equal(t, uint32(1000), readSenderReport(t, rtcpL).RTPTime)

	_, err := sender.send(context.Background(), make([]byte, 4*500))
	require.NoError(t, err)
	first := readRTPPacket(t, rtpL)
	second := readRTPPacket(t, rtpL)
	assert.Equal(t, uint32(1000), first.Timestamp)
	assert.Equal(t, uint32(1350), second.Timestamp)

	require.NoError(t, sender.SendReport(time.Now()))
	sr := readSenderReport(t, rtcpL)
	assert.Equal(t, uint32(1350), sr.RTPTime)
	assert.Equal(t, uint32(2), sr.PacketCount)
	assert.Equal(t, uint32(0xABCD), sr.SSRC)
}

func TestSenderReportWithoutRTCP(t *testing.T) {
	_, rtpC := loopbackPair(t)
	sender := newRTPSender(rtpC, nil, NewPacketizer(PayloadTypeL16, 1, 0, 0, 4), 48000, 48000)
	assert.NoError(t, sender.SendReport(time.Now()))
}

func TestRetargetKeepsCursors(t *testing.T) {
	oldL, oldC := loopbackPair(t)
	newL, newC := loopbackPair(t)
	pk := NewPacketizer(PayloadTypeL16, 0x1111, 100, 5000, 4)
	sender := newRTPSender(oldC, nil, pk, 48000, 48000)
	ctx := context.Background()

	_, err := sender.send(ctx, make([]byte, 4*100))
	require.NoError(t, err)
	before := readRTPPacket(t, oldL)

	sender.Retarget(newC, nil, 0x2222, true, false)
	_, err = sender.send(ctx, make([]byte, 4*100))
	require.NoError(t, err)
	after := readRTPPacket(t, newL)

	assert.Equal(t, before.SequenceNumber+1, after.SequenceNumber)
	assert.Equal(t, before.Timestamp+100, after.Timestamp)
	assert.Equal(t, uint32(0x2222), after.SSRC)
	assert.True(t, VerifyCRC(after))

	// the old socket is closed
	_, err = oldC.Write([]byte{0})
	assert.Error(t, err)
}
