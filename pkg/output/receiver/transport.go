// ABOUTME: Paced RTP/RTCP emission over UDP
// ABOUTME: Sends a prefill burst up to the target buffer, then paces to the media clock
package receiver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// rtpSender owns the UDP sockets of one session
type rtpSender struct {
	mu         sync.Mutex
	rtp        net.Conn
	rtcp       net.Conn
	pk         *Packetizer
	sampleRate int
	prefill    uint64

	start       time.Time
	sentFrames  uint64 // since the last resync, for pacing
	totalFrames uint64
	lastTS      uint32
	sentAny     bool
	buf         []byte
}

func newRTPSender(rtpConn, rtcpConn net.Conn, pk *Packetizer, sampleRate, prefillFrames int) *rtpSender {
	return &rtpSender{
		rtp:        rtpConn,
		rtcp:       rtcpConn,
		pk:         pk,
		sampleRate: sampleRate,
		prefill:    uint64(prefillFrames),
		buf:        make([]byte, 0, maxPayloadBytes+64),
	}
}

// send packetizes data and writes it out, sleeping once the receiver
// holds a full buffer so that emission tracks real time. Returns the
// number of packets that could not be written.
func (s *rtpSender) send(ctx context.Context, data []byte) (dropped int, err error) {
	s.mu.Lock()
	packets, err := s.pk.Packetize(data)
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}

	for _, pkt := range packets {
		if err := s.pace(ctx); err != nil {
			return dropped, err
		}

		s.mu.Lock()
		size := pkt.MarshalSize()
		if size > cap(s.buf) {
			s.buf = make([]byte, 0, size)
		}
		s.buf = s.buf[:size]
		n, merr := pkt.MarshalTo(s.buf)
		if merr != nil {
			s.mu.Unlock()
			return dropped, fmt.Errorf("marshal rtp: %w", merr)
		}
		_, werr := s.rtp.Write(s.buf[:n])
		s.lastTS, s.sentAny = pkt.Timestamp, true
		if s.start.IsZero() {
			s.start = time.Now()
		}
		frames := uint64(len(pkt.Payload) / s.pk.frameBytes)
		s.sentFrames += frames
		s.totalFrames += frames
		s.mu.Unlock()

		if werr != nil {
			dropped++
		}
	}
	return dropped, nil
}

// pace waits until the next packet is due
func (s *rtpSender) pace(ctx context.Context) error {
	s.mu.Lock()
	sent, start := s.sentFrames, s.start
	s.mu.Unlock()

	if start.IsZero() || sent < s.prefill {
		return nil
	}
	due := start.Add(time.Duration(float64(sent-s.prefill) / float64(s.sampleRate) * float64(time.Second)))
	wait := time.Until(due)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SentFrames returns frames emitted since the session started
func (s *rtpSender) SentFrames() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalFrames
}

// Cursors returns the next sequence number and timestamp
func (s *rtpSender) Cursors() (uint16, uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pk.Cursors()
}

// Resync flags a discontinuity and restarts pacing from a fresh prefill
func (s *rtpSender) Resync() (uint16, uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pk.Resync()
	s.start = time.Time{}
	s.sentFrames = 0
	return s.pk.Cursors()
}

// MarkBoundary flags the next packet as a track start
func (s *rtpSender) MarkBoundary() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pk.MarkBoundary()
}

// SendReport writes an RTCP sender report when an RTCP socket is open.
// The RTP time is that of the last packet sent.
func (s *rtpSender) SendReport(now time.Time) error {
	s.mu.Lock()
	conn := s.rtcp
	_, ts := s.pk.Cursors()
	if s.sentAny {
		ts = s.lastTS
	}
	packets, octets := s.pk.Counts()
	ssrc := s.pk.SSRC()
	s.mu.Unlock()
	if conn == nil {
		return nil
	}

	data, err := senderReport(ssrc, now, ts, packets, octets)
	if err != nil {
		return err
	}
	_, err = conn.Write(data)
	return err
}

// Retarget swaps in the sockets and SSRC of a renegotiated session,
// keeping the sequence and timestamp cursors
func (s *rtpSender) Retarget(rtpConn, rtcpConn net.Conn, ssrc uint32, crc, gapless bool) {
	s.mu.Lock()
	oldRTP, oldRTCP := s.rtp, s.rtcp
	s.rtp, s.rtcp = rtpConn, rtcpConn
	s.pk.SetSSRC(ssrc)
	s.pk.EnableExtensions(crc, gapless)
	s.mu.Unlock()

	oldRTP.Close()
	if oldRTCP != nil {
		oldRTCP.Close()
	}
}

func (s *rtpSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	if err := s.rtp.Close(); err != nil {
		first = err
	}
	if s.rtcp != nil {
		if err := s.rtcp.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
