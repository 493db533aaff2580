// ABOUTME: RTCP sender reports for the receiver sink
// ABOUTME: NTP timestamp conversion and SenderReport marshalling
package receiver

import (
	"time"

	"github.com/pion/rtcp"
)

// ntpEpochOffset is the number of seconds from 1900-01-01 to 1970-01-01
const ntpEpochOffset = 2208988800

// NTPTime converts t to the 64-bit NTP format
func NTPTime(t time.Time) uint64 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := (uint64(t.Nanosecond()) << 32) / 1e9
	return secs<<32 | frac
}

// senderReport marshals an RTCP SR for the current stream position
func senderReport(ssrc uint32, now time.Time, rtpTime, packets, octets uint32) ([]byte, error) {
	return rtcp.Marshal([]rtcp.Packet{&rtcp.SenderReport{
		SSRC:        ssrc,
		NTPTime:     NTPTime(now),
		RTPTime:     rtpTime,
		PacketCount: packets,
		OctetCount:  octets,
	}})
}
