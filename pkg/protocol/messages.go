// ABOUTME: Receiver control-channel message type definitions
// ABOUTME: Defines the JSON envelope and payloads exchanged with network receivers
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the control protocol version this client speaks
const Version = "0.4"

// Message types
const (
	TypeHello         = "hello"
	TypeSessionInit   = "session/init"
	TypeSessionAccept = "session/accept"
	TypeSessionResync = "session/resync"
	TypePlay          = "play"
	TypePause         = "pause"
	TypeVolume        = "volume"
	TypeClockTime     = "clock/time"
	TypeHealth        = "health"
	TypeTeardown      = "teardown"
	TypeAck           = "ack"
	TypeError         = "error"
)

// Message is the top-level wrapper for all control messages. Requests and
// their replies share an ID; unsolicited receiver messages carry none.
type Message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage encodes payload into a Message
func NewMessage(msgType, id string, payload interface{}) (Message, error) {
	msg := Message{Type: msgType, ID: id}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("encode %s: %w", msgType, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

// Decode unmarshals the payload into v
func (m Message) Decode(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s: %w", m.Type, err)
	}
	return nil
}

// FeatureSet splits features into those required and those merely offered
type FeatureSet struct {
	Supported []string `json:"supported"`
	Optional  []string `json:"optional,omitempty"`
}

// Hello is exchanged in both directions when the channel opens
type Hello struct {
	Version  string     `json:"version"`
	Name     string     `json:"name"`
	ClientID string     `json:"client_id,omitempty"`
	Model    string     `json:"model,omitempty"`
	Features FeatureSet `json:"features"`
}

// SessionInit announces the stream parameters
type SessionInit struct {
	Format      string   `json:"format"`
	SampleRate  int      `json:"sample_rate"`
	Channels    int      `json:"channels"`
	PayloadType uint8    `json:"payload_type"`
	BufferMs    int      `json:"buffer_ms"`
	ClockSource string   `json:"clock_source"`
	SSRC        uint32   `json:"ssrc"`
	Features    []string `json:"features"`
	VolumeCurve string   `json:"volume_curve,omitempty"`
}

// SessionAccept carries the resources the receiver assigned
type SessionAccept struct {
	SessionID string   `json:"session_id"`
	RTPPort   int      `json:"rtp_port"`
	RTCPPort  int      `json:"rtcp_port,omitempty"`
	BufferMs  int      `json:"buffer_ms,omitempty"`
	Accepted  []string `json:"accepted"`
	Refused   []string `json:"refused,omitempty"`
}

// Resync tells the receiver where the stream continues
type Resync struct {
	Sequence  uint16 `json:"sequence"`
	Timestamp uint32 `json:"timestamp"`
	Reason    string `json:"reason,omitempty"`
}

// VolumeSet is a remote volume action
type VolumeSet struct {
	Value float64 `json:"value"`
	Curve string  `json:"curve"`
}

// ClockTime is an NTP-style exchange. The client fills T1 (transmit);
// the receiver echoes it and adds T2 (receive) and T3 (transmit).
// All values are microseconds.
type ClockTime struct {
	T1 int64 `json:"t1"`
	T2 int64 `json:"t2,omitempty"`
	T3 int64 `json:"t3,omitempty"`
}

// Health is the receiver's periodic status report
type Health struct {
	Connection      string  `json:"connection"`
	Playback        string  `json:"playback"`
	BufferMs        int     `json:"buffer_ms"`
	DriftPPM        float64 `json:"drift_ppm"`
	PacketsReceived uint64  `json:"packets_received"`
	PacketsLost     uint64  `json:"packets_lost"`
	LastError       string  `json:"last_error,omitempty"`
}

// Teardown ends the session
type Teardown struct {
	Reason string `json:"reason"` // "shutdown", "user_request", "error"
}

// ErrorPayload is sent as an error reply or as an unsolicited error
type ErrorPayload struct {
	Code    string `json:"code"` // catalogue code, e.g. "E201"
	Message string `json:"message,omitempty"`
	Feature string `json:"feature,omitempty"`
}
