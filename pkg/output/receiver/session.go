// ABOUTME: Receiver session state machine
// ABOUTME: Tracks state, SSRC, RTP cursors, active features and the last error
package receiver

import (
	"fmt"
	"sync"
)

// State is the session state
type State int

const (
	StateDisconnected State = iota
	StateIdle
	StateNegotiating
	StateBuffering
	StatePlaying
	StatePaused
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateBuffering:
		return "buffering"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Event drives a state transition
type Event int

const (
	EventControlOpen Event = iota
	EventSessionAccepted
	EventFramesQueued
	EventBufferReady
	EventPause
	EventPlay
	EventFatal
	EventClose
)

func (e Event) String() string {
	switch e {
	case EventControlOpen:
		return "control open"
	case EventSessionAccepted:
		return "session accepted"
	case EventFramesQueued:
		return "frames queued"
	case EventBufferReady:
		return "buffer ready"
	case EventPause:
		return "pause"
	case EventPlay:
		return "play"
	case EventFatal:
		return "fatal error"
	case EventClose:
		return "close"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

type transition struct {
	from  State
	event Event
}

var transitions = map[transition]State{
	{StateDisconnected, EventControlOpen}: StateIdle,
	{StateIdle, EventSessionAccepted}:     StateNegotiating,
	{StateNegotiating, EventFramesQueued}: StateBuffering,
	{StateBuffering, EventBufferReady}:    StatePlaying,
	{StatePlaying, EventPause}:            StatePaused,
	{StateBuffering, EventPause}:          StatePaused,
	{StatePaused, EventPlay}:              StatePlaying,
}

// InvalidTransitionError is returned for an event the current state does not accept
type InvalidTransitionError struct {
	From  State
	Event Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid session transition: %s on %s", e.Event, e.From)
}

// Session is the negotiated relationship with one receiver
type Session struct {
	mu        sync.RWMutex
	state     State
	id        string
	ssrc      uint32
	sequence  uint16
	timestamp uint32
	features  Features
	lastError *Error
	observers []func(from, to State)
}

func NewSession() *Session {
	return &Session{features: make(Features)}
}

// Fire applies an event. Fatal moves any state to Error; close moves any
// state to Disconnected. Error is only left by close.
func (s *Session) Fire(ev Event) (State, error) {
	s.mu.Lock()
	from := s.state
	var to State
	switch ev {
	case EventFatal:
		to = StateError
	case EventClose:
		to = StateDisconnected
	default:
		next, ok := transitions[transition{from, ev}]
		if !ok {
			s.mu.Unlock()
			return from, &InvalidTransitionError{From: from, Event: ev}
		}
		to = next
	}
	s.state = to
	observers := s.observers
	s.mu.Unlock()

	if from != to {
		for _, fn := range observers {
			fn(from, to)
		}
	}
	return to, nil
}

// Fail records err and, when fatal, moves the session to Error
func (s *Session) Fail(err *Error) State {
	s.mu.Lock()
	s.lastError = err
	s.mu.Unlock()
	if err.Fatal() {
		st, _ := s.Fire(EventFatal)
		return st
	}
	return s.State()
}

// OnTransition registers fn to run after every state change
func (s *Session) OnTransition(fn func(from, to State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Reset clears negotiated data for a new session, keeping observers
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = ""
	s.ssrc = 0
	s.sequence = 0
	s.timestamp = 0
	s.features = make(Features)
	s.lastError = nil
}

func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

func (s *Session) SSRC() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ssrc
}

func (s *Session) Features() Features {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.features.Without()
}

func (s *Session) LastError() *Error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

// Cursors returns the next RTP sequence number and timestamp
func (s *Session) Cursors() (uint16, uint32) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sequence, s.timestamp
}

func (s *Session) setNegotiated(id string, ssrc uint32, features Features) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
	s.ssrc = ssrc
	s.features = features
}

func (s *Session) setCursors(seq uint16, ts uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequence = seq
	s.timestamp = ts
}
