package models

import (
	"fmt"
	"strings"
	"time"
)

// SessionState tracks a stream session along its lifecycle. Transitions are
// validated by CanTransition and applied exclusively by the stream registry.
type SessionState string

const (
	StateCreated   SessionState = "created"
	StateBinding   SessionState = "binding"
	StateStarting  SessionState = "starting"
	StateActive    SessionState = "active"
	StateGoingLive SessionState = "going_live"
	StateLive      SessionState = "live"
	StateStopping  SessionState = "stopping"
	StateStopped   SessionState = "stopped"
	StateFailed    SessionState = "failed"
)

var sessionTransitions = map[SessionState][]SessionState{
	StateCreated:   {StateBinding},
	StateBinding:   {StateStarting},
	StateStarting:  {StateActive},
	StateActive:    {StateGoingLive, StateStopping},
	StateGoingLive: {StateLive},
	StateLive:      {StateStopping},
	StateStopping:  {StateStopped},
}

// Terminal reports whether the state admits no further transitions.
func (s SessionState) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// CanTransition reports whether moving from s to next is allowed. Failed is
// reachable from every non-terminal state; all other edges follow the
// lifecycle graph.
func (s SessionState) CanTransition(next SessionState) bool {
	if s.Terminal() {
		return false
	}
	if next == StateFailed {
		return true
	}
	for _, allowed := range sessionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ParseSessionState converts a stored status string back into a SessionState.
func ParseSessionState(value string) (SessionState, error) {
	state := SessionState(strings.ToLower(strings.TrimSpace(value)))
	switch state {
	case StateCreated, StateBinding, StateStarting, StateActive,
		StateGoingLive, StateLive, StateStopping, StateStopped, StateFailed:
		return state, nil
	}
	return "", fmt.Errorf("unknown session state %q", value)
}

// StreamSession is the unit of work: one source video rebroadcast as one
// remote live broadcast. The registry owns the record; the supervisor and
// binder refer to it by ID only.
type StreamSession struct {
	ID              string       `json:"id"`
	VideoPath       string       `json:"videoPath"`
	Title           string       `json:"title"`
	State           SessionState `json:"state"`
	BroadcastID     string       `json:"broadcastId,omitempty"`
	IngestStreamID  string       `json:"ingestStreamId,omitempty"`
	IngestURL       string       `json:"ingestUrl,omitempty"`
	IngestKey       string       `json:"-"`
	EncoderActive   bool         `json:"encoderActive"`
	FailureReason   string       `json:"failureReason,omitempty"`
	StartedAt       time.Time    `json:"startedAt"`
	EndedAt         *time.Time   `json:"endedAt,omitempty"`
	LastOutputLine  string       `json:"lastOutputLine,omitempty"`
	ProcessExitCode *int         `json:"processExitCode,omitempty"`
}

// Clone returns a copy safe to hand to readers outside the registry lock.
func (s StreamSession) Clone() StreamSession {
	clone := s
	if s.EndedAt != nil {
		ended := *s.EndedAt
		clone.EndedAt = &ended
	}
	if s.ProcessExitCode != nil {
		code := *s.ProcessExitCode
		clone.ProcessExitCode = &code
	}
	return clone
}

// BroadcastBinding captures the remote-service side of a session once the
// handshake has bound the ingest stream to the broadcast.
type BroadcastBinding struct {
	BroadcastID    string    `json:"broadcastId"`
	IngestStreamID string    `json:"ingestStreamId"`
	IngestURL      string    `json:"ingestUrl"`
	IngestKey      string    `json:"-"`
	PrivacyStatus  string    `json:"privacyStatus"`
	ScheduledStart time.Time `json:"scheduledStart"`
}

// BroadcastSettings is the caller-supplied metadata for the remote broadcast.
type BroadcastSettings struct {
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	ScheduledStart time.Time `json:"scheduledStart"`
	PrivacyStatus  string    `json:"privacyStatus"`
	Resolution     string    `json:"resolution"`
	FrameRate      string    `json:"frameRate"`
}

// EventKind classifies observer events emitted for a session.
type EventKind string

const (
	EventStateChanged EventKind = "state"
	EventProcessLine  EventKind = "process_line"
	EventProcessExit  EventKind = "process_exit"
)

// Event is delivered to observers for every subprocess output line and every
// state transition.
type Event struct {
	SessionID string    `json:"sessionId"`
	Kind      EventKind `json:"kind"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// RedactKey trims a stream key down to a loggable prefix. Keys are secrets
// and must never appear in full outside the transcoder command line.
func RedactKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return key[:4] + "****"
}
