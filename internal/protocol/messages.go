package protocol

import (
	"strings"
	"time"
)

// Host notification names.
const (
	EventStarted  = "speech.started"
	EventStopped  = "speech.stopped"
	EventReceived = "speech.received"
)

// SpeechEvent is a host-facing dictation notification. Text and Final are set
// for speech.received, Error optionally for speech.stopped.
type SpeechEvent struct {
	Name      string    `json:"name"`
	SessionID string    `json:"session_id"`
	Text      string    `json:"text,omitempty"`
	Final     bool      `json:"final,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ControlRequest drives the dictation manager over the bus or HTTP.
type ControlRequest struct {
	Credentials *Credentials `json:"credentials,omitempty"`
}

type Credentials struct {
	SubscriptionID string `json:"subscription_id"`
	Region         string `json:"region"`
	Endpoint       string `json:"endpoint,omitempty"`
}

// ControlResponse reports the outcome of a control request and the manager state after it.
type ControlResponse struct {
	OK         bool   `json:"ok"`
	State      string `json:"state"`
	SessionID  string `json:"session_id,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Available  bool   `json:"available"`
	Error      string `json:"error,omitempty"`
}

const (
	ControlStart     = "start"
	ControlStop      = "stop"
	ControlStatus    = "status"
	ControlAvailable = "available"
	ControlInstall   = "install"
)

// EventSubject maps a notification name onto the configured subject prefix,
// e.g. ("dictation", "speech.started") -> "dictation.started".
func EventSubject(prefix, name string) string {
	suffix := strings.TrimPrefix(name, "speech.")
	if prefix == "" {
		return name
	}
	return prefix + "." + suffix
}

// ControlSubject is the request/reply subject for a control action.
func ControlSubject(prefix, action string) string {
	return prefix + "." + action
}
