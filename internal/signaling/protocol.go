package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event names an application message on the signaling channel.
type Event string

const (
	// EventConnect is the server's first message on every transport; it carries
	// the server-assigned connection identifier.
	EventConnect Event = "connect"

	EventStartBroadcast Event = "start-broadcast"
	EventStopBroadcast  Event = "stop-broadcast"
	EventStreamStarted  Event = "stream-started"
	EventStreamEnded    Event = "stream-ended"
	EventStreamError    Event = "stream-error"
	EventViewerCount    Event = "viewer-count"
	EventStreamOffer    Event = "stream-offer"
	EventStreamAnswer   Event = "stream-answer"
	EventICECandidate   Event = "ice-candidate"
)

// Envelope is the unit of transmission on every transport.
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope encodes payload as the envelope's data. A nil payload produces an
// envelope without data.
func NewEnvelope(event Event, payload any) (Envelope, error) {
	if event == "" {
		return Envelope{}, ErrMissingEvent
	}
	env := Envelope{Event: event}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	env.Data = data
	return env, nil
}

// Decode unmarshals the envelope data into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: missing data", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Event, err)
	}
	return nil
}

// ParseEnvelope decodes a single envelope. Unknown event names are accepted so
// newer servers can add events without breaking older clients.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if env.Event == "" {
		return Envelope{}, ErrMissingEvent
	}
	return env, nil
}

// Timestamp formats t the way browsers emit Date.toISOString().
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// StreamType is the kind of capture being broadcast.
type StreamType string

const (
	StreamTypeWebcam StreamType = "webcam"
	StreamTypeScreen StreamType = "screen"
)

// ParseStreamType accepts a stream type case-insensitively.
func ParseStreamType(raw string) (StreamType, error) {
	switch StreamType(strings.ToLower(strings.TrimSpace(raw))) {
	case StreamTypeWebcam:
		return StreamTypeWebcam, nil
	case StreamTypeScreen:
		return StreamTypeScreen, nil
	default:
		return "", fmt.Errorf("%w %q (expected webcam or screen)", ErrInvalidStreamType, raw)
	}
}

type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Handshake is the payload of EventConnect and of the long-poll handshake
// response.
type Handshake struct {
	SID string `json:"sid"`
}

// StartBroadcast is sent by the broadcaster to request a live session.
type StartBroadcast struct {
	StreamType StreamType `json:"streamType"`
	Timestamp  string     `json:"timestamp"`
	UserAgent  string     `json:"userAgent"`
	Resolution Resolution `json:"resolution"`

	// RequestID correlates the server acknowledgment with this request.
	RequestID string `json:"requestId,omitempty"`
}

func (p StartBroadcast) Validate() error {
	if _, err := ParseStreamType(string(p.StreamType)); err != nil {
		return err
	}
	if p.Timestamp == "" {
		return fmt.Errorf("start-broadcast missing timestamp")
	}
	if _, err := time.Parse(time.RFC3339Nano, p.Timestamp); err != nil {
		return fmt.Errorf("start-broadcast timestamp %q is not ISO-8601: %w", p.Timestamp, err)
	}
	if p.Resolution.Width < 0 || p.Resolution.Height < 0 {
		return fmt.Errorf("start-broadcast resolution must not be negative (got %dx%d)", p.Resolution.Width, p.Resolution.Height)
	}
	return nil
}

type StopBroadcast struct {
	Timestamp string `json:"timestamp"`
}

// StreamStarted acknowledges a StartBroadcast to its sender, echoing
// RequestID. Other peers receive it without RequestID as an announcement.
type StreamStarted struct {
	RequestID     string     `json:"requestId,omitempty"`
	BroadcasterID string     `json:"broadcasterId,omitempty"`
	StreamID      string     `json:"streamId,omitempty"`
	StreamType    StreamType `json:"streamType,omitempty"`
	Timestamp     string     `json:"timestamp,omitempty"`
}

type StreamEnded struct {
	StreamID  string `json:"streamId,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// StreamError rejects a StartBroadcast or reports a failure of a live stream.
type StreamError struct {
	Code      string          `json:"code"`
	Message   string          `json:"message"`
	Details   json.RawMessage `json:"details,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// ViewerCount reports how many viewers are watching. Servers send either a
// bare number or {"count": n}.
type ViewerCount struct {
	Count int `json:"count"`
}

func (v *ViewerCount) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		v.Count = n
		return nil
	}
	var obj struct {
		Count *int `json:"count"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	if obj.Count == nil {
		return fmt.Errorf("viewer-count missing count")
	}
	v.Count = *obj.Count
	return nil
}
