package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Frame event discriminators
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
)

// Custom parameter names carried on the start frame
const (
	ParamDirection      = "direction"
	ParamCorrelationKey = "from"
	ParamLanguage       = "language"
)

// ErrUnknownEvent is returned by ParseFrame for an unrecognised event tag.
var ErrUnknownEvent = errors.New("unknown frame event")

// Direction identifies which leg of the call a stream belongs to.
type Direction string

const (
	DirectionInbound  Direction = "inbound"  // caller leg
	DirectionOutbound Direction = "outbound" // agent leg
)

// Valid reports whether d is one of the known leg directions
func (d Direction) Valid() bool {
	return d == DirectionInbound || d == DirectionOutbound
}

// Opposite returns the direction of the other leg
func (d Direction) Opposite() Direction {
	switch d {
	case DirectionInbound:
		return DirectionOutbound
	case DirectionOutbound:
		return DirectionInbound
	default:
		return d
	}
}

// LegName returns the human-readable leg name used in logs and metrics
func (d Direction) LegName() string {
	switch d {
	case DirectionInbound:
		return "caller"
	case DirectionOutbound:
		return "agent"
	default:
		return fmt.Sprintf("unknown(%s)", string(d))
	}
}

// FlexString decodes a JSON value that the provider sends either as a
// string or as a bare number.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler
func (f *FlexString) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	*f = FlexString(strings.TrimSpace(string(data)))
	return nil
}

// Int64 parses the value as a base-10 integer, returning 0 when empty or invalid
func (f FlexString) Int64() int64 {
	n, err := strconv.ParseInt(string(f), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Frame is one inbound media-stream message. Exactly one of the event
// sections is populated, according to Event.
type Frame struct {
	Event          string     `json:"event"`
	SequenceNumber FlexString `json:"sequenceNumber,omitempty"`
	StreamSid      string     `json:"streamSid,omitempty"`

	// connected
	Protocol string `json:"protocol,omitempty"`
	Version  string `json:"version,omitempty"`

	Start *Start `json:"start,omitempty"`
	Media *Media `json:"media,omitempty"`
	Stop  *Stop  `json:"stop,omitempty"`
	Mark  *Mark  `json:"mark,omitempty"`
}

// MediaFormat describes the audio encoding of a stream
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// Start carries the stream metadata sent once at the beginning of a stream
type Start struct {
	StreamSid        string         `json:"streamSid"`
	AccountSid       string         `json:"accountSid"`
	CallSid          string         `json:"callSid"`
	Track            string         `json:"track,omitempty"`
	Tracks           []string       `json:"tracks,omitempty"`
	CustomParameters map[string]any `json:"customParameters,omitempty"`
	MediaFormat      *MediaFormat   `json:"mediaFormat,omitempty"`
}

// Media carries one base64 audio chunk
type Media struct {
	Chunk     FlexString `json:"chunk"`
	Timestamp FlexString `json:"timestamp"`
	Payload   string     `json:"payload"`
	StreamSid string     `json:"streamSid,omitempty"`
	Track     string     `json:"track,omitempty"`
}

// Stop is sent when the provider ends the stream
type Stop struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
}

// Mark echoes a previously sent mark back to us
type Mark struct {
	Name string `json:"name"`
}

// Param returns a string custom parameter, or "" when it is absent or not a string
func (s *Start) Param(name string) string {
	if s == nil || s.CustomParameters == nil {
		return ""
	}
	v, ok := s.CustomParameters[name].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

// Direction returns the leg direction declared in the custom parameters
func (s *Start) Direction() Direction {
	return Direction(strings.ToLower(s.Param(ParamDirection)))
}

// CorrelationKey returns the key shared by both legs of one call
func (s *Start) CorrelationKey() string {
	return s.Param(ParamCorrelationKey)
}

// Language returns the caller's spoken language hint, if any
func (s *Start) Language() string {
	return s.Param(ParamLanguage)
}

// StreamID returns the stream id the frame belongs to
func (f *Frame) StreamID() string {
	if f.StreamSid != "" {
		return f.StreamSid
	}
	if f.Start != nil && f.Start.StreamSid != "" {
		return f.Start.StreamSid
	}
	if f.Media != nil {
		return f.Media.StreamSid
	}
	return ""
}

// ParseFrame decodes and validates a raw inbound message. For an unknown
// event the decoded frame is returned together with an error wrapping
// ErrUnknownEvent so callers can log what was received.
func ParseFrame(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty frame")
	}

	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("invalid frame json: %w", err)
	}

	if err := ValidateFrame(&frame); err != nil {
		if errors.Is(err, ErrUnknownEvent) {
			return &frame, err
		}
		return nil, err
	}

	return &frame, nil
}

// ValidateFrame checks that the event-specific section required by the
// frame's event tag is present
func ValidateFrame(frame *Frame) error {
	switch frame.Event {
	case "":
		return fmt.Errorf("frame missing event")
	case EventConnected, EventStop, EventMark:
		return nil
	case EventStart:
		if frame.Start == nil {
			return fmt.Errorf("start frame missing start section")
		}
		if frame.Start.StreamSid == "" {
			return fmt.Errorf("start frame missing streamSid")
		}
		return nil
	case EventMedia:
		if frame.Media == nil {
			return fmt.Errorf("media frame missing media section")
		}
		if frame.Media.Payload == "" {
			return fmt.Errorf("media frame has empty payload")
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, frame.Event)
	}
}

type outboundMedia struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

type outboundMark struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Mark      struct {
		Name string `json:"name"`
	} `json:"mark"`
}

// EncodeMedia builds an outbound media frame addressed to streamSid
func EncodeMedia(streamSid, payload string) ([]byte, error) {
	if streamSid == "" {
		return nil, fmt.Errorf("media frame requires a streamSid")
	}
	msg := outboundMedia{Event: EventMedia, StreamSid: streamSid}
	msg.Media.Payload = payload
	return json.Marshal(msg)
}

// EncodeMark builds an outbound mark frame addressed to streamSid
func EncodeMark(streamSid, name string) ([]byte, error) {
	if streamSid == "" {
		return nil, fmt.Errorf("mark frame requires a streamSid")
	}
	msg := outboundMark{Event: EventMark, StreamSid: streamSid}
	msg.Mark.Name = name
	return json.Marshal(msg)
}

// ConcatPayloads decodes base64 payloads, joins the audio in order and
// re-encodes the result
func ConcatPayloads(payloads []string) (string, error) {
	if len(payloads) == 1 {
		// A single payload is still validated so callers never forward garbage.
		if _, err := base64.StdEncoding.DecodeString(payloads[0]); err != nil {
			return "", fmt.Errorf("payload 0: invalid base64: %w", err)
		}
		return payloads[0], nil
	}

	var audio []byte
	for i, p := range payloads {
		raw, err := base64.StdEncoding.DecodeString(p)
		if err != nil {
			return "", fmt.Errorf("payload %d: invalid base64: %w", i, err)
		}
		audio = append(audio, raw...)
	}
	return base64.StdEncoding.EncodeToString(audio), nil
}

// String returns a human-readable representation of the frame
func (f *Frame) String() string {
	switch f.Event {
	case EventStart:
		return fmt.Sprintf("Frame{Event:start, StreamSid:%q, CallSid:%q, Direction:%q}",
			f.Start.StreamSid, f.Start.CallSid, f.Start.Direction())
	case EventMedia:
		return fmt.Sprintf("Frame{Event:media, StreamSid:%q, Chunk:%s, PayloadLen:%d}",
			f.StreamID(), f.Media.Chunk, len(f.Media.Payload))
	default:
		return fmt.Sprintf("Frame{Event:%s, StreamSid:%q}", f.Event, f.StreamID())
	}
}
