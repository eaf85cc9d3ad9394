// Package kiroframe decodes the Kiro upstream's AWS-event-stream-shaped
// binary wire format into typed frames, and maps each frame into a
// protocol.Event for the translator to consume.
package kiroframe

import "time"

// HeaderType is the exhaustive set of wire type tags a header value can carry.
type HeaderType byte

const (
	HeaderBoolTrue   HeaderType = 0
	HeaderBoolFalse  HeaderType = 1
	HeaderInt8       HeaderType = 2
	HeaderInt16      HeaderType = 3
	HeaderInt32      HeaderType = 4
	HeaderInt64      HeaderType = 5
	HeaderByteArray  HeaderType = 6
	HeaderString     HeaderType = 7
	HeaderTimestamp  HeaderType = 8
	HeaderUUID       HeaderType = 9
)

// HeaderValue is one typed header value. Only the field matching Type is set.
type HeaderValue struct {
	Type      HeaderType
	Bool      bool
	Int       int64
	Bytes     []byte
	Str       string
	Timestamp time.Time
	UUID      [16]byte
}

// Frame is one decoded unit of the upstream binary stream.
type Frame struct {
	Headers map[string]HeaderValue
	Payload []byte
}

// MessageType returns the frame's ":message-type" header value, or "" if absent.
func (f *Frame) MessageType() string {
	return f.stringHeader(":message-type")
}

// EventType returns the frame's ":event-type" header value, or "" if absent.
func (f *Frame) EventType() string {
	return f.stringHeader(":event-type")
}

func (f *Frame) stringHeader(name string) string {
	if v, ok := f.Headers[name]; ok && v.Type == HeaderString {
		return v.Str
	}
	return ""
}
