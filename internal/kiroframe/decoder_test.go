package kiroframe

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
)

// buildFrame assembles a valid wire frame for a single string header named
// ":event-type" plus an arbitrary payload, computing both CRCs.
func buildFrame(t *testing.T, eventType string, payload []byte) []byte {
	t.Helper()

	var headers []byte
	if eventType != "" {
		name := []byte(":event-type")
		headers = append(headers, byte(len(name)))
		headers = append(headers, name...)
		headers = append(headers, byte(HeaderString))
		valBytes := []byte(eventType)
		lenBuf := make([]byte, 2)
		binary.BigEndian.PutUint16(lenBuf, uint16(len(valBytes)))
		headers = append(headers, lenBuf...)
		headers = append(headers, valBytes...)
	}

	totalLen := uint32(8 + 4 + len(headers) + len(payload) + 4)

	prelude := make([]byte, 8)
	binary.BigEndian.PutUint32(prelude[0:4], totalLen)
	binary.BigEndian.PutUint32(prelude[4:8], uint32(len(headers)))

	preludeCRC := make([]byte, 4)
	binary.BigEndian.PutUint32(preludeCRC, checksum(prelude))

	buf := append([]byte{}, prelude...)
	buf = append(buf, preludeCRC...)
	buf = append(buf, headers...)
	buf = append(buf, payload...)

	msgCRC := make([]byte, 4)
	binary.BigEndian.PutUint32(msgCRC, checksum(buf))
	buf = append(buf, msgCRC...)

	return buf
}

func TestDecoder_ValidFrameRoundTrips(t *testing.T) {
	payload := []byte(`{"content":"pong"}`)
	raw := buildFrame(t, "assistantResponseEvent", payload)

	dec := NewDecoder(bytes.NewReader(raw))
	frame, err := dec.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if frame.EventType() != "assistantResponseEvent" {
		t.Fatalf("EventType() = %q", frame.EventType())
	}
	if !bytes.Equal(frame.Payload, payload) {
		t.Fatalf("Payload = %q, want %q", frame.Payload, payload)
	}

	if _, err := dec.Next(); err != io.EOF {
		t.Fatalf("second Next() error = %v, want io.EOF", err)
	}
}

func TestDecoder_HeaderlessBoundaryFrame(t *testing.T) {
	raw := buildFrame(t, "", nil)
	if len(raw) != 16 {
		t.Fatalf("test construction error: len = %d, want 16", len(raw))
	}

	dec := NewDecoder(bytes.NewReader(raw))
	frame, err := dec.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if len(frame.Headers) != 0 || len(frame.Payload) != 0 {
		t.Fatalf("frame = %+v, want empty headers and payload", frame)
	}
}

func TestDecoder_CorruptedPreludeCRCRejected(t *testing.T) {
	raw := buildFrame(t, "assistantResponseEvent", []byte(`{}`))
	raw[8] ^= 0xFF // flip a bit inside the prelude CRC

	dec := NewDecoder(bytes.NewReader(raw))
	_, err := dec.Next()
	if err == nil {
		t.Fatal("expected decode error, got nil")
	}
	var decodeErr *DecodeError
	if !asDecodeError(err, &decodeErr) {
		t.Fatalf("error = %v, want *DecodeError", err)
	}
}

func TestDecoder_CorruptedMessageCRCRejected(t *testing.T) {
	raw := buildFrame(t, "assistantResponseEvent", []byte(`{}`))
	raw[len(raw)-1] ^= 0xFF // flip a bit inside the message CRC

	dec := NewDecoder(bytes.NewReader(raw))
	_, err := dec.Next()
	if err == nil {
		t.Fatal("expected decode error, got nil")
	}
}

func TestDecoder_ShortReadMidFrameIsFatal(t *testing.T) {
	raw := buildFrame(t, "assistantResponseEvent", []byte(`{"content":"pong"}`))
	truncated := raw[:len(raw)-5]

	dec := NewDecoder(bytes.NewReader(truncated))
	_, err := dec.Next()
	if err == nil || err == io.EOF {
		t.Fatalf("error = %v, want a fatal decode error", err)
	}
}

func TestDecoder_OversizedLengthRejected(t *testing.T) {
	raw := buildFrame(t, "assistantResponseEvent", []byte(`{}`))
	binary.BigEndian.PutUint32(raw[0:4], MaxFrameSize+1)

	dec := NewDecoder(bytes.NewReader(raw))
	_, err := dec.Next()
	if err == nil {
		t.Fatal("expected decode error for oversized length, got nil")
	}
}

func asDecodeError(err error, target **DecodeError) bool {
	de, ok := err.(*DecodeError)
	if !ok {
		return false
	}
	*target = de
	return true
}
