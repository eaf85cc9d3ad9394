package kiroframe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// MaxFrameSize bounds the memory a single frame may consume. 16 MiB matches
// the order of magnitude other Kiro clients in the wild enforce.
const MaxFrameSize = 16 * 1024 * 1024

// DecodeError is returned for any malformed frame: short read mid-frame,
// CRC mismatch, or a total length outside [16, MaxFrameSize] (16 being the
// prelude, prelude CRC and message CRC with no headers or payload).
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string { return "kiroframe: decode error: " + e.Reason }

const preludeLen = 8 // totalLen(4) + headersLen(4)

// Decoder turns a byte stream into a sequence of Frames.
type Decoder struct {
	r io.Reader
}

// NewDecoder wraps r, which must yield the raw upstream response body.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Next reads and validates the next frame. It returns io.EOF when the stream
// ends cleanly on a frame boundary.
func (d *Decoder) Next() (*Frame, error) {
	prelude := make([]byte, preludeLen)
	if _, err := io.ReadFull(d.r, prelude); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, &DecodeError{Reason: fmt.Sprintf("short read at prelude: %v", err)}
	}

	totalLen := binary.BigEndian.Uint32(prelude[0:4])
	headersLen := binary.BigEndian.Uint32(prelude[4:8])

	if totalLen < preludeLen+4+4 { // prelude + preludeCRC + messageCRC, payload may be empty
		return nil, &DecodeError{Reason: fmt.Sprintf("total length %d too small", totalLen)}
	}
	if totalLen > MaxFrameSize {
		return nil, &DecodeError{Reason: fmt.Sprintf("total length %d exceeds max frame size %d", totalLen, MaxFrameSize)}
	}

	rest := make([]byte, totalLen-preludeLen)
	if _, err := io.ReadFull(d.r, rest); err != nil {
		return nil, &DecodeError{Reason: fmt.Sprintf("short read mid-frame: %v", err)}
	}

	if uint32(len(rest)) < 4+headersLen+4 {
		return nil, &DecodeError{Reason: "headers length exceeds frame bounds"}
	}

	preludeCRC := binary.BigEndian.Uint32(rest[0:4])
	wantPreludeCRC := checksum(prelude)
	if preludeCRC != wantPreludeCRC {
		return nil, &DecodeError{Reason: "prelude CRC mismatch"}
	}

	messageCRCOffset := len(rest) - 4
	messageCRC := binary.BigEndian.Uint32(rest[messageCRCOffset:])
	everythingButMessageCRC := make([]byte, 0, preludeLen+messageCRCOffset)
	everythingButMessageCRC = append(everythingButMessageCRC, prelude...)
	everythingButMessageCRC = append(everythingButMessageCRC, rest[:messageCRCOffset]...)
	if messageCRC != checksum(everythingButMessageCRC) {
		return nil, &DecodeError{Reason: "message CRC mismatch"}
	}

	headerBytes := rest[4 : 4+headersLen]
	payload := rest[4+headersLen : messageCRCOffset]

	headers, err := parseHeaders(headerBytes)
	if err != nil {
		return nil, err
	}

	return &Frame{Headers: headers, Payload: payload}, nil
}

func parseHeaders(b []byte) (map[string]HeaderValue, error) {
	headers := make(map[string]HeaderValue)
	offset := 0
	for offset < len(b) {
		if offset+1 > len(b) {
			return nil, &DecodeError{Reason: "truncated header name length"}
		}
		nameLen := int(b[offset])
		offset++
		if offset+nameLen > len(b) {
			return nil, &DecodeError{Reason: "truncated header name"}
		}
		name := string(b[offset : offset+nameLen])
		offset += nameLen

		if offset+1 > len(b) {
			return nil, &DecodeError{Reason: "truncated header type tag"}
		}
		tag := HeaderType(b[offset])
		offset++

		value, consumed, err := parseHeaderValue(tag, b[offset:])
		if err != nil {
			return nil, err
		}
		offset += consumed

		headers[name] = value
	}
	return headers, nil
}

func parseHeaderValue(tag HeaderType, b []byte) (HeaderValue, int, error) {
	switch tag {
	case HeaderBoolTrue:
		return HeaderValue{Type: tag, Bool: true}, 0, nil
	case HeaderBoolFalse:
		return HeaderValue{Type: tag, Bool: false}, 0, nil
	case HeaderInt8:
		if len(b) < 1 {
			return HeaderValue{}, 0, &DecodeError{Reason: "truncated int8 header value"}
		}
		return HeaderValue{Type: tag, Int: int64(int8(b[0]))}, 1, nil
	case HeaderInt16:
		if len(b) < 2 {
			return HeaderValue{}, 0, &DecodeError{Reason: "truncated int16 header value"}
		}
		return HeaderValue{Type: tag, Int: int64(int16(binary.BigEndian.Uint16(b)))}, 2, nil
	case HeaderInt32:
		if len(b) < 4 {
			return HeaderValue{}, 0, &DecodeError{Reason: "truncated int32 header value"}
		}
		return HeaderValue{Type: tag, Int: int64(int32(binary.BigEndian.Uint32(b)))}, 4, nil
	case HeaderInt64:
		if len(b) < 8 {
			return HeaderValue{}, 0, &DecodeError{Reason: "truncated int64 header value"}
		}
		return HeaderValue{Type: tag, Int: int64(binary.BigEndian.Uint64(b))}, 8, nil
	case HeaderByteArray:
		if len(b) < 2 {
			return HeaderValue{}, 0, &DecodeError{Reason: "truncated byte-array header length"}
		}
		n := int(binary.BigEndian.Uint16(b))
		if len(b) < 2+n {
			return HeaderValue{}, 0, &DecodeError{Reason: "truncated byte-array header value"}
		}
		buf := make([]byte, n)
		copy(buf, b[2:2+n])
		return HeaderValue{Type: tag, Bytes: buf}, 2 + n, nil
	case HeaderString:
		if len(b) < 2 {
			return HeaderValue{}, 0, &DecodeError{Reason: "truncated string header length"}
		}
		n := int(binary.BigEndian.Uint16(b))
		if len(b) < 2+n {
			return HeaderValue{}, 0, &DecodeError{Reason: "truncated string header value"}
		}
		return HeaderValue{Type: tag, Str: string(b[2 : 2+n])}, 2 + n, nil
	case HeaderTimestamp:
		if len(b) < 8 {
			return HeaderValue{}, 0, &DecodeError{Reason: "truncated timestamp header value"}
		}
		ms := int64(binary.BigEndian.Uint64(b))
		return HeaderValue{Type: tag, Timestamp: time.UnixMilli(ms).UTC()}, 8, nil
	case HeaderUUID:
		if len(b) < 16 {
			return HeaderValue{}, 0, &DecodeError{Reason: "truncated uuid header value"}
		}
		var id [16]byte
		copy(id[:], b[:16])
		return HeaderValue{Type: tag, UUID: id}, 16, nil
	default:
		return HeaderValue{}, 0, &DecodeError{Reason: fmt.Sprintf("unknown header type tag %d", tag)}
	}
}
