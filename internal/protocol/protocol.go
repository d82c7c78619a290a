/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package protocol defines the MTP (message transfer protocol) wire format.

PROTOCOL OVERVIEW:
==================
MTP is the protocol spoken between excalmq clients and the broker. A client
sends one request frame, the broker answers with exactly one response frame.
The protocol is:
- Self-delimiting: every frame carries its own section lengths, so frames can
  be cut out of a TCP stream without help from the socket layer
- Mixed: routing metadata (header units) is binary, the message body is JSON
  or XML depending on the message's content type
- Bounded: header and body sections have independent size limits

FRAME FORMAT:
=============
Every frame starts with a fixed 12-byte header:

	+-------+-------+-------+-------+---------------+---------------+
	| Magic | Ver   | Op    | Flags | HeaderLen u32 | BodyLen u32   |
	+-------+-------+-------+-------+---------------+---------------+
	|             header section (HeaderLen bytes)                  |
	|             body section   (BodyLen bytes)                    |
	+---------------------------------------------------------------+

HEADER FIELDS:
==============
- Magic (1 byte): 0xEC - Identifies this as an MTP frame
- Version (1 byte): Protocol version (currently 0x01)
- Op (1 byte): Request type (0x01-0x06) or OpResponse (0x80)
- Flags (1 byte): 0x01=message present, 0x02=timestamp present, 0x04=XML body
- HeaderLen (4 bytes): Size of the binary header section
- BodyLen (4 bytes): Size of the body section

REQUEST HEADER SECTION:
=======================

	[8 bytes]  timestamp, unix nanoseconds (only when FlagTimestamp is set)
	[2 bytes]  header unit count
	[N units]  [1 byte kind][kind-specific fields]

Strings are [uint16 length][UTF-8 bytes], string lists are
[uint16 count][strings...], enums are single bytes.

RESPONSE FRAMES:
================
Response frames use Op=OpResponse. The header section holds the status
([1 byte kind][2 bytes code][string info]) followed by header units. The body
holds the storage cells ([uint16 count][key string][value uint32-string]...).

LIMITS:
=======
A header section larger than Limits.MaxHeaderBytes yields
RequestHeaderTooLarge115, a body larger than Limits.MaxBodyBytes yields
PayloadTooLarge111. In both cases the frame is still consumed whole so the
stream stays aligned on the next frame.

See codec.go for Encode/Decode and binary.go for the section encodings.
*/
package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

// Protocol constants define the wire format parameters.
const (
	// MagicByte identifies MTP frames.
	MagicByte byte = 0xEC

	// ProtocolVersion is the current protocol version.
	ProtocolVersion byte = 0x01

	// FrameHeaderSize is the fixed size of the frame header in bytes.
	FrameHeaderSize = 12

	// MaxFrameSize is the hard ceiling for a single frame, whatever the
	// configured limits say.
	MaxFrameSize = 32 * 1024 * 1024 // 32MB
)

// OpResponse marks a response frame. Request frames carry their RequestType
// in the op byte.
const OpResponse byte = 0x80

// Flag constants for the frame header Flags field.
const (
	FlagMessage   byte = 0x01 // Body section holds a message
	FlagTimestamp byte = 0x02 // Header section starts with a timestamp
	FlagXML       byte = 0x04 // Body is XML encoded (JSON otherwise)
)

// Limits bounds the memory a single frame may claim while decoding.
type Limits struct {
	MaxHeaderBytes uint32
	MaxBodyBytes   uint32
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxHeaderBytes: 64 * 1024,
		MaxBodyBytes:   8 * 1024 * 1024,
	}
}

// FrameHeader is the fixed-size header that precedes every frame.
type FrameHeader struct {
	Magic     byte
	Version   byte
	Op        byte
	Flags     byte
	HeaderLen uint32
	BodyLen   uint32
}

// Size returns the total number of bytes of the frame this header describes.
func (h FrameHeader) Size() int64 {
	return FrameHeaderSize + int64(h.HeaderLen) + int64(h.BodyLen)
}

// StreamError reports a frame that cannot be delimited (bad magic or
// version). After a StreamError the byte stream is no longer aligned on
// frame boundaries, so the connection has to be closed once the error
// response has been sent.
type StreamError struct {
	Err *ProtocolError
}

func (e *StreamError) Error() string {
	return "unframed input: " + e.Err.Error()
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// ErrIncomplete is returned by Decode when the buffer does not yet hold a
// whole frame.
var ErrIncomplete = errors.New("incomplete frame")

// parseFrameHeader validates and parses the fixed header.
//
// VALIDATION:
// - Magic byte must match MagicByte (0xEC)
// - Version must match ProtocolVersion (0x01)
// - The whole frame must fit MaxFrameSize
func parseFrameHeader(buf []byte) (FrameHeader, error) {
	h := FrameHeader{
		Magic:     buf[0],
		Version:   buf[1],
		Op:        buf[2],
		Flags:     buf[3],
		HeaderLen: binary.BigEndian.Uint32(buf[4:]),
		BodyLen:   binary.BigEndian.Uint32(buf[8:]),
	}

	if h.Magic != MagicByte {
		return FrameHeader{}, &StreamError{Err: Errorf(KindBadRequest, "invalid magic byte 0x%02x", h.Magic)}
	}
	if h.Version != ProtocolVersion {
		return FrameHeader{}, &StreamError{Err: Errorf(KindMTPVersionNotSupported, "protocol version 0x%02x", h.Version)}
	}
	if h.Size() > MaxFrameSize {
		return FrameHeader{}, &StreamError{Err: Errorf(KindPayloadTooLarge, "frame of %d bytes exceeds %d", h.Size(), MaxFrameSize)}
	}
	return h, nil
}

// checkLimits reports whether the sections fit the configured limits.
// The frame is well delimited at this point, so the caller can skip it.
func checkLimits(h FrameHeader, limits Limits) *ProtocolError {
	if limits.MaxHeaderBytes > 0 && h.HeaderLen > limits.MaxHeaderBytes {
		return Errorf(KindRequestHeaderTooLarge, "header section of %d bytes exceeds %d", h.HeaderLen, limits.MaxHeaderBytes)
	}
	if limits.MaxBodyBytes > 0 && h.BodyLen > limits.MaxBodyBytes {
		return Errorf(KindPayloadTooLarge, "body of %d bytes exceeds %d", h.BodyLen, limits.MaxBodyBytes)
	}
	return nil
}

// writeFrameHeader serializes h as 12 bytes in big-endian format.
func writeFrameHeader(buf []byte, h FrameHeader) {
	buf[0] = h.Magic
	buf[1] = h.Version
	buf[2] = h.Op
	buf[3] = h.Flags
	binary.BigEndian.PutUint32(buf[4:], h.HeaderLen)
	binary.BigEndian.PutUint32(buf[8:], h.BodyLen)
}

// readFrame reads one frame from r, blocking until it is complete.
//
// PROCESS:
// 1. Read and validate the fixed header
// 2. Skip the frame if a section exceeds the limits
// 3. Read both sections
//
// An oversized frame is drained from r so the next read starts on a frame
// boundary; the returned error is then a *ProtocolError.
func readFrame(r io.Reader, limits Limits) (FrameHeader, []byte, []byte, error) {
	var fixed [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return FrameHeader{}, nil, nil, err
	}

	h, err := parseFrameHeader(fixed[:])
	if err != nil {
		return FrameHeader{}, nil, nil, err
	}

	if perr := checkLimits(h, limits); perr != nil {
		if _, err := io.CopyN(io.Discard, r, int64(h.HeaderLen)+int64(h.BodyLen)); err != nil {
			return FrameHeader{}, nil, nil, err
		}
		return h, nil, nil, perr
	}

	section := make([]byte, int(h.HeaderLen)+int(h.BodyLen))
	if _, err := io.ReadFull(r, section); err != nil {
		return FrameHeader{}, nil, nil, err
	}
	return h, section[:h.HeaderLen], section[h.HeaderLen:], nil
}
