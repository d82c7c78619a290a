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

package protocol

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"unicode/utf8"
)

// ============================================================================
// Requests
// ============================================================================

// Encode serializes a payload into one frame.
func Encode(p *Payload) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	enc := NewEncoder(64)
	var flags byte
	if p.Timestamp != nil {
		flags |= FlagTimestamp
		enc.WriteUint64(uint64(p.Timestamp.UnixNano()))
	}
	enc.WriteUnits(p.Headers)
	if err := enc.Err(); err != nil {
		return nil, fmt.Errorf("encode headers: %w", err)
	}

	var body []byte
	if p.Message != nil {
		flags |= FlagMessage
		if p.Message.ContentType == ContentXML {
			flags |= FlagXML
		}
		var err error
		body, err = marshalMessage(p.Message)
		if err != nil {
			return nil, err
		}
	}

	return assemble(byte(p.Request), flags, enc.Bytes(), body)
}

// Decode parses one frame from the front of buf using DefaultLimits.
// See DecodeLimited.
func Decode(buf []byte) (*Payload, int, error) {
	return DecodeLimited(buf, DefaultLimits())
}

// DecodeLimited parses one frame from the front of buf.
//
// It returns the payload and the number of bytes consumed. When buf does not
// yet hold a whole frame it returns ErrIncomplete and consumes nothing. A
// frame that breaks the limits yields a *ProtocolError and n set to the full
// frame size, which may exceed len(buf); the caller skips n bytes to resync.
// A *StreamError means the input cannot be framed at all.
func DecodeLimited(buf []byte, limits Limits) (*Payload, int, error) {
	if len(buf) < FrameHeaderSize {
		return nil, 0, ErrIncomplete
	}
	h, err := parseFrameHeader(buf)
	if err != nil {
		return nil, 0, err
	}
	size := int(h.Size())
	if perr := checkLimits(h, limits); perr != nil {
		return nil, size, perr
	}
	if len(buf) < size {
		return nil, 0, ErrIncomplete
	}
	header := buf[FrameHeaderSize : FrameHeaderSize+int(h.HeaderLen)]
	body := buf[FrameHeaderSize+int(h.HeaderLen) : size]
	p, err := decodeRequest(h, header, body)
	return p, size, err
}

// ReadPayload reads exactly one request frame from r.
func ReadPayload(r io.Reader, limits Limits) (*Payload, error) {
	h, header, body, err := readFrame(r, limits)
	if err != nil {
		return nil, err
	}
	return decodeRequest(h, header, body)
}

// WritePayload encodes p and writes it to w.
func WritePayload(w io.Writer, p *Payload) error {
	frame, err := Encode(p)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

func decodeRequest(h FrameHeader, header, body []byte) (*Payload, error) {
	p := &Payload{Request: RequestType(h.Op)}
	if !p.Request.Valid() {
		return nil, Errorf(KindBadRequest, "unknown request op 0x%02x", h.Op)
	}

	d := NewDecoder(header)
	if h.Flags&FlagTimestamp != 0 {
		p.Timestamp = d.ReadTimeNanos()
	}
	p.Headers = d.ReadUnits()
	d.expectEnd()
	if err := d.Err(); err != nil {
		return nil, err
	}

	msg, err := decodeBody(h.Flags, body)
	if err != nil {
		return nil, err
	}
	p.Message = msg

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// ============================================================================
// Message bodies
// ============================================================================

func marshalMessage(m *Message) ([]byte, error) {
	if err := checkText(m); err != nil {
		return nil, err
	}
	var (
		b   []byte
		err error
	)
	switch m.ContentType {
	case ContentXML:
		b, err = xml.Marshal(m)
	default:
		b, err = json.Marshal(m)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", m.ContentType, err)
	}
	return b, nil
}

// checkText rejects message text that the body encoding would not carry
// unchanged: invalid UTF-8 in either encoding, and characters outside the
// XML character range in XML bodies.
func checkText(m *Message) error {
	isXML := m.ContentType == ContentXML
	for _, s := range append([]string{m.Body}, m.Publish.Clients...) {
		if !utf8.ValidString(s) {
			return NewError(KindUnprocessableContent, "message text is not valid UTF-8")
		}
		if !isXML {
			continue
		}
		for _, r := range s {
			if !isXMLChar(r) {
				return Errorf(KindUnprocessableContent, "character %U cannot be carried in an XML body", r)
			}
		}
	}
	return nil
}

func isXMLChar(r rune) bool {
	return r == '\t' || r == '\n' || r == '\r' ||
		r >= 0x20 && r <= 0xD7FF ||
		r >= 0xE000 && r <= 0xFFFD ||
		r >= 0x10000 && r <= 0x10FFFF
}

func decodeBody(flags byte, body []byte) (*Message, error) {
	if flags&FlagMessage == 0 {
		if len(body) != 0 {
			return nil, NewError(KindBadRequest, "body present without message flag")
		}
		return nil, nil
	}

	if !utf8.Valid(body) {
		return nil, NewError(KindUnprocessableContent, "message body is not valid UTF-8")
	}

	var (
		m   Message
		err error
	)
	if flags&FlagXML != 0 {
		err = xml.Unmarshal(body, &m)
	} else {
		err = json.Unmarshal(body, &m)
	}
	if err != nil {
		return nil, Errorf(KindBadRequest, "decode message body: %v", err)
	}

	isXML := flags&FlagXML != 0
	if isXML != (m.ContentType == ContentXML) {
		return nil, Errorf(KindBadRequest, "body encoding does not match content type %s", m.ContentType)
	}
	return &m, nil
}

// ============================================================================
// Responses
// ============================================================================

// EncodeResponse serializes a response into one frame.
func EncodeResponse(r *Response) ([]byte, error) {
	enc := NewEncoder(64)
	enc.WriteUint8(byte(r.status.kind))
	if perr := r.status.err; perr != nil {
		enc.WriteUint16(perr.Code())
		enc.WriteString(truncate(perr.Info, 0xFFFF))
	} else {
		enc.WriteUint16(0)
		enc.WriteString("")
	}
	enc.WriteUnits(r.headers)
	if err := enc.Err(); err != nil {
		return nil, fmt.Errorf("encode response headers: %w", err)
	}

	body := NewEncoder(16)
	if len(r.storage) > 0 {
		body.WriteStorage(r.storage)
		if err := body.Err(); err != nil {
			return nil, fmt.Errorf("encode response storage: %w", err)
		}
	}

	return assemble(OpResponse, 0, enc.Bytes(), body.Bytes())
}

// DecodeResponse parses one response frame from the front of buf. It
// follows the same conventions as Decode but applies no section limits.
func DecodeResponse(buf []byte) (*Response, int, error) {
	if len(buf) < FrameHeaderSize {
		return nil, 0, ErrIncomplete
	}
	h, err := parseFrameHeader(buf)
	if err != nil {
		return nil, 0, err
	}
	size := int(h.Size())
	if len(buf) < size {
		return nil, 0, ErrIncomplete
	}
	header := buf[FrameHeaderSize : FrameHeaderSize+int(h.HeaderLen)]
	body := buf[FrameHeaderSize+int(h.HeaderLen) : size]
	resp, err := decodeResponse(h, header, body)
	return resp, size, err
}

// ReadResponse reads exactly one response frame from r.
func ReadResponse(r io.Reader) (*Response, error) {
	h, header, body, err := readFrame(r, Limits{})
	if err != nil {
		return nil, err
	}
	return decodeResponse(h, header, body)
}

// WriteResponse encodes resp and writes it to w.
func WriteResponse(w io.Writer, resp *Response) error {
	frame, err := EncodeResponse(resp)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

func decodeResponse(h FrameHeader, header, body []byte) (*Response, error) {
	if h.Op != OpResponse {
		return nil, Errorf(KindBadRequest, "expected response frame, got op 0x%02x", h.Op)
	}

	d := NewDecoder(header)
	kind := StatusKind(d.ReadUint8())
	code := d.ReadUint16()
	info := d.ReadString()
	headers := d.ReadUnits()
	d.expectEnd()
	if err := d.Err(); err != nil {
		return nil, err
	}

	var status Status
	switch kind {
	case StatusSuccess:
		status = Success()
	case StatusPending:
		status = Pending()
	case StatusError:
		k, ok := KindFromCode(code)
		if !ok {
			return nil, Errorf(KindBadRequest, "unknown error code %d", code)
		}
		status = Status{kind: StatusError, err: &ProtocolError{Kind: k, Info: info}}
	default:
		return nil, Errorf(KindBadRequest, "unknown status kind %d", kind)
	}

	var storage Storage
	if len(body) > 0 {
		bd := NewDecoder(body)
		storage = bd.ReadStorage()
		bd.expectEnd()
		if err := bd.Err(); err != nil {
			return nil, err
		}
	}

	return &Response{status: status, headers: headers, storage: storage}, nil
}

// ============================================================================
// Helpers
// ============================================================================

func assemble(op, flags byte, header, body []byte) ([]byte, error) {
	total := FrameHeaderSize + len(header) + len(body)
	if total > MaxFrameSize {
		return nil, Errorf(KindPayloadTooLarge, "frame of %d bytes exceeds %d", total, MaxFrameSize)
	}
	frame := make([]byte, total)
	writeFrameHeader(frame, FrameHeader{
		Magic:     MagicByte,
		Version:   ProtocolVersion,
		Op:        op,
		Flags:     flags,
		HeaderLen: uint32(len(header)),
		BodyLen:   uint32(len(body)),
	})
	copy(frame[FrameHeaderSize:], header)
	copy(frame[FrameHeaderSize+len(header):], body)
	return frame, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
