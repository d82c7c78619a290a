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
Binary encoding of the MTP header and storage sections.

PRIMITIVES:
===========
  uint8/16/32/64   big-endian
  string           [2 bytes] length + UTF-8 bytes (max 65535 bytes)
  long string      [4 bytes] length + UTF-8 bytes (storage values)
  string list      [2 bytes] count + strings
  optional time    [1 byte] present flag + [8 bytes] unix nanoseconds

HEADER UNITS:
=============
Every unit starts with its UnitKind byte.

  Authentication   [1 method][1 scheme][string credential]
  Administration   [1 action] + Rename: [string name]
                              | Authorize/Reject/Dispose: [string client]
                              | AccessorModify: [1 access]
  Source           [string address]
  MessageMeta      [string id][optional time][1 priority][1 category][1 content type]
  PublishTarget    [string queue][1 mode][string list clients]
  QueueCreation    [1 access]
  QueueSelector    [string queue]
  RoleRequest      [1 role]

Unknown kinds and out-of-range enum values are rejected with BadRequest100.
*/
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// Encoding errors.
var (
	ErrStringTooLong = errors.New("string exceeds 65535 bytes")
	ErrUnknownUnit   = errors.New("unknown header unit")
)

// Encoder appends big-endian primitives to a growing buffer. The first
// error is sticky and reported by Err.
type Encoder struct {
	buf []byte
	err error
}

// NewEncoder creates an encoder with the given buffer capacity.
func NewEncoder(capacity int) *Encoder {
	return &Encoder{buf: make([]byte, 0, capacity)}
}

// Reset clears the encoder for reuse.
func (e *Encoder) Reset() {
	e.buf = e.buf[:0]
	e.err = nil
}

// Bytes returns the encoded bytes.
func (e *Encoder) Bytes() []byte { return e.buf }

// Err returns the first encoding error.
func (e *Encoder) Err() error { return e.err }

// WriteUint8 writes a single byte.
func (e *Encoder) WriteUint8(v byte) {
	e.buf = append(e.buf, v)
}

// WriteUint16 writes a uint16 in big-endian format.
func (e *Encoder) WriteUint16(v uint16) {
	e.buf = append(e.buf, byte(v>>8), byte(v))
}

// WriteUint32 writes a uint32 in big-endian format.
func (e *Encoder) WriteUint32(v uint32) {
	e.buf = append(e.buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// WriteUint64 writes a uint64 in big-endian format.
func (e *Encoder) WriteUint64(v uint64) {
	e.buf = append(e.buf,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// WriteString writes a uint16 length-prefixed string.
func (e *Encoder) WriteString(s string) {
	if len(s) > 0xFFFF {
		if e.err == nil {
			e.err = fmt.Errorf("%w: %d bytes", ErrStringTooLong, len(s))
		}
		return
	}
	e.WriteUint16(uint16(len(s)))
	e.buf = append(e.buf, s...)
}

// WriteLongString writes a uint32 length-prefixed string.
func (e *Encoder) WriteLongString(s string) {
	e.WriteUint32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

// WriteStrings writes a counted list of strings.
func (e *Encoder) WriteStrings(ss []string) {
	if len(ss) > 0xFFFF {
		if e.err == nil {
			e.err = fmt.Errorf("too many list entries: %d", len(ss))
		}
		return
	}
	e.WriteUint16(uint16(len(ss)))
	for _, s := range ss {
		e.WriteString(s)
	}
}

// WriteTime writes an optional timestamp.
func (e *Encoder) WriteTime(t *time.Time) {
	if t == nil {
		e.WriteUint8(0)
		return
	}
	e.WriteUint8(1)
	e.WriteUint64(uint64(t.UnixNano()))
}

// WriteUnits writes a counted list of header units.
func (e *Encoder) WriteUnits(h Headers) {
	if len(h) > 0xFFFF {
		if e.err == nil {
			e.err = fmt.Errorf("too many header units: %d", len(h))
		}
		return
	}
	e.WriteUint16(uint16(len(h)))
	for _, u := range h {
		e.writeUnit(u)
	}
}

func (e *Encoder) writeUnit(u HeaderUnit) {
	e.WriteUint8(byte(u.Kind()))
	switch u := u.(type) {
	case Authentication:
		e.WriteUint8(byte(u.Method.Kind))
		e.WriteUint8(byte(u.Method.Scheme))
		e.WriteString(u.Credential)
	case Administration:
		e.WriteUint8(byte(u.Action.Kind))
		switch u.Action.Kind {
		case ActionRename:
			e.WriteString(u.Action.Name)
		case ActionAccessorModify:
			e.WriteUint8(byte(u.Action.Access))
		default:
			e.WriteString(u.Action.Client)
		}
	case Source:
		e.WriteString(u.Address)
	case MessageMeta:
		e.WriteString(u.ID)
		e.WriteTime(u.Timestamp)
		e.WriteUint8(byte(u.Priority))
		e.WriteUint8(byte(u.Category))
		e.WriteUint8(byte(u.ContentType))
	case PublishTarget:
		e.WriteString(u.Queue)
		e.WriteUint8(byte(u.Target.Mode))
		e.WriteStrings(u.Target.Clients)
	case QueueCreation:
		e.WriteUint8(byte(u.Access))
	case QueueSelector:
		e.WriteString(u.Queue)
	case RoleRequest:
		e.WriteUint8(byte(u.Role))
	default:
		if e.err == nil {
			e.err = fmt.Errorf("%w: %T", ErrUnknownUnit, u)
		}
	}
}

// WriteStorage writes a counted list of storage cells.
func (e *Encoder) WriteStorage(s Storage) {
	if len(s) > 0xFFFF {
		if e.err == nil {
			e.err = fmt.Errorf("too many storage cells: %d", len(s))
		}
		return
	}
	e.WriteUint16(uint16(len(s)))
	for _, c := range s {
		e.WriteString(c.Key)
		e.WriteLongString(c.Value)
	}
}

// Decoder reads big-endian primitives from a section. The first error is
// sticky; after it every read returns a zero value.
type Decoder struct {
	data []byte
	off  int
	err  error
}

// NewDecoder creates a decoder over data.
func NewDecoder(data []byte) *Decoder {
	return &Decoder{data: data}
}

// Err returns the first decoding error as a BadRequest protocol error.
func (d *Decoder) Err() error {
	if d.err == nil {
		return nil
	}
	return Errorf(KindBadRequest, "malformed section: %v", d.err)
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int { return len(d.data) - d.off }

func (d *Decoder) fail(format string, args ...interface{}) {
	if d.err == nil {
		d.err = fmt.Errorf(format, args...)
	}
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.off+n > len(d.data) {
		d.fail("need %d bytes at offset %d, have %d", n, d.off, len(d.data)-d.off)
		return nil
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b
}

func (d *Decoder) ReadUint8() byte {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *Decoder) ReadUint16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *Decoder) ReadUint32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *Decoder) ReadUint64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (d *Decoder) ReadString() string {
	n := int(d.ReadUint16())
	b := d.take(n)
	if b == nil {
		return ""
	}
	if !utf8.Valid(b) {
		d.fail("invalid UTF-8 string at offset %d", d.off-n)
		return ""
	}
	return string(b)
}

func (d *Decoder) ReadLongString() string {
	n := int(d.ReadUint32())
	b := d.take(n)
	if b == nil {
		return ""
	}
	return string(b)
}

// ReadStrings reads a counted string list. An empty list decodes as nil.
func (d *Decoder) ReadStrings() []string {
	n := int(d.ReadUint16())
	if n == 0 {
		return nil
	}
	if n*2 > d.Remaining() {
		d.fail("string list of %d entries overruns section", n)
		return nil
	}
	out := make([]string, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		out = append(out, d.ReadString())
	}
	if d.err != nil {
		return nil
	}
	return out
}

// ReadTime reads an optional timestamp. Present timestamps decode in UTC.
func (d *Decoder) ReadTime() *time.Time {
	switch d.ReadUint8() {
	case 0:
		return nil
	case 1:
		t := time.Unix(0, int64(d.ReadUint64())).UTC()
		if d.err != nil {
			return nil
		}
		return &t
	default:
		d.fail("invalid time presence flag")
		return nil
	}
}

// ReadTimeNanos reads a mandatory unix-nanosecond timestamp in UTC.
func (d *Decoder) ReadTimeNanos() *time.Time {
	v := int64(d.ReadUint64())
	if d.err != nil {
		return nil
	}
	t := time.Unix(0, v).UTC()
	return &t
}

// ReadUnits reads a counted list of header units. An empty list decodes as
// nil.
func (d *Decoder) ReadUnits() Headers {
	n := int(d.ReadUint16())
	if n == 0 || d.err != nil {
		return nil
	}
	if n > d.Remaining() {
		d.fail("%d header units overrun section", n)
		return nil
	}
	h := make(Headers, 0, n)
	for i := 0; i < n; i++ {
		u := d.readUnit()
		if d.err != nil {
			return nil
		}
		h = append(h, u)
	}
	return h
}

func (d *Decoder) readUnit() HeaderUnit {
	kind := UnitKind(d.ReadUint8())
	switch kind {
	case UnitAuthentication:
		m := AuthMethod{Kind: AuthMethodKind(d.ReadUint8()), Scheme: AuthScheme(d.ReadUint8())}
		cred := d.ReadString()
		if !m.Kind.Valid() || !m.Scheme.Valid() {
			d.fail("invalid auth method %d/%d", m.Kind, m.Scheme)
		}
		return Authentication{Method: m, Credential: cred}
	case UnitAdministration:
		a := ManagerAction{Kind: ManagerActionKind(d.ReadUint8())}
		switch a.Kind {
		case ActionRename:
			a.Name = d.ReadString()
		case ActionAuthorize, ActionReject, ActionDispose:
			a.Client = d.ReadString()
		case ActionAccessorModify:
			a.Access = QueueAccess(d.ReadUint8())
			if !a.Access.Valid() {
				d.fail("invalid queue access %d", a.Access)
			}
		default:
			d.fail("invalid manager action %d", a.Kind)
		}
		return Administration{Action: a}
	case UnitSource:
		return Source{Address: d.ReadString()}
	case UnitMessageMeta:
		m := MessageMeta{ID: d.ReadString(), Timestamp: d.ReadTime()}
		m.Priority = Priority(d.ReadUint8())
		m.Category = Category(d.ReadUint8())
		m.ContentType = ContentType(d.ReadUint8())
		if !m.Priority.Valid() || !m.Category.Valid() || !m.ContentType.Valid() {
			d.fail("invalid message meta enums")
		}
		return m
	case UnitPublishTarget:
		t := PublishTarget{Queue: d.ReadString()}
		t.Target.Mode = PublishMode(d.ReadUint8())
		t.Target.Clients = d.ReadStrings()
		if !t.Target.Mode.Valid() {
			d.fail("invalid publish mode %d", t.Target.Mode)
		}
		return t
	case UnitQueueCreation:
		c := QueueCreation{Access: QueueAccess(d.ReadUint8())}
		if !c.Access.Valid() {
			d.fail("invalid queue access %d", c.Access)
		}
		return c
	case UnitQueueSelector:
		return QueueSelector{Queue: d.ReadString()}
	case UnitRoleRequest:
		r := RoleRequest{Role: QueueRole(d.ReadUint8())}
		if !r.Role.Valid() {
			d.fail("invalid role %d", r.Role)
		}
		return r
	default:
		d.fail("unknown header unit kind %d", kind)
		return nil
	}
}

// ReadStorage reads a counted list of storage cells. An empty list decodes
// as nil.
func (d *Decoder) ReadStorage() Storage {
	n := int(d.ReadUint16())
	if n == 0 || d.err != nil {
		return nil
	}
	if n*6 > d.Remaining() {
		d.fail("%d storage cells overrun section", n)
		return nil
	}
	s := make(Storage, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		s = append(s, Cell{Key: d.ReadString(), Value: d.ReadLongString()})
	}
	if d.err != nil {
		return nil
	}
	return s
}

// expectEnd fails when unread bytes remain.
func (d *Decoder) expectEnd() {
	if d.err == nil && d.Remaining() != 0 {
		d.fail("%d trailing bytes", d.Remaining())
	}
}
