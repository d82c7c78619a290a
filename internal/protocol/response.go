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

import "fmt"

// StatusKind is the outcome class of a response.
type StatusKind uint8

const (
	StatusSuccess StatusKind = 0
	StatusError   StatusKind = 1
	// StatusPending means the request was accepted but waits for a
	// moderator decision, e.g. a subscription to a private queue.
	StatusPending StatusKind = 2
)

// Status is the status of a response: Success0, Error1 with a protocol
// error, or Pending2.
type Status struct {
	kind StatusKind
	err  *ProtocolError
}

// Success returns the Success0 status.
func Success() Status { return Status{kind: StatusSuccess} }

// Pending returns the Pending2 status.
func Pending() Status { return Status{kind: StatusPending} }

// Failure returns an Error1 status carrying err.
func Failure(err *ProtocolError) Status {
	if err == nil {
		err = NewError(KindInternalServerError, "error status without error")
	}
	return Status{kind: StatusError, err: err}
}

func (s Status) Kind() StatusKind { return s.kind }

// Err returns the protocol error of an Error1 status, or nil.
func (s Status) Err() *ProtocolError { return s.err }

func (s Status) IsSuccess() bool { return s.kind == StatusSuccess }
func (s Status) IsPending() bool { return s.kind == StatusPending }

func (s Status) String() string {
	switch s.kind {
	case StatusSuccess:
		return "Success0"
	case StatusPending:
		return "Pending2"
	default:
		return fmt.Sprintf("Error1(%d)", s.err.Code())
	}
}

// Cell is one key/value entry of response storage.
type Cell struct {
	Key   string
	Value string
}

// Storage holds ancillary response data as ordered cells.
type Storage []Cell

// Get returns the value stored under key.
func (s Storage) Get(key string) (string, bool) {
	for _, c := range s {
		if c.Key == key {
			return c.Value, true
		}
	}
	return "", false
}

// Set replaces the value under key, or appends a new cell.
func (s *Storage) Set(key, value string) {
	for i := range *s {
		if (*s)[i].Key == key {
			(*s)[i].Value = value
			return
		}
	}
	*s = append(*s, Cell{Key: key, Value: value})
}

// Response is the answer to one request. It is immutable: the constructor
// copies its inputs and the accessors return copies.
type Response struct {
	status  Status
	headers Headers
	storage Storage
}

// NewResponse builds a response.
func NewResponse(status Status, headers Headers, storage Storage) *Response {
	return &Response{
		status:  status,
		headers: append(Headers(nil), headers...),
		storage: append(Storage(nil), storage...),
	}
}

// ErrorResponse builds an Error1 response from any error.
func ErrorResponse(err error, headers Headers) *Response {
	return NewResponse(Failure(AsProtocolError(err)), headers, nil)
}

func (r *Response) Status() Status { return r.status }

func (r *Response) Headers() Headers { return append(Headers(nil), r.headers...) }

func (r *Response) Storage() Storage { return append(Storage(nil), r.storage...) }

// Err returns the protocol error of an Error1 response, or nil.
func (r *Response) Err() error {
	if r.status.err == nil {
		return nil
	}
	return r.status.err
}
