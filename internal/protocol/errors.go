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
	"context"
	"errors"
	"fmt"
)

// ErrorKind identifies one entry of the MTP error catalogue. The numeric
// code and description are derived from the kind, never stored.
type ErrorKind uint8

// Client errors (100-115).
const (
	KindBadRequest ErrorKind = iota
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindMethodNotAllowed
	KindNotAcceptable
	KindProxyAuthenticationRequired
	KindRequestTimeout
	KindConflict
	KindGone
	KindPreconditionFailed
	KindPayloadTooLarge
	KindUnprocessableContent
	KindLocked
	KindTooManyRequests
	KindRequestHeaderTooLarge

	// Server errors (120-128, 122 is unassigned).
	KindInternalServerError
	KindBadGateway
	KindServiceUnavailable
	KindGatewayTimeout
	KindMTPVersionNotSupported
	KindInsufficientStorage
	KindLoopDetected
	KindNetworkAuthenticationRequired

	numErrorKinds
)

type kindInfo struct {
	code        uint16
	name        string
	description string
}

var catalogue = [numErrorKinds]kindInfo{
	KindBadRequest:                    {100, "BadRequest", "100 - Bad Request: The request could not be understood or was missing required parameters."},
	KindUnauthorized:                  {101, "Unauthorized", "101 - Unauthorized: Authentication is required and has failed or has not been provided."},
	KindForbidden:                     {102, "Forbidden", "102 - Forbidden: The request is understood, but it has been refused or access is not allowed."},
	KindNotFound:                      {103, "NotFound", "103 - Not Found: The requested resource could not be found."},
	KindMethodNotAllowed:              {104, "MethodNotAllowed", "104 - Method Not Allowed: The method specified in the request is not allowed for the resource."},
	KindNotAcceptable:                 {105, "NotAcceptable", "105 - Not Acceptable: The resource is capable of generating only content not acceptable according to the Accept headers sent in the request."},
	KindProxyAuthenticationRequired:   {106, "ProxyAuthenticationRequired", "106 - Proxy Authentication Required: Authentication with a proxy is required."},
	KindRequestTimeout:                {107, "RequestTimeout", "107 - Request Timeout: The server timed out waiting for the request."},
	KindConflict:                      {108, "Conflict", "108 - Conflict: The request could not be processed because of conflict in the current state of the resource."},
	KindGone:                          {109, "Gone", "109 - Gone: The requested resource is no longer available and will not be available again."},
	KindPreconditionFailed:            {110, "PreconditionFailed", "110 - Precondition Failed: The server does not meet one of the preconditions that the requester put on the request."},
	KindPayloadTooLarge:               {111, "PayloadTooLarge", "111 - Payload Too Large: The request is larger than the server is willing or able to process."},
	KindUnprocessableContent:          {112, "UnprocessableContent", "112 - Unprocessable Content: The server understands the content type of the request entity, but was unable to process the contained instructions."},
	KindLocked:                        {113, "Locked", "113 - Locked: The resource is currently locked and cannot be accessed."},
	KindTooManyRequests:               {114, "TooManyRequests", "114 - Too Many Requests: The user has sent too many requests in a given amount of time."},
	KindRequestHeaderTooLarge:         {115, "RequestHeaderTooLarge", "115 - Request Header Too Large: The request headers are too large for the server to process."},
	KindInternalServerError:           {120, "InternalServerError", "120 - Internal Server Error: An unexpected condition was encountered on the server."},
	KindBadGateway:                    {121, "BadGateway", "121 - Bad Gateway: The server received an invalid response from the upstream server."},
	KindServiceUnavailable:            {123, "ServiceUnavailable", "123 - Service Unavailable: The server is currently unable to handle the request due to a temporary overload or maintenance."},
	KindGatewayTimeout:                {124, "GatewayTimeout", "124 - Gateway Timeout: The server did not receive a timely response from the upstream server or some other auxiliary server."},
	KindMTPVersionNotSupported:        {125, "MTPVersionNotSupported", "125 - MTP Version Not Supported: The MTP version used in the request is not supported by the server."},
	KindInsufficientStorage:           {126, "InsufficientStorage", "126 - Insufficient Storage: The server is unable to store the representation needed to complete the request."},
	KindLoopDetected:                  {127, "LoopDetected", "127 - Loop Detected: The server detected an infinite loop while processing the request."},
	KindNetworkAuthenticationRequired: {128, "NetworkAuthenticationRequired", "128 - Network Authentication Required: The request requires network authentication."},
}

// Valid reports whether k is part of the catalogue.
func (k ErrorKind) Valid() bool {
	return k < numErrorKinds
}

// normalize maps kinds outside the catalogue to InternalServerError so no
// error can surface with a code the catalogue does not define.
func (k ErrorKind) normalize() ErrorKind {
	if !k.Valid() {
		return KindInternalServerError
	}
	return k
}

// Code returns the numeric wire code of the kind.
func (k ErrorKind) Code() uint16 {
	return catalogue[k.normalize()].code
}

// Description returns the fixed human readable description of the kind.
func (k ErrorKind) Description() string {
	return catalogue[k.normalize()].description
}

func (k ErrorKind) String() string {
	return catalogue[k.normalize()].name
}

// IsClient reports whether the kind is in the client range (100-115).
func (k ErrorKind) IsClient() bool {
	return k.Valid() && k <= KindRequestHeaderTooLarge
}

// KindFromCode returns the kind with the given numeric code.
func KindFromCode(code uint16) (ErrorKind, bool) {
	for k := ErrorKind(0); k < numErrorKinds; k++ {
		if catalogue[k].code == code {
			return k, true
		}
	}
	return 0, false
}

// ProtocolError is an error from the MTP catalogue together with a free-form
// diagnostic string. It travels inside an Error1 response status.
type ProtocolError struct {
	Kind ErrorKind
	Info string
}

// NewError creates a protocol error of the given kind.
func NewError(kind ErrorKind, info string) *ProtocolError {
	return &ProtocolError{Kind: kind.normalize(), Info: info}
}

// Errorf creates a protocol error with a formatted diagnostic.
func Errorf(kind ErrorKind, format string, args ...interface{}) *ProtocolError {
	return NewError(kind, fmt.Sprintf(format, args...))
}

// Code returns the numeric wire code.
func (e *ProtocolError) Code() uint16 {
	return e.Kind.Code()
}

// Description returns the catalogue description of the error kind.
func (e *ProtocolError) Description() string {
	return e.Kind.Description()
}

func (e *ProtocolError) Error() string {
	if e.Info == "" {
		return e.Kind.Description()
	}
	return e.Kind.Description() + " (" + e.Info + ")"
}

// Is matches any *ProtocolError of the same kind, so
// errors.Is(err, protocol.NewError(protocol.KindNotFound, "")) works
// regardless of the diagnostic text.
func (e *ProtocolError) Is(target error) bool {
	var pe *ProtocolError
	if !errors.As(target, &pe) {
		return false
	}
	return pe.Kind == e.Kind
}

// IsKind reports whether err carries a protocol error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var pe *ProtocolError
	return errors.As(err, &pe) && pe.Kind == kind
}

// AsProtocolError translates any error into a protocol error. It is the
// single translation point between internal failures and the wire.
//
// Deadline errors become RequestTimeout107, everything else not already a
// protocol error becomes InternalServerError120.
func AsProtocolError(err error) *ProtocolError {
	if err == nil {
		return nil
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindRequestTimeout, err.Error())
	}
	return NewError(KindInternalServerError, err.Error())
}
