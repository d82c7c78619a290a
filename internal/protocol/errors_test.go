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
	"strings"
	"testing"
)

func TestErrorCatalogue(t *testing.T) {
	wantCodes := []uint16{
		100, 101, 102, 103, 104, 105, 106, 107, 108, 109, 110, 111, 112, 113, 114, 115,
		120, 121, 123, 124, 125, 126, 127, 128,
	}
	if int(numErrorKinds) != len(wantCodes) {
		t.Fatalf("catalogue has %d kinds, want %d", numErrorKinds, len(wantCodes))
	}

	for i, code := range wantCodes {
		k := ErrorKind(i)
		if k.Code() != code {
			t.Errorf("%s.Code() = %d, want %d", k, k.Code(), code)
		}
		if !strings.HasPrefix(k.Description(), fmt.Sprintf("%d - ", code)) {
			t.Errorf("%s.Description() = %q does not start with its code", k, k.Description())
		}
		back, ok := KindFromCode(code)
		if !ok || back != k {
			t.Errorf("KindFromCode(%d) = %v, %v; want %v", code, back, ok, k)
		}
		if k.IsClient() != (code <= 115) {
			t.Errorf("%s.IsClient() = %v", k, k.IsClient())
		}
	}

	if _, ok := KindFromCode(122); ok {
		t.Errorf("code 122 must not be part of the catalogue")
	}
}

func TestInvalidKindNormalizes(t *testing.T) {
	err := NewError(ErrorKind(200), "bogus")
	if err.Kind != KindInternalServerError {
		t.Errorf("NewError(200).Kind = %s, want InternalServerError", err.Kind)
	}
	if ErrorKind(200).Valid() {
		t.Errorf("ErrorKind(200).Valid() = true")
	}
	if ErrorKind(200).Code() != 120 {
		t.Errorf("ErrorKind(200).Code() = %d, want 120", ErrorKind(200).Code())
	}
}

func TestAsProtocolError(t *testing.T) {
	forbidden := Errorf(KindForbidden, "queue %s", "orders")

	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"protocol error", forbidden, KindForbidden},
		{"wrapped protocol error", fmt.Errorf("subscribe: %w", forbidden), KindForbidden},
		{"deadline", context.DeadlineExceeded, KindRequestTimeout},
		{"anything else", errors.New("boom"), KindInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AsProtocolError(tt.err)
			if got.Kind != tt.want {
				t.Errorf("AsProtocolError() kind = %s, want %s", got.Kind, tt.want)
			}
		})
	}

	if AsProtocolError(nil) != nil {
		t.Errorf("AsProtocolError(nil) != nil")
	}
}

func TestProtocolErrorIs(t *testing.T) {
	err := fmt.Errorf("publish: %w", NewError(KindNotFound, "bob"))

	if !errors.Is(err, NewError(KindNotFound, "")) {
		t.Errorf("errors.Is should match by kind")
	}
	if errors.Is(err, NewError(KindForbidden, "")) {
		t.Errorf("errors.Is matched a different kind")
	}
	if !IsKind(err, KindNotFound) {
		t.Errorf("IsKind(NotFound) = false")
	}
	if !strings.Contains(err.Error(), "bob") {
		t.Errorf("Error() = %q, missing info", err.Error())
	}
}
