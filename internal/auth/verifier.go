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

package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"excalmq/internal/protocol"
)

// Principal is the identity a session acts as after authentication.
type Principal struct {
	ID     string
	Method protocol.AuthMethod
}

// Verifier checks a credential claim and resolves it to a principal.
type Verifier interface {
	Verify(ctx context.Context, method protocol.AuthMethod, credential string) (Principal, error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, method protocol.AuthMethod, credential string) (Principal, error)

func (f VerifierFunc) Verify(ctx context.Context, method protocol.AuthMethod, credential string) (Principal, error) {
	return f(ctx, method, credential)
}

// ClaimVerifier accepts any non-empty credential without checking it. The
// principal ID is derived from a digest of the credential, so the same token
// always maps to the same principal and token material never shows up in
// logs. It stands in for an external identity provider.
type ClaimVerifier struct{}

func (ClaimVerifier) Verify(_ context.Context, method protocol.AuthMethod, credential string) (Principal, error) {
	if credential == "" {
		return Principal{}, ErrEmptyCredential
	}
	sum := sha256.Sum256([]byte(credential))
	return Principal{ID: "ext-" + hex.EncodeToString(sum[:6]), Method: method}, nil
}

// MethodVerifier dispatches on the authentication method: LocalToken and
// Basic authorization are checked against the local token store, everything
// else goes to External.
type MethodVerifier struct {
	Local    *TokenStore
	External Verifier
}

// NewMethodVerifier creates a verifier. A nil external verifier refuses
// external credentials.
func NewMethodVerifier(local *TokenStore, external Verifier) *MethodVerifier {
	return &MethodVerifier{Local: local, External: external}
}

func (v *MethodVerifier) Verify(ctx context.Context, method protocol.AuthMethod, credential string) (Principal, error) {
	if credential == "" {
		return Principal{}, ErrEmptyCredential
	}

	switch {
	case method.Kind == protocol.AuthLocalToken:
		return v.verifyLocal(method, credential)
	case method.Kind == protocol.AuthAuthorization && method.Scheme == protocol.SchemeBasic:
		decoded, err := base64.StdEncoding.DecodeString(credential)
		if err != nil {
			return Principal{}, fmt.Errorf("%w: malformed basic credential", ErrInvalidCredentials)
		}
		return v.verifyLocal(method, string(decoded))
	}

	if v.External == nil {
		return Principal{}, fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
	}
	return v.External.Verify(ctx, method, credential)
}

// verifyLocal checks an "id:token" pair.
func (v *MethodVerifier) verifyLocal(method protocol.AuthMethod, pair string) (Principal, error) {
	if v.Local == nil {
		return Principal{}, fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
	}
	id, token, ok := strings.Cut(pair, ":")
	if !ok || id == "" {
		return Principal{}, fmt.Errorf("%w: expected id:token", ErrInvalidCredentials)
	}
	c, err := v.Local.Authenticate(id, token)
	if err != nil {
		return Principal{}, err
	}
	return Principal{ID: c.ID, Method: method}, nil
}
