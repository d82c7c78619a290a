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
	"encoding/base64"
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"excalmq/internal/protocol"
)

func TestTokenStore_CreateAndAuthenticate(t *testing.T) {
	store := NewTokenStore("")
	if err := store.CreateClient("alice", "s3cret"); err != nil {
		t.Fatalf("CreateClient() error: %v", err)
	}

	c, err := store.Authenticate("alice", "s3cret")
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if c.ID != "alice" {
		t.Errorf("ID = %q, want alice", c.ID)
	}

	if _, err := store.Authenticate("alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong token error = %v, want ErrInvalidCredentials", err)
	}
	if _, err := store.Authenticate("nobody", "s3cret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown client error = %v, want ErrInvalidCredentials", err)
	}
	if err := store.CreateClient("alice", "other"); !errors.Is(err, ErrClientExists) {
		t.Errorf("duplicate CreateClient() error = %v, want ErrClientExists", err)
	}
}

func TestTokenStore_Disabled(t *testing.T) {
	store := NewTokenStore("")
	if err := store.CreateClient("bob", "pw"); err != nil {
		t.Fatalf("CreateClient() error: %v", err)
	}
	if err := store.SetEnabled("bob", false); err != nil {
		t.Fatalf("SetEnabled() error: %v", err)
	}
	if _, err := store.Authenticate("bob", "pw"); !errors.Is(err, ErrClientDisabled) {
		t.Errorf("disabled client error = %v, want ErrClientDisabled", err)
	}
	if err := store.SetEnabled("ghost", true); !errors.Is(err, ErrClientNotFound) {
		t.Errorf("SetEnabled(unknown) error = %v, want ErrClientNotFound", err)
	}
}

func TestTokenStore_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")

	store := NewTokenStore(path)
	for _, id := range []string{"carol", "alice"} {
		if err := store.CreateClient(id, id+"-token"); err != nil {
			t.Fatalf("CreateClient(%s) error: %v", id, err)
		}
	}
	if err := store.Save(); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	loaded := NewTokenStore(path)
	if err := loaded.Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got := loaded.ListClients(); !reflect.DeepEqual(got, []string{"alice", "carol"}) {
		t.Errorf("ListClients() = %v", got)
	}
	if _, err := loaded.Authenticate("carol", "carol-token"); err != nil {
		t.Errorf("Authenticate after Load() error: %v", err)
	}

	if err := loaded.DeleteClient("carol"); err != nil {
		t.Fatalf("DeleteClient() error: %v", err)
	}
	if _, err := loaded.Authenticate("carol", "carol-token"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("deleted client error = %v", err)
	}
}

func TestTokenStore_LoadMissingFile(t *testing.T) {
	store := NewTokenStore(filepath.Join(t.TempDir(), "absent.json"))
	if err := store.Load(); err != nil {
		t.Errorf("Load() on missing file error: %v", err)
	}
}

func TestMethodVerifier(t *testing.T) {
	store := NewTokenStore("")
	if err := store.CreateClient("alice", "pw"); err != nil {
		t.Fatalf("CreateClient() error: %v", err)
	}
	v := NewMethodVerifier(store, ClaimVerifier{})
	ctx := context.Background()

	basic := base64.StdEncoding.EncodeToString([]byte("alice:pw"))
	tests := []struct {
		name       string
		method     protocol.AuthMethod
		credential string
		wantID     string
		wantErr    error
	}{
		{"local token", protocol.AuthMethod{Kind: protocol.AuthLocalToken}, "alice:pw", "alice", nil},
		{"basic", protocol.AuthMethod{Kind: protocol.AuthAuthorization, Scheme: protocol.SchemeBasic}, basic, "alice", nil},
		{"bad local token", protocol.AuthMethod{Kind: protocol.AuthLocalToken}, "alice:nope", "", ErrInvalidCredentials},
		{"malformed local token", protocol.AuthMethod{Kind: protocol.AuthLocalToken}, "alice", "", ErrInvalidCredentials},
		{"empty", protocol.AuthMethod{Kind: protocol.AuthCookie}, "", "", ErrEmptyCredential},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := v.Verify(ctx, tt.method, tt.credential)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Verify() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Verify() error: %v", err)
			}
			if p.ID != tt.wantID {
				t.Errorf("principal = %q, want %q", p.ID, tt.wantID)
			}
		})
	}
}

func TestClaimVerifierIsStable(t *testing.T) {
	bearer := protocol.AuthMethod{Kind: protocol.AuthAuthorization, Scheme: protocol.SchemeBearer}
	a, err := ClaimVerifier{}.Verify(context.Background(), bearer, "eyJhbGciOi.token")
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	b, _ := ClaimVerifier{}.Verify(context.Background(), bearer, "eyJhbGciOi.token")
	c, _ := ClaimVerifier{}.Verify(context.Background(), bearer, "other")

	if a.ID != b.ID || a.ID == c.ID {
		t.Errorf("principal IDs a=%q b=%q c=%q", a.ID, b.ID, c.ID)
	}
	if !strings.HasPrefix(a.ID, "ext-") || strings.Contains(a.ID, "token") {
		t.Errorf("principal ID %q leaks the credential", a.ID)
	}

	v := NewMethodVerifier(nil, nil)
	if _, err := v.Verify(context.Background(), bearer, "x"); !errors.Is(err, ErrUnsupportedMethod) {
		t.Errorf("Verify without external verifier error = %v, want ErrUnsupportedMethod", err)
	}
}
