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

// Package auth verifies the credentials clients present in Authentication
// header units and maintains the local token store.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Common errors.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrClientDisabled     = errors.New("client is disabled")
	ErrClientExists       = errors.New("client already exists")
	ErrClientNotFound     = errors.New("client not found")
	ErrEmptyCredential    = errors.New("empty credential")
	ErrUnsupportedMethod  = errors.New("unsupported authentication method")
)

// Client is a principal registered in the local token store.
type Client struct {
	ID        string    `json:"id"`
	TokenHash string    `json:"token_hash"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TokenStore holds bcrypt hashes of local client tokens.
type TokenStore struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	filePath string
}

// NewTokenStore creates a token store backed by filePath. An empty path
// keeps the store in memory only.
func NewTokenStore(filePath string) *TokenStore {
	return &TokenStore{
		clients:  make(map[string]*Client),
		filePath: filePath,
	}
}

type tokenFile struct {
	Clients map[string]*Client `json:"clients"`
}

// Load loads clients from the configured file path. A missing file leaves
// the store empty.
func (s *TokenStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.filePath == "" {
		return nil
	}

	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read token store: %w", err)
	}

	var f tokenFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse token store: %w", err)
	}

	s.clients = f.Clients
	if s.clients == nil {
		s.clients = make(map[string]*Client)
	}
	for id, c := range s.clients {
		c.ID = id
	}
	return nil
}

// Save persists clients to the configured file path.
func (s *TokenStore) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.filePath == "" {
		return nil
	}

	data, err := json.MarshalIndent(tokenFile{Clients: s.clients}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal token store: %w", err)
	}
	return os.WriteFile(s.filePath, data, 0600)
}

// CreateClient registers a client with the given token.
func (s *TokenStore) CreateClient(id, token string) error {
	if id == "" || token == "" {
		return ErrEmptyCredential
	}
	hash, err := HashToken(token)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[id]; exists {
		return fmt.Errorf("%w: %q", ErrClientExists, id)
	}
	now := time.Now()
	s.clients[id] = &Client{
		ID:        id,
		TokenHash: hash,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return nil
}

// Authenticate verifies the token of client id.
func (s *TokenStore) Authenticate(id, token string) (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, exists := s.clients[id]
	if !exists {
		return nil, ErrInvalidCredentials
	}
	if !c.Enabled {
		return nil, ErrClientDisabled
	}
	if err := bcrypt.CompareHashAndPassword([]byte(c.TokenHash), []byte(token)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return c, nil
}

// SetEnabled enables or disables a client.
func (s *TokenStore) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, exists := s.clients[id]
	if !exists {
		return fmt.Errorf("%w: %q", ErrClientNotFound, id)
	}
	c.Enabled = enabled
	c.UpdatedAt = time.Now()
	return nil
}

// DeleteClient removes a client.
func (s *TokenStore) DeleteClient(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[id]; !exists {
		return fmt.Errorf("%w: %q", ErrClientNotFound, id)
	}
	delete(s.clients, id)
	return nil
}

// ListClients returns the registered client IDs, sorted.
func (s *TokenStore) ListClients() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HashToken hashes a token using bcrypt.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}
	return string(hash), nil
}
