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

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// Serde converts values to and from message bodies. Bodies are text, so
// every serde produces valid UTF-8.
type Serde interface {
	Encode(v interface{}) (string, error)
	Decode(body string, v interface{}) error
	Name() string
}

// Built-in serdes.
var (
	JSONSerde      Serde = jsonSerde{}
	StringSerde    Serde = stringSerde{}
	ProtoJSONSerde Serde = protoJSONSerde{}
)

type jsonSerde struct{}

func (jsonSerde) Encode(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	return string(b), err
}

func (jsonSerde) Decode(body string, v interface{}) error {
	return json.Unmarshal([]byte(body), v)
}

func (jsonSerde) Name() string { return "json" }

type stringSerde struct{}

func (stringSerde) Encode(v interface{}) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case fmt.Stringer:
		return s.String(), nil
	}
	return fmt.Sprint(v), nil
}

func (stringSerde) Decode(body string, v interface{}) error {
	if target, ok := v.(*string); ok {
		*target = body
		return nil
	}
	return fmt.Errorf("string decoder expects *string, got %T", v)
}

func (stringSerde) Name() string { return "string" }

// protoJSONSerde carries protobuf messages in their canonical JSON form.
type protoJSONSerde struct{}

func (protoJSONSerde) Encode(v interface{}) (string, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return "", fmt.Errorf("protobuf encoder expects proto.Message, got %T", v)
	}
	b, err := protojson.Marshal(msg)
	return string(b), err
}

func (protoJSONSerde) Decode(body string, v interface{}) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("protobuf decoder expects proto.Message, got %T", v)
	}
	return protojson.Unmarshal([]byte(body), msg)
}

func (protoJSONSerde) Name() string { return "protojson" }

var (
	serdesMu sync.RWMutex
	serdes   = map[string]Serde{}
)

func init() {
	RegisterSerde(JSONSerde)
	RegisterSerde(StringSerde)
	RegisterSerde(ProtoJSONSerde)
}

// RegisterSerde makes s available to GetSerde under its name.
func RegisterSerde(s Serde) {
	serdesMu.Lock()
	defer serdesMu.Unlock()
	serdes[s.Name()] = s
}

// GetSerde returns the serde registered as name.
func GetSerde(name string) (Serde, error) {
	serdesMu.RLock()
	defer serdesMu.RUnlock()
	s, ok := serdes[name]
	if !ok {
		return nil, fmt.Errorf("unknown serde: %s", name)
	}
	return s, nil
}

// PublishValue encodes v with s and publishes it as msg's body.
func (c *Client) PublishValue(ctx context.Context, queue string, s Serde, v interface{}, msg Outgoing) (Receipt, error) {
	body, err := s.Encode(v)
	if err != nil {
		return Receipt{}, fmt.Errorf("encode %s body: %w", s.Name(), err)
	}
	msg.Body = body
	return c.Publish(ctx, queue, msg)
}

// Decode decodes the message body into v with s.
func (m *Incoming) Decode(s Serde, v interface{}) error {
	return s.Decode(m.Body, v)
}
