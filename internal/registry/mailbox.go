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

package registry

import (
	"time"

	"excalmq/internal/protocol"
)

// Envelope is a message waiting in a mailbox.
type Envelope struct {
	ID        string
	Queue     string
	From      string
	Message   protocol.Message
	Published time.Time
}

// mailbox is a stable priority queue: one FIFO lane per priority, drained
// from Critical down to Low.
type mailbox struct {
	lanes [protocol.PriorityCritical + 1][]*Envelope
	size  int
}

func (m *mailbox) push(e *Envelope) {
	p := e.Message.Priority
	if !p.Valid() {
		p = protocol.PriorityLow
	}
	m.lanes[p] = append(m.lanes[p], e)
	m.size++
}

func (m *mailbox) pop() *Envelope {
	for p := len(m.lanes) - 1; p >= 0; p-- {
		lane := m.lanes[p]
		if len(lane) == 0 {
			continue
		}
		e := lane[0]
		lane[0] = nil
		m.lanes[p] = lane[1:]
		if len(m.lanes[p]) == 0 {
			m.lanes[p] = nil
		}
		m.size--
		return e
	}
	return nil
}

func (m *mailbox) len() int {
	if m == nil {
		return 0
	}
	return m.size
}
