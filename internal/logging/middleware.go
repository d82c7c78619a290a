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
Event loggers for the broker.

OVERVIEW:
=========
Thin wrappers that give recurring events a fixed message and field set, so
log queries can rely on them.

CONNECTION LOGGING:
===================
- Connection opened: connection ID, transport, remote address (masked)
- Connection closed: duration, requests served, reason

QUEUE LOGGING:
==============
- Queue created, renamed, access changed, removed by the sweeper
- Members joining, leaving, disposed; approvals pending

SECURITY LOGGING:
=================
- Authentication attempts and their outcome
- Denied access decisions

Message bodies are never logged.
*/
package logging

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// ConnectionLogger logs connection lifecycle events.
type ConnectionLogger struct {
	logger *Logger
}

// NewConnectionLogger creates a new connection logger
func NewConnectionLogger(logger *Logger) *ConnectionLogger {
	return &ConnectionLogger{logger: logger}
}

// LogNewConnection logs a freshly accepted connection.
func (cl *ConnectionLogger) LogNewConnection(connID, transport, remoteAddr string) {
	cl.logger.Info("Client connection established",
		"connection_id", connID,
		"transport", transport,
		"remote_addr", MaskIP(remoteAddr),
	)
}

// LogConnectionClosed logs the end of a connection.
func (cl *ConnectionLogger) LogConnectionClosed(connID, reason string, requests uint64, duration time.Duration) {
	cl.logger.Info("Client connection closed",
		"connection_id", connID,
		"reason", reason,
		"requests", requests,
		"duration_seconds", duration.Seconds(),
	)
}

// QueueLogger logs queue lifecycle and membership events.
type QueueLogger struct {
	logger *Logger
}

// NewQueueLogger creates a new queue logger
func NewQueueLogger(logger *Logger) *QueueLogger {
	return &QueueLogger{logger: logger}
}

func (ql *QueueLogger) LogQueueCreated(queue, access, creator string) {
	ql.logger.Info("Queue created", "queue", queue, "access", access, "moderator", creator)
}

func (ql *QueueLogger) LogQueueRenamed(oldName, newName, by string) {
	ql.logger.Info("Queue renamed", "queue", oldName, "new_name", newName, "by", by)
}

func (ql *QueueLogger) LogAccessChanged(queue, access, by string) {
	ql.logger.Info("Queue access changed", "queue", queue, "access", access, "by", by)
}

func (ql *QueueLogger) LogQueueRemoved(queue string, idle time.Duration) {
	ql.logger.Info("Queue removed", "queue", queue, "idle_seconds", idle.Seconds())
}

func (ql *QueueLogger) LogMemberJoined(queue, client, role string) {
	ql.logger.Debug("Member joined", "queue", queue, "client_id", client, "role", role)
}

func (ql *QueueLogger) LogMemberPending(queue, client, role string) {
	ql.logger.Info("Member awaiting approval", "queue", queue, "client_id", client, "role", role)
}

func (ql *QueueLogger) LogMemberLeft(queue, client string, retained int) {
	ql.logger.Debug("Member left", "queue", queue, "client_id", client, "retained_messages", retained)
}

func (ql *QueueLogger) LogMemberDisposed(queue, client, by string) {
	ql.logger.Info("Member disposed", "queue", queue, "client_id", client, "by", by)
}

// SecurityLogger provides detailed logging for security events
type SecurityLogger struct {
	logger *Logger
}

// NewSecurityLogger creates a new security logger
func NewSecurityLogger(logger *Logger) *SecurityLogger {
	return &SecurityLogger{logger: logger}
}

// LogAuthentication logs authentication attempts
func (sl *SecurityLogger) LogAuthentication(clientID string, method string, success bool, reason string) {
	level := INFO
	if !success {
		level = WARN
	}

	sl.logger.log(level, "Authentication attempt",
		"client_id", clientID,
		"method", method,
		"success", success,
		"reason", reason,
	)
}

// LogAuthorization logs authorization decisions. Allowed decisions are only
// visible at DEBUG.
func (sl *SecurityLogger) LogAuthorization(clientID string, queue string, operation string, allowed bool) {
	level := DEBUG
	if !allowed {
		level = WARN
	}

	sl.logger.log(level, "Authorization check",
		"client_id", clientID,
		"queue", queue,
		"operation", operation,
		"allowed", allowed,
	)
}

// ErrorLogger provides detailed error logging
type ErrorLogger struct {
	logger *Logger
}

// NewErrorLogger creates a new error logger
func NewErrorLogger(logger *Logger) *ErrorLogger {
	return &ErrorLogger{logger: logger}
}

// LogRecovery logs panic recovery
func (el *ErrorLogger) LogRecovery(panicValue interface{}, stack string, operation string) {
	el.logger.Error("Panic recovered",
		"operation", operation,
		"panic_value", fmt.Sprintf("%v", panicValue),
		"stack_trace", stack,
	)
}

// MaskIP partially masks IP addresses for privacy
func MaskIP(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "unknown"
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return addr
	}

	if ip.To4() != nil {
		// IPv4: show first two octets
		parts := strings.Split(host, ".")
		if len(parts) == 4 {
			return fmt.Sprintf("%s.%s.*.*:%s", parts[0], parts[1], port)
		}
	}

	// IPv6: keep the first group
	if i := strings.Index(host, ":"); i > 0 {
		return fmt.Sprintf("[%s:*]:%s", host[:i], port)
	}
	return "[*]:" + port
}
