// Package types holds the connection state machine shared by upstream
// clients and anything that observes them.
package types

import (
	"sync"
	"time"
)

// ConnectionState represents the lifecycle state of an upstream server.
type ConnectionState int

const (
	// StateInit is the state before the first connection attempt.
	StateInit ConnectionState = iota
	// StateConnecting indicates a handshake is in flight.
	StateConnecting
	// StateConnected indicates the upstream is serving requests.
	StateConnected
	// StateOAuthRequired indicates the upstream rejected the handshake
	// with an authentication challenge and waits for user authorization.
	StateOAuthRequired
	// StateDisconnected indicates a failed or lost connection; the
	// client retries with exponential backoff.
	StateDisconnected
	// StateRemoved is terminal: the server was deleted from settings.
	StateRemoved
)

// String returns the wire name of the state as it appears in status
// payloads.
func (s ConnectionState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateOAuthRequired:
		return "oauth_required"
	case StateDisconnected:
		return "disconnected"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Backoff parameters for the disconnected retry loop.
const (
	BackoffInitial = 1 * time.Second
	BackoffMax     = 60 * time.Second
)

// BackoffDelay returns the delay before retry attempt n (0-based),
// doubling from BackoffInitial and capped at BackoffMax.
func BackoffDelay(attempt int) time.Duration {
	d := BackoffInitial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= BackoffMax {
			return BackoffMax
		}
	}
	return d
}

// ConnectionInfo is a snapshot of one upstream's state for status
// reporting.
type ConnectionInfo struct {
	State         ConnectionState `json:"state"`
	LastError     string          `json:"last_error,omitempty"`
	RetryCount    int             `json:"retry_count"`
	LastRetryTime time.Time       `json:"last_retry_time,omitzero"`
	ServerName    string          `json:"server_name,omitempty"`
	ServerVersion string          `json:"server_version,omitempty"`
}

// StateManager serialises state transitions for one upstream connection.
type StateManager struct {
	mu            sync.RWMutex
	current       ConnectionState
	lastError     error
	retryCount    int
	lastRetryTime time.Time
	serverName    string
	serverVersion string

	onStateChange func(old, new ConnectionState)
}

// NewStateManager starts in StateInit.
func NewStateManager() *StateManager {
	return &StateManager{current: StateInit}
}

// SetStateChangeCallback registers a callback invoked on every
// transition. The callback runs with the manager unlocked.
func (sm *StateManager) SetStateChangeCallback(fn func(old, new ConnectionState)) {
	sm.mu.Lock()
	sm.onStateChange = fn
	sm.mu.Unlock()
}

// State returns the current state.
func (sm *StateManager) State() ConnectionState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// TransitionTo moves to the new state. A terminal StateRemoved never
// transitions again.
func (sm *StateManager) TransitionTo(next ConnectionState) {
	sm.mu.Lock()
	if sm.current == StateRemoved || sm.current == next {
		sm.mu.Unlock()
		return
	}
	old := sm.current
	sm.current = next
	if next == StateConnected {
		sm.retryCount = 0
		sm.lastError = nil
	}
	callback := sm.onStateChange
	sm.mu.Unlock()

	if callback != nil {
		callback(old, next)
	}
}

// RecordFailure notes a failed attempt and returns the backoff delay
// before the next one.
func (sm *StateManager) RecordFailure(err error) time.Duration {
	sm.mu.Lock()
	sm.lastError = err
	delay := BackoffDelay(sm.retryCount)
	sm.retryCount++
	sm.lastRetryTime = time.Now()
	sm.mu.Unlock()
	return delay
}

// ResetRetries clears the backoff counter, used when a reconnect is
// triggered by a config change or completed authorization.
func (sm *StateManager) ResetRetries() {
	sm.mu.Lock()
	sm.retryCount = 0
	sm.lastError = nil
	sm.mu.Unlock()
}

// SetServerInfo records the identity reported by the upstream handshake.
func (sm *StateManager) SetServerInfo(name, version string) {
	sm.mu.Lock()
	sm.serverName = name
	sm.serverVersion = version
	sm.mu.Unlock()
}

// Info returns a snapshot for status reporting.
func (sm *StateManager) Info() ConnectionInfo {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	info := ConnectionInfo{
		State:         sm.current,
		RetryCount:    sm.retryCount,
		LastRetryTime: sm.lastRetryTime,
		ServerName:    sm.serverName,
		ServerVersion: sm.serverVersion,
	}
	if sm.lastError != nil {
		info.LastError = sm.lastError.Error()
	}
	return info
}
