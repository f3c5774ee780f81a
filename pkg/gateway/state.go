// Copyright 2024-2026 Aiku AI

package gateway

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status is the connection lifecycle state exposed over HTTP.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusQRReady      Status = "qr_ready"
	StatusConnected    Status = "connected"
)

// DeviceUser identifies the authenticated WhatsApp account.
type DeviceUser struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// StateSnapshot is an immutable copy of the connection state. Invariants:
// the QR code is non-empty only in StatusQRReady, and User is non-nil only
// in StatusConnected.
type StateSnapshot struct {
	Status      Status
	QRCode      string
	QRTimestamp time.Time
	User        *DeviceUser
	LastError   string
}

// StateStore is the process-wide observable connection state. It is mutated
// exclusively by the connection manager and read by HTTP handlers and
// subscribers. All methods are safe for concurrent use.
type StateStore struct {
	mu      sync.Mutex
	state   StateSnapshot
	subs    map[int]func(StateSnapshot)
	nextSub int
	log     zerolog.Logger
}

func NewStateStore(log zerolog.Logger) *StateStore {
	return &StateStore{
		state: StateSnapshot{Status: StatusDisconnected},
		subs:  make(map[int]func(StateSnapshot)),
		log:   log.With().Str("component", "state").Logger(),
	}
}

// Snapshot returns a copy of the current state.
func (s *StateStore) Snapshot() StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *StateStore) snapshotLocked() StateSnapshot {
	snap := s.state
	if s.state.User != nil {
		user := *s.state.User
		snap.User = &user
	}
	return snap
}

func (s *StateStore) SetStatus(status Status) {
	s.mu.Lock()
	s.state.Status = status
	if status != StatusQRReady {
		s.state.QRCode = ""
		s.state.QRTimestamp = time.Time{}
	}
	if status != StatusConnected {
		s.state.User = nil
	}
	s.notifyLocked()
}

// SetQR publishes a fresh pairing code and moves to StatusQRReady.
func (s *StateStore) SetQR(code string) {
	s.mu.Lock()
	s.state.Status = StatusQRReady
	s.state.QRCode = code
	s.state.QRTimestamp = time.Now()
	s.state.User = nil
	s.notifyLocked()
}

// ClearQR drops the pairing code without touching the rest of the state.
func (s *StateStore) ClearQR() {
	s.mu.Lock()
	s.state.QRCode = ""
	s.state.QRTimestamp = time.Time{}
	s.notifyLocked()
}

// SetUser publishes the authenticated identity and moves to StatusConnected.
func (s *StateStore) SetUser(user DeviceUser) {
	s.mu.Lock()
	s.state.Status = StatusConnected
	s.state.User = &user
	s.state.QRCode = ""
	s.state.QRTimestamp = time.Time{}
	s.state.LastError = ""
	s.notifyLocked()
}

func (s *StateStore) SetError(msg string) {
	s.mu.Lock()
	s.state.LastError = msg
	s.notifyLocked()
}

// Reset returns the store to its initial disconnected state.
func (s *StateStore) Reset() {
	s.mu.Lock()
	s.state = StateSnapshot{Status: StatusDisconnected}
	s.notifyLocked()
}

// Subscribe registers a callback invoked synchronously on every state
// mutation. The returned function unsubscribes it.
func (s *StateStore) Subscribe(fn func(StateSnapshot)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// notifyLocked is called with s.mu held and releases it before invoking
// subscribers, so a subscriber may call back into the store. A panicking
// subscriber does not prevent the others from being notified.
func (s *StateStore) notifyLocked() {
	snap := s.snapshotLocked()
	subs := make([]func(StateSnapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		s.invoke(fn, snap)
	}
}

func (s *StateStore) invoke(fn func(StateSnapshot), snap StateSnapshot) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("State subscriber panicked")
		}
	}()
	fn(snap)
}
