// Copyright 2024-2026 Aiku AI

package gateway

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// session is the narrow view of the transport the state machine needs.
// whatsmeowSession is the production implementation; tests use a fake.
type session interface {
	Connect() error
	Disconnect()
	Logout(ctx context.Context) error
	IsConnected() bool
	IsLoggedIn() bool
	AddEventHandler(fn func(evt any))
	QRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error)
	PairedUser() *DeviceUser
	SendText(ctx context.Context, to types.JID, text string) (string, error)
	GroupInfo(ctx context.Context, jid types.JID) (*types.GroupInfo, error)
	PNStore() pnStore
	WipeCredentials(ctx context.Context) error
}

const (
	maxReconnectAttempts = 5
	reconnectBackoffStep = 2 * time.Second
	reconnectBackoffCap  = 10 * time.Second
	qrExpiry             = 20 * time.Second
)

// ConnectionManager owns the session lifecycle: disconnected -> connecting
// -> {qr_ready, connected}, reconnection with bounded linear backoff, and
// the terminal logged-out path. Only one transport connection exists at a
// time, enforced by a single-flight guard around initialization.
type ConnectionManager struct {
	ctx        context.Context
	state      *StateStore
	resolver   *IdentityResolver
	pipeline   *EventPipeline
	log        zerolog.Logger
	newSession func(ctx context.Context) (session, error)

	backoffStep time.Duration
	backoffCap  time.Duration
	maxAttempts int
	qrWriter    io.Writer

	connecting atomic.Bool

	mu       sync.Mutex
	sess     session
	attempts int
	// generation invalidates reconnect timers scheduled against a session
	// that has since been replaced or torn down.
	generation uint64
}

// NewConnectionManager builds a manager bound to the process-lifetime
// context; reconnect timers and event handling stop when it is canceled.
func NewConnectionManager(ctx context.Context, state *StateStore, resolver *IdentityResolver, log zerolog.Logger, newSession func(ctx context.Context) (session, error)) *ConnectionManager {
	return &ConnectionManager{
		ctx:         ctx,
		state:       state,
		resolver:    resolver,
		log:         log.With().Str("component", "connection").Logger(),
		newSession:  newSession,
		backoffStep: reconnectBackoffStep,
		backoffCap:  reconnectBackoffCap,
		maxAttempts: maxReconnectAttempts,
	}
}

// SetPipeline attaches the message pipeline. Separate from the constructor
// because the pipeline needs the manager for group metadata lookups.
func (cm *ConnectionManager) SetPipeline(p *EventPipeline) {
	cm.pipeline = p
}

// SetQRWriter enables terminal rendering of pairing codes to w.
func (cm *ConnectionManager) SetQRWriter(w io.Writer) {
	cm.qrWriter = w
}

// Initialize opens the transport session and registers event handlers. A
// concurrent call while a connection attempt is already in flight is a
// no-op.
func (cm *ConnectionManager) Initialize() error {
	if !cm.connecting.CompareAndSwap(false, true) {
		return nil
	}
	cm.state.SetStatus(StatusConnecting)

	sess, err := cm.newSession(cm.ctx)
	if err != nil {
		return cm.connectFailed(fmt.Errorf("create session: %w", err))
	}
	cm.mu.Lock()
	cm.sess = sess
	cm.mu.Unlock()
	cm.resolver.SetPNStore(sess.PNStore())
	sess.AddEventHandler(cm.handleEvent)

	if !sess.IsLoggedIn() {
		qrChan, err := sess.QRChannel(cm.ctx)
		if err != nil {
			cm.log.Warn().Err(err).Msg("QR channel unavailable")
		} else {
			go cm.watchQR(qrChan)
		}
	}

	if err := sess.Connect(); err != nil {
		return cm.connectFailed(fmt.Errorf("connect: %w", err))
	}
	return nil
}

// connectFailed treats an initialization failure like a retriable transport
// close: same counter, same bounded backoff.
func (cm *ConnectionManager) connectFailed(err error) error {
	cm.log.Error().Err(err).Msg("Session initialization failed")
	cm.state.SetError(err.Error())
	cm.connecting.Store(false)
	cm.scheduleReconnect(err.Error())
	return err
}

func (cm *ConnectionManager) handleEvent(evt any) {
	switch e := evt.(type) {
	case *events.Connected:
		cm.onConnected()
	case *events.PairSuccess:
		cm.log.Info().Str("jid", e.ID.String()).Msg("Pairing succeeded")
	case *events.LoggedOut:
		cm.onLoggedOut(e)
	case *events.Disconnected:
		cm.onClosed("transport disconnected")
	case *events.StreamReplaced:
		cm.onClosed("stream replaced by another client")
	case *events.ConnectFailure:
		if e.Reason.IsLoggedOut() {
			cm.onLoggedOut(&events.LoggedOut{Reason: e.Reason})
			return
		}
		cm.onClosed(fmt.Sprintf("connect failure: %s", e.Message))
	case *events.Message:
		if cm.pipeline != nil {
			cm.pipeline.HandleMessage(cm.ctx, e)
		}
	case *events.HistorySync:
		// Backfill batches are ignored wholesale; only live notifications
		// are forwarded.
	}
}

func (cm *ConnectionManager) onConnected() {
	cm.connecting.Store(false)
	cm.mu.Lock()
	cm.attempts = 0
	cm.generation++
	sess := cm.sess
	cm.mu.Unlock()

	var user DeviceUser
	if sess != nil {
		if u := sess.PairedUser(); u != nil {
			user = *u
		}
	}
	cm.state.SetUser(user)
	cm.log.Info().Str("user", user.ID).Str("name", user.Name).Msg("WhatsApp connected")
}

// The logged-out close reason is terminal: the credentials are gone
// server-side and reconnecting would loop forever, so the operator must
// re-pair from scratch.
func (cm *ConnectionManager) onLoggedOut(e *events.LoggedOut) {
	cm.log.Error().Int("reason", int(e.Reason)).Msg("Logged out by server, re-pairing required")
	cm.connecting.Store(false)
	cm.mu.Lock()
	cm.attempts = 0
	cm.generation++
	cm.mu.Unlock()
	cm.state.Reset()
	cm.state.SetError("logged out, scan a new QR code to re-pair")
}

func (cm *ConnectionManager) onClosed(reason string) {
	cm.log.Warn().Str("reason", reason).Msg("Connection closed")
	cm.connecting.Store(false)
	cm.state.SetStatus(StatusDisconnected)
	cm.state.SetError(reason)
	cm.scheduleReconnect(reason)
}

// scheduleReconnect applies the bounded backoff policy for retriable
// failures. Once the attempt cap is reached the machine stays disconnected
// until an operator triggers a reconnect.
func (cm *ConnectionManager) scheduleReconnect(reason string) {
	cm.mu.Lock()
	if cm.attempts >= cm.maxAttempts {
		cm.mu.Unlock()
		cm.state.SetStatus(StatusDisconnected)
		cm.state.SetError("max reconnect attempts reached: " + reason)
		cm.log.Error().Int("max", cm.maxAttempts).Msg("Max reconnect attempts reached, manual reconnect required")
		return
	}
	cm.attempts++
	attempt := cm.attempts
	gen := cm.generation
	cm.mu.Unlock()

	delay := cm.reconnectDelay(attempt)
	cm.log.Warn().Int("attempt", attempt).Int("max", cm.maxAttempts).
		Dur("delay", delay).Msg("Scheduling reconnect")
	go func() {
		select {
		case <-time.After(delay):
		case <-cm.ctx.Done():
			return
		}
		cm.mu.Lock()
		stale := gen != cm.generation
		cm.mu.Unlock()
		if stale {
			cm.log.Debug().Int("attempt", attempt).Msg("Reconnect timer superseded, skipping")
			return
		}
		if err := cm.Initialize(); err != nil {
			cm.log.Error().Err(err).Msg("Reconnect attempt failed")
		}
	}()
}

// reconnectDelay grows linearly with the attempt number and is capped:
// min(attempt * step, cap).
func (cm *ConnectionManager) reconnectDelay(attempt int) time.Duration {
	delay := time.Duration(attempt) * cm.backoffStep
	if delay > cm.backoffCap {
		delay = cm.backoffCap
	}
	return delay
}

func (cm *ConnectionManager) watchQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			cm.state.SetQR(item.Code)
			if cm.qrWriter != nil {
				cm.log.Info().Msg("Scan the QR code with WhatsApp: Linked Devices > Link a Device")
				qrterminal.GenerateHalfBlock(item.Code, qrterminal.L, cm.qrWriter)
			}
		case whatsmeow.QRChannelSuccess.Event:
			cm.state.ClearQR()
		case whatsmeow.QRChannelTimeout.Event:
			cm.log.Warn().Msg("Pairing timed out, reconnect to get a fresh code")
			cm.connecting.Store(false)
			cm.state.SetStatus(StatusDisconnected)
			cm.state.SetError("pairing timeout")
		default:
			if item.Error != nil {
				cm.log.Error().Err(item.Error).Str("event", item.Event).Msg("Pairing failed")
				cm.connecting.Store(false)
				cm.state.SetStatus(StatusDisconnected)
				cm.state.SetError(item.Error.Error())
			}
		}
	}
}

// Disconnect tears down the transport session and clears the single-flight
// guard. Safe to call when already disconnected.
func (cm *ConnectionManager) Disconnect() {
	cm.mu.Lock()
	sess := cm.sess
	cm.sess = nil
	cm.attempts = 0
	cm.generation++
	cm.mu.Unlock()
	if sess != nil {
		sess.Disconnect()
	}
	cm.connecting.Store(false)
}

// ForceReconnect resets all state and starts a fresh session, forcing
// issuance of a new pairing code when the device is unpaired.
func (cm *ConnectionManager) ForceReconnect() error {
	cm.state.Reset()
	cm.state.SetStatus(StatusConnecting)
	cm.Disconnect()
	return cm.Initialize()
}

// Logout ends the session and removes the persisted credentials so the
// next connection starts from a clean pairing.
func (cm *ConnectionManager) Logout(ctx context.Context) error {
	cm.mu.Lock()
	sess := cm.sess
	cm.sess = nil
	cm.attempts = 0
	cm.generation++
	cm.mu.Unlock()
	cm.connecting.Store(false)

	if sess != nil {
		if sess.IsLoggedIn() {
			if err := sess.Logout(ctx); err != nil {
				cm.log.Warn().Err(err).Msg("Server-side logout failed, wiping local credentials anyway")
			}
		}
		sess.Disconnect()
		if err := sess.WipeCredentials(ctx); err != nil {
			return fmt.Errorf("wipe credentials: %w", err)
		}
	}
	cm.state.Reset()
	return nil
}

// SendText sends a plain text message through the active session and
// returns the assigned message ID.
func (cm *ConnectionManager) SendText(ctx context.Context, to, text string) (string, error) {
	cm.mu.Lock()
	sess := cm.sess
	cm.mu.Unlock()
	if sess == nil || !sess.IsConnected() {
		return "", fmt.Errorf("whatsapp session not connected")
	}
	jid, err := ParseRecipient(to)
	if err != nil {
		return "", err
	}
	return sess.SendText(ctx, jid, text)
}

// GroupInfo implements the pipeline's group metadata lookup against the
// active session.
func (cm *ConnectionManager) GroupInfo(ctx context.Context, jid types.JID) (*types.GroupInfo, error) {
	cm.mu.Lock()
	sess := cm.sess
	cm.mu.Unlock()
	if sess == nil {
		return nil, fmt.Errorf("no active session")
	}
	return sess.GroupInfo(ctx, jid)
}

// ParseRecipient accepts bare phone numbers and full JIDs. The legacy c.us
// server is mapped to the modern user server for sending.
func ParseRecipient(to string) (types.JID, error) {
	if !strings.ContainsRune(to, '@') {
		if to == "" {
			return types.EmptyJID, fmt.Errorf("empty recipient")
		}
		return types.NewJID(to, types.DefaultUserServer), nil
	}
	jid, err := types.ParseJID(to)
	if err != nil {
		return types.EmptyJID, fmt.Errorf("invalid recipient %q: %w", to, err)
	}
	if jid.User == "" {
		return types.EmptyJID, fmt.Errorf("invalid recipient %q", to)
	}
	if jid.Server == types.LegacyUserServer {
		jid.Server = types.DefaultUserServer
	}
	return jid, nil
}
