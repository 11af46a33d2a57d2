// Package authsession implements AuthSessionManager (spec §4.7): a
// collection of live AuthSessions identified by an unguessable token, with
// single-holder exclusivity, expiration, extension, and queued callbacks
// waiting for a session to become available. Single-threaded cooperative,
// per spec §5: every exported method must be called from the one
// executor/goroutine that owns the Manager.
package authsession

import (
	"errors"
	"fmt"
	"sort"

	"github.com/cryptohome/storagecore/pkg/identity"
	"github.com/cryptohome/storagecore/pkg/storagelog"
)

// State is the AuthSession's authentication state (spec §3).
type State int

const (
	Unauthenticated State = iota
	Authenticated
)

// Intent is an opaque purpose tag carried by a session (credential
// verification itself is out of scope, spec §1).
type Intent int

// Account identifies the user an AuthSession was created for.
type Account = identity.ObfuscatedUsername

// Session is the data an AuthSessionManager tracks per live session (spec
// §3 "AuthSession").
type Session struct {
	Token   identity.AuthSessionToken
	Account Account
	Intent  Intent
	State   State
}

// deadline is either a finite point in time or "never while checked out"
// (spec §3 ExpirationIndex: "deadline +∞ means never, while checked out").
// Represented as an optional int64 (unix nanos) rather than time.Time so
// tests can drive a mock clock without wall-clock flakiness.
type deadline struct {
	finite bool
	at     int64 // unix nanos, meaningful only if finite
}

var infiniteDeadline = deadline{finite: false}

func finiteDeadline(at int64) deadline { return deadline{finite: true, at: at} }

// slot holds a session that may currently be checked out ("hole in slot":
// session == nil but the slot still exists) per spec §3 "SessionSlot".
type slot struct {
	session  *Session // nil iff checked out
	pending  []func(*InUseAuthSession)
	deadline deadline
	removed  bool
}

// Manager is AuthSessionManager (spec §4.7).
type Manager struct {
	slots map[identity.AuthSessionToken]*slot
	// authTimeoutNanos is the duration (kAuthTimeout) added to now when the
	// on-auth callback fires.
	authTimeoutNanos int64
	now              func() int64
}

// New constructs a Manager. now supplies the current time as unix nanos,
// injected so tests can drive a mock clock (spec §8 S5).
func New(authTimeoutNanos int64, now func() int64) *Manager {
	return &Manager{
		slots:            make(map[identity.AuthSessionToken]*slot),
		authTimeoutNanos: authTimeoutNanos,
		now:              now,
	}
}

// CreateAuthSession creates a new session with an initial deadline of +∞,
// inserts the slot in "checked out" state, and attaches an on-auth callback
// that replaces the slot's deadline with now+kAuthTimeout when fired (spec
// §4.7).
func (m *Manager) CreateAuthSession(account Account, intent Intent) (*InUseAuthSession, error) {
	token, err := identity.NewAuthSessionToken()
	if err != nil {
		return nil, fmt.Errorf("creating auth session: %w", err)
	}
	if _, exists := m.slots[token]; exists {
		// Spec §8 invariant 4: token collision is an abort-worthy invariant
		// violation.
		storagelog.Fatalf("auth session token collision: %s", token)
	}

	sess := &Session{Token: token, Account: account, Intent: intent, State: Unauthenticated}
	m.slots[token] = &slot{session: nil, deadline: infiniteDeadline}

	return &InUseAuthSession{mgr: m, token: token, session: sess}, nil
}

// OnAuth fires the on-auth callback for h's underlying session: replaces
// the slot's deadline with now+kAuthTimeout and marks the session
// Authenticated. The deadline lives on the slot, not the handle, since it
// must persist across checkout/return. Must be called while h is held
// (spec §4.7).
func (h *InUseAuthSession) OnAuth() {
	h.session.State = Authenticated
	if s, ok := h.mgr.slots[h.token]; ok {
		s.deadline = finiteDeadline(h.mgr.now() + h.mgr.authTimeoutNanos)
	}
}

// FindAuthSession looks up token. If absent, returns (nil, ErrNotFound); if
// the slot is checked out, returns (nil, ErrBusy); otherwise checks the
// session out and returns an owning handle (spec §4.7).
func (m *Manager) FindAuthSession(token identity.AuthSessionToken) (*InUseAuthSession, error) {
	s, ok := m.slots[token]
	if !ok {
		return nil, ErrNotFound
	}
	if s.session == nil {
		return nil, ErrBusy
	}
	sess := s.session
	s.session = nil
	return &InUseAuthSession{mgr: m, token: token, session: sess}, nil
}

// RunWhenAvailable runs callback synchronously with a checked-out handle if
// the session is available; otherwise enqueues it on the slot's FIFO (spec
// §4.7).
func (m *Manager) RunWhenAvailable(token identity.AuthSessionToken, callback func(*InUseAuthSession)) error {
	s, ok := m.slots[token]
	if !ok {
		return ErrNotFound
	}
	if s.session == nil {
		s.pending = append(s.pending, callback)
		return nil
	}
	sess := s.session
	s.session = nil
	callback(&InUseAuthSession{mgr: m, token: token, session: sess})
	return nil
}

// ExtendTimeout adds delta nanoseconds to the slot's current deadline.
// Fails if no finite deadline is present — i.e. the session is checked out
// with no OnAuth yet, or has already been scheduled for destruction on
// return (spec §4.7, §9 Open Question: "the source searches for a finite
// entry and fails otherwise; preserve that behavior").
func (m *Manager) ExtendTimeout(token identity.AuthSessionToken, deltaNanos int64) error {
	s, ok := m.slots[token]
	if !ok {
		return ErrNotFound
	}
	if !s.deadline.finite {
		return fmt.Errorf("auth session %s: no finite deadline to extend", token)
	}
	s.deadline.at += deltaNanos
	return nil
}

// ExpireBefore removes every slot whose deadline is ≤ nowNanos and is not
// currently checked out (a checked-out slot's deadline is +∞ until OnAuth
// fires, so it is never expired while out). Returns the tokens removed
// (spec §4.7 "Expiration").
func (m *Manager) ExpireBefore(nowNanos int64) []identity.AuthSessionToken {
	var expired []identity.AuthSessionToken
	for token, s := range m.slots {
		if s.session == nil {
			// checked out: deadline is +∞ by construction until OnAuth, and
			// the real deadline only takes effect after the holder returns.
			continue
		}
		if s.deadline.finite && s.deadline.at <= nowNanos {
			expired = append(expired, token)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].String() < expired[j].String() })
	for _, token := range expired {
		delete(m.slots, token)
	}
	return expired
}

// NextDeadline returns the earliest finite deadline across all slots with
// a present, non-checked-out session, and whether one exists. Used to
// re-arm a single expiration timer (spec §9 "Asynchronous migration and
// expiration").
func (m *Manager) NextDeadline() (int64, bool) {
	var (
		best  int64
		found bool
	)
	for _, s := range m.slots {
		if s.session == nil || !s.deadline.finite {
			continue
		}
		if !found || s.deadline.at < best {
			best, found = s.deadline.at, true
		}
	}
	return best, found
}

var (
	// ErrNotFound is returned by FindAuthSession/RunWhenAvailable/ExtendTimeout
	// when the token names no live session.
	ErrNotFound = errors.New("auth session: not found")
	// ErrBusy is returned by FindAuthSession when the slot exists but is
	// currently checked out.
	ErrBusy = errors.New("auth session: busy")
)
