package authsession

import "github.com/cryptohome/storagecore/pkg/identity"

// InUseAuthSession is the owning handle returned by CreateAuthSession,
// FindAuthSession, and RunWhenAvailable. It owns the session while alive;
// Release must be called exactly once to give the session back to the
// manager (spec §4.7, §9 "Session handle as owning token": "the checked-out
// session is exactly the owning handle").
type InUseAuthSession struct {
	mgr     *Manager
	token   identity.AuthSessionToken
	session *Session
}

// Token returns the session's token.
func (h *InUseAuthSession) Token() identity.AuthSessionToken { return h.token }

// Session returns the session data owned by this handle. Valid only until
// Release is called.
func (h *InUseAuthSession) Session() *Session { return h.session }

// Release returns the session to the manager. If the slot still exists: a
// non-empty pending queue gets one callback popped and invoked with the
// session re-owned by a fresh handle; otherwise the session is put back
// into the slot. If the slot has been removed in the meantime (by a
// removal while this handle was checked out; ExpireBefore never removes a
// checked-out slot) the session — and any pending queue it carried, which
// was deleted along with the slot — is silently discarded: this
// implementation's resolution of the §9 open question ("a pending
// callback waiting on an already-removed slot is never invoked, not handed
// a null handle, since the slot's queue no longer exists to drain").
//
// Must not be called while the manager holds a borrow on the slot (spec
// §4.7 "Ordering and concurrency"); callers finish all slot accesses
// before invoking Release.
func (h *InUseAuthSession) Release() {
	s, ok := h.mgr.slots[h.token]
	if !ok {
		// Slot removed already: session and its (already-deleted) pending
		// queue are both gone. Nothing to do.
		return
	}

	if len(s.pending) > 0 {
		cb := s.pending[0]
		s.pending = s.pending[1:]
		next := &InUseAuthSession{mgr: h.mgr, token: h.token, session: h.session}
		cb(next)
		return
	}

	s.session = h.session
}
