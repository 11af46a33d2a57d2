package authsession

import (
	"errors"
	"testing"
)

func newTestManager(startNanos int64) (*Manager, *int64) {
	now := startNanos
	m := New(int64(5*60*1e9), func() int64 { return now })
	return m, &now
}

func TestCreateFindRelease(t *testing.T) {
	m, _ := newTestManager(0)

	h, err := m.CreateAuthSession("user1", 0)
	if err != nil {
		t.Fatalf("CreateAuthSession: %v", err)
	}
	token := h.Token()
	h.Release()

	found, err := m.FindAuthSession(token)
	if err != nil {
		t.Fatalf("FindAuthSession: %v", err)
	}
	if found.Session().Account != "user1" {
		t.Errorf("got account %v, want user1", found.Session().Account)
	}
	found.Release()
}

func TestFindAuthSessionNotFound(t *testing.T) {
	m, _ := newTestManager(0)
	_, err := m.FindAuthSession([16]byte{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFindAuthSessionBusyWhileCheckedOut(t *testing.T) {
	m, _ := newTestManager(0)
	h, err := m.CreateAuthSession("user1", 0)
	if err != nil {
		t.Fatal(err)
	}
	// h is still checked out (not released).
	_, err = m.FindAuthSession(h.Token())
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestOnAuthSetsFiniteDeadline(t *testing.T) {
	m, now := newTestManager(1000)
	h, err := m.CreateAuthSession("user1", 0)
	if err != nil {
		t.Fatal(err)
	}
	h.OnAuth()
	h.Release()

	deadline, ok := m.NextDeadline()
	if !ok {
		t.Fatal("expected a finite deadline after OnAuth")
	}
	want := *now + m.authTimeoutNanos
	if deadline != want {
		t.Errorf("deadline = %d, want %d", deadline, want)
	}
}

func TestExpireBeforeRemovesOnlyDueNonCheckedOutSlots(t *testing.T) {
	m, now := newTestManager(0)

	h1, _ := m.CreateAuthSession("user1", 0)
	h1.OnAuth() // deadline = now + timeout
	h1.Release()

	h2, _ := m.CreateAuthSession("user2", 0)
	// h2 stays checked out: deadline remains +inf, must never expire.

	*now += m.authTimeoutNanos + 1

	expired := m.ExpireBefore(*now)
	if len(expired) != 1 || expired[0] != h1.Token() {
		t.Fatalf("expected only h1's token to expire, got %v", expired)
	}

	if _, err := m.FindAuthSession(h1.Token()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected h1's slot to be gone, got %v", err)
	}

	h2.Release()
	if _, err := m.FindAuthSession(h2.Token()); err != nil {
		t.Errorf("h2 should still be findable: %v", err)
	}
}

func TestExtendTimeoutFailsWithoutFiniteDeadline(t *testing.T) {
	m, _ := newTestManager(0)
	h, _ := m.CreateAuthSession("user1", 0)
	defer h.Release()

	// Checked out, no OnAuth yet: deadline is +inf.
	if err := m.ExtendTimeout(h.Token(), 1000); err == nil {
		t.Fatal("expected ExtendTimeout to fail with no finite deadline")
	}
}

func TestExtendTimeoutSucceedsAfterOnAuth(t *testing.T) {
	m, now := newTestManager(0)
	h, _ := m.CreateAuthSession("user1", 0)
	h.OnAuth()
	h.Release()

	if err := m.ExtendTimeout(h.Token(), 500); err != nil {
		t.Fatalf("ExtendTimeout: %v", err)
	}

	deadline, ok := m.NextDeadline()
	if !ok {
		t.Fatal("expected a finite deadline")
	}
	want := *now + m.authTimeoutNanos + 500
	if deadline != want {
		t.Errorf("deadline = %d, want %d", deadline, want)
	}
}

func TestRunWhenAvailableQueuesWhileCheckedOut(t *testing.T) {
	m, _ := newTestManager(0)
	h, _ := m.CreateAuthSession("user1", 0)

	var ran bool
	if err := m.RunWhenAvailable(h.Token(), func(next *InUseAuthSession) {
		ran = true
		next.Release()
	}); err != nil {
		t.Fatal(err)
	}
	if ran {
		t.Fatal("callback should not run while the session is checked out")
	}

	h.Release() // should pop and run the queued callback
	if !ran {
		t.Fatal("expected the queued callback to run on Release")
	}
}

func TestRunWhenAvailableRunsImmediatelyWhenFree(t *testing.T) {
	m, _ := newTestManager(0)
	h, _ := m.CreateAuthSession("user1", 0)
	h.Release()

	var ran bool
	if err := m.RunWhenAvailable(h.Token(), func(next *InUseAuthSession) {
		ran = true
		next.Release()
	}); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Fatal("expected callback to run synchronously when the session is free")
	}
}

func TestReleaseOnRemovedSlotIsSilentlyDropped(t *testing.T) {
	m, _ := newTestManager(0)
	h, _ := m.CreateAuthSession("user1", 0)

	var ran bool
	if err := m.RunWhenAvailable(h.Token(), func(next *InUseAuthSession) {
		ran = true
	}); err != nil {
		t.Fatal(err)
	}

	// Simulate the slot disappearing out from under the checked-out handle
	// (e.g. a concurrent removal) before Release runs.
	delete(m.slots, h.Token())

	h.Release() // must not panic, and must not invoke the queued callback

	if ran {
		t.Fatal("a pending callback on an already-removed slot must never run")
	}
}
