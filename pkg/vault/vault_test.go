package vault

import (
	"context"
	"errors"
	"testing"

	"github.com/cryptohome/storagecore/pkg/container"
	"github.com/cryptohome/storagecore/pkg/fskey"
)

type fakeContainer struct {
	typ           container.Type
	setupErr      error
	teardownErr   error
	evictErr      error
	setupCalls    int
	teardownCalls int
	evictCalls    int
}

func (f *fakeContainer) Exists() bool { return true }

func (f *fakeContainer) Setup(ctx context.Context, key fskey.FileSystemKey) error {
	f.setupCalls++
	return f.setupErr
}

func (f *fakeContainer) Teardown(ctx context.Context) error {
	f.teardownCalls++
	return f.teardownErr
}

func (f *fakeContainer) EvictKey(ctx context.Context) error {
	f.evictCalls++
	return f.evictErr
}

func (f *fakeContainer) RestoreKey(ctx context.Context, key fskey.FileSystemKey) error { return nil }
func (f *fakeContainer) Reset(ctx context.Context) error                              { return nil }
func (f *fakeContainer) Purge(ctx context.Context) error                              { return nil }
func (f *fakeContainer) SetLazyTeardownWhenUnused(ctx context.Context) error          { return nil }
func (f *fakeContainer) GetType() container.Type                                      { return f.typ }
func (f *fakeContainer) GetBackingLocation() string                                   { return "/fake" }
func (f *fakeContainer) GetReference() fskey.Reference                                { return fskey.Reference{} }

// unsupportedContainer always reports EvictKey/RestoreKey as unsupported,
// the shape dm-crypt's Ecryptfs/Fscrypt siblings use.
type unsupportedContainer struct{ fakeContainer }

func (u *unsupportedContainer) EvictKey(ctx context.Context) error {
	return &container.ErrUnsupported{Op: "EvictKey", Type: u.typ}
}

func TestVaultSetupRollsBackOnCacheFailure(t *testing.T) {
	primary := &fakeContainer{typ: container.Dmcrypt}
	cache := &fakeContainer{typ: container.Dmcrypt, setupErr: errors.New("cache mkfs failed")}

	v := New("user1", primary, nil, cache, nil)
	err := v.Setup(context.Background(), fskey.FileSystemKey{})
	if err == nil {
		t.Fatal("expected Setup to fail")
	}
	if primary.setupCalls != 1 || primary.teardownCalls != 1 {
		t.Errorf("expected primary to be set up then rolled back, got setup=%d teardown=%d", primary.setupCalls, primary.teardownCalls)
	}
}

func TestVaultSetupSucceedsAcrossAllContainers(t *testing.T) {
	primary := &fakeContainer{typ: container.Dmcrypt}
	cache := &fakeContainer{typ: container.Dmcrypt}
	app := &fakeContainer{typ: container.Dmcrypt}

	v := New("user1", primary, nil, cache, map[string]container.StorageContainer{"arc": app})
	if err := v.Setup(context.Background(), fskey.FileSystemKey{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if primary.teardownCalls != 0 || cache.teardownCalls != 0 || app.teardownCalls != 0 {
		t.Error("no container should be torn down on a fully successful setup")
	}
}

func TestVaultTeardownAggregatesAndNeverShortCircuits(t *testing.T) {
	primary := &fakeContainer{typ: container.Dmcrypt, teardownErr: errors.New("primary busy")}
	cache := &fakeContainer{typ: container.Dmcrypt, teardownErr: errors.New("cache busy")}

	v := New("user1", primary, nil, cache, nil)
	err := v.Teardown(context.Background())
	if err == nil {
		t.Fatal("expected an aggregated error")
	}
	if primary.teardownCalls != 1 || cache.teardownCalls != 1 {
		t.Errorf("expected both containers torn down despite errors, got primary=%d cache=%d", primary.teardownCalls, cache.teardownCalls)
	}
}

func TestVaultEvictKeyTreatsUnsupportedAsNoop(t *testing.T) {
	primary := &unsupportedContainer{fakeContainer{typ: container.Ecryptfs}}
	v := New("user1", primary, nil, nil, nil)

	if err := v.EvictKey(context.Background()); err != nil {
		t.Fatalf("expected ErrUnsupported to be swallowed, got %v", err)
	}
}

func TestVaultEvictKeyPropagatesRealErrors(t *testing.T) {
	primary := &fakeContainer{typ: container.Dmcrypt, evictErr: errors.New("keyring busy")}
	v := New("user1", primary, nil, nil, nil)

	if err := v.EvictKey(context.Background()); err == nil {
		t.Fatal("expected a real error to propagate")
	}
}

func TestVaultMountType(t *testing.T) {
	tt := []struct {
		typ  container.Type
		want MountType
	}{
		{container.Ecryptfs, MountTypeEcryptfs},
		{container.Fscrypt, MountTypeDircrypto},
		{container.Dmcrypt, MountTypeDmcrypt},
		{container.Ext4, MountTypeDmcrypt},
		{container.Ephemeral, MountTypeEphemeral},
		{container.EcryptfsToFscrypt, MountTypeEcryptfsToDircrypto},
		{container.EcryptfsToDmcrypt, MountTypeEcryptfsToDmcrypt},
		{container.FscryptToDmcrypt, MountTypeDircryptoToDmcrypt},
	}
	for _, tc := range tt {
		v := New("user1", &fakeContainer{typ: tc.typ}, nil, nil, nil)
		if got := v.MountType(); got != tc.want {
			t.Errorf("MountType() for %v = %v, want %v", tc.typ, got, tc.want)
		}
	}
}
