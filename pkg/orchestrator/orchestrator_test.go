package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/cryptohome/storagecore/pkg/container"
	"github.com/cryptohome/storagecore/pkg/errs"
	"github.com/cryptohome/storagecore/pkg/fskey"
	"github.com/cryptohome/storagecore/pkg/homedirs"
	"github.com/cryptohome/storagecore/pkg/identity"
	"github.com/cryptohome/storagecore/pkg/mounter"
	"github.com/cryptohome/storagecore/pkg/vault"
)

// fakePlatform is a minimal, unprivileged stand-in for internal/platform.Platform.
type fakePlatform struct {
	mountErr error

	statfsBlockSize uint32
	statfsFree      uint64
	xattrs          map[string]map[string][]byte
	mounted         map[string]bool
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{xattrs: make(map[string]map[string][]byte), mounted: make(map[string]bool)}
}

func (f *fakePlatform) Mount(source, target, fstype string, flags uintptr, data string) error {
	if f.mountErr != nil {
		return f.mountErr
	}
	f.mounted[target] = true
	return nil
}
func (f *fakePlatform) Unmount(target string, flags int) error { delete(f.mounted, target); return nil }
func (f *fakePlatform) Bind(source, target string, flags uintptr) error {
	f.mounted[target] = true
	return nil
}
func (f *fakePlatform) Chown(path string, uid, gid int) error           { return nil }
func (f *fakePlatform) Chmod(path string, mode uint32) error            { return nil }
func (f *fakePlatform) Mkdir(path string, mode uint32) error            { return nil }
func (f *fakePlatform) IsMounted(target string) (bool, error)           { return f.mounted[target], nil }
func (f *fakePlatform) SetXattr(path, name string, value []byte) error {
	if f.xattrs[path] == nil {
		f.xattrs[path] = make(map[string][]byte)
	}
	f.xattrs[path][name] = append([]byte(nil), value...)
	return nil
}
func (f *fakePlatform) GetXattr(path, name string) ([]byte, error) {
	v, ok := f.xattrs[path][name]
	if !ok {
		return nil, errors.New("no such xattr")
	}
	return v, nil
}
func (f *fakePlatform) RemoveXattr(path, name string) error { delete(f.xattrs[path], name); return nil }
func (f *fakePlatform) Statfs(path string) (uint32, uint64, uint64, error) {
	return f.statfsBlockSize, 0, f.statfsFree, nil
}

// fakeContainer is a minimal in-memory container.StorageContainer.
type fakeContainer struct {
	typ           container.Type
	setupErr      error
	teardownErr   error
	setupCalls    int
	teardownCalls int
	purgeCalls    int
}

func (c *fakeContainer) Exists() bool { return true }
func (c *fakeContainer) Setup(ctx context.Context, key fskey.FileSystemKey) error {
	c.setupCalls++
	return c.setupErr
}
func (c *fakeContainer) Teardown(ctx context.Context) error {
	c.teardownCalls++
	return c.teardownErr
}
func (c *fakeContainer) EvictKey(ctx context.Context) error                           { return nil }
func (c *fakeContainer) RestoreKey(ctx context.Context, key fskey.FileSystemKey) error { return nil }
func (c *fakeContainer) Reset(ctx context.Context) error                              { return nil }
func (c *fakeContainer) Purge(ctx context.Context) error                              { c.purgeCalls++; return nil }
func (c *fakeContainer) SetLazyTeardownWhenUnused(ctx context.Context) error          { return nil }
func (c *fakeContainer) GetType() container.Type                                      { return c.typ }
func (c *fakeContainer) GetBackingLocation() string                                   { return "/fake/backing" }
func (c *fakeContainer) GetReference() fskey.Reference                                { return fskey.Reference{} }

type fakeVaultBuilder struct {
	primary       *fakeContainer
	buildErr      error
	ephemeralPath string
	ephemeralSize int64
}

func (b *fakeVaultBuilder) Build(user identity.ObfuscatedUsername, vaultType container.Type) (*vault.CryptohomeVault, error) {
	if b.buildErr != nil {
		return nil, b.buildErr
	}
	b.primary.typ = vaultType
	return vault.New(user, b.primary, nil, nil, nil), nil
}

func (b *fakeVaultBuilder) BuildEphemeral(user identity.ObfuscatedUsername, sizeBytes int64) (*vault.CryptohomeVault, string, error) {
	if b.buildErr != nil {
		return nil, "", b.buildErr
	}
	b.ephemeralSize = sizeBytes
	b.primary.typ = container.Ephemeral
	return vault.New(user, b.primary, nil, nil, nil), b.ephemeralPath, nil
}

func newTestOrchestrator(t *testing.T, platform *fakePlatform, builder *fakeVaultBuilder) *MountOrchestrator {
	t.Helper()
	root := t.TempDir()
	hd := homedirs.New(root, homedirs.Capabilities{}, fakePolicy{})
	m := mounter.New(mounter.Paths{ShadowRoot: root, EphemeralRoot: root}, mounter.Config{}, platform)
	return New(hd, builder, m)
}

type fakePolicy struct{}

func (fakePolicy) IsEphemeralUser(identity.ObfuscatedUsername) bool { return false }
func (fakePolicy) OwnerUser() identity.ObfuscatedUsername           { return "" }
func (fakePolicy) IsEnterpriseEnrolled() bool                       { return false }

func TestMountCryptohomeSucceeds(t *testing.T) {
	platform := newFakePlatform()
	builder := &fakeVaultBuilder{primary: &fakeContainer{typ: container.Ecryptfs}}
	o := newTestOrchestrator(t, platform, builder)

	err := o.MountCryptohome(context.Background(), "user1", fskey.FileSystemKey{}, homedirs.DiskState{}, homedirs.Options{})
	if err != nil {
		t.Fatalf("MountCryptohome: %v", err)
	}
	if o.current == nil {
		t.Fatal("expected orchestrator to record mounted state")
	}
	if builder.primary.setupCalls != 1 {
		t.Errorf("expected Setup called once, got %d", builder.primary.setupCalls)
	}
}

func TestMountCryptohomeFailsWhenAlreadyMounted(t *testing.T) {
	platform := newFakePlatform()
	builder := &fakeVaultBuilder{primary: &fakeContainer{typ: container.Ecryptfs}}
	o := newTestOrchestrator(t, platform, builder)

	if err := o.MountCryptohome(context.Background(), "user1", fskey.FileSystemKey{}, homedirs.DiskState{}, homedirs.Options{}); err != nil {
		t.Fatal(err)
	}
	err := o.MountCryptohome(context.Background(), "user2", fskey.FileSystemKey{}, homedirs.DiskState{}, homedirs.Options{})
	if !errs.Is(err, errs.MountPointBusy) {
		t.Fatalf("expected MountPointBusy, got %v", err)
	}
}

func TestMountCryptohomeUnwindsOnMountFailure(t *testing.T) {
	platform := newFakePlatform()
	platform.mountErr = errors.New("mount failed")
	builder := &fakeVaultBuilder{primary: &fakeContainer{typ: container.Ecryptfs}}
	o := newTestOrchestrator(t, platform, builder)

	err := o.MountCryptohome(context.Background(), "user1", fskey.FileSystemKey{}, homedirs.DiskState{}, homedirs.Options{})
	if err == nil {
		t.Fatal("expected an error when the underlying mount fails")
	}
	if o.current != nil {
		t.Error("orchestrator must not record mounted state on failure")
	}
	if builder.primary.teardownCalls != 1 {
		t.Errorf("expected vault torn down after failed mount, got %d teardown calls", builder.primary.teardownCalls)
	}
}

func TestMountEphemeralCryptohomeUsesStatfsForSize(t *testing.T) {
	platform := newFakePlatform()
	platform.statfsBlockSize = 4096
	platform.statfsFree = 1000
	builder := &fakeVaultBuilder{primary: &fakeContainer{typ: container.Ephemeral}, ephemeralPath: "/dev/loop7"}
	o := newTestOrchestrator(t, platform, builder)

	if err := o.MountEphemeralCryptohome(context.Background(), "user1"); err != nil {
		t.Fatalf("MountEphemeralCryptohome: %v", err)
	}
	if o.current == nil {
		t.Fatal("expected mounted state recorded")
	}
	if builder.ephemeralSize != 4096*1000 {
		t.Errorf("expected ephemeral size 4096*1000 from statfs, got %d", builder.ephemeralSize)
	}
}

func TestUnmountCryptohomeTearsDownAndClearsState(t *testing.T) {
	platform := newFakePlatform()
	builder := &fakeVaultBuilder{primary: &fakeContainer{typ: container.Ecryptfs}}
	o := newTestOrchestrator(t, platform, builder)

	if err := o.MountCryptohome(context.Background(), "user1", fskey.FileSystemKey{}, homedirs.DiskState{}, homedirs.Options{}); err != nil {
		t.Fatal(err)
	}
	if err := o.UnmountCryptohome(context.Background()); err != nil {
		t.Fatalf("UnmountCryptohome: %v", err)
	}
	if o.current != nil {
		t.Error("expected mounted state cleared")
	}
	if builder.primary.teardownCalls != 1 {
		t.Errorf("expected exactly one teardown, got %d", builder.primary.teardownCalls)
	}
}

func TestUnmountCryptohomeWhenNothingMountedIsNoop(t *testing.T) {
	o := newTestOrchestrator(t, newFakePlatform(), &fakeVaultBuilder{primary: &fakeContainer{}})
	if err := o.UnmountCryptohome(context.Background()); err != nil {
		t.Fatalf("expected no-op success, got %v", err)
	}
}

func TestMigrateEncryptionRequiresMountedCryptohome(t *testing.T) {
	o := newTestOrchestrator(t, newFakePlatform(), &fakeVaultBuilder{primary: &fakeContainer{}})
	err := o.MigrateEncryption(context.Background(), MigrationFull, nil)
	if err == nil {
		t.Fatal("expected an error when nothing is mounted")
	}
}

func TestMigrateEncryptionRequiresMigratingContainer(t *testing.T) {
	platform := newFakePlatform()
	builder := &fakeVaultBuilder{primary: &fakeContainer{typ: container.Dmcrypt}}
	o := newTestOrchestrator(t, platform, builder)

	if err := o.MountCryptohome(context.Background(), "user1", fskey.FileSystemKey{}, homedirs.DiskState{}, homedirs.Options{}); err != nil {
		t.Fatal(err)
	}
	err := o.MigrateEncryption(context.Background(), MigrationFull, nil)
	if err == nil {
		t.Fatal("expected an error for a non-migrating mounted vault type")
	}
}
