package homedirs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cryptohome/storagecore/pkg/container"
	"github.com/cryptohome/storagecore/pkg/errs"
	"github.com/cryptohome/storagecore/pkg/identity"
)

func TestObservedTable(t *testing.T) {
	tt := []struct {
		name                        string
		ecryptfs, fscrypt, dmcrypt bool
		want                        Observed
	}{
		{"fresh", false, false, false, ObservedUnknown},
		{"ecryptfs only", true, false, false, ObservedEcryptfs},
		{"fscrypt only", false, true, false, ObservedFscrypt},
		{"dmcrypt only", false, false, true, ObservedDmcrypt},
		{"ecryptfs to fscrypt", true, true, false, ObservedEcryptfsToFscrypt},
		{"ecryptfs to dmcrypt", true, false, true, ObservedEcryptfsToDmcrypt},
		{"fscrypt to dmcrypt", false, true, true, ObservedFscryptToDmcrypt},
		{"all three is unknown", true, true, true, ObservedUnknown},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			got := observedTable(tc.ecryptfs, tc.fscrypt, tc.dmcrypt)
			if got != tc.want {
				t.Errorf("observedTable(%v,%v,%v) = %v, want %v", tc.ecryptfs, tc.fscrypt, tc.dmcrypt, got, tc.want)
			}
		})
	}
}

type fakePolicy struct {
	ephemeral  map[identity.ObfuscatedUsername]bool
	owner      identity.ObfuscatedUsername
	enterprise bool
}

func (p fakePolicy) IsEphemeralUser(u identity.ObfuscatedUsername) bool { return p.ephemeral[u] }
func (p fakePolicy) OwnerUser() identity.ObfuscatedUsername             { return p.owner }
func (p fakePolicy) IsEnterpriseEnrolled() bool                         { return p.enterprise }

func TestPickVaultTypeFreshUser(t *testing.T) {
	h := New(t.TempDir(), Capabilities{LVMSupported: true}, fakePolicy{})
	got, err := h.PickVaultType(DiskState{}, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != container.Dmcrypt {
		t.Errorf("fresh user with LVM support should elect Dmcrypt, got %v", got)
	}
}

func TestPickVaultTypeFreshUserFallsBackToFscryptThenEcryptfs(t *testing.T) {
	h := New(t.TempDir(), Capabilities{FscryptSupported: true}, fakePolicy{})
	got, err := h.PickVaultType(DiskState{}, Options{})
	if err != nil || got != container.Fscrypt {
		t.Fatalf("got %v, %v; want Fscrypt, nil", got, err)
	}

	h2 := New(t.TempDir(), Capabilities{}, fakePolicy{})
	got2, err := h2.PickVaultType(DiskState{}, Options{})
	if err != nil || got2 != container.Ecryptfs {
		t.Fatalf("got %v, %v; want Ecryptfs, nil", got2, err)
	}
}

func TestPickVaultTypeBlocksOldEncryption(t *testing.T) {
	h := New(t.TempDir(), Capabilities{}, fakePolicy{})
	disk := DiskState{EcryptfsVaultExists: true}
	_, err := h.PickVaultType(disk, Options{BlockEcryptfs: true})
	if !errs.Is(err, errs.OldEncryption) {
		t.Fatalf("expected OldEncryption, got %v", err)
	}
}

func TestPickVaultTypeRejectsIncompleteMigrationWithoutMigrateFlag(t *testing.T) {
	h := New(t.TempDir(), Capabilities{}, fakePolicy{})
	disk := DiskState{EcryptfsVaultExists: true, FscryptPolicyExists: true}
	_, err := h.PickVaultType(disk, Options{})
	if !errs.Is(err, errs.PreviousMigrationIncomplete) {
		t.Fatalf("expected PreviousMigrationIncomplete, got %v", err)
	}
}

func TestPickVaultTypeRejectsMigrateWithNothingToMigrate(t *testing.T) {
	h := New(t.TempDir(), Capabilities{}, fakePolicy{})
	disk := DiskState{DmcryptLVExists: true}
	_, err := h.PickVaultType(disk, Options{Migrate: true})
	if !errs.Is(err, errs.UnexpectedMountType) {
		t.Fatalf("expected UnexpectedMountType, got %v", err)
	}
}

func TestPickVaultTypePromotesEcryptfsMigration(t *testing.T) {
	disk := DiskState{EcryptfsVaultExists: true}

	h := New(t.TempDir(), Capabilities{LVMMigrationOK: true}, fakePolicy{})
	got, err := h.PickVaultType(disk, Options{Migrate: true})
	if err != nil || got != container.EcryptfsToDmcrypt {
		t.Fatalf("got %v, %v; want EcryptfsToDmcrypt, nil", got, err)
	}

	h2 := New(t.TempDir(), Capabilities{}, fakePolicy{})
	got2, err := h2.PickVaultType(disk, Options{Migrate: true})
	if err != nil || got2 != container.EcryptfsToFscrypt {
		t.Fatalf("got %v, %v; want EcryptfsToFscrypt, nil", got2, err)
	}
}

func TestPickVaultTypeResumesInProgressMigration(t *testing.T) {
	h := New(t.TempDir(), Capabilities{}, fakePolicy{})
	disk := DiskState{EcryptfsVaultExists: true, DmcryptLVExists: true}
	got, err := h.PickVaultType(disk, Options{Migrate: true})
	if err != nil || got != container.EcryptfsToDmcrypt {
		t.Fatalf("got %v, %v; want EcryptfsToDmcrypt, nil", got, err)
	}
}

type fakeMountedChecker struct {
	mounted map[identity.ObfuscatedUsername]bool
}

func (f fakeMountedChecker) IsMounted(u identity.ObfuscatedUsername) bool { return f.mounted[u] }

func TestRemoveCryptohomesBasedOnPolicy(t *testing.T) {
	root := t.TempDir()

	owner := strings.Repeat("a", 64)
	ephemeralUser := strings.Repeat("b", 64)
	mountedUser := strings.Repeat("c", 64)
	nonEphemeralUser := strings.Repeat("d", 64)

	for _, name := range []string{owner, ephemeralUser, mountedUser, nonEphemeralUser, "lost+found"} {
		if err := os.MkdirAll(filepath.Join(root, name), 0o700); err != nil {
			t.Fatal(err)
		}
	}

	h := New(root, Capabilities{}, fakePolicy{
		owner: identity.ObfuscatedUsername(owner),
		ephemeral: map[identity.ObfuscatedUsername]bool{
			identity.ObfuscatedUsername(owner):         true, // should still survive: owner guard wins
			identity.ObfuscatedUsername(ephemeralUser):  true,
			identity.ObfuscatedUsername(mountedUser):    true,
			identity.ObfuscatedUsername(nonEphemeralUser): false,
		},
	})

	mounted := fakeMountedChecker{mounted: map[identity.ObfuscatedUsername]bool{
		identity.ObfuscatedUsername(mountedUser): true,
	}}

	if err := h.RemoveCryptohomesBasedOnPolicy(context.Background(), mounted); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mustExist := []string{owner, mountedUser, nonEphemeralUser, "lost+found"}
	for _, name := range mustExist {
		if _, err := os.Stat(filepath.Join(root, name)); err != nil {
			t.Errorf("expected %s to survive, but it's gone: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(root, ephemeralUser)); !os.IsNotExist(err) {
		t.Errorf("expected ephemeral user %s to be removed", ephemeralUser)
	}
}
