package container

import (
	"context"
	"errors"
	"testing"

	"github.com/cryptohome/storagecore/pkg/fskey"
)

func TestMigratingSetupRollsBackSourceOnDestinationFailure(t *testing.T) {
	src := &fakeContainer{typ: Ecryptfs}
	dst := &fakeContainer{typ: Dmcrypt, setupErr: errors.New("mkfs failed")}

	m := newMigrating(EcryptfsToDmcrypt, src, dst)

	err := m.Setup(context.Background(), fskey.FileSystemKey{})
	if err == nil {
		t.Fatal("expected Setup to fail when destination Setup fails")
	}
	if src.setupCalls != 1 {
		t.Fatalf("expected source Setup to run once, got %d", src.setupCalls)
	}
	if src.teardownCalls != 1 {
		t.Fatalf("expected source to be torn down after destination failure, got %d teardown calls", src.teardownCalls)
	}
}

func TestMigratingSetupSucceedsWhenBothLegsSucceed(t *testing.T) {
	src := &fakeContainer{typ: Ecryptfs}
	dst := &fakeContainer{typ: Fscrypt}

	m := newMigrating(EcryptfsToFscrypt, src, dst)

	if err := m.Setup(context.Background(), fskey.FileSystemKey{}); err != nil {
		t.Fatalf("unexpected Setup error: %v", err)
	}
	if src.teardownCalls != 0 {
		t.Fatalf("source should not be torn down on success, got %d teardown calls", src.teardownCalls)
	}
}

func TestMigratingTeardownAlwaysAttemptsBothLegs(t *testing.T) {
	src := &fakeContainer{typ: Ecryptfs}
	dst := &fakeContainer{typ: Dmcrypt, teardownErr: errors.New("busy")}

	m := newMigrating(EcryptfsToDmcrypt, src, dst)

	err := m.Teardown(context.Background())
	if err == nil {
		t.Fatal("expected Teardown to surface the destination's error")
	}
	if src.teardownCalls != 1 {
		t.Fatalf("expected source Teardown to still run despite destination error, got %d calls", src.teardownCalls)
	}
	if dst.teardownCalls != 1 {
		t.Fatalf("expected destination Teardown to run exactly once, got %d calls", dst.teardownCalls)
	}
}

func TestMigratingAccessors(t *testing.T) {
	src := &fakeContainer{typ: Ecryptfs}
	dst := &fakeContainer{typ: Dmcrypt}

	var c StorageContainer = newMigrating(EcryptfsToDmcrypt, src, dst)
	mc, ok := c.(MigratingContainer)
	if !ok {
		t.Fatal("the EcryptfsToDmcrypt migrating container should implement MigratingContainer")
	}
	if mc.Source() != src {
		t.Error("Source() should return the original source container")
	}
	if mc.Destination() != dst {
		t.Error("Destination() should return the original destination container")
	}
}
