package container

import (
	"context"
	"fmt"

	"github.com/cryptohome/storagecore/pkg/fskey"
)

// fakeContainer is a minimal in-memory StorageContainer used by this
// package's own tests, grounded on the teacher's
// own hand-written fakes (e.g. its loop-device test doubles) rather than a
// mocking library.
type fakeContainer struct {
	typ          Type
	exists       bool
	setupErr     error
	teardownErr  error
	purgeErr     error
	setupCalls   int
	teardownCalls int
	purgeCalls   int
}

func (f *fakeContainer) Exists() bool { return f.exists }

func (f *fakeContainer) Setup(ctx context.Context, key fskey.FileSystemKey) error {
	f.setupCalls++
	if f.setupErr != nil {
		return f.setupErr
	}
	f.exists = true
	return nil
}

func (f *fakeContainer) Teardown(ctx context.Context) error {
	f.teardownCalls++
	return f.teardownErr
}

func (f *fakeContainer) EvictKey(ctx context.Context) error                     { return nil }
func (f *fakeContainer) RestoreKey(ctx context.Context, key fskey.FileSystemKey) error { return nil }
func (f *fakeContainer) Reset(ctx context.Context) error                        { return nil }

func (f *fakeContainer) Purge(ctx context.Context) error {
	f.purgeCalls++
	if f.purgeErr != nil {
		return f.purgeErr
	}
	f.exists = false
	return nil
}

func (f *fakeContainer) SetLazyTeardownWhenUnused(ctx context.Context) error { return nil }
func (f *fakeContainer) GetType() Type                                       { return f.typ }
func (f *fakeContainer) GetBackingLocation() string                          { return fmt.Sprintf("/fake/%s", f.typ) }
func (f *fakeContainer) GetReference() fskey.Reference                       { return fskey.Reference{} }
