package keyring

import (
	"fmt"
	"sync"

	"github.com/cryptohome/storagecore/pkg/fskey"
)

// Fake is an in-memory Keyring for unit tests that cannot assume root
// privilege or kernel fscrypt/dm-crypt support.
type Fake struct {
	mu      sync.Mutex
	entries map[string]fskey.FileSystemKey
}

// NewFake returns an empty Fake keyring.
func NewFake() *Fake {
	return &Fake{entries: make(map[string]fskey.FileSystemKey)}
}

func fakeKey(t Type, ref fskey.Reference) string {
	return fmt.Sprintf("%v:%s", t, ref.HexFEKSig())
}

func (f *Fake) AddKey(t Type, key fskey.FileSystemKey, ref *fskey.Reference, mountpoint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t == FscryptV2 && len(ref.FEKSig) == 0 {
		ref.FEKSig = []byte("fake-identifier-")
	}
	f.entries[fakeKey(t, *ref)] = key
	return nil
}

func (f *Fake) RemoveKey(t Type, ref fskey.Reference, mountpoint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := fakeKey(t, ref)
	if _, ok := f.entries[k]; !ok {
		return fmt.Errorf("fake keyring: no entry for %s", k)
	}
	delete(f.entries, k)
	return nil
}

// Has reports whether a key is currently provisioned, for test assertions.
func (f *Fake) Has(t Type, ref fskey.Reference) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[fakeKey(t, ref)]
	return ok
}
