// Package fskey defines the secret and non-secret key descriptors shared by
// Keyring and StorageContainer implementations (spec §3).
package fskey

import "encoding/hex"

// FileSystemKey carries secret key material. FEK is required; the others
// are optional depending on which container variant consumes the key.
type FileSystemKey struct {
	FEK     []byte
	FNEK    []byte
	FEKSalt []byte
	FNEKSalt []byte
}

// Reference is the non-secret identifier used to address a key that has
// already been provisioned in the kernel.
type Reference struct {
	FEKSig  []byte
	FNEKSig []byte
}

// HexFEKSig returns the lowercase hex encoding of FEKSig, the form used in
// dm-crypt key descriptors and ecryptfs mount options.
func (r Reference) HexFEKSig() string {
	return hex.EncodeToString(r.FEKSig)
}

// HexFNEKSig returns the lowercase hex encoding of FNEKSig.
func (r Reference) HexFNEKSig() string {
	return hex.EncodeToString(r.FNEKSig)
}
