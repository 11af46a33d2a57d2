package cli

import "github.com/cryptohome/storagecore/pkg/container"

func parseContainerType(s string) container.Type {
	switch s {
	case "ecryptfs":
		return container.Ecryptfs
	case "fscrypt":
		return container.Fscrypt
	case "dmcrypt":
		return container.Dmcrypt
	default:
		return container.Unknown
	}
}
