package mounter

// setSELinuxRootContext labels mountPoint with the ephemeral cryptohome
// root context (spec §4.6 "sets an SELinux root context"). SELinux policy
// loading and the selinux package itself are out of this module's scope
// (spec §1 Out-of-scope lists security-label management alongside
// TPM/attestation integration); this hook exists so a platform build that
// does carry golang-selinux can slot a real SetFileLabel call in here
// without touching the mount sequencing above it.
func (m *Mounter) setSELinuxRootContext(mountPoint string) error {
	return nil
}
