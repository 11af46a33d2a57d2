package mounter

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestMounter(bindDownloads bool) (*Mounter, *fakePlatform) {
	p := newFakePlatform()
	m := New(Paths{}, Config{BindMountDownloads: bindDownloads}, p)
	return m, p
}

func TestReconcileDownloadsBindMode(t *testing.T) {
	root := t.TempDir()
	myFilesDownloads := filepath.Join(root, "MyFiles", "Downloads")
	if err := os.MkdirAll(myFilesDownloads, 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(myFilesDownloads, "residual.txt"), []byte("x"), 0o640); err != nil {
		t.Fatal(err)
	}

	m, p := newTestMounter(true)
	if err := m.reconcileDownloads(root); err != nil {
		t.Fatalf("reconcileDownloads: %v", err)
	}

	downloads := filepath.Join(root, "Downloads")
	if _, err := os.Stat(filepath.Join(downloads, "residual.txt")); err != nil {
		t.Errorf("expected residual file repaired back into Downloads: %v", err)
	}
	if len(p.mounts) != 1 || !p.mounts[0].bind {
		t.Fatalf("expected exactly one bind mount, got %v", p.mounts)
	}
	if p.mounts[0].source != downloads || p.mounts[0].target != myFilesDownloads {
		t.Errorf("bind mount %+v does not match downloads->myFilesDownloads", p.mounts[0])
	}
}

func TestMigrateDownloadsAlreadyMigratedIsNoop(t *testing.T) {
	root := t.TempDir()
	myFilesDownloads := filepath.Join(root, "MyFiles", "Downloads")
	if err := os.MkdirAll(myFilesDownloads, 0o750); err != nil {
		t.Fatal(err)
	}

	m, p := newTestMounter(false)
	if err := p.SetXattr(myFilesDownloads, bindMountMigrationXattr, []byte(xattrMigrated)); err != nil {
		t.Fatal(err)
	}
	if err := m.reconcileDownloads(root); err != nil {
		t.Fatalf("reconcileDownloads: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "Downloads")); !os.IsNotExist(err) {
		t.Error("no-op migration must not create ~/Downloads")
	}
}

func TestMigrateDownloadsReappearedStrayIsReabsorbed(t *testing.T) {
	root := t.TempDir()
	downloads := filepath.Join(root, "Downloads")
	myFilesDownloads := filepath.Join(root, "MyFiles", "Downloads")
	if err := os.MkdirAll(downloads, 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(myFilesDownloads, 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(downloads, "stray.txt"), []byte("x"), 0o640); err != nil {
		t.Fatal(err)
	}

	m, p := newTestMounter(false)
	if err := p.SetXattr(myFilesDownloads, bindMountMigrationXattr, []byte(xattrMigrated)); err != nil {
		t.Fatal(err)
	}
	if err := m.reconcileDownloads(root); err != nil {
		t.Fatalf("reconcileDownloads: %v", err)
	}
	if _, err := os.Stat(filepath.Join(myFilesDownloads, "stray.txt")); err != nil {
		t.Errorf("expected stray file re-absorbed into MyFiles/Downloads: %v", err)
	}
	if _, err := os.Stat(downloads); !os.IsNotExist(err) {
		t.Error("expected reappeared ~/Downloads to be removed after re-absorption")
	}
}

func TestMigrateDownloadsFixesStaleMigratingXattr(t *testing.T) {
	root := t.TempDir()
	myFilesDownloads := filepath.Join(root, "MyFiles", "Downloads")
	if err := os.MkdirAll(myFilesDownloads, 0o750); err != nil {
		t.Fatal(err)
	}

	m, p := newTestMounter(false)
	if err := p.SetXattr(myFilesDownloads, bindMountMigrationXattr, []byte(xattrMigrating)); err != nil {
		t.Fatal(err)
	}
	if err := m.reconcileDownloads(root); err != nil {
		t.Fatalf("reconcileDownloads: %v", err)
	}
	got, err := p.GetXattr(myFilesDownloads, bindMountMigrationXattr)
	if err != nil || string(got) != xattrMigrated {
		t.Errorf("expected xattr fixed to migrated, got %q, %v", got, err)
	}
}

func TestMigrateDownloadsFreshVaultMarksMigratedWithoutDownloads(t *testing.T) {
	root := t.TempDir()

	m, p := newTestMounter(false)
	if err := m.reconcileDownloads(root); err != nil {
		t.Fatalf("reconcileDownloads: %v", err)
	}
	myFilesDownloads := filepath.Join(root, "MyFiles", "Downloads")
	if _, err := os.Stat(myFilesDownloads); err != nil {
		t.Fatalf("expected MyFiles/Downloads created: %v", err)
	}
	got, err := p.GetXattr(myFilesDownloads, bindMountMigrationXattr)
	if err != nil || string(got) != xattrMigrated {
		t.Errorf("expected fresh vault marked migrated, got %q, %v", got, err)
	}
}

func TestMigrateDownloadsRunsRealMigrationWhenDownloadsExists(t *testing.T) {
	root := t.TempDir()
	downloads := filepath.Join(root, "Downloads")
	if err := os.MkdirAll(downloads, 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(downloads, "file.txt"), []byte("x"), 0o640); err != nil {
		t.Fatal(err)
	}

	m, p := newTestMounter(false)
	if err := m.reconcileDownloads(root); err != nil {
		t.Fatalf("reconcileDownloads: %v", err)
	}

	myFilesDownloads := filepath.Join(root, "MyFiles", "Downloads")
	if _, err := os.Stat(filepath.Join(myFilesDownloads, "file.txt")); err != nil {
		t.Errorf("expected file migrated into MyFiles/Downloads: %v", err)
	}
	if _, err := os.Stat(downloads); !os.IsNotExist(err) {
		t.Error("expected ~/Downloads removed after migration")
	}
	got, err := p.GetXattr(myFilesDownloads, bindMountMigrationXattr)
	if err != nil || string(got) != xattrMigrated {
		t.Errorf("expected post-migration xattr migrated, got %q, %v", got, err)
	}
}

func TestMoveWithCollisionResolutionNoCollision(t *testing.T) {
	root := t.TempDir()
	srcDir := filepath.Join(root, "src")
	destDir := filepath.Join(root, "dest")
	if err := os.MkdirAll(srcDir, 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		t.Fatal(err)
	}
	src := filepath.Join(srcDir, "a.txt")
	if err := os.WriteFile(src, []byte("x"), 0o640); err != nil {
		t.Fatal(err)
	}
	if err := moveWithCollisionResolution(src, destDir, "a.txt"); err != nil {
		t.Fatalf("moveWithCollisionResolution: %v", err)
	}
	if _, err := os.Stat(filepath.Join(destDir, "a.txt")); err != nil {
		t.Errorf("expected a.txt moved as-is: %v", err)
	}
}

func TestMoveWithCollisionResolutionAppendsSuffix(t *testing.T) {
	root := t.TempDir()
	srcDir := filepath.Join(root, "src")
	destDir := filepath.Join(root, "dest")
	if err := os.MkdirAll(srcDir, 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(destDir, "a.txt"), []byte("existing"), 0o640); err != nil {
		t.Fatal(err)
	}
	src := filepath.Join(srcDir, "a.txt")
	if err := os.WriteFile(src, []byte("new"), 0o640); err != nil {
		t.Fatal(err)
	}
	if err := moveWithCollisionResolution(src, destDir, "a.txt"); err != nil {
		t.Fatalf("moveWithCollisionResolution: %v", err)
	}
	if _, err := os.Stat(filepath.Join(destDir, "a (1).txt")); err != nil {
		t.Errorf("expected collision resolved to 'a (1).txt': %v", err)
	}
}

func TestTruncateUTF8(t *testing.T) {
	tt := []struct {
		name     string
		s        string
		maxBytes int
		want     string
	}{
		{"no truncation needed", "short", 100, "short"},
		{"exact ascii truncation", "abcdef", 3, "abc"},
		{"zero budget", "abc", 0, ""},
		{"does not split a multi-byte rune", "aéb", 2, "a"},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			got := truncateUTF8(tc.s, tc.maxBytes)
			if got != tc.want {
				t.Errorf("truncateUTF8(%q, %d) = %q, want %q", tc.s, tc.maxBytes, got, tc.want)
			}
			if len(got) > tc.maxBytes {
				t.Errorf("result %q exceeds maxBytes %d", got, tc.maxBytes)
			}
		})
	}
}

func TestTruncateUTF8DropsTrailingZeroWidthJoiner(t *testing.T) {
	s := "ab" + string(zeroWidthJoiner)
	got := truncateUTF8(s, len(s))
	if strings.HasSuffix(got, string(zeroWidthJoiner)) {
		t.Errorf("expected trailing zero-width joiner stripped, got %q", got)
	}
}
