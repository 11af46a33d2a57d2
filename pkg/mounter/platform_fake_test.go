package mounter

import "fmt"

// fakePlatform is an in-memory stand-in for internal/platform.Platform,
// letting the bind-graph/Downloads-migration/tracked-dir logic run
// unprivileged in tests (real Platform needs root for mount/chown).
type fakePlatform struct {
	mounts  []mountCall
	xattrs  map[string]map[string][]byte
	chowns  []chownCall
	chmods  []chmodCall
	mounted map[string]bool

	statfsBlockSize uint32
	statfsBlocks    uint64
	statfsFree      uint64
	statfsErr       error
}

type mountCall struct {
	source, target, fstype string
	flags                  uintptr
	data                   string
	bind                   bool
}

type chownCall struct {
	path     string
	uid, gid int
}

type chmodCall struct {
	path string
	mode uint32
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{xattrs: make(map[string]map[string][]byte), mounted: make(map[string]bool)}
}

func (f *fakePlatform) Mount(source, target, fstype string, flags uintptr, data string) error {
	f.mounts = append(f.mounts, mountCall{source, target, fstype, flags, data, false})
	f.mounted[target] = true
	return nil
}

func (f *fakePlatform) Unmount(target string, flags int) error {
	if !f.mounted[target] {
		return fmt.Errorf("not mounted: %s", target)
	}
	delete(f.mounted, target)
	return nil
}

func (f *fakePlatform) Bind(source, target string, flags uintptr) error {
	f.mounts = append(f.mounts, mountCall{source: source, target: target, flags: flags, bind: true})
	f.mounted[target] = true
	return nil
}

func (f *fakePlatform) Chown(path string, uid, gid int) error {
	f.chowns = append(f.chowns, chownCall{path, uid, gid})
	return nil
}

func (f *fakePlatform) Chmod(path string, mode uint32) error {
	f.chmods = append(f.chmods, chmodCall{path, mode})
	return nil
}

func (f *fakePlatform) Mkdir(path string, mode uint32) error { return nil }

func (f *fakePlatform) IsMounted(target string) (bool, error) { return f.mounted[target], nil }

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
		return nil, fmt.Errorf("no such xattr %s on %s", name, path)
	}
	return v, nil
}

func (f *fakePlatform) RemoveXattr(path, name string) error {
	delete(f.xattrs[path], name)
	return nil
}

func (f *fakePlatform) Statfs(path string) (uint32, uint64, uint64, error) {
	if f.statfsErr != nil {
		return 0, 0, 0, f.statfsErr
	}
	return f.statfsBlockSize, f.statfsBlocks, f.statfsFree, nil
}
