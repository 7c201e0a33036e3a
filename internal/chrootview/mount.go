package chrootview

import (
	"os"

	"golang.org/x/sys/unix"
)

// BindFlags are the mount flags used for every bind mount the mirror engine
// creates while reproducing the host tree into the scratch root.
const BindFlags = unix.MS_BIND | unix.MS_REC | unix.MS_PRIVATE

// StoreFlags are the mount flags used for the single store overlay mount at
// <scratch>/nix. Propagation is left at its default (unlike BindFlags) so
// that mounts the store directory itself contains, if any, propagate into
// the view.
const StoreFlags = unix.MS_BIND | unix.MS_REC

// Mounter performs the raw mount(2)/umount(2) syscalls the mirror engine
// and namespace constructor need. Production code uses realMounter;
// decision-logic tests use a recording fake, since neither mount(2) nor
// umount(2) has an afero equivalent.
type Mounter interface {
	Mount(source, target, fstype string, flags uintptr) error
	Unmount(target string) error
}

// realMounter is the production Mounter, backed directly by golang.org/x/sys/unix.
type realMounter struct{}

func (realMounter) Mount(source, target, fstype string, flags uintptr) error {
	return unix.Mount(source, target, fstype, flags, "")
}

func (realMounter) Unmount(target string) error {
	return unix.Unmount(target, 0)
}

// NewRealMounter returns the Mounter backed by real mount(2)/umount(2)
// syscalls.
func NewRealMounter() Mounter { return realMounter{} }

// Symlinker creates symlinks on the scratch root. Production code uses
// realSymlinker (plain os.Symlink); afero.Fs has no symlink support, so
// this stays a distinct, narrow seam rather than riding along with Fs.
type Symlinker interface {
	Symlink(target, linkPath string) error
}

type realSymlinker struct{}

func (realSymlinker) Symlink(target, linkPath string) error {
	return os.Symlink(target, linkPath)
}

// NewRealSymlinker returns the Symlinker backed by os.Symlink.
func NewRealSymlinker() Symlinker { return realSymlinker{} }
