package ipc

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ardnew/usbhostcore/pkg/pkglog"
)

// SymlinkName renders the stable path specification §6.3 assigns a
// bound interface: /dev/usb-<vid:04x>-<pid:04x>-if<iface:02d>, rooted
// under root instead of a hardcoded /dev so tests can use a temp
// directory.
func SymlinkName(root string, vendorID, productID uint16, ifaceNum uint8) string {
	return filepath.Join(root, fmt.Sprintf("usb-%04x-%04x-if%02d", vendorID, productID, ifaceNum))
}

// EnsureSymlink points name at target, replacing any stale link or
// regular file already at that path. This is plain os.Symlink
// bookkeeping: no third-party library in the retrieval pack wraps
// symlink management, and the standard library already exposes exactly
// the primitives needed (Symlink, Remove, Lstat).
func EnsureSymlink(name, target string) error {
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return err
	}
	if _, err := os.Lstat(name); err == nil {
		if err := os.Remove(name); err != nil {
			return err
		}
	}
	if err := os.Symlink(target, name); err != nil {
		return err
	}
	pkglog.Debug(pkglog.ComponentIPC, "symlink updated", "name", name, "target", target)
	return nil
}

// RemoveSymlink deletes name if it exists, ignoring a not-exist error.
func RemoveSymlink(name string) error {
	err := os.Remove(name)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
