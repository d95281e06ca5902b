// Package sysfs reads the kernel device model as exposed under the sysfs
// mount: it resolves device directories, follows the subsystem/driver/device
// links and reads attribute and uevent files.
//
// Everything here is read-only and uncached. The tree changes under us at any
// moment, so vanished entries are reported with the deverr codes and it is up
// to the caller to decide whether that is worth more than a skip.
package sysfs

import (
	goerrors "errors"
	"io/fs"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/agilira/go-errors"

	"github.com/ydb-platform/udevfs/internal/deverr"
)

const DefaultMountPoint = "/sys"

// FS is a view of one sysfs mount. The zero value is not usable, use New.
type FS struct {
	root string
}

// New returns an FS rooted at the given mount point. The root itself is
// resolved so that containment checks hold when it is reached through a
// symbolic link (tests point it at temporary directories).
func New(root string) *FS {
	if root == "" {
		root = DefaultMountPoint
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = filepath.Clean(root)
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}
	return &FS{root: abs}
}

func Default() *FS {
	return New(DefaultMountPoint)
}

func (f *FS) Root() string {
	return f.root
}

// Path joins elements below the mount point.
func (f *FS) Path(elem ...string) string {
	return filepath.Join(append([]string{f.root}, elem...)...)
}

// DevPath returns the kernel devpath of a syspath: the path relative to the
// mount, with a leading slash, as it appears in uevent DEVPATH fields.
func (f *FS) DevPath(syspath string) string {
	rel, err := filepath.Rel(f.root, syspath)
	if err != nil || !local(rel) {
		return ""
	}
	return "/" + filepath.ToSlash(rel)
}

// Syspath is the inverse of DevPath.
func (f *FS) Syspath(devpath string) string {
	return filepath.Join(f.root, filepath.FromSlash(strings.TrimPrefix(devpath, "/")))
}

// Contains reports whether path lies inside the mount.
func (f *FS) Contains(path string) bool {
	return within(f.root, path)
}

// SysName is the last component of a syspath. Sysfs encodes '/' in device
// names as '!'.
func SysName(syspath string) string {
	return strings.ReplaceAll(filepath.Base(syspath), "!", "/")
}

// SysNum is the trailing run of decimal digits of the sysname, "" if none.
func SysNum(sysname string) string {
	i := len(sysname)
	for i > 0 && sysname[i-1] >= '0' && sysname[i-1] <= '9' {
		i--
	}
	return sysname[i:]
}

func within(base, path string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return local(rel)
}

func local(rel string) bool {
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// pathError maps an error from resolving a sysfs directory to a deverr code.
func pathError(err error, path string) error {
	switch {
	case goerrors.Is(err, fs.ErrNotExist):
		return errors.Wrap(err, deverr.CodeNotFound, "no such sysfs entry").WithContext("path", path)
	case goerrors.Is(err, fs.ErrPermission):
		return errors.Wrap(err, deverr.CodePermissionDenied, "sysfs entry not accessible").WithContext("path", path)
	case goerrors.Is(err, syscall.ELOOP):
		return errors.Wrap(err, deverr.CodeLinkResolution, "symbolic link loop").WithContext("path", path)
	default:
		return errors.Wrap(err, deverr.CodeNotFound, "sysfs entry unreadable").WithContext("path", path)
	}
}

// attributeError maps an error from reading an attribute file.
func attributeError(err error, path string) error {
	switch {
	case goerrors.Is(err, fs.ErrNotExist), goerrors.Is(err, syscall.ENODEV), goerrors.Is(err, syscall.ENXIO):
		return errors.Wrap(err, deverr.CodeAttributeRemoved, "attribute removed").WithContext("path", path)
	case goerrors.Is(err, fs.ErrPermission):
		return errors.Wrap(err, deverr.CodePermissionDenied, "attribute not readable").WithContext("path", path)
	default:
		return errors.Wrap(err, deverr.CodeNotFound, "attribute unreadable").WithContext("path", path)
	}
}
