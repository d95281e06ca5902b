package sysfs

import (
	goerrors "errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/agilira/go-errors"

	"github.com/ydb-platform/udevfs/internal/deverr"
)

const (
	UeventFile    = "uevent"
	SubsystemLink = "subsystem"
	DriverLink    = "driver"
	DeviceLink    = "device"
	ModuleLink    = "module"
)

// Resolve returns the canonical syspath of a device directory. Paths outside
// the mount are taken as devpaths below it. The result has every symbolic
// link resolved, lies inside the mount and contains a uevent file.
func (f *FS) Resolve(path string) (string, error) {
	if !filepath.IsAbs(path) || !f.Contains(path) {
		path = f.Syspath(path)
	}
	path = filepath.Clean(path)

	if _, err := os.Lstat(path); err != nil {
		return "", pathError(err, path)
	}
	if _, err := os.Stat(path); err != nil {
		if goerrors.Is(err, fs.ErrNotExist) || goerrors.Is(err, syscall.ELOOP) {
			return "", errors.Wrap(err, deverr.CodeLinkResolution, "broken or cyclic symbolic link").
				WithContext("path", path)
		}
		return "", pathError(err, path)
	}
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", errors.Wrap(err, deverr.CodeLinkResolution, "cannot resolve symbolic links").
			WithContext("path", path)
	}
	if !within(f.root, real) {
		return "", errors.New(deverr.CodeLinkResolution, "path resolves outside of the sysfs mount").
			WithContext("path", path).
			WithContext("target", real)
	}

	if _, err := os.Stat(filepath.Join(real, UeventFile)); err != nil {
		if goerrors.Is(err, fs.ErrNotExist) || goerrors.Is(err, syscall.ENOTDIR) {
			return "", errors.New(deverr.CodeNotADevice, "directory has no uevent file").
				WithContext("path", real)
		}
		return "", pathError(err, real)
	}
	return real, nil
}

// Lookup finds the device directory of sysname within subsystem, trying the
// class, bus and unified subsystem layouts in that order.
func (f *FS) Lookup(subsystem, sysname string) (string, error) {
	name := strings.ReplaceAll(sysname, "/", "!")

	var candidates []string
	switch subsystem {
	case "module":
		candidates = []string{f.Path("module", name)}
	default:
		candidates = []string{
			f.Path("class", subsystem, name),
			f.Path("bus", subsystem, "devices", name),
			f.Path("subsystem", subsystem, "devices", name),
		}
	}

	for _, candidate := range candidates {
		if _, err := os.Lstat(candidate); err == nil {
			return f.Resolve(candidate)
		}
	}
	return "", errors.New(deverr.CodeNotFound, "no device with this subsystem and name").
		WithContext("subsystem", subsystem).
		WithContext("sysname", sysname)
}

// Subsystem returns the subsystem a device belongs to: the basename of its
// subsystem link. Devices without the link report "".
func (f *FS) Subsystem(syspath string) (string, error) {
	return readLinkBase(filepath.Join(syspath, SubsystemLink))
}

// Driver returns the name of the bound driver, "" if unbound.
func (f *FS) Driver(syspath string) (string, error) {
	return readLinkBase(filepath.Join(syspath, DriverLink))
}

// DeviceNode resolves the device link of a class device, giving the driver
// model node that backs it. ok is false when the device has no such link.
func (f *FS) DeviceNode(syspath string) (node string, ok bool, err error) {
	link := filepath.Join(syspath, DeviceLink)
	info, err := os.Lstat(link)
	if err != nil {
		if goerrors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, pathError(err, link)
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return "", false, nil
	}
	node, err = f.Resolve(link)
	if err != nil {
		return "", false, err
	}
	return node, true, nil
}

// Parent walks up from syspath to the closest ancestor directory that is a
// device. Aggregation directories (class and bus buckets, the "net" or
// "block" directory below a PCI device) have no uevent file and are skipped.
// ok is false once the walk reaches devices/ or the mount point.
func (f *FS) Parent(syspath string) (parent string, ok bool, err error) {
	stop := f.Path("devices")
	dir := filepath.Clean(syspath)
	for {
		dir = filepath.Dir(dir)
		if dir == f.root || dir == stop || !within(f.root, dir) {
			return "", false, nil
		}
		_, err := os.Stat(filepath.Join(dir, UeventFile))
		switch {
		case err == nil:
			return dir, true, nil
		case goerrors.Is(err, fs.ErrNotExist):
			continue
		default:
			return "", false, pathError(err, dir)
		}
	}
}

func readLinkBase(link string) (string, error) {
	target, err := os.Readlink(link)
	if err != nil {
		if goerrors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", errors.Wrap(err, deverr.CodeLinkResolution, "cannot read symbolic link").
			WithContext("path", link)
	}
	return filepath.Base(target), nil
}
