package sysfs

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/agilira/go-errors"

	"github.com/ydb-platform/udevfs/internal/deverr"
)

// linkAttributes are symbolic links whose attribute value is the basename of
// their target rather than the content of the file they point to.
var linkAttributes = map[string]bool{
	SubsystemLink: true,
	DriverLink:    true,
	ModuleLink:    true,
}

// ReadAttribute returns the raw content of the attribute file name below
// syspath. Empty files give an empty, non-nil value. Values are not trimmed
// and may hold any bytes.
//
// Links are only followed when their target stays inside the device
// directory; anything else fails with CodeLinkResolution. A file that is gone
// by the time it is read fails with CodeAttributeRemoved.
func (f *FS) ReadAttribute(syspath, name string) ([]byte, error) {
	if !validAttributeName(name) {
		return nil, errors.New(deverr.CodeNotFound, "invalid attribute name").
			WithContext("attribute", name)
	}
	path := filepath.Join(syspath, name)

	info, err := os.Lstat(path)
	if err != nil {
		return nil, attributeError(err, path)
	}
	if info.Mode()&os.ModeSymlink != 0 && linkAttributes[filepath.Base(name)] {
		target, err := os.Readlink(path)
		if err != nil {
			return nil, attributeError(err, path)
		}
		return []byte(filepath.Base(target)), nil
	}

	base, err := filepath.EvalSymlinks(syspath)
	if err != nil {
		return nil, attributeError(err, syspath)
	}
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		if info.Mode()&os.ModeSymlink != 0 {
			return nil, errors.Wrap(err, deverr.CodeLinkResolution, "attribute link cannot be resolved").
				WithContext("path", path)
		}
		return nil, attributeError(err, path)
	}
	if !within(base, real) {
		return nil, errors.New(deverr.CodeLinkResolution, "attribute resolves outside of the device directory").
			WithContext("path", path).
			WithContext("target", real)
	}

	if info, err = os.Stat(real); err != nil {
		return nil, attributeError(err, real)
	}
	if info.IsDir() {
		return nil, errors.New(deverr.CodeNotFound, "attribute is a directory").
			WithContext("path", real)
	}

	data, err := os.ReadFile(real)
	if err != nil {
		return nil, attributeError(err, real)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

// ListAttributes returns the names of the attribute files directly below
// syspath, in directory order. The uevent file is not an attribute.
func (f *FS) ListAttributes(syspath string) ([]string, error) {
	dir, err := os.Open(syspath)
	if err != nil {
		return nil, pathError(err, syspath)
	}
	defer dir.Close()

	entries, err := dir.ReadDir(-1)
	if err != nil {
		return nil, pathError(err, syspath)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case name == UeventFile:
		case entry.Type()&os.ModeSymlink != 0:
			if linkAttributes[name] {
				names = append(names, name)
			}
		case entry.Type().IsRegular():
			names = append(names, name)
		}
	}
	return names, nil
}

func validAttributeName(name string) bool {
	if name == "" || filepath.IsAbs(name) {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(name), "/") {
		if part == ".." || part == "." || part == "" {
			return false
		}
	}
	return true
}
