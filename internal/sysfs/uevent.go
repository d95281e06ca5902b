package sysfs

import (
	"bufio"
	"bytes"
	goerrors "errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/agilira/go-errors"

	"github.com/ydb-platform/udevfs/internal/deverr"
)

// ReadUevent reads the uevent file of a device directory. A device without
// the file is not a device.
func (f *FS) ReadUevent(syspath string) (map[string]string, error) {
	path := filepath.Join(syspath, UeventFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if goerrors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrap(err, deverr.CodeNotADevice, "directory has no uevent file").
				WithContext("path", syspath)
		}
		return nil, pathError(err, path)
	}
	return ParseUevent(data), nil
}

// ParseUevent parses KEY=VALUE lines. Lines without '=' are ignored and a
// repeated key keeps the last value.
func ParseUevent(data []byte) map[string]string {
	props := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, value, found := strings.Cut(scanner.Text(), "=")
		if !found || key == "" {
			continue
		}
		props[key] = value
	}
	return props
}
