package udev

import (
	"bufio"
	"bytes"
	goerrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/agilira/go-errors"

	"github.com/ydb-platform/udevfs/internal/deverr"
)

const DefaultRunPath = "/run/udev"

// DevNum is a device number. The zero value means the device has no node.
type DevNum struct {
	Major uint32
	Minor uint32
}

func (n DevNum) IsZero() bool {
	return n.Major == 0 && n.Minor == 0
}

func (n DevNum) String() string {
	return fmt.Sprintf("%d:%d", n.Major, n.Minor)
}

func parseDevNum(major, minor string) DevNum {
	ma, err := strconv.ParseUint(major, 10, 32)
	if err != nil {
		return DevNum{}
	}
	mi, err := strconv.ParseUint(minor, 10, 32)
	if err != nil {
		return DevNum{}
	}
	return DevNum{Major: uint32(ma), Minor: uint32(mi)}
}

// Database reads the per-device records the device manager keeps below its
// run directory (data/<id>). Records hold the properties added by rules,
// symlinks and tags. The database is optional: a missing directory or record
// simply contributes nothing.
type Database struct {
	dir string
}

func NewDatabase(runPath string) *Database {
	if runPath == "" {
		runPath = DefaultRunPath
	}
	return &Database{dir: filepath.Join(runPath, "data")}
}

// DatabaseId names the record of a device: b/c plus the device number for
// block and character devices, n plus the interface index for network
// interfaces, and +subsystem:sysname for everything else.
func DatabaseId(subsystem, sysname string, devnum DevNum, ifindex string) string {
	switch {
	case !devnum.IsZero():
		kind := "c"
		if subsystem == BlockSubsystem {
			kind = "b"
		}
		return kind + devnum.String()
	case ifindex != "" && ifindex != "0":
		return "n" + ifindex
	default:
		return "+" + subsystem + ":" + sysname
	}
}

// Record is one parsed database file.
type Record struct {
	Properties      map[string]string
	DevLinks        []string
	Tags            []string
	CurrentTags     []string
	InitializedUsec uint64
	LinkPriority    int
}

// Read returns the record for id, or nil when there is none.
func (db *Database) Read(id string) (*Record, error) {
	if db == nil {
		return nil, nil
	}
	path := filepath.Join(db.dir, id)
	data, err := os.ReadFile(path)
	if err != nil {
		if goerrors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		if goerrors.Is(err, fs.ErrPermission) {
			return nil, errors.Wrap(err, deverr.CodePermissionDenied, "udev database record not readable").
				WithContext("path", path)
		}
		return nil, fmt.Errorf("reading udev database record %q: %w", path, err)
	}
	return ParseRecord(data), nil
}

// ParseRecord parses the "X:value" lines of a database file. Unknown line
// types are skipped.
func ParseRecord(data []byte) *Record {
	rec := &Record{Properties: make(map[string]string)}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < 2 || line[1] != ':' {
			continue
		}
		value := line[2:]
		switch line[0] {
		case 'E':
			if key, val, found := strings.Cut(value, "="); found && key != "" {
				rec.Properties[key] = val
			}
		case 'S':
			rec.DevLinks = append(rec.DevLinks, filepath.Join(DevDir, value))
		case 'G':
			rec.Tags = append(rec.Tags, value)
		case 'Q':
			rec.CurrentTags = append(rec.CurrentTags, value)
		case 'I':
			rec.InitializedUsec, _ = strconv.ParseUint(value, 10, 64)
		case 'L':
			rec.LinkPriority, _ = strconv.Atoi(value)
		}
	}
	return rec
}

func joinTags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	return ":" + strings.Join(tags, ":") + ":"
}

func splitTags(value string) []string {
	var tags []string
	for _, tag := range strings.Split(value, ":") {
		if tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}
