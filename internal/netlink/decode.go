// Package netlink receives device events from the kernel uevent netlink
// socket (NETLINK_KOBJECT_UEVENT) and decodes them.
//
// Two multicast groups exist: the kernel group carries events as the kernel
// emits them, the udev group carries them again after the device manager has
// processed them. Both payloads are sequences of NUL-terminated KEY=VALUE
// records behind a format-specific preamble.
package netlink

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/agilira/go-errors"

	"github.com/ydb-platform/udevfs/internal/deverr"
)

type Group uint32

const (
	KernelGroup Group = 1
	UdevGroup   Group = 2
)

func (g Group) String() string {
	switch g {
	case KernelGroup:
		return "kernel"
	case UdevGroup:
		return "udev"
	}
	return "group(" + strconv.FormatUint(uint64(g), 10) + ")"
}

type Action string

const (
	ActionAdd     Action = "add"
	ActionRemove  Action = "remove"
	ActionChange  Action = "change"
	ActionMove    Action = "move"
	ActionOnline  Action = "online"
	ActionOffline Action = "offline"
	ActionBind    Action = "bind"
	ActionUnbind  Action = "unbind"
)

const (
	KeyAction    = "ACTION"
	KeyDevPath   = "DEVPATH"
	KeySubsystem = "SUBSYSTEM"
	KeySeqNum    = "SEQNUM"
)

// Event is one decoded uevent. Properties holds every record of the payload,
// the mandatory keys included.
type Event struct {
	Action     Action
	DevPath    string
	Subsystem  string
	SeqNum     uint64
	Properties map[string]string

	Source   Group
	Received time.Time
}

func (e *Event) Property(key string) string {
	return e.Properties[key]
}

// Syspath places the event's devpath below the given sysfs mount point so
// that live attributes can be read from there.
func (e *Event) Syspath(root string) string {
	return filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(e.DevPath, "/")))
}

const (
	udevMagic      = 0xfeedcafe
	udevHeaderSize = 40
)

var udevPrefix = []byte("libudev\x00")

// Decode parses one datagram of either group. It never returns a partially
// populated event: any structural problem is a CodeMalformedEvent error.
func Decode(data []byte) (*Event, error) {
	var (
		props map[string]string
		err   error
	)
	if bytes.HasPrefix(data, udevPrefix) {
		props, err = decodeUdev(data)
	} else {
		props, err = decodeKernel(data)
	}
	if err != nil {
		return nil, err
	}

	ev := &Event{
		Action:     Action(props[KeyAction]),
		DevPath:    props[KeyDevPath],
		Subsystem:  props[KeySubsystem],
		Properties: props,
	}
	for _, key := range []string{KeyAction, KeyDevPath, KeySubsystem} {
		if props[key] == "" {
			return nil, errors.New(deverr.CodeMalformedEvent, "mandatory key missing").
				WithContext("key", key)
		}
	}
	if seq, found := props[KeySeqNum]; found {
		ev.SeqNum, err = strconv.ParseUint(seq, 10, 64)
		if err != nil {
			return nil, errors.Wrap(err, deverr.CodeMalformedEvent, "invalid sequence number").
				WithContext("value", seq)
		}
	}
	return ev, nil
}

// decodeKernel handles the kernel group layout: "ACTION@DEVPATH\0" followed
// by the records.
func decodeKernel(data []byte) (map[string]string, error) {
	end := bytes.IndexByte(data, 0)
	if end < 0 {
		return nil, errors.New(deverr.CodeMalformedEvent, "datagram truncated in header")
	}
	if !bytes.Contains(data[:end], []byte("@")) {
		return nil, errors.New(deverr.CodeMalformedEvent, "not a device event").
			WithContext("header", string(data[:end]))
	}
	return parseRecords(data[end+1:])
}

// decodeUdev handles the device manager layout: a fixed binary header whose
// magic is big-endian while the offsets are in host order.
func decodeUdev(data []byte) (map[string]string, error) {
	if len(data) < udevHeaderSize {
		return nil, errors.New(deverr.CodeMalformedEvent, "datagram truncated in header").
			WithContext("length", len(data))
	}
	if magic := binary.BigEndian.Uint32(data[8:12]); magic != udevMagic {
		return nil, errors.New(deverr.CodeMalformedEvent, "bad magic").
			WithContext("magic", magic)
	}
	headerSize := binary.NativeEndian.Uint32(data[12:16])
	off := uint64(binary.NativeEndian.Uint32(data[16:20]))
	length := uint64(binary.NativeEndian.Uint32(data[20:24]))
	if headerSize < udevHeaderSize || off < uint64(headerSize) || off+length > uint64(len(data)) {
		return nil, errors.New(deverr.CodeMalformedEvent, "properties out of bounds").
			WithContext("offset", off).
			WithContext("length", length).
			WithContext("size", len(data))
	}
	return parseRecords(data[off : off+length])
}

func parseRecords(data []byte) (map[string]string, error) {
	props := make(map[string]string)
	for len(data) > 0 {
		end := bytes.IndexByte(data, 0)
		if end < 0 {
			return nil, errors.New(deverr.CodeMalformedEvent, "datagram truncated in record").
				WithContext("record", string(data))
		}
		record := data[:end]
		data = data[end+1:]
		if len(record) == 0 {
			continue
		}
		key, value, found := bytes.Cut(record, []byte("="))
		if !found || len(key) == 0 {
			return nil, errors.New(deverr.CodeMalformedEvent, "record is not KEY=VALUE").
				WithContext("record", string(record))
		}
		props[string(key)] = string(value)
	}
	return props, nil
}
