package udev

import (
	"bytes"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/agilira/go-errors"
	"k8s.io/klog/v2"

	"github.com/ydb-platform/udevfs/internal/deverr"
	"github.com/ydb-platform/udevfs/internal/netlink"
	"github.com/ydb-platform/udevfs/internal/sysfs"
)

type Id string

// Device is a point-in-time snapshot of one device. Its identity and
// properties are fixed when the snapshot is taken; attributes are read from
// sysfs on demand and may be gone by then.
type Device interface {
	Id() Id
	Syspath() string
	DevPath() string
	SysName() string
	SysNum() string
	Subsystem() string
	DevType() string
	Driver() string
	DevNode() string
	DevNum() DevNum
	DevLinks() []string
	Tags() []string

	// Action is empty for enumerated devices.
	Action() netlink.Action
	SeqNum() uint64

	// Parent resolves the closest ancestor device, nil if there is none.
	Parent() Device
	ParentWithSubsystem(subsystem, devtype string) Device
	// Backing resolves the driver model device behind a class device
	// through its "device" link, nil if there is none.
	Backing() Device

	Properties() map[string]string
	Property(string) string
	PropertyValue(string) (string, bool)
	PropertyLookup(string) string

	// Attribute returns the raw attribute value or a deverr-coded error.
	Attribute(string) ([]byte, error)
	SystemAttributes() map[string]string
	SystemAttributeKeys() []string
	SystemAttribute(string) string
	SystemAttributeLookup(string) string
	// Materialize reads every attribute once; later Attribute calls are
	// served from that copy.
	Materialize() error

	NumaNode() int

	Debug() string
}

type device struct {
	fs *sysfs.FS
	db *Database

	syspath   string
	devpath   string
	sysname   string
	sysnum    string
	subsystem string
	devtype   string
	driver    string
	devnode   string
	devnum    DevNum
	devlinks  []string
	tags      []string
	action    netlink.Action
	seqnum    uint64
	props     map[string]string

	// the parent is a lookup key, never a reference to another snapshot
	parentOnce sync.Once
	parentPath string

	mu    sync.Mutex
	attrs map[string][]byte
}

// newDevice builds a snapshot of the device at syspath, which must already be
// resolved.
func newDevice(fs *sysfs.FS, db *Database, syspath string) (*device, error) {
	uevent, err := fs.ReadUevent(syspath)
	if err != nil {
		return nil, err
	}
	subsystem, err := fs.Subsystem(syspath)
	if err != nil {
		return nil, err
	}
	driver, err := fs.Driver(syspath)
	if err != nil {
		return nil, err
	}

	d := &device{
		fs:        fs,
		db:        db,
		syspath:   syspath,
		devpath:   fs.DevPath(syspath),
		sysname:   sysfs.SysName(syspath),
		subsystem: subsystem,
		driver:    driver,
		props:     uevent,
	}
	d.sysnum = sysfs.SysNum(d.sysname)
	d.devtype = uevent[PropertyDevType]
	d.devnum = parseDevNum(uevent[PropertyMajor], uevent[PropertyMinor])
	d.devnode = devNode(uevent[PropertyDevName])

	d.props[PropertyDevPath] = d.devpath
	if subsystem != "" {
		d.props[PropertySubsystem] = subsystem
	}
	if driver != "" {
		d.props[PropertyDriver] = driver
	}

	id := DatabaseId(subsystem, d.sysname, d.devnum, uevent[PropertyIfIndex])
	rec, err := db.Read(id)
	if err != nil {
		klog.V(4).Infof("Ignoring udev database record %q of %s: %v", id, syspath, err)
	}
	if rec != nil {
		maps.Copy(d.props, rec.Properties)
		d.devlinks = rec.DevLinks
		d.tags = rec.Tags
		if len(d.devlinks) > 0 {
			d.props[PropertyDevLinks] = strings.Join(d.devlinks, " ")
		}
		if len(d.tags) > 0 {
			d.props[PropertyTags] = joinTags(d.tags)
		}
		if len(rec.CurrentTags) > 0 {
			d.props[PropertyCurrentTags] = joinTags(rec.CurrentTags)
		}
	}
	return d, nil
}

// FromEvent correlates a decoded uevent with the device model. Properties
// come from the event payload only; attributes are read live from the
// event's devpath below the given mount, unless the event removed the device.
func FromEvent(fs *sysfs.FS, ev *netlink.Event) Device {
	props := maps.Clone(ev.Properties)
	syspath := ev.Syspath(fs.Root())
	d := &device{
		fs:        fs,
		syspath:   syspath,
		devpath:   ev.DevPath,
		sysname:   sysfs.SysName(syspath),
		subsystem: ev.Subsystem,
		devtype:   props[PropertyDevType],
		driver:    props[PropertyDriver],
		devnode:   devNode(props[PropertyDevName]),
		devnum:    parseDevNum(props[PropertyMajor], props[PropertyMinor]),
		action:    ev.Action,
		seqnum:    ev.SeqNum,
		props:     props,
	}
	d.sysnum = sysfs.SysNum(d.sysname)
	if links := props[PropertyDevLinks]; links != "" {
		d.devlinks = strings.Fields(links)
	}
	d.tags = splitTags(props[PropertyTags])
	return d
}

func devNode(devname string) string {
	if devname == "" {
		return ""
	}
	if filepath.IsAbs(devname) {
		return devname
	}
	return filepath.Join(DevDir, devname)
}

func (d *device) Id() Id {
	return Id(d.syspath)
}

func (d *device) Syspath() string {
	return d.syspath
}

func (d *device) DevPath() string {
	return d.devpath
}

func (d *device) SysName() string {
	return d.sysname
}

func (d *device) SysNum() string {
	return d.sysnum
}

func (d *device) Subsystem() string {
	return d.subsystem
}

func (d *device) DevType() string {
	return d.devtype
}

func (d *device) Driver() string {
	return d.driver
}

func (d *device) DevNode() string {
	return d.devnode
}

func (d *device) DevNum() DevNum {
	return d.devnum
}

func (d *device) DevLinks() []string {
	return append([]string(nil), d.devlinks...)
}

func (d *device) Tags() []string {
	return append([]string(nil), d.tags...)
}

func (d *device) Action() netlink.Action {
	return d.action
}

func (d *device) SeqNum() uint64 {
	return d.seqnum
}

func (d *device) Parent() Device {
	d.parentOnce.Do(func() {
		parent, ok, err := d.fs.Parent(d.syspath)
		if err != nil {
			klog.V(5).Infof("Failed to find parent of %s: %v", d.syspath, err)
			return
		}
		if ok {
			d.parentPath = parent
		}
	})
	if d.parentPath == "" {
		return nil
	}

	syspath, err := d.fs.Resolve(d.parentPath)
	if err != nil {
		klog.V(5).Infof("Parent %s of %s is gone: %v", d.parentPath, d.syspath, err)
		return nil
	}
	parent, err := newDevice(d.fs, d.db, syspath)
	if err != nil {
		klog.V(5).Infof("Parent %s of %s is gone: %v", d.parentPath, d.syspath, err)
		return nil
	}
	return parent
}

// ParentWithSubsystem returns the closest ancestor in subsystem, and with
// the given devtype unless devtype is empty.
func (d *device) ParentWithSubsystem(subsystem, devtype string) Device {
	for parent := d.Parent(); parent != nil; parent = parent.Parent() {
		if parent.Subsystem() != subsystem {
			continue
		}
		if devtype == "" || parent.DevType() == devtype {
			return parent
		}
	}
	return nil
}

func (d *device) Backing() Device {
	if d.action == ActionRemove {
		return nil
	}
	node, ok, err := d.fs.DeviceNode(d.syspath)
	if err != nil {
		klog.V(5).Infof("Failed to resolve the device behind %s: %v", d.syspath, err)
		return nil
	}
	if !ok {
		return nil
	}
	dev, err := newDevice(d.fs, d.db, node)
	if err != nil {
		klog.V(5).Infof("Device %s behind %s is gone: %v", node, d.syspath, err)
		return nil
	}
	return dev
}

func (d *device) Properties() map[string]string {
	return maps.Clone(d.props)
}

func (d *device) Property(key string) string {
	return strings.TrimSpace(d.props[key])
}

func (d *device) PropertyValue(key string) (string, bool) {
	value, found := d.props[key]
	return value, found
}

func (d *device) PropertyLookup(key string) string {
	if value := d.Property(key); value != "" {
		return value
	}
	if parent := d.Parent(); parent != nil {
		return parent.PropertyLookup(key)
	}
	return ""
}

func (d *device) Attribute(name string) ([]byte, error) {
	if d.action == ActionRemove {
		return nil, errors.New(deverr.CodeAttributeRemoved, "device has been removed").
			WithContext("device", d.syspath).
			WithContext("attribute", name)
	}

	d.mu.Lock()
	value, cached := d.attrs[name]
	d.mu.Unlock()
	if cached {
		return bytes.Clone(value), nil
	}

	return d.fs.ReadAttribute(d.syspath, name)
}

// SystemAttributeKeys lists the materialized attributes once Materialize
// has run, the live directory otherwise.
func (d *device) SystemAttributeKeys() []string {
	if d.action == ActionRemove {
		return nil
	}
	d.mu.Lock()
	if d.attrs != nil {
		keys := slices.Sorted(maps.Keys(d.attrs))
		d.mu.Unlock()
		return keys
	}
	d.mu.Unlock()
	keys, err := d.fs.ListAttributes(d.syspath)
	if err != nil {
		klog.V(5).Infof("Failed to list attributes of %s: %v", d.syspath, err)
		return nil
	}
	return keys
}

// SystemAttribute returns the attribute as trimmed text, "" if it cannot be
// read for whatever reason.
func (d *device) SystemAttribute(key string) string {
	value, err := d.Attribute(key)
	if err != nil {
		if !deverr.IsVanished(err) {
			klog.V(5).Infof("Failed to read attribute %q of %s: %v", key, d.syspath, err)
		}
		return ""
	}
	return strings.TrimSpace(string(value))
}

func (d *device) SystemAttributes() map[string]string {
	res := make(map[string]string)
	for _, key := range d.SystemAttributeKeys() {
		res[key] = d.SystemAttribute(key)
	}
	return res
}

func (d *device) SystemAttributeLookup(key string) string {
	if value := d.SystemAttribute(key); value != "" {
		return value
	}
	if parent := d.Parent(); parent != nil {
		return parent.SystemAttributeLookup(key)
	}
	return ""
}

func (d *device) Materialize() error {
	if d.action == ActionRemove {
		return nil
	}
	keys, err := d.fs.ListAttributes(d.syspath)
	if err != nil {
		return fmt.Errorf("listing attributes of %s: %w", d.syspath, err)
	}

	attrs := make(map[string][]byte, len(keys))
	for _, key := range keys {
		value, err := d.fs.ReadAttribute(d.syspath, key)
		if err != nil {
			// write-only and vanished attributes are simply not part of the copy
			continue
		}
		attrs[key] = value
	}

	d.mu.Lock()
	d.attrs = attrs
	d.mu.Unlock()
	return nil
}

func (d *device) NumaNode() int {
	numaNodeStr := d.SystemAttributeLookup(SysAttrNumaNode)
	if numaNode, err := strconv.Atoi(numaNodeStr); err == nil {
		return numaNode
	}
	return -1
}

func (d *device) Debug() string {
	keys := make([]string, 0, len(d.props))
	for key := range d.props {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	props := make([]string, 0, len(keys))
	for _, key := range keys {
		props = append(props, key+"="+d.props[key])
	}
	return fmt.Sprintf("Device[ID=%s, Action=%s, Subsystem=%s, DevType=%s, DevNode=%s, DevNum=%s, Links=%v, Tags=%v, Properties=%v]",
		d.Id(),
		d.action,
		d.subsystem,
		d.devtype,
		d.devnode,
		d.devnum,
		d.devlinks,
		d.tags,
		props,
	)
}
