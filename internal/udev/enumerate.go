package udev

import (
	"context"
	goerrors "errors"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/agilira/go-errors"
	"k8s.io/klog/v2"

	"github.com/ydb-platform/udevfs/internal/deverr"
	"github.com/ydb-platform/udevfs/internal/mux"
	"github.com/ydb-platform/udevfs/internal/netlink"
	"github.com/ydb-platform/udevfs/internal/sysfs"
)

// Enumerator produces device snapshots by walking sysfs. It holds no mutable
// state, so one Enumerator may serve concurrent enumerations.
type Enumerator struct {
	fs *sysfs.FS
	db *Database
}

// NewEnumerator walks fs and merges properties from db, which may be nil.
func NewEnumerator(fs *sysfs.FS, db *Database) *Enumerator {
	return &Enumerator{fs: fs, db: db}
}

func (e *Enumerator) FS() *sysfs.FS {
	return e.fs
}

// Enumerate returns the devices matching filter as a lazy sequence. Each
// device is built when it is reached, in directory listing order of a
// depth-first walk over the subsystem directories (bus, then class), so the
// order is not sorted. The sequence is single-use: ranging over it a second
// time yields nothing.
//
// Devices that vanish during the walk are skipped. The only errors yielded
// are a missing sysfs mount and the end of ctx; either ends the sequence.
func (e *Enumerator) Enumerate(ctx context.Context, filter Filter) iter.Seq2[Device, error] {
	var used atomic.Bool
	return func(yield func(Device, error) bool) {
		if used.Swap(true) {
			return
		}
		if _, err := os.Stat(e.fs.Root()); err != nil {
			yield(nil, errors.Wrap(err, deverr.CodeNotFound, "sysfs is not mounted").
				WithContext("path", e.fs.Root()))
			return
		}

		filter = filter.withSubtrees(func(path string) string {
			if real, err := filepath.EvalSymlinks(path); err == nil {
				return real
			}
			return path
		})
		w := &walker{
			enum:  e,
			ctx:   ctx,
			match: filter.Func(),
			seen:  make(map[string]bool),
			yield: yield,
		}

		subsystems := filter.Subsystems()
		subtrees := filter.Subtrees()
		switch {
		case len(subsystems) == 0 && len(subtrees) > 0:
			for _, root := range subtrees {
				if !w.tree(root) {
					return
				}
			}
		case w.exists("subsystem"):
			w.buckets("subsystem", subsystems, "devices")
		default:
			if !w.buckets("bus", subsystems, "devices") {
				return
			}
			if !w.buckets("class", subsystems, "") {
				return
			}
			if !w.exists("class", BlockSubsystem) && wants(subsystems, BlockSubsystem) {
				w.dir(e.fs.Path("block"))
			}
		}
	}
}

// Devices collects the whole enumeration.
func (e *Enumerator) Devices(ctx context.Context, filter Filter) ([]Device, error) {
	var devices []Device
	for dev, err := range e.Enumerate(ctx, filter) {
		if err != nil {
			return devices, err
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

// DeviceFromSyspath snapshots the device at path, a syspath or a devpath.
func (e *Enumerator) DeviceFromSyspath(path string) (Device, error) {
	syspath, err := e.fs.Resolve(path)
	if err != nil {
		return nil, err
	}
	return newDevice(e.fs, e.db, syspath)
}

func (e *Enumerator) DeviceFromSubsystemSysname(subsystem, sysname string) (Device, error) {
	syspath, err := e.fs.Lookup(subsystem, sysname)
	if err != nil {
		return nil, err
	}
	return newDevice(e.fs, e.db, syspath)
}

// FromEvent correlates ev with a device snapshot below this enumerator's
// mount.
func (e *Enumerator) FromEvent(ev *netlink.Event) Device {
	return FromEvent(e.fs, ev)
}

func wants(subsystems []string, name string) bool {
	if len(subsystems) == 0 {
		return true
	}
	for _, s := range subsystems {
		if s == name {
			return true
		}
	}
	return false
}

type walker struct {
	enum  *Enumerator
	ctx   context.Context
	match mux.FilterFunc[Device]
	seen  map[string]bool
	yield func(Device, error) bool
}

func (w *walker) exists(elem ...string) bool {
	_, err := os.Stat(w.enum.fs.Path(elem...))
	return err == nil
}

// buckets scans <top>/<subsystem>/<inner>/* for every subsystem, or every
// subsystem present when none is given. Naming the subsystems skips all
// other buckets without reading them.
func (w *walker) buckets(top string, subsystems []string, inner string) bool {
	if len(subsystems) == 0 {
		names, err := readDirNames(w.enum.fs.Path(top))
		if err != nil {
			klog.V(5).Infof("Skipping %s: %v", w.enum.fs.Path(top), err)
			return true
		}
		subsystems = names
	}
	for _, subsystem := range subsystems {
		if !w.dir(w.enum.fs.Path(top, subsystem, inner)) {
			return false
		}
	}
	return true
}

// dir offers every entry of a bucket directory as a candidate.
func (w *walker) dir(path string) bool {
	names, err := readDirNames(path)
	if err != nil {
		klog.V(5).Infof("Skipping %s: %v", path, err)
		return true
	}
	for _, name := range names {
		if !w.candidate(filepath.Join(path, name)) {
			return false
		}
	}
	return true
}

// tree walks a device subtree depth-first without following links.
func (w *walker) tree(path string) bool {
	if _, err := os.Stat(filepath.Join(path, sysfs.UeventFile)); err == nil {
		if !w.candidate(path) {
			return false
		}
	}
	dir, err := os.Open(path)
	if err != nil {
		klog.V(5).Infof("Skipping %s: %v", path, err)
		return true
	}
	entries, err := dir.ReadDir(-1)
	dir.Close()
	if err != nil {
		klog.V(5).Infof("Skipping %s: %v", path, err)
		return true
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if !w.tree(filepath.Join(path, entry.Name())) {
			return false
		}
	}
	return true
}

// candidate returns false once the walk has to stop.
func (w *walker) candidate(path string) bool {
	if err := w.ctx.Err(); err != nil {
		w.yield(nil, err)
		return false
	}

	syspath, err := w.enum.fs.Resolve(path)
	if err != nil {
		skip(path, err)
		return true
	}
	if w.seen[syspath] {
		return true
	}
	w.seen[syspath] = true

	dev, err := newDevice(w.enum.fs, w.enum.db, syspath)
	if err != nil {
		skip(syspath, err)
		return true
	}
	if !w.match(dev) {
		return true
	}
	return w.yield(dev, nil)
}

// skip logs a candidate that could not be snapshotted. The walk races with
// the kernel, so none of this is an enumeration failure.
func skip(path string, err error) {
	if deverr.IsVanished(err) || deverr.Is(err, deverr.CodeLinkResolution) {
		klog.V(5).Infof("Skipping vanished device %s: %v", path, err)
		return
	}
	klog.V(2).Infof("Skipping device %s: %v", path, err)
}

// readDirNames lists a directory in the order the filesystem returns it.
func readDirNames(path string) ([]string, error) {
	dir, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer dir.Close()
	names, err := dir.Readdirnames(-1)
	if err != nil && !goerrors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return names, nil
}
