// Package sysfstest builds synthetic sysfs trees in temporary directories.
package sysfstest

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Tree is a sysfs mount under construction. Every method panics on failure;
// it is only meant for test setup.
type Tree struct {
	Root string
}

func New(root string) *Tree {
	must(os.MkdirAll(root, 0o755))
	return &Tree{Root: root}
}

func (t *Tree) Path(rel string) string {
	return filepath.Join(t.Root, filepath.FromSlash(strings.TrimPrefix(rel, "/")))
}

func (t *Tree) Dir(rel string) *Tree {
	must(os.MkdirAll(t.Path(rel), 0o755))
	return t
}

func (t *Tree) File(rel, content string) *Tree {
	path := t.Path(rel)
	must(os.MkdirAll(filepath.Dir(path), 0o755))
	must(os.WriteFile(path, []byte(content), 0o644))
	return t
}

// Link creates rel pointing to target, verbatim. Relative targets are
// interpreted by the kernel from the link's directory, as usual.
func (t *Tree) Link(rel, target string) *Tree {
	path := t.Path(rel)
	must(os.MkdirAll(filepath.Dir(path), 0o755))
	must(os.Symlink(target, path))
	return t
}

// LinkTo creates rel as a relative link to another entry of the tree.
func (t *Tree) LinkTo(rel, to string) *Tree {
	from := filepath.Dir(t.Path(rel))
	target, err := filepath.Rel(from, t.Path(to))
	must(err)
	return t.Link(rel, target)
}

func (t *Tree) Remove(rel string) *Tree {
	must(os.RemoveAll(t.Path(rel)))
	return t
}

// Device creates a device directory at devpath with a uevent file holding
// props, and links it into its subsystem the way the kernel does: class
// devices get class/<subsystem>/<name>, everything else
// bus/<subsystem>/devices/<name>.
func (t *Tree) Device(devpath, subsystem string, props map[string]string) *Tree {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var uevent strings.Builder
	for _, k := range keys {
		uevent.WriteString(k + "=" + props[k] + "\n")
	}
	t.File(devpath+"/uevent", uevent.String())
	if subsystem == "" {
		return t
	}

	name := filepath.Base(devpath)
	if t.isClass(subsystem) {
		t.Dir("class/" + subsystem)
		t.LinkTo(devpath+"/subsystem", "class/"+subsystem)
		t.LinkTo("class/"+subsystem+"/"+name, devpath)
	} else {
		t.Dir("bus/" + subsystem + "/devices")
		t.LinkTo(devpath+"/subsystem", "bus/"+subsystem)
		t.LinkTo("bus/"+subsystem+"/devices/"+name, devpath)
	}
	return t
}

// Driver binds the device at devpath to a driver of its bus.
func (t *Tree) Driver(devpath, bus, driver string) *Tree {
	t.Dir("bus/" + bus + "/drivers/" + driver)
	return t.LinkTo(devpath+"/driver", "bus/"+bus+"/drivers/"+driver)
}

var classSubsystems = map[string]bool{
	"net": true, "block": true, "tty": true, "input": true, "infiniband": true, "misc": true,
}

func (t *Tree) isClass(subsystem string) bool {
	return classSubsystems[subsystem]
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
