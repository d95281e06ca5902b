// Package udev models devices of the kernel device graph without libudev.
//
// Devices come from two places: an Enumerator walking sysfs, and uevents
// received from the netlink socket (FromEvent). Discovery combines both into
// a live, subscribable view.
package udev

import (
	"github.com/ydb-platform/udevfs/internal/netlink"
)

const (
	BlockSubsystem = "block"
	NetSubsystem   = "net"

	DevDir = "/dev"

	PropertyDevType     = "DEVTYPE"
	PropertyDevName     = "DEVNAME"
	PropertyDevPath     = "DEVPATH"
	PropertyDevPathOld  = "DEVPATH_OLD"
	PropertySubsystem   = "SUBSYSTEM"
	PropertyDriver      = "DRIVER"
	PropertyMajor       = "MAJOR"
	PropertyMinor       = "MINOR"
	PropertyIfIndex     = "IFINDEX"
	PropertyDevLinks    = "DEVLINKS"
	PropertyTags        = "TAGS"
	PropertyCurrentTags = "CURRENT_TAGS"
	PropertyModalias    = "MODALIAS"

	PropertyPartName    = "PARTNAME"
	PropertyModel       = "ID_MODEL"
	PropertyShortSerial = "ID_SERIAL_SHORT"
	PropertyInterface   = "INTERFACE"

	DeviceTypePart = "partition"
	DeviceTypeDisk = "disk"

	SysAttrWWID      = "wwid"
	SysAttrModel     = "model"
	SysAttrSerial    = "serial"
	SysAttrSpeed     = "speed"
	SysAttrOperstate = "operstate"
	SysAttrModalias  = "modalias"
	SysAttrNumaNode  = "numa_node"
)

const (
	ActionAdd     = netlink.ActionAdd
	ActionRemove  = netlink.ActionRemove
	ActionChange  = netlink.ActionChange
	ActionMove    = netlink.ActionMove
	ActionOnline  = netlink.ActionOnline
	ActionOffline = netlink.ActionOffline
	ActionBind    = netlink.ActionBind
	ActionUnbind  = netlink.ActionUnbind
)
