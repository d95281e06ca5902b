package udev_test

import (
	"github.com/ydb-platform/udevfs/internal/sysfs/sysfstest"
	"github.com/ydb-platform/udevfs/internal/udev"

	. "github.com/onsi/ginkgo/v2"
)

const (
	pciDev  = "devices/pci0000:00/0000:00:1f.2"
	scsiDev = pciDev + "/ata1/host0/target0:0:0/0:0:0:0"
	diskDev = scsiDev + "/block/sda"
	partDev = diskDev + "/sda1"
	loDev   = "devices/virtual/net/lo"
)

// machine builds a small machine: a SATA controller with one disk and one
// partition, and the loopback interface.
func machine() *sysfstest.Tree {
	return sysfstest.New(GinkgoT().TempDir()).
		Device(pciDev, "pci", map[string]string{"PCI_ID": "8086:1C02", "MODALIAS": "pci:v00008086d00001C02"}).
		Driver(pciDev, "pci", "ahci").
		File(pciDev+"/numa_node", "0\n").
		File(pciDev+"/vendor", "0x8086\n").
		Device(scsiDev, "scsi", map[string]string{"DEVTYPE": "scsi_device"}).
		File(scsiDev+"/model", "SAMSUNG SSD    \n").
		Device(diskDev, "block", map[string]string{"MAJOR": "8", "MINOR": "0", "DEVNAME": "sda", "DEVTYPE": "disk"}).
		File(diskDev+"/size", "1000215216\n").
		Device(partDev, "block", map[string]string{"MAJOR": "8", "MINOR": "1", "DEVNAME": "sda1", "DEVTYPE": "partition", "PARTN": "1"}).
		File(partDev+"/size", "2048\n").
		Device(loDev, "net", map[string]string{"INTERFACE": "lo", "IFINDEX": "1"}).
		File(loDev+"/operstate", "unknown\n")
}

func sysnames(devs []udev.Device) []string {
	names := make([]string, 0, len(devs))
	for _, d := range devs {
		names = append(names, d.SysName())
	}
	return names
}
