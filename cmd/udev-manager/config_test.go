package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/ydb-platform/udevfs/internal/netlink"
	"github.com/ydb-platform/udevfs/internal/udev"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var envNames = []string{"SYSFS_PATH", "UDEV_RUN_PATH", "UDEV_HWDB_BIN", "UEVENT_GROUP", "UEVENT_RCVBUF", "HEALTHZ_ADDR"}

func setenv(name, value string) {
	Expect(os.Setenv(name, value)).To(Succeed())
	DeferCleanup(os.Unsetenv, name)
}

var _ = Describe("Config", func() {
	BeforeEach(func() {
		for _, name := range envNames {
			if old, ok := os.LookupEnv(name); ok {
				Expect(os.Unsetenv(name)).To(Succeed())
				DeferCleanup(os.Setenv, name, old)
			}
		}
	})

	It("uses defaults without a source", func() {
		config, err := parseConfig(nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(config.Sysfs).To(Equal("/sys"))
		Expect(config.UdevRun).To(Equal(udev.DefaultRunPath))
		Expect(config.group()).To(Equal(netlink.UdevGroup))
		Expect(config.filters()).To(Equal([]udev.Filter{nil}))
	})

	It("tolerates an empty document", func() {
		config, err := parseConfig(strings.NewReader(""))
		Expect(err).NotTo(HaveOccurred())
		Expect(config.Sysfs).To(Equal("/sys"))
	})

	It("reads filters as alternatives", func() {
		config, err := parseConfig(strings.NewReader(`
sysfs: /host/sys
group: kernel
receiveBuffer: 1048576
attributes: true
filters:
  - subsystem: block
    properties:
      DEVTYPE: disk
  - subtree: /host/sys/devices/pci0000:00
    attributes:
      vendor: "0x8086"
`))
		Expect(err).NotTo(HaveOccurred())
		Expect(config.Sysfs).To(Equal("/host/sys"))
		Expect(config.group()).To(Equal(netlink.KernelGroup))
		Expect(config.ReceiveBuffer).To(Equal(1 << 20))
		Expect(config.Attributes).To(BeTrue())

		filters := config.filters()
		Expect(filters).To(HaveLen(2))
		Expect(filters[0]).To(ConsistOf(udev.MatchSubsystem("block"), udev.MatchProperty("DEVTYPE", "disk")))
		Expect(filters[1]).To(ConsistOf(udev.MatchSubtree("/host/sys/devices/pci0000:00"), udev.MatchAttribute("vendor", "0x8086")))
	})

	It("lets the environment override the document", func() {
		setenv("SYSFS_PATH", "/host/sys")
		setenv("UEVENT_GROUP", "kernel")
		setenv("UEVENT_RCVBUF", "4096")

		config, err := parseConfig(strings.NewReader("sysfs: /sys\ngroup: udev\nhealthz: :8080\n"))
		Expect(err).NotTo(HaveOccurred())
		Expect(config.Sysfs).To(Equal("/host/sys"))
		Expect(config.Group).To(Equal("kernel"))
		Expect(config.ReceiveBuffer).To(Equal(4096))
		Expect(config.Healthz).To(Equal(":8080"))
	})

	It("rejects malformed environment values", func() {
		setenv("UEVENT_RCVBUF", "lots")
		_, err := parseConfig(nil)
		Expect(err).To(MatchError(ContainSubstring("environment")))
	})

	It("reports every invalid setting", func() {
		_, err := parseConfig(strings.NewReader(`
sysfs: sys
group: everything
receiveBuffer: -1
filters:
  - subtree: devices/pci0000:00
    attributes:
      ../uevent: x
`))
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(And(
			ContainSubstring(".sysfs"),
			ContainSubstring(".group"),
			ContainSubstring(".receiveBuffer"),
			ContainSubstring(".filters[0].subtree"),
			ContainSubstring(".filters[0].attributes"),
		))
	})

	It("rejects documents of the wrong shape", func() {
		_, err := parseConfig(strings.NewReader("filters: block\n"))
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("ConfigFlag", func() {
	It("parses sources", func() {
		var flag ConfigFlag
		Expect(flag.String()).To(BeEmpty())

		Expect(flag.Set("file:/etc/udev-manager.yaml")).To(Succeed())
		Expect(flag.String()).To(Equal("file:/etc/udev-manager.yaml"))
		Expect(flag.Set("env:UDEV_MANAGER_CONFIG")).To(Succeed())
		Expect(flag.String()).To(Equal("env:UDEV_MANAGER_CONFIG"))
		Expect(flag.Set("stdin")).To(Succeed())
		Expect(flag.String()).To(Equal("stdin"))

		Expect(flag.Set("http://example.com")).NotTo(Succeed())
	})

	It("loads from a file", func() {
		path := filepath.Join(GinkgoT().TempDir(), "config.yaml")
		Expect(os.WriteFile(path, []byte("sysfs: /host/sys\n"), 0o644)).To(Succeed())

		var flag ConfigFlag
		Expect(flag.Set("file:" + path)).To(Succeed())
		config, err := loadConfig(&flag)
		Expect(err).NotTo(HaveOccurred())
		Expect(config.Sysfs).To(Equal("/host/sys"))
	})

	It("loads from the environment", func() {
		setenv("UDEV_MANAGER_TEST_CONFIG", "udevRun: /host/run/udev\n")

		var flag ConfigFlag
		Expect(flag.Set("env:UDEV_MANAGER_TEST_CONFIG")).To(Succeed())
		config, err := loadConfig(&flag)
		Expect(err).NotTo(HaveOccurred())
		Expect(config.UdevRun).To(Equal("/host/run/udev"))
	})

	It("fails on a missing source", func() {
		var flag ConfigFlag
		Expect(flag.Set("env:UDEV_MANAGER_UNSET_CONFIG")).To(Succeed())
		_, err := loadConfig(&flag)
		Expect(err).To(HaveOccurred())

		Expect(flag.Set("file:/nonexistent/config.yaml")).To(Succeed())
		_, err = loadConfig(&flag)
		Expect(err).To(HaveOccurred())
	})

	It("falls back to defaults when unset", func() {
		var flag ConfigFlag
		config, err := loadConfig(&flag)
		Expect(err).NotTo(HaveOccurred())
		Expect(config.Sysfs).To(Equal("/sys"))
	})
})
