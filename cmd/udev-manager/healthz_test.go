package main

import (
	"net/http"
	"net/http/httptest"

	"github.com/ydb-platform/udevfs/internal/mux"
	"github.com/ydb-platform/udevfs/internal/sysfs"
	"github.com/ydb-platform/udevfs/internal/sysfs/sysfstest"
	"github.com/ydb-platform/udevfs/internal/udev"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type staticDiscovery struct {
	devices map[udev.Id]udev.Device
	sink    mux.Sink[udev.Event]
}

func (s *staticDiscovery) Subscribe(sink mux.Sink[udev.Event]) mux.CancelFunc {
	s.sink = sink
	return sink.Close
}

func (s *staticDiscovery) DeviceById(id udev.Id) udev.Device {
	return s.devices[id]
}

func (s *staticDiscovery) State(mux.FilterFunc[udev.Device]) map[udev.Id]udev.Device {
	return s.devices
}

func (s *staticDiscovery) Slice(mux.FilterFunc[udev.Device]) udev.Slice {
	return nil
}

func (s *staticDiscovery) Close() {}

var _ = Describe("healthz", func() {
	It("counts change events", func() {
		tree := sysfstest.New(GinkgoT().TempDir()).
			Device("devices/virtual/net/lo", "net", map[string]string{"INTERFACE": "lo"})
		dev, err := udev.NewEnumerator(sysfs.New(tree.Root), nil).DeviceFromSubsystemSysname("net", "lo")
		Expect(err).NotTo(HaveOccurred())

		discovery := &staticDiscovery{devices: map[udev.Id]udev.Device{dev.Id(): dev}}
		h, cancel := newHealthz(discovery)
		defer cancel()

		Expect(discovery.sink).NotTo(BeNil())
		for _, ev := range []udev.Event{
			udev.Init{Devices: []udev.Device{dev}},
			udev.Added{Device: dev},
			udev.Added{Device: dev},
			udev.Removed{Device: dev},
		} {
			Expect(discovery.sink.Submit(ev)).To(Succeed())
		}

		resp := httptest.NewRecorder()
		h.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		Expect(resp.Code).To(Equal(http.StatusOK))
		Expect(resp.Body.String()).To(Equal("devices: 1\nadded: 2\nchanged: 0\nremoved: 1\n"))
	})
})
