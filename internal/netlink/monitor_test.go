package netlink_test

import (
	"context"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ydb-platform/udevfs/internal/deverr"
	"github.com/ydb-platform/udevfs/internal/netlink"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Monitor", func() {
	var (
		monitor *netlink.Monitor
		peer    int
	)

	BeforeEach(func() {
		fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
		Expect(err).NotTo(HaveOccurred())
		peer = fds[1]
		monitor, err = netlink.FromFd(fds[0], netlink.KernelGroup)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() {
			monitor.Close()
			unix.Close(peer)
		})
	})

	send := func(data []byte) {
		_, err := unix.Write(peer, data)
		Expect(err).NotTo(HaveOccurred())
	}

	receive := func(ctx context.Context) <-chan error {
		done := make(chan error, 1)
		go func() {
			defer GinkgoRecover()
			_, err := monitor.Receive(ctx)
			done <- err
		}()
		return done
	}

	It("receives events in order", func() {
		send(kernelDatagram("add@/devices/a", "ACTION=add", "DEVPATH=/devices/a", "SUBSYSTEM=misc", "SEQNUM=1"))
		send(kernelDatagram("remove@/devices/a", "ACTION=remove", "DEVPATH=/devices/a", "SUBSYSTEM=misc", "SEQNUM=2"))

		ev, err := monitor.Receive(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(ev.SeqNum).To(Equal(uint64(1)))
		Expect(ev.Source).To(Equal(netlink.KernelGroup))
		Expect(ev.Received).NotTo(BeZero())

		ev, err = monitor.Receive(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(ev.Action).To(Equal(netlink.ActionRemove))
	})

	It("reports malformed datagrams and keeps going", func() {
		send([]byte("garbage"))
		send(kernelDatagram("add@/devices/a", "ACTION=add", "DEVPATH=/devices/a", "SUBSYSTEM=misc"))

		_, err := monitor.Receive(context.Background())
		Expect(deverr.Is(err, deverr.CodeMalformedEvent)).To(BeTrue())

		ev, err := monitor.Receive(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(ev.DevPath).To(Equal("/devices/a"))
	})

	It("returns Closed to a receiver blocked when the monitor is closed", func() {
		done := receive(context.Background())
		Consistently(done, 100*time.Millisecond).ShouldNot(Receive())

		Expect(monitor.Close()).To(Succeed())

		var err error
		Eventually(done, time.Second).Should(Receive(&err))
		Expect(deverr.Is(err, deverr.CodeClosed)).To(BeTrue())
	})

	It("returns the context error when the context ends", func() {
		ctx, cancel := context.WithCancel(context.Background())
		done := receive(ctx)
		Consistently(done, 50*time.Millisecond).ShouldNot(Receive())

		cancel()

		var err error
		Eventually(done, time.Second).Should(Receive(&err))
		Expect(err).To(MatchError(context.Canceled))

		send(kernelDatagram("add@/devices/a", "ACTION=add", "DEVPATH=/devices/a", "SUBSYSTEM=misc"))
		ev, err := monitor.Receive(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(ev.DevPath).To(Equal("/devices/a"))
	})

	It("only closes once", func() {
		Expect(monitor.Close()).To(Succeed())
		err := monitor.Close()
		Expect(deverr.Is(err, deverr.CodeClosed)).To(BeTrue())

		_, err = monitor.Receive(context.Background())
		Expect(deverr.Is(err, deverr.CodeClosed)).To(BeTrue())
	})
})

var _ = Describe("Monitor after Close", func() {
	It("leaves reused descriptors alone when the context ends", func() {
		fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(unix.Close, fds[1])
		monitor, err := netlink.FromFd(fds[0], netlink.KernelGroup)
		Expect(err).NotTo(HaveOccurred())
		Expect(monitor.Close()).To(Succeed())

		// take over the numbers the monitor released
		var reused []int
		for range 2 {
			fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(unix.Close, fd)
			reused = append(reused, fd)
		}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		for range 100 {
			_, err := monitor.Receive(ctx)
			Expect(deverr.Is(err, deverr.CodeClosed)).To(BeTrue())
		}

		counter := make([]byte, 8)
		for _, fd := range reused {
			Consistently(func() error {
				_, err := unix.Read(fd, counter)
				return err
			}, 50*time.Millisecond).Should(Equal(unix.EAGAIN))
		}
	})
})

var _ = Describe("Monitor on the udev group", func() {
	var (
		monitor *netlink.Monitor
		fd      int
		peer    int
	)

	BeforeEach(func() {
		fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
		Expect(err).NotTo(HaveOccurred())
		fd, peer = fds[0], fds[1]
		monitor, err = netlink.FromFd(fd, netlink.UdevGroup)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() {
			monitor.Close()
			unix.Close(peer)
		})
	})

	datagram := func(seqnum string) []byte {
		return udevDatagram("ACTION=add", "DEVPATH=/devices/a", "SUBSYSTEM=misc", "SEQNUM="+seqnum)
	}

	It("drops datagrams without credentials", func() {
		_, err := unix.Write(peer, datagram("1"))
		Expect(err).NotTo(HaveOccurred())

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_, err = monitor.Receive(ctx)
		Expect(err).To(MatchError(context.DeadlineExceeded))
	})

	It("accepts datagrams with root credentials", func() {
		if os.Getuid() != 0 {
			Skip("the sender must be root")
		}
		Expect(unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PASSCRED, 1)).To(Succeed())

		_, err := unix.Write(peer, datagram("2"))
		Expect(err).NotTo(HaveOccurred())

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		ev, err := monitor.Receive(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(ev.SeqNum).To(Equal(uint64(2)))
		Expect(ev.Source).To(Equal(netlink.UdevGroup))
	})
})

var _ = Describe("Open", func() {
	It("rejects unknown groups", func() {
		_, err := netlink.Open(netlink.Group(4))
		Expect(deverr.Is(err, deverr.CodeSocket)).To(BeTrue())
	})

	It("opens the kernel group", func() {
		monitor, err := netlink.Open(netlink.KernelGroup, netlink.WithReceiveBuffer(1<<20))
		if deverr.Is(err, deverr.CodePermissionDenied) || deverr.Is(err, deverr.CodeSocket) {
			Skip("uevent sockets are not available here: " + err.Error())
		}
		Expect(err).NotTo(HaveOccurred())
		Expect(monitor.Group()).To(Equal(netlink.KernelGroup))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err = monitor.Receive(ctx)
		if err != nil {
			Expect(err).To(MatchError(context.DeadlineExceeded))
		}
		Expect(monitor.Close()).To(Succeed())
	})
})
