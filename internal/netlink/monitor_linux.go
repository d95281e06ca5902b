package netlink

import (
	"context"
	goerrors "errors"
	"sync"
	"sync/atomic"

	"github.com/agilira/go-errors"
	"github.com/agilira/go-timecache"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"

	"github.com/ydb-platform/udevfs/internal/deverr"
)

// datagramSize bounds a single event. Kernel events are limited to 2KiB,
// processed udev events are larger but nowhere near this.
const datagramSize = 64 * 1024

type options struct {
	receiveBuffer int
}

type Option interface {
	apply(*options)
}

type receiveBuffer int

func (r receiveBuffer) apply(o *options) {
	o.receiveBuffer = int(r)
}

// WithReceiveBuffer sizes the socket receive queue. A larger queue makes
// drops under event storms less likely; it cannot rule them out.
func WithReceiveBuffer(bytes int) Option {
	return receiveBuffer(bytes)
}

// Monitor is an open uevent socket bound to one multicast group.
//
// Receive may be called from several goroutines but calls are serialized.
// Close may be called from any goroutine and wakes a blocked Receive.
type Monitor struct {
	group Group
	fd    int
	wake  int // eventfd used to interrupt poll(2)

	buf []byte
	oob []byte

	mu     sync.Mutex // held by Receive, and by Close while releasing descriptors
	closed atomic.Bool

	wakeMu sync.Mutex // guards wake against writes after Close released it
}

// Open creates a uevent socket and joins group. The kernel lets unprivileged
// processes listen on both groups on most systems, but hardened kernels and
// sandboxes refuse it with CodePermissionDenied.
func Open(group Group, opts ...Option) (*Monitor, error) {
	o := &options{}
	for _, opt := range opts {
		if opt != nil {
			opt.apply(o)
		}
	}

	if group != KernelGroup && group != UdevGroup {
		return nil, errors.New(deverr.CodeSocket, "unknown netlink group").
			WithContext("group", uint32(group))
	}

	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, socketError(err, "socket")
	}

	if o.receiveBuffer > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUFFORCE, o.receiveBuffer); err != nil {
			klog.V(2).Infof("SO_RCVBUFFORCE refused (%v), falling back to SO_RCVBUF", err)
			if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, o.receiveBuffer); err != nil {
				unix.Close(fd)
				return nil, socketError(err, "setsockopt SO_RCVBUF")
			}
		}
	}
	if group == UdevGroup {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PASSCRED, 1); err != nil {
			unix.Close(fd)
			return nil, socketError(err, "setsockopt SO_PASSCRED")
		}
	}

	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: uint32(group)}); err != nil {
		unix.Close(fd)
		return nil, socketError(err, "bind")
	}

	m, err := newMonitor(fd, group)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	klog.V(2).Infof("Listening for %s uevents", group)
	return m, nil
}

// FromFd wraps a datagram socket that is already bound, such as one passed
// in by a service manager. The monitor owns fd from then on, even when FromFd
// fails.
func FromFd(fd int, group Group) (*Monitor, error) {
	m, err := newMonitor(fd, group)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return m, nil
}

func newMonitor(fd int, group Group) (*Monitor, error) {
	wake, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, socketError(err, "eventfd")
	}
	return &Monitor{
		group: group,
		fd:    fd,
		wake:  wake,
		buf:   make([]byte, datagramSize),
		oob:   make([]byte, unix.CmsgSpace(unix.SizeofUcred)),
	}, nil
}

func (m *Monitor) Group() Group {
	return m.group
}

// Receive blocks until the next event arrives, the monitor is closed
// (CodeClosed) or ctx is done (ctx.Err()). There is no internal timeout.
//
// Events come in the order the kernel queued them. If the receiver falls
// behind, the kernel drops datagrams and nothing here notices.
func (m *Monitor) Receive(ctx context.Context) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed.Load() {
		return nil, closedError()
	}
	stop := context.AfterFunc(ctx, m.interrupt)
	defer stop()

	for {
		if m.closed.Load() {
			return nil, closedError()
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		fds := []unix.PollFd{
			{Fd: int32(m.fd), Events: unix.POLLIN},
			{Fd: int32(m.wake), Events: unix.POLLIN},
		}
		if _, err := unix.Poll(fds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, socketError(err, "poll")
		}

		if fds[1].Revents != 0 {
			m.drainWake()
			continue
		}
		if fds[0].Revents&unix.POLLIN == 0 {
			if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
				return nil, errors.New(deverr.CodeSocket, "socket error condition").
					WithContext("revents", fds[0].Revents)
			}
			continue
		}

		ev, err := m.read()
		if goerrors.Is(err, errSkip) {
			continue
		}
		return ev, err
	}
}

var errSkip = goerrors.New("skip datagram")

func (m *Monitor) read() (*Event, error) {
	n, oobn, flags, from, err := unix.Recvmsg(m.fd, m.buf, m.oob, 0)
	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
		return nil, errSkip
	case err == unix.ENOBUFS:
		klog.V(2).Infof("%s uevent queue overflowed, events were lost", m.group)
		return nil, errSkip
	case err != nil:
		return nil, socketError(err, "recvmsg")
	}

	if flags&unix.MSG_TRUNC != 0 {
		return nil, errors.New(deverr.CodeMalformedEvent, "datagram truncated by receive buffer").
			WithContext("size", n)
	}

	if sender, ok := from.(*unix.SockaddrNetlink); ok && m.group == KernelGroup && sender.Pid != 0 {
		klog.V(4).Infof("Dropping kernel group datagram sent by port %d", sender.Pid)
		return nil, errSkip
	}
	if m.group == UdevGroup && !fromRoot(m.oob[:oobn]) {
		klog.V(4).Info("Dropping udev group datagram without root credentials")
		return nil, errSkip
	}

	ev, err := Decode(m.buf[:n])
	if err != nil {
		return nil, err
	}
	ev.Source = m.group
	ev.Received = timecache.CachedTime()
	klog.V(5).Infof("Received %s uevent %d: %s %s", m.group, ev.SeqNum, ev.Action, ev.DevPath)
	return ev, nil
}

func fromRoot(oob []byte) bool {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return false
	}
	for i := range msgs {
		cred, err := unix.ParseUnixCredentials(&msgs[i])
		if err != nil {
			continue
		}
		return cred.Uid == 0
	}
	return false
}

// interrupt wakes a blocked Receive. It may run after Close, from a context
// callback, and then does nothing.
func (m *Monitor) interrupt() {
	m.wakeMu.Lock()
	defer m.wakeMu.Unlock()
	if m.wake < 0 {
		return
	}
	var one [8]byte
	one[0] = 1 // eventfd counters are host order; only non-zero matters
	if _, err := unix.Write(m.wake, one[:]); err != nil && err != unix.EAGAIN {
		klog.V(4).Infof("Failed to signal monitor wakeup: %v", err)
	}
}

func (m *Monitor) drainWake() {
	var counter [8]byte
	unix.Read(m.wake, counter[:])
}

// Close releases the socket. A Receive blocked in another goroutine returns
// CodeClosed. Only the first call does anything; later calls return
// CodeClosed.
func (m *Monitor) Close() error {
	if m.closed.Swap(true) {
		return closedError()
	}
	m.interrupt()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.wakeMu.Lock()
	defer m.wakeMu.Unlock()
	err := goerrors.Join(
		closeFd(m.fd, "socket"),
		closeFd(m.wake, "eventfd"),
	)
	m.wake = -1
	return err
}

func closeFd(fd int, what string) error {
	if err := unix.Close(fd); err != nil {
		return socketError(err, "close "+what)
	}
	return nil
}

func closedError() error {
	return errors.New(deverr.CodeClosed, "monitor is closed")
}

func socketError(err error, op string) error {
	if err == unix.EACCES || err == unix.EPERM {
		return errors.Wrap(err, deverr.CodePermissionDenied, "insufficient privilege for uevent socket").
			WithContext("op", op)
	}
	return errors.Wrap(err, deverr.CodeSocket, "uevent socket failure").
		WithContext("op", op)
}
