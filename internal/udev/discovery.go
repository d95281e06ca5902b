package udev

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"

	"github.com/ydb-platform/udevfs/internal/deverr"
	"github.com/ydb-platform/udevfs/internal/mux"
	"github.com/ydb-platform/udevfs/internal/netlink"
)

type Event interface {
	eventSealed()
}

// Init carries the full state to a new subscriber before any change.
type Init struct {
	Devices []Device
}

func (Init) eventSealed() {}

type Added struct {
	Device
}

func (Added) eventSealed() {}

// Changed covers change, move, bind and unbind events.
type Changed struct {
	Device
}

func (Changed) eventSealed() {}

// Removed carries the event snapshot of the device; its attributes are
// absent.
type Removed struct {
	Device
}

func (Removed) eventSealed() {}

type Slice interface {
	mux.Source[[]Device]
	Close()
}

// Discovery is a live view of the device graph: an initial enumeration kept
// current by uevents.
type Discovery interface {
	mux.Source[Event]
	DeviceById(Id) Device
	State(mux.FilterFunc[Device]) map[Id]Device
	Slice(mux.FilterFunc[Device]) Slice
	Close()
}

type DiscoveryOptions struct {
	// Group defaults to the udev group, whose events carry the properties
	// added by the device manager.
	Group         netlink.Group
	ReceiveBuffer int
	// ReconnectDelay is the pause before the socket is reopened after a
	// receive failure. Defaults to one second.
	ReconnectDelay time.Duration
	// Open replaces how the socket is opened, for sockets handed over by a
	// service manager.
	Open func() (*netlink.Monitor, error)
}

func (o *DiscoveryOptions) open() (*netlink.Monitor, error) {
	if o.Open != nil {
		return o.Open()
	}
	return netlink.Open(o.Group, netlink.WithReceiveBuffer(o.ReceiveBuffer))
}

// muxLogger hands fan-out diagnostics to klog.
type muxLogger struct{}

func (muxLogger) Info(format string, args ...interface{}) {
	klog.V(2).Infof(format, args...)
}

type discoveryRequest interface {
	requestSealed()
}

type stateRequest struct {
	filter mux.FilterFunc[Device]
}

func (stateRequest) requestSealed() {}

type lookupRequest struct {
	id Id
}

func (lookupRequest) requestSealed() {}

type newSub struct {
	sink mux.Sink[Event]
}

func (newSub) requestSealed() {}

type udevDiscovery struct {
	enum *Enumerator
	opts DiscoveryOptions

	state    map[Id]Device // owned by the run goroutine
	requests chan mux.AwaitReply[discoveryRequest, any]
	events   chan *netlink.Event
	mux      *mux.Mux[Event]
	monitor  atomic.Pointer[netlink.Monitor]

	closeOnce sync.Once
	done      chan struct{} // closed by Close
	stopped   chan struct{} // closed when the run goroutine exits
}

// NewDiscovery opens the uevent socket, then enumerates. Opening first means
// no event between the two steps is lost; an event for a device the
// enumeration already saw is applied again, which is harmless.
func NewDiscovery(ctx context.Context, wg *sync.WaitGroup, enum *Enumerator, opts DiscoveryOptions) (Discovery, error) {
	if opts.Group == 0 {
		opts.Group = netlink.UdevGroup
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 1 * time.Second
	}

	monitor, err := opts.open()
	if err != nil {
		klog.Errorf("Failed to open uevent socket: %v", err)
		return nil, fmt.Errorf("failed to open uevent socket: %w", err)
	}

	d := &udevDiscovery{
		enum:     enum,
		opts:     opts,
		state:    make(map[Id]Device),
		requests: make(chan mux.AwaitReply[discoveryRequest, any]),
		events:   make(chan *netlink.Event, 64),
		mux:      mux.Make(mux.WithLogger[Event](muxLogger{})),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	d.monitor.Store(monitor)

	devs, err := enum.Devices(ctx, nil)
	if err != nil {
		klog.Errorf("Failed to enumerate devices: %v", err)
		monitor.Close()
		d.mux.Close()
		return nil, err
	}
	for _, dev := range devs {
		d.state[dev.Id()] = dev
	}
	klog.V(2).Infof("Discovered %d devices", len(d.state))

	wg.Add(2)
	go d.receive(ctx, wg)
	go d.run(ctx, wg)

	return d, nil
}

func (d *udevDiscovery) Close() {
	d.shutdown()
	<-d.stopped
}

func (d *udevDiscovery) shutdown() {
	d.closeOnce.Do(func() {
		close(d.done)
		if m := d.monitor.Load(); m != nil {
			m.Close()
		}
	})
}

func (d *udevDiscovery) request(req discoveryRequest) (any, bool) {
	await := mux.NewAwaitReply[discoveryRequest, any](req)
	select {
	case d.requests <- await:
		return await.Await(), true
	case <-d.stopped:
		return nil, false
	}
}

// State returns the devices currently known that pass filter.
func (d *udevDiscovery) State(filter mux.FilterFunc[Device]) map[Id]Device {
	reply, ok := d.request(stateRequest{filter: filter})
	if !ok {
		return map[Id]Device{}
	}
	return reply.(map[Id]Device)
}

func (d *udevDiscovery) DeviceById(id Id) Device {
	reply, ok := d.request(lookupRequest{id: id})
	if !ok || reply == nil {
		return nil
	}
	return reply.(Device)
}

// Subscribe delivers an Init event with the current state to sink, then
// every change. Both happen on the run goroutine so no change can slip in
// between.
func (d *udevDiscovery) Subscribe(sink mux.Sink[Event]) mux.CancelFunc {
	reply, ok := d.request(newSub{sink})
	if !ok {
		sink.Close()
		return func() {}
	}
	return reply.(mux.CancelFunc)
}

// receive owns the socket: it blocks in Receive and hands events to run.
func (d *udevDiscovery) receive(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		monitor := d.monitor.Load()
		ev, err := monitor.Receive(ctx)
		switch {
		case err == nil:
			select {
			case d.events <- ev:
			case <-d.done:
				return
			}
		case deverr.Is(err, deverr.CodeClosed) || ctx.Err() != nil:
			return
		case deverr.Is(err, deverr.CodeMalformedEvent):
			klog.Errorf("Dropping malformed uevent: %v", err)
		default:
			klog.Errorf("Error from uevent monitor, will try to reopen it: %v", err)
			monitor.Close()
			if !d.reopen(ctx) {
				return
			}
			klog.Infof("Successfully reopened uevent socket")
		}
	}
}

func (d *udevDiscovery) reopen(ctx context.Context) bool {
	for {
		select {
		case <-d.done:
			return false
		case <-ctx.Done():
			return false
		case <-time.After(d.opts.ReconnectDelay):
		}

		monitor, err := d.opts.open()
		if err != nil {
			klog.Errorf("Failed to reopen uevent socket, retrying: %v", err)
			continue
		}
		d.monitor.Store(monitor)
		select {
		case <-d.done:
			monitor.Close()
			return false
		default:
			return true
		}
	}
}

func (d *udevDiscovery) run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	defer close(d.stopped)
	defer d.mux.Close()

	for {
		select {
		case ev := <-d.events:
			d.apply(ev)
		case req := <-d.requests:
			switch r := req.Value().(type) {
			case stateRequest:
				state := make(map[Id]Device)
				for k, v := range d.state {
					if r.filter == nil || r.filter(v) {
						state[k] = v
					}
				}
				req.Reply(state)
			case lookupRequest:
				if dev, found := d.state[r.id]; found {
					req.Reply(dev)
				} else {
					req.Reply(nil)
				}
			case newSub:
				init := make([]Device, 0, len(d.state))
				for _, dev := range d.state {
					init = append(init, dev)
				}
				if err := r.sink.Submit(Init{init}); err != nil {
					klog.Errorf("Failed to submit init event: %v", err)
				}
				req.Reply(d.mux.Subscribe(r.sink))
			}
		case <-d.done:
			return
		case <-ctx.Done():
			d.shutdown()
			return
		}
	}
}

func (d *udevDiscovery) apply(ev *netlink.Event) {
	dev := d.enum.FromEvent(ev)
	klog.V(5).Infof("Received device event (%s): %s", ev.Action, dev.Syspath())

	var out Event
	switch ev.Action {
	case ActionAdd, ActionOnline:
		d.state[dev.Id()] = dev
		out = Added{dev}
	case ActionRemove, ActionOffline:
		delete(d.state, dev.Id())
		out = Removed{dev}
	case ActionMove:
		if old := ev.Property(PropertyDevPathOld); old != "" {
			delete(d.state, Id(d.enum.FS().Syspath(old)))
		}
		d.state[dev.Id()] = dev
		out = Changed{dev}
	default:
		d.state[dev.Id()] = dev
		out = Changed{dev}
	}

	if err := d.mux.Submit(out); err != nil {
		klog.Errorf("Failed to submit %s event for %s: %v", ev.Action, dev.Syspath(), err)
	}
}

type udevSlice struct {
	state  map[Id]Device // owned by the run goroutine
	filter mux.FilterFunc[Device]
	mux    *mux.Mux[[]Device]
	stop   mux.CancelFunc
	subs   chan mux.AwaitReply[mux.Sink[[]Device], mux.CancelFunc]
	done   chan struct{}
	ready  bool
}

func (s *udevSlice) Close() {
	s.stop()
}

// Subscribe hands the current subset to sink right away, unless the initial
// state has not arrived yet, then every later subset.
func (s *udevSlice) Subscribe(sink mux.Sink[[]Device]) mux.CancelFunc {
	req := mux.NewAwaitReply[mux.Sink[[]Device], mux.CancelFunc](sink)
	select {
	case s.subs <- req:
		return req.Await()
	case <-s.done:
		sink.Close()
		return func() {}
	}
}

func (s *udevSlice) snapshot() []Device {
	snapshot := make([]Device, 0, len(s.state))
	for _, d := range s.state {
		snapshot = append(snapshot, d)
	}
	return snapshot
}

func (s *udevSlice) publish() {
	if err := s.mux.Submit(s.snapshot()); err != nil {
		klog.Errorf("Failed to publish device slice: %v", err)
	}
}

func (s *udevSlice) run(evCh <-chan Event) {
	defer close(s.done)
	defer s.mux.Close()
	for {
		select {
		case ev, ok := <-evCh:
			if !ok {
				return
			}
			s.apply(ev)
		case req := <-s.subs:
			if s.ready {
				if err := req.Value().Submit(s.snapshot()); err != nil {
					klog.Errorf("Failed to submit device slice: %v", err)
				}
			}
			req.Reply(s.mux.Subscribe(req.Value()))
		}
	}
}

func (s *udevSlice) apply(ev Event) {
	switch e := ev.(type) {
	case Init:
		for _, dev := range e.Devices {
			if s.filter(dev) {
				s.state[dev.Id()] = dev
			}
		}
		s.ready = true
		s.publish()
	case Added:
		if s.filter(e.Device) {
			s.state[e.Device.Id()] = e.Device
			s.publish()
		}
	case Changed:
		_, known := s.state[e.Device.Id()]
		switch {
		case s.filter(e.Device):
			s.state[e.Device.Id()] = e.Device
			s.publish()
		case known:
			delete(s.state, e.Device.Id())
			s.publish()
		}
	case Removed:
		if _, found := s.state[e.Device.Id()]; found {
			delete(s.state, e.Device.Id())
			s.publish()
		}
	}
}

// Slice keeps the subset of devices passing filter and publishes the whole
// subset whenever it changes.
func (d *udevDiscovery) Slice(filter mux.FilterFunc[Device]) Slice {
	if filter == nil {
		filter = mux.Any[Device]()
	}
	slice := &udevSlice{
		state:  make(map[Id]Device),
		filter: filter,
		mux:    mux.Make(mux.WithLogger[[]Device](muxLogger{})),
		subs:   make(chan mux.AwaitReply[mux.Sink[[]Device], mux.CancelFunc]),
		done:   make(chan struct{}),
	}

	evCh := make(chan Event)
	go slice.run(evCh)
	slice.stop = d.Subscribe(mux.SinkFromChan(evCh))

	return slice
}
